package protocol

import (
	"testing"
)

func TestDecodeKnownEvent(t *testing.T) {
	t.Parallel()

	ev := Decode([]byte(`{"type":"step_completed","step_id":"s2","validation":{"success":true,"feedback":"looks good"}}`))
	if ev == nil {
		t.Fatal("expected event, got nil")
	}
	if ev.Type != EventStepCompleted {
		t.Fatalf("unexpected type: %q", ev.Type)
	}
	if ev.StepID != "s2" {
		t.Fatalf("unexpected step_id: %q", ev.StepID)
	}
	if ev.Validation == nil || !ev.Validation.Success || ev.Validation.Feedback != "looks good" {
		t.Fatalf("unexpected validation: %+v", ev.Validation)
	}
}

func TestDecodeDropsUnknownAndMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		frame string
	}{
		{"unknown type", `{"type":"telemetry","payload":1}`},
		{"missing type", `{"message":"hi"}`},
		{"malformed json", `{"type":"status"`},
		{"not an object", `"pong"`},
		{"empty", ``},
	}
	for _, tc := range cases {
		if ev := Decode([]byte(tc.frame)); ev != nil {
			t.Errorf("%s: expected nil, got %+v", tc.name, ev)
		}
	}
}

func TestDecodePlanCreated(t *testing.T) {
	t.Parallel()

	ev := Decode([]byte(`{"type":"plan_created","plan":[{"id":"s1","objective":"write code","status":"pending"},{"id":"s2","objective":"run tests","status":"pending"}]}`))
	if ev == nil {
		t.Fatal("expected event, got nil")
	}
	if len(ev.Plan) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(ev.Plan))
	}
	if ev.Plan[1].Objective != "run tests" {
		t.Fatalf("unexpected objective: %q", ev.Plan[1].Objective)
	}
}

func TestIsStopRequest(t *testing.T) {
	t.Parallel()

	if msg, ok := IsStopRequest([]byte("__STOP__")); !ok || msg != "" {
		t.Fatalf("sentinel not recognized: ok=%v msg=%q", ok, msg)
	}

	frame, err := EncodeStopWithMessage("use sqlite instead")
	if err != nil {
		t.Fatalf("EncodeStopWithMessage failed: %v", err)
	}
	msg, ok := IsStopRequest(frame)
	if !ok {
		t.Fatal("structured stop not recognized")
	}
	if msg != "use sqlite instead" {
		t.Fatalf("unexpected redirect message: %q", msg)
	}

	if _, ok := IsStopRequest([]byte(`build a todo app`)); ok {
		t.Fatal("plain chat text misread as stop")
	}
	if _, ok := IsStopRequest([]byte(`{"type":"status"}`)); ok {
		t.Fatal("non-stop event misread as stop")
	}
}

func TestStringArg(t *testing.T) {
	t.Parallel()

	args := map[string]any{"command": "ls -la", "count": 3}
	if got := StringArg(args, "command"); got != "ls -la" {
		t.Fatalf("unexpected value: %q", got)
	}
	if got := StringArg(args, "count"); got != "" {
		t.Fatalf("non-string value should yield empty, got %q", got)
	}
	if got := StringArg(nil, "command"); got != "" {
		t.Fatalf("nil map should yield empty, got %q", got)
	}
}
