package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/HatimBenzahra/agent/internal/config"
	"github.com/HatimBenzahra/agent/internal/sandbox"
)

type terminalFrame struct {
	Type     string `json:"type"`
	Cwd      string `json:"cwd"`
	Output   string `json:"output"`
	Success  bool   `json:"success"`
	ExitCode int    `json:"exit_code"`
}

func newTerminalServer(t *testing.T) *httptest.Server {
	t.Helper()

	sandboxes, err := sandbox.NewManager(t.TempDir(), sandbox.NewLocalRunner(), 10*time.Second)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	events, err := NewEventLogger(config.EventLogConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("NewEventLogger: %v", err)
	}

	router := chi.NewRouter()
	router.Handle("/ws/terminal/{projectID}", NewTerminalGateway(sandboxes, events, slog.Default()))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestTerminalCommandRoundTrip(t *testing.T) {
	t.Parallel()
	srv := newTerminalServer(t)
	ws := dialPath(t, srv.URL, "/ws/terminal/p1")

	var prompt terminalFrame
	if err := json.Unmarshal(readFrame(t, ws), &prompt); err != nil {
		t.Fatalf("unmarshal prompt: %v", err)
	}
	if prompt.Type != "prompt" || prompt.Cwd != "/" {
		t.Fatalf("unexpected initial prompt: %+v", prompt)
	}

	sendFrame(t, ws, `{"type":"command","command":"echo hello"}`)

	var out terminalFrame
	if err := json.Unmarshal(readFrame(t, ws), &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if out.Type != "output" || !out.Success || strings.TrimSpace(out.Output) != "hello" {
		t.Fatalf("unexpected output: %+v", out)
	}

	if err := json.Unmarshal(readFrame(t, ws), &prompt); err != nil {
		t.Fatalf("unmarshal next prompt: %v", err)
	}
	if prompt.Type != "prompt" {
		t.Fatalf("expected prompt after output, got %+v", prompt)
	}
}

func TestTerminalBlockedCommand(t *testing.T) {
	t.Parallel()
	srv := newTerminalServer(t)
	ws := dialPath(t, srv.URL, "/ws/terminal/p1")

	readFrame(t, ws) // initial prompt

	sendFrame(t, ws, "sudo whoami")

	var out terminalFrame
	if err := json.Unmarshal(readFrame(t, ws), &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if out.Success || !strings.Contains(out.Output, "Command blocked") {
		t.Fatalf("blocked command not refused: %+v", out)
	}
}

func TestTerminalRawTextFrameIsACommand(t *testing.T) {
	t.Parallel()
	srv := newTerminalServer(t)
	ws := dialPath(t, srv.URL, "/ws/terminal/p1")

	readFrame(t, ws) // initial prompt

	sendFrame(t, ws, "pwd")

	var out terminalFrame
	if err := json.Unmarshal(readFrame(t, ws), &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if out.Type != "output" || !out.Success {
		t.Fatalf("raw text command not executed: %+v", out)
	}
}
