// Package protocol defines the JSON event envelope exchanged over the chat
// websocket, plus the text sentinels that never reach the event layer.
//
// Every structured frame carries a "type" discriminant; the remaining fields
// are type-specific and left zero elsewhere. Unknown types are not an error:
// the protocol is forward-compatible and consumers drop what they do not
// recognize.
package protocol

import (
	"encoding/json"

	"github.com/HatimBenzahra/agent/internal/domain"
)

// Text sentinels. Ping/pong keep idle transports open; the stop token
// aborts the in-flight turn without a structured payload.
const (
	PingFrame = "ping"
	PongFrame = "pong"
	StopFrame = "__STOP__"
)

// EventType identifies one variant of the inbound event stream.
type EventType string

// The closed set of event types the reconciler understands.
const (
	EventStatus               EventType = "status"
	EventPlanCreated          EventType = "plan_created"
	EventStepStarted          EventType = "step_started"
	EventStepValidating       EventType = "step_validating"
	EventStepCompleted        EventType = "step_completed"
	EventStepFailed           EventType = "step_failed"
	EventToolCall             EventType = "tool_call"
	EventToolResult           EventType = "tool_result"
	EventSubAgentTool         EventType = "sub_agent_tool"
	EventResult               EventType = "result"
	EventError                EventType = "error"
	EventFilesUpdated         EventType = "files_updated"
	EventStopAcknowledged     EventType = "stop_acknowledged"
	EventExecutionInterrupted EventType = "execution_interrupted"
)

// PlanStep is one step of a declared execution plan as carried on the wire.
type PlanStep struct {
	ID        string `json:"id"`
	Objective string `json:"objective"`
	Status    string `json:"status"`
}

// Validation is the outcome of validating a plan step.
type Validation struct {
	Success  bool   `json:"success"`
	Feedback string `json:"feedback"`
}

// Event is the decoded union of all inbound event variants. Fields not
// belonging to the event's type are zero.
type Event struct {
	Type       EventType         `json:"type"`
	Message    string            `json:"message,omitempty"`
	Content    string            `json:"content,omitempty"`
	Plan       []PlanStep        `json:"plan,omitempty"`
	StepID     string            `json:"step_id,omitempty"`
	Validation *Validation       `json:"validation,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	Tool       string            `json:"tool,omitempty"`
	Arguments  map[string]any    `json:"arguments,omitempty"`
	Output     string            `json:"output,omitempty"`
	Success    bool              `json:"success,omitempty"`
	Files      []domain.FileInfo `json:"files,omitempty"`
}

var knownTypes = map[EventType]struct{}{
	EventStatus:               {},
	EventPlanCreated:          {},
	EventStepStarted:          {},
	EventStepValidating:       {},
	EventStepCompleted:        {},
	EventStepFailed:           {},
	EventToolCall:             {},
	EventToolResult:           {},
	EventSubAgentTool:         {},
	EventResult:               {},
	EventError:                {},
	EventFilesUpdated:         {},
	EventStopAcknowledged:     {},
	EventExecutionInterrupted: {},
}

// Decode parses a raw frame into an Event. It returns nil for frames that
// must not reach the reducers: malformed JSON, missing or unknown type.
// Decode never panics regardless of input.
func Decode(frame []byte) *Event {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil
	}
	if _, ok := knownTypes[ev.Type]; !ok {
		return nil
	}
	return &ev
}

// StopRequest is the structured stop-with-redirect frame.
type StopRequest struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EncodeStopWithMessage builds the outbound stop-with-redirect frame.
func EncodeStopWithMessage(message string) ([]byte, error) {
	return json.Marshal(StopRequest{Type: "stop", Message: message})
}

// IsStopRequest reports whether an inbound client frame is a stop: either
// the bare sentinel or the structured form. The redirect message, if any,
// is returned alongside.
func IsStopRequest(frame []byte) (message string, ok bool) {
	if string(frame) == StopFrame {
		return "", true
	}
	var req StopRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return "", false
	}
	if req.Type != "stop" {
		return "", false
	}
	return req.Message, true
}

// StringArg extracts a string argument from a tool-call argument map,
// tolerating absence and non-string values.
func StringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// IsMutatingTool reports whether a successful call to the tool invalidates
// the cached file listing.
func IsMutatingTool(tool string) bool {
	return tool == "write_file" || tool == "delete_file"
}

// TerminalTool is the tool name whose calls are mirrored into the terminal
// transcript.
const TerminalTool = "terminal"
