// Package session implements the client side of a project chat: one owned
// websocket per active project and the reconciled state derived from its
// event stream.
//
// All inbound frames are applied on the connection's read goroutine, one at
// a time, in arrival order. Every projection (transcript, plan, tool-call
// ledger, terminal transcript, file list, activity narration) is updated in
// a single critical section per event, so readers never observe a plan
// without its matching narration.
package session

import (
	"time"

	"github.com/HatimBenzahra/agent/internal/domain"
)

// ConnectionState is the transport status of the active project's channel.
type ConnectionState string

// Connection states. Commands are accepted only while Connected.
const (
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

// StepStatus is the lifecycle state of one plan step.
type StepStatus string

// Step lifecycle: pending -> executing -> validating -> completed|failed.
// Completed and failed are terminal within a plan.
const (
	StepPending    StepStatus = "pending"
	StepExecuting  StepStatus = "executing"
	StepValidating StepStatus = "validating"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// ToolCallStatus is the lifecycle state of one in-flight tool call.
type ToolCallStatus string

const (
	ToolExecuting ToolCallStatus = "executing"
	ToolDone      ToolCallStatus = "done"
)

// Message is one transcript turn. Immutable once appended, except that the
// in-flight agent turn materializes only when its result arrives.
type Message struct {
	Role      string
	Content   string
	ToolCalls []ToolCall
	IsError   bool
}

// ToolCall is one tool invocation attributed to the current in-flight turn.
type ToolCall struct {
	Tool      string
	Arguments map[string]any
	Status    ToolCallStatus
	Output    string
	Success   bool
}

// PlanStep is one step of the declared execution plan.
type PlanStep struct {
	ID        string
	Objective string
	Status    StepStatus
}

// Validation is the recorded outcome of validating a step.
type Validation struct {
	Success  bool
	Feedback string
}

// StepEventKind distinguishes observed sub-agent actions.
type StepEventKind string

const (
	StepEventTool StepEventKind = "tool"
	StepEventLog  StepEventKind = "log"
)

// StepEvent is one observed sub-agent action attributed to a task id.
type StepEvent struct {
	Kind      StepEventKind
	Tool      string
	Message   string
	Success   bool
	Timestamp time.Time
}

// TerminalEntryKind classifies terminal transcript lines.
type TerminalEntryKind string

const (
	TerminalCommand TerminalEntryKind = "command"
	TerminalOutput  TerminalEntryKind = "output"
	TerminalError   TerminalEntryKind = "error"
)

// TerminalEntry is one line of observed shell interaction.
type TerminalEntry struct {
	Kind      TerminalEntryKind
	Content   string
	Timestamp time.Time
}

// State is the reconciled view of one active project session. It is a value
// type; Session.Snapshot returns an independent copy safe to read while the
// stream keeps flowing.
type State struct {
	ProjectID  string
	Connection ConnectionState

	// Activity is the human-readable "what is happening now" label.
	// Empty means idle.
	Activity string

	// Processing is true from a sent message until result or error.
	Processing bool

	Messages  []Message
	ToolCalls []ToolCall

	Plan          []PlanStep
	CurrentStepID string
	Validations   map[string]Validation
	StepEvents    map[string][]StepEvent

	Terminal []TerminalEntry
	Files    []domain.FileInfo
}

func newState(projectID string) State {
	return State{
		ProjectID:   projectID,
		Connection:  Connecting,
		Validations: make(map[string]Validation),
		StepEvents:  make(map[string][]StepEvent),
	}
}

// clone returns a deep copy of the state so callers can hold it without
// racing the reducer.
func (s *State) clone() State {
	out := *s
	out.Messages = append([]Message(nil), s.Messages...)
	out.ToolCalls = append([]ToolCall(nil), s.ToolCalls...)
	out.Plan = append([]PlanStep(nil), s.Plan...)
	out.Terminal = append([]TerminalEntry(nil), s.Terminal...)
	out.Files = append([]domain.FileInfo(nil), s.Files...)
	out.Validations = make(map[string]Validation, len(s.Validations))
	for k, v := range s.Validations {
		out.Validations[k] = v
	}
	out.StepEvents = make(map[string][]StepEvent, len(s.StepEvents))
	for k, v := range s.StepEvents {
		out.StepEvents[k] = append([]StepEvent(nil), v...)
	}
	return out
}
