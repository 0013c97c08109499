package session

import (
	"fmt"
	"time"

	"github.com/HatimBenzahra/agent/internal/domain"
	"github.com/HatimBenzahra/agent/internal/protocol"
)

// stepEventDedupWindow bounds how far apart two deliveries of the same
// logical sub-agent action may be and still collapse into one StepEvent.
// The upstream carries no event id, so identity is tool + rendered message
// + proximity in time.
const stepEventDedupWindow = 100 * time.Millisecond

// effects are side requests produced by a reducer step. They are executed
// outside the state lock; none of them may mutate state directly.
type effects struct {
	refreshFiles bool
}

// apply folds one decoded event into the state. It runs under the session
// lock and must stay synchronous and bounded: no I/O, no blocking.
//
// Each case is independently resilient: an event referencing an entity the
// state has not seen (unknown step id, result with no ledger) degrades to
// the smallest sensible update rather than failing.
func (s *State) apply(ev *protocol.Event, now time.Time) effects {
	var fx effects

	switch ev.Type {
	case protocol.EventStatus:
		if ev.Message != "" {
			s.Activity = ev.Message
		} else {
			s.Activity = "Processing..."
		}

	case protocol.EventPlanCreated:
		// A new plan supersedes everything derived from the old one.
		s.Plan = s.Plan[:0]
		for _, step := range ev.Plan {
			s.Plan = append(s.Plan, PlanStep{
				ID:        step.ID,
				Objective: step.Objective,
				Status:    StepPending,
			})
		}
		s.CurrentStepID = ""
		s.Validations = make(map[string]Validation)
		s.StepEvents = make(map[string][]StepEvent)
		s.Activity = "Plan created"

	case protocol.EventStepStarted:
		s.CurrentStepID = ev.StepID
		s.setStepStatus(ev.StepID, StepExecuting)
		// Narration must read the plan as just updated, never a stale
		// snapshot captured before this event.
		if step := s.findStep(ev.StepID); step != nil {
			s.Activity = "Executing: " + step.Objective
		} else {
			s.Activity = "Executing step..."
		}

	case protocol.EventStepValidating:
		s.setStepStatus(ev.StepID, StepValidating)
		s.Activity = "Validating step..."

	case protocol.EventStepCompleted:
		s.setStepStatus(ev.StepID, StepCompleted)
		s.attachValidation(ev)
		s.Activity = "Step completed"

	case protocol.EventStepFailed:
		s.setStepStatus(ev.StepID, StepFailed)
		s.attachValidation(ev)
		s.Activity = "Step failed"

	case protocol.EventToolCall:
		s.ToolCalls = append(s.ToolCalls, ToolCall{
			Tool:      ev.Tool,
			Arguments: ev.Arguments,
			Status:    ToolExecuting,
		})
		s.Activity = "Using tool: " + ev.Tool
		if ev.Tool == protocol.TerminalTool {
			if cmd := protocol.StringArg(ev.Arguments, "command"); cmd != "" {
				s.appendTerminal(TerminalCommand, cmd, now)
			}
		}

	case protocol.EventToolResult:
		s.finalizeLastToolCall(ev)
		if ev.Tool == protocol.TerminalTool && ev.Output != "" {
			kind := TerminalOutput
			if !ev.Success {
				kind = TerminalError
			}
			s.appendTerminal(kind, ev.Output, now)
		}
		if protocol.IsMutatingTool(ev.Tool) && ev.Success {
			fx.refreshFiles = true
		}

	case protocol.EventSubAgentTool:
		fx.refreshFiles = s.applySubAgentTool(ev, now)

	case protocol.EventResult:
		msg := Message{Role: domain.RoleAgent, Content: ev.Content}
		if len(s.ToolCalls) > 0 {
			msg.ToolCalls = append([]ToolCall(nil), s.ToolCalls...)
		}
		s.Messages = append(s.Messages, msg)
		s.ToolCalls = nil
		s.Processing = false
		s.Activity = ""
		fx.refreshFiles = true

	case protocol.EventError:
		s.Messages = append(s.Messages, Message{
			Role:    domain.RoleAgent,
			Content: ev.Content,
			IsError: true,
		})
		s.ToolCalls = nil
		s.Processing = false
		s.Activity = ""

	case protocol.EventFilesUpdated:
		s.Files = ev.Files

	case protocol.EventStopAcknowledged:
		if ev.Message != "" {
			s.Activity = ev.Message
		} else {
			s.Activity = "Stopping..."
		}

	case protocol.EventExecutionInterrupted:
		// Interruption rolls in-flight progress back to pending; it does
		// not fail steps, and terminal states stay untouched.
		for i := range s.Plan {
			if s.Plan[i].Status == StepPending || s.Plan[i].Status == StepExecuting {
				s.Plan[i].Status = StepPending
			}
		}
		msg := ev.Message
		if msg == "" {
			msg = "Stopped by user"
		}
		s.Activity = "Interrupted: " + msg
	}

	return fx
}

// findStep returns the plan step with the given id, or nil.
func (s *State) findStep(id string) *PlanStep {
	for i := range s.Plan {
		if s.Plan[i].ID == id {
			return &s.Plan[i]
		}
	}
	return nil
}

// setStepStatus advances a step. An id absent from the current plan is a
// no-op: events from a superseded plan may still be in flight.
func (s *State) setStepStatus(id string, status StepStatus) {
	if step := s.findStep(id); step != nil {
		step.Status = status
	}
}

func (s *State) attachValidation(ev *protocol.Event) {
	if ev.Validation == nil || ev.StepID == "" {
		return
	}
	if s.findStep(ev.StepID) == nil {
		return
	}
	s.Validations[ev.StepID] = Validation{
		Success:  ev.Validation.Success,
		Feedback: ev.Validation.Feedback,
	}
}

// finalizeLastToolCall marks the most recently appended executing entry
// done. This is positional by necessity: tool_result carries no correlation
// id, and the upstream emits calls and results in strict alternation for a
// turn.
func (s *State) finalizeLastToolCall(ev *protocol.Event) {
	for i := len(s.ToolCalls) - 1; i >= 0; i-- {
		if s.ToolCalls[i].Status == ToolExecuting {
			s.ToolCalls[i].Status = ToolDone
			s.ToolCalls[i].Output = ev.Output
			s.ToolCalls[i].Success = ev.Success
			return
		}
	}
}

// applySubAgentTool handles delegated tool-use notifications: terminal
// mirroring, dedup-guarded step events, narration, and file refresh
// requests. Returns whether the file listing should be refreshed.
func (s *State) applySubAgentTool(ev *protocol.Event, now time.Time) bool {
	if ev.Tool == protocol.TerminalTool {
		if cmd := protocol.StringArg(ev.Arguments, "command"); cmd != "" {
			s.appendTerminal(TerminalCommand, cmd, now)
			if ev.Output != "" {
				kind := TerminalOutput
				if !ev.Success {
					kind = TerminalError
				}
				s.appendTerminal(kind, ev.Output, now)
			}
		}
	}

	refresh := protocol.IsMutatingTool(ev.Tool) && ev.Success

	if ev.TaskID == "" || ev.Tool == "" {
		return refresh
	}

	message := subAgentNarration(ev)
	s.Activity = message

	candidate := StepEvent{
		Kind:      StepEventTool,
		Tool:      ev.Tool,
		Message:   message,
		Success:   ev.Success,
		Timestamp: now,
	}
	existing := s.StepEvents[ev.TaskID]
	for _, prev := range existing {
		if prev.Tool == candidate.Tool && prev.Message == candidate.Message &&
			absDuration(candidate.Timestamp.Sub(prev.Timestamp)) < stepEventDedupWindow {
			// Re-delivery of the same logical action; drop it.
			return refresh
		}
	}
	s.StepEvents[ev.TaskID] = append(existing, candidate)
	return refresh
}

// subAgentNarration renders the tool-specific activity phrase.
func subAgentNarration(ev *protocol.Event) string {
	switch ev.Tool {
	case protocol.TerminalTool:
		cmd := protocol.StringArg(ev.Arguments, "command")
		if cmd == "" {
			cmd = "script"
		}
		return "Executing: " + cmd
	case "write_file":
		target := protocol.StringArg(ev.Arguments, "target_file")
		if target == "" {
			target = protocol.StringArg(ev.Arguments, "path")
		}
		if target == "" {
			target = "file"
		}
		return "Writing: " + target
	case "read_file":
		path := protocol.StringArg(ev.Arguments, "path")
		if path == "" {
			path = "file"
		}
		return "Reading: " + path
	case "list_files":
		path := protocol.StringArg(ev.Arguments, "path")
		if path == "" {
			path = "."
		}
		return "Listing: " + path
	default:
		return fmt.Sprintf("Using tool: %s", ev.Tool)
	}
}

func (s *State) appendTerminal(kind TerminalEntryKind, content string, now time.Time) {
	s.Terminal = append(s.Terminal, TerminalEntry{
		Kind:      kind,
		Content:   content,
		Timestamp: now,
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
