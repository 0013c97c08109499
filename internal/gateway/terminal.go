package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/HatimBenzahra/agent/internal/sandbox"
)

// TerminalGateway serves /ws/terminal/{projectID}: direct command
// execution in the project sandbox, one command per frame, gated by the
// same allow/blocklist as agent commands.
type TerminalGateway struct {
	sandboxes *sandbox.Manager
	events    *EventLogger
	log       *slog.Logger
}

// NewTerminalGateway wires the terminal endpoint.
func NewTerminalGateway(sandboxes *sandbox.Manager, events *EventLogger, log *slog.Logger) *TerminalGateway {
	return &TerminalGateway{
		sandboxes: sandboxes,
		events:    events,
		log:       log,
	}
}

// terminalCommand is the structured client frame. Raw text frames are
// treated as the command itself.
type terminalCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// ServeHTTP implements http.Handler for the terminal websocket upgrade.
func (g *TerminalGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	g.log.Info("Terminal connection request", "project_id", projectID, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.log.Error("Failed to accept terminal websocket", "error", err, "project_id", projectID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			g.log.Debug("Failed to close terminal websocket", "error", closeErr, "project_id", projectID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sb, err := g.sandboxes.Get(projectID)
	if err != nil {
		g.log.Error("Sandbox unavailable", "project_id", projectID, "error", err)
		g.writeJSON(ctx, ws, map[string]any{"type": "error", "content": "workspace unavailable"})
		return
	}

	g.sendPrompt(ctx, ws, sb)

	for {
		_, frame, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				g.log.Debug("Terminal websocket closed by client", "project_id", projectID)
			} else if ctx.Err() == nil {
				g.log.Warn("Terminal websocket read error", "error", err, "project_id", projectID)
			}
			return
		}

		command := commandFromFrame(frame)
		if command == "" {
			continue
		}

		g.events.Log(LogEvent{
			ProjectID: projectID,
			Channel:   "terminal",
			Direction: "inbound",
			Frame:     command,
		})

		result, err := sb.Execute(ctx, command)
		if err != nil {
			g.log.Error("Terminal command failed", "project_id", projectID, "error", err)
			g.writeJSON(ctx, ws, map[string]any{"type": "error", "content": err.Error()})
			continue
		}

		out := map[string]any{
			"type":        "output",
			"output":      result.Output,
			"success":     result.Success,
			"exit_code":   result.ExitCode,
			"duration_ms": result.Duration.Milliseconds(),
		}
		g.events.Log(LogEvent{
			ProjectID: projectID,
			Channel:   "terminal",
			Direction: "outbound",
			EventType: "output",
			Frame:     result.Output,
		})
		if !g.writeJSON(ctx, ws, out) {
			return
		}
		g.sendPrompt(ctx, ws, sb)
	}
}

func (g *TerminalGateway) sendPrompt(ctx context.Context, ws *websocket.Conn, sb *sandbox.Sandbox) {
	g.writeJSON(ctx, ws, map[string]any{"type": "prompt", "cwd": sb.CurrentDir()})
}

func (g *TerminalGateway) writeJSON(ctx context.Context, ws *websocket.Conn, v any) bool {
	frame, err := json.Marshal(v)
	if err != nil {
		g.log.Warn("Terminal frame marshal failed", "error", err)
		return false
	}
	if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
		g.log.Debug("Terminal write failed", "error", err)
		return false
	}
	return true
}

func commandFromFrame(frame []byte) string {
	var msg terminalCommand
	if err := json.Unmarshal(frame, &msg); err == nil && msg.Type == "command" {
		return strings.TrimSpace(msg.Command)
	}
	return strings.TrimSpace(string(frame))
}
