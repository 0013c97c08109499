package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/HatimBenzahra/agent/internal/domain"
	"github.com/HatimBenzahra/agent/internal/protocol"
	"github.com/HatimBenzahra/agent/internal/sandbox"
	"github.com/HatimBenzahra/agent/internal/store"
)

// ChatGateway serves /ws/chat/{projectID}: client frames in, agent event
// frames out. It answers keepalives, forwards stop requests upstream even
// mid-turn, records the transcript, and closes each turn with a fresh
// workspace listing.
type ChatGateway struct {
	repo      store.Repository
	sandboxes *sandbox.Manager
	processor Processor
	events    *EventLogger
	log       *slog.Logger
}

// NewChatGateway wires the chat endpoint's collaborators.
func NewChatGateway(repo store.Repository, sandboxes *sandbox.Manager, processor Processor, events *EventLogger, log *slog.Logger) *ChatGateway {
	return &ChatGateway{
		repo:      repo,
		sandboxes: sandboxes,
		processor: processor,
		events:    events,
		log:       log,
	}
}

// chatConn serializes writes to one client websocket: turn frames from the
// relay goroutine race pong replies from the read loop.
type chatConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *chatConn) send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

func (c *chatConn) sendEvent(ctx context.Context, ev map[string]any) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.send(ctx, frame)
}

// ServeHTTP implements http.Handler for the chat websocket upgrade.
func (g *ChatGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	g.log.Info("Chat connection request", "project_id", projectID, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.log.Error("Failed to accept chat websocket", "error", err, "project_id", projectID)
		return
	}
	ws.SetReadLimit(1 << 24)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			g.log.Debug("Failed to close chat websocket", "error", closeErr, "project_id", projectID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &chatConn{ws: ws}

	project, err := g.repo.GetProject(ctx, projectID)
	if err != nil || project == nil {
		if err != nil {
			g.log.Error("Project lookup failed", "project_id", projectID, "error", err)
		}
		if sendErr := conn.sendEvent(ctx, map[string]any{
			"type":    protocol.EventError,
			"content": "Project not found",
		}); sendErr != nil {
			g.log.Debug("Failed to send project-not-found error", "error", sendErr)
		}
		return
	}

	var turnWG sync.WaitGroup
	defer turnWG.Wait()

	for {
		_, frame, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				g.log.Debug("Chat websocket closed by client", "project_id", projectID)
			} else if ctx.Err() == nil {
				g.log.Warn("Chat websocket read error", "error", err, "project_id", projectID)
			}
			return
		}

		if string(frame) == protocol.PingFrame {
			if err := conn.send(ctx, []byte(protocol.PongFrame)); err != nil {
				g.log.Debug("Failed to answer keepalive", "error", err, "project_id", projectID)
				return
			}
			continue
		}

		g.events.Log(LogEvent{
			ProjectID: projectID,
			Channel:   "chat",
			Direction: "inbound",
			Frame:     string(frame),
		})

		// Stop requests bypass the turn goroutine so they reach the
		// upstream immediately, even while events are still streaming.
		if redirect, ok := protocol.IsStopRequest(frame); ok {
			if redirect != "" {
				g.appendHistory(ctx, projectID, domain.RoleUser, redirect)
			}
			if err := g.processor.Stop(ctx, projectID, redirect); err != nil {
				g.log.Warn("Stop forward failed", "project_id", projectID, "error", err)
			}
			continue
		}

		message := string(frame)
		g.appendHistory(ctx, projectID, domain.RoleUser, message)

		turnWG.Add(1)
		go func() {
			defer turnWG.Done()
			g.runTurn(ctx, conn, projectID, message)
		}()
	}
}

// runTurn relays one agent turn to the client and finishes it with the
// current workspace listing.
func (g *ChatGateway) runTurn(ctx context.Context, conn *chatConn, projectID, message string) {
	for frame, err := range g.processor.Run(ctx, projectID, message) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Error("Agent turn failed", "project_id", projectID, "error", err)
			if sendErr := conn.sendEvent(ctx, map[string]any{
				"type":    protocol.EventError,
				"content": err.Error(),
			}); sendErr != nil {
				g.log.Debug("Failed to send turn error", "error", sendErr)
			}
			return
		}

		g.events.Log(LogEvent{
			ProjectID: projectID,
			Channel:   "chat",
			Direction: "outbound",
			EventType: eventTypeOf(frame),
			Frame:     string(frame),
		})

		if ev := protocol.Decode(frame); ev != nil && ev.Type == protocol.EventResult {
			g.appendHistory(ctx, projectID, domain.RoleAgent, ev.Content)
		}

		if err := conn.send(ctx, frame); err != nil {
			g.log.Debug("Client write failed mid-turn", "project_id", projectID, "error", err)
			return
		}
	}

	// The turn mutated the workspace; push the fresh listing.
	sb, err := g.sandboxes.Get(projectID)
	if err != nil {
		g.log.Warn("Sandbox unavailable for listing", "project_id", projectID, "error", err)
		return
	}
	if err := conn.sendEvent(ctx, map[string]any{
		"type":  protocol.EventFilesUpdated,
		"files": sb.ListFiles("."),
	}); err != nil {
		g.log.Debug("Failed to send files_updated", "project_id", projectID, "error", err)
	}
}

func (g *ChatGateway) appendHistory(ctx context.Context, projectID, role, content string) {
	if content == "" {
		return
	}
	if err := g.repo.AppendMessage(ctx, projectID, domain.ChatMessage{Role: role, Content: content}); err != nil {
		g.log.Warn("History append failed", "project_id", projectID, "role", role, "error", err)
	}
}

func eventTypeOf(frame []byte) string {
	if ev := protocol.Decode(frame); ev != nil {
		return string(ev.Type)
	}
	return ""
}
