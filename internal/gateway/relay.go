// Package gateway serves the studio's websocket endpoints: the chat channel
// that streams agent events to clients and the terminal channel for direct
// sandbox command execution.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/HatimBenzahra/agent/internal/protocol"
)

// ErrNoUpstream is returned when no agent runtime URL is configured.
var ErrNoUpstream = errors.New("gateway: no agent runtime configured")

// Processor runs agent turns. One turn in, a stream of event frames out;
// the stream ends after the terminal frame (result or error).
type Processor interface {
	// Run submits a user message and yields raw event frames until the
	// turn finishes. Iteration stops on the first yielded error.
	Run(ctx context.Context, projectID, message string) iter.Seq2[[]byte, error]

	// Stop requests cancellation of the project's in-flight turn.
	// redirect carries replacement instructions, empty for a plain stop.
	Stop(ctx context.Context, projectID, redirect string) error

	// Close releases all upstream connections.
	Close()
}

// Relay is the websocket-backed Processor: one upstream channel per
// project against the remote agent runtime, dialed lazily on the first
// turn and kept until Close.
type Relay struct {
	runtimeURL string
	log        *slog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
	turns map[string]*sync.Mutex
}

// NewRelay creates a relay against the agent runtime's websocket base URL.
func NewRelay(runtimeURL string, log *slog.Logger) *Relay {
	return &Relay{
		runtimeURL: strings.TrimSuffix(runtimeURL, "/"),
		log:        log,
		conns:      make(map[string]*websocket.Conn),
		turns:      make(map[string]*sync.Mutex),
	}
}

// turnLock returns the project's turn mutex, creating it on first use.
func (r *Relay) turnLock(projectID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.turns[projectID]
	if !ok {
		lock = &sync.Mutex{}
		r.turns[projectID] = lock
	}
	return lock
}

func (r *Relay) upstream(ctx context.Context, projectID string) (*websocket.Conn, error) {
	if r.runtimeURL == "" {
		return nil, ErrNoUpstream
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ws, ok := r.conns[projectID]; ok {
		return ws, nil
	}

	url := r.runtimeURL + "/ws/chat/" + projectID
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent runtime %s: %w", url, err)
	}
	ws.SetReadLimit(1 << 24)
	r.conns[projectID] = ws
	r.log.Info("upstream channel opened", "project_id", projectID)
	return ws, nil
}

// drop forgets a broken upstream channel so the next turn redials.
func (r *Relay) drop(projectID string, ws *websocket.Conn) {
	r.mu.Lock()
	if r.conns[projectID] == ws {
		delete(r.conns, projectID)
	}
	r.mu.Unlock()
	_ = ws.Close(websocket.StatusNormalClosure, "upstream reset")
}

// Run submits the message and streams event frames back until the turn's
// terminal frame. Turns for the same project are serialized: the upstream
// channel has a single reader, and a second concurrent turn would steal
// frames from the first.
func (r *Relay) Run(ctx context.Context, projectID, message string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		lock := r.turnLock(projectID)
		lock.Lock()
		defer lock.Unlock()

		ws, err := r.upstream(ctx, projectID)
		if err != nil {
			yield(nil, err)
			return
		}

		if err := ws.Write(ctx, websocket.MessageText, []byte(message)); err != nil {
			r.drop(projectID, ws)
			yield(nil, fmt.Errorf("forward message upstream: %w", err))
			return
		}

		for {
			_, frame, err := ws.Read(ctx)
			if err != nil {
				r.drop(projectID, ws)
				yield(nil, fmt.Errorf("read upstream frame: %w", err))
				return
			}
			if string(frame) == protocol.PongFrame {
				continue
			}
			if !yield(frame, nil) {
				return
			}
			// A stop with redirect continues on the same stream: the
			// interruption is followed by the fresh turn's events, so only
			// result and error end the iteration.
			if ev := protocol.Decode(frame); ev != nil {
				switch ev.Type {
				case protocol.EventResult, protocol.EventError:
					return
				}
			}
		}
	}
}

// Stop forwards the stop request on the project's upstream channel. A
// project with no upstream has no turn to stop.
func (r *Relay) Stop(ctx context.Context, projectID, redirect string) error {
	r.mu.Lock()
	ws, ok := r.conns[projectID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	frame := []byte(protocol.StopFrame)
	if redirect != "" {
		var err error
		frame, err = protocol.EncodeStopWithMessage(redirect)
		if err != nil {
			return err
		}
	}
	if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("forward stop upstream: %w", err)
	}
	return nil
}

// Close tears down every upstream channel.
func (r *Relay) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*websocket.Conn)
	r.mu.Unlock()

	for projectID, ws := range conns {
		if err := ws.Close(websocket.StatusNormalClosure, "server shutdown"); err != nil {
			r.log.Debug("upstream close", "project_id", projectID, "error", err)
		}
	}
}
