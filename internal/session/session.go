package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/HatimBenzahra/agent/internal/domain"
	"github.com/HatimBenzahra/agent/internal/protocol"
)

// Command preconditions. Callers surface these to the user instead of
// silently dropping the intent.
var (
	ErrNotConnected = errors.New("session: not connected")
	ErrProcessing   = errors.New("session: a turn is already in flight")
	ErrNoActiveTurn = errors.New("session: no turn in flight to redirect")
	ErrEmptyMessage = errors.New("session: message is empty")
)

// collaboratorTimeout bounds the fire-and-forget REST calls (file refresh,
// history seed). Their failure never corrupts reconciled state.
const collaboratorTimeout = 10 * time.Second

const defaultKeepalive = 30 * time.Second

// Config configures a Session.
type Config struct {
	// ServerURL is the studio server's HTTP base URL.
	ServerURL string
	// Keepalive is the ping interval; zero means 30s.
	Keepalive time.Duration
	// HTTPClient serves the REST collaborator calls; nil means the default
	// client.
	HTTPClient *http.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Session reconciles one active project's event stream into State. Opening
// a different project atomically discards everything belonging to the
// previous one: the old channel is closed and its late frames are fenced
// off by a generation counter before the new channel delivers anything.
type Session struct {
	cfg Config
	api *Client
	log *slog.Logger

	mu    sync.Mutex
	state State
	conn  *Conn
	gen   uint64
}

// New creates a Session. No connection is made until Open.
func New(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:   cfg,
		api:   NewClient(cfg.ServerURL, cfg.HTTPClient),
		log:   log,
		state: State{Connection: Disconnected},
	}
}

// Client returns the REST collaborator client, for callers that need
// project CRUD outside the live session.
func (s *Session) Client() *Client {
	return s.api
}

// Snapshot returns an independent copy of the reconciled state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Open switches the session to a project. Any previous channel is closed
// and all previous state discarded before the new channel's events apply;
// late frames from the old channel are dropped, not misattributed.
func (s *Session) Open(ctx context.Context, projectID string) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	old := s.conn
	s.conn = nil
	s.state = newState(projectID)
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	conn, err := dialConn(ctx, chatSocketURL(s.cfg.ServerURL, projectID), s.keepalive(), s.log,
		func(frame []byte) { s.handleFrame(gen, frame) },
		func(err error) { s.handleDown(gen, err) },
	)
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.state.Connection = Disconnected
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		// Superseded while dialing; the newer Open owns the session now.
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.state.Connection = Connected
	s.mu.Unlock()

	s.log.Info("session opened", "project_id", projectID)

	go s.refreshFiles(gen)
	go s.seedHistory(gen)
	return nil
}

// Close tears down the active channel, if any. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	s.gen++
	conn := s.conn
	s.conn = nil
	s.state.Connection = Disconnected
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// SendMessage starts a new turn: optimistic transcript append, processing
// flag, raw text frame out. Refused while disconnected or mid-turn.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.conn == nil || s.state.Connection != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.state.Processing {
		s.mu.Unlock()
		return ErrProcessing
	}
	s.state.Messages = append(s.state.Messages, Message{Role: domain.RoleUser, Content: text})
	s.state.Processing = true
	conn := s.conn
	gen := s.gen
	s.mu.Unlock()

	if err := conn.Send(ctx, []byte(text)); err != nil {
		// The frame never left; take the optimistic append back so the
		// transcript does not show a message the agent never received.
		s.mu.Lock()
		if s.gen == gen {
			s.popUserMessage(text)
			s.state.Processing = false
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// popUserMessage removes the most recent transcript entry if it is the
// given optimistic user message. Callers hold s.mu.
func (s *Session) popUserMessage(text string) {
	n := len(s.state.Messages)
	if n == 0 {
		return
	}
	if last := s.state.Messages[n-1]; last.Role == domain.RoleUser && last.Content == text {
		s.state.Messages = s.state.Messages[:n-1]
	}
}

// Stop requests cancellation of the in-flight turn. Local state is left
// for the stream to settle (stop_acknowledged / execution_interrupted);
// only the narration changes optimistically.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.conn == nil || s.state.Connection != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.state.Activity = "Stopping..."
	conn := s.conn
	s.mu.Unlock()

	return conn.Send(ctx, []byte(protocol.StopFrame))
}

// StopWithRedirect interrupts the in-flight turn and hands the agent new
// instructions in one motion. The outstanding turn is expected to end via
// execution_interrupted followed by a fresh turn, not via result.
func (s *Session) StopWithRedirect(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	frame, err := protocol.EncodeStopWithMessage(text)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn == nil || s.state.Connection != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if !s.state.Processing {
		s.mu.Unlock()
		return ErrNoActiveTurn
	}
	prevActivity := s.state.Activity
	s.state.Messages = append(s.state.Messages, Message{Role: domain.RoleUser, Content: text})
	s.state.Activity = "Interrupting with new instructions..."
	conn := s.conn
	gen := s.gen
	s.mu.Unlock()

	if err := conn.Send(ctx, frame); err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.popUserMessage(text)
			if s.state.Activity == "Interrupting with new instructions..." {
				s.state.Activity = prevActivity
			}
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// handleFrame is the single event consumer: decode, fence against stale
// generations, apply atomically, then run side requests outside the lock.
func (s *Session) handleFrame(gen uint64, frame []byte) {
	ev := protocol.Decode(frame)
	if ev == nil {
		s.log.Debug("dropped undecodable frame", "size", len(frame))
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	fx := s.state.apply(ev, time.Now())
	s.mu.Unlock()

	if fx.refreshFiles {
		go s.refreshFiles(gen)
	}
}

func (s *Session) handleDown(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if s.state.Connection != Disconnected {
		s.log.Info("session channel down", "project_id", s.state.ProjectID, "error", err)
	}
	s.state.Connection = Disconnected
}

// refreshFiles pulls the workspace listing and applies it if the session
// still belongs to the same project generation. Failure keeps the prior
// projection.
func (s *Session) refreshFiles(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	projectID := s.state.ProjectID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()

	files, err := s.api.ListFiles(ctx, projectID)
	if err != nil {
		s.log.Warn("file refresh failed", "project_id", projectID, "error", err)
		return
	}

	s.mu.Lock()
	if s.gen == gen {
		s.state.Files = files
	}
	s.mu.Unlock()
}

// seedHistory loads the persisted transcript. Live turns win: once the
// stream has contributed messages, the seed is discarded.
func (s *Session) seedHistory(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	projectID := s.state.ProjectID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()

	history, err := s.api.ChatHistory(ctx, projectID)
	if err != nil {
		s.log.Warn("chat history fetch failed", "project_id", projectID, "error", err)
		return
	}

	seeded := make([]Message, 0, len(history))
	for _, msg := range history {
		role := domain.RoleAgent
		if msg.Role == domain.RoleUser {
			role = domain.RoleUser
		}
		seeded = append(seeded, Message{Role: role, Content: msg.Content})
	}

	s.mu.Lock()
	if s.gen == gen && len(s.state.Messages) == 0 {
		s.state.Messages = seeded
	}
	s.mu.Unlock()
}

func (s *Session) keepalive() time.Duration {
	if s.cfg.Keepalive > 0 {
		return s.cfg.Keepalive
	}
	return defaultKeepalive
}
