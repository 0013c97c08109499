package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/HatimBenzahra/agent/internal/config"
)

// LogEvent is one recorded gateway frame.
type LogEvent struct {
	Timestamp time.Time `json:"ts"`
	ProjectID string    `json:"project_id"`
	Channel   string    `json:"channel"`   // "chat" or "terminal"
	Direction string    `json:"direction"` // "inbound" (from client) or "outbound"
	EventType string    `json:"event_type,omitempty"`
	Frame     string    `json:"frame"`
}

// EventLogger appends gateway frames to per-project ndjson files, plus an
// optional global file. Writes are asynchronous behind a bounded queue;
// when the queue is full events are dropped and counted, never blocking
// the gateway.
type EventLogger struct {
	cfg config.EventLogConfig
	log *slog.Logger

	queue chan LogEvent
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	files   map[string]*os.File
	global  *os.File
	dropped uint64

	closeOnce sync.Once
}

// NewEventLogger creates the logger and starts its writer goroutine.
// A disabled config yields a logger whose Log is a no-op.
func NewEventLogger(cfg config.EventLogConfig, log *slog.Logger) (*EventLogger, error) {
	l := &EventLogger{
		cfg:   cfg,
		log:   log,
		done:  make(chan struct{}),
		files: make(map[string]*os.File),
	}
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return l, nil
	}

	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global event log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open global event log: %w", err)
		}
		l.global = f
	}

	l.queue = make(chan LogEvent, cfg.QueueSize)
	go l.run()
	return l, nil
}

// Log enqueues one event. Never blocks; a full queue drops the event, and
// logging after Close is a no-op. Gateway handlers run on hijacked
// connections that outlive server shutdown, so late calls are expected.
func (l *EventLogger) Log(ev LogEvent) {
	if l.queue == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	// The send is non-blocking, so holding the mutex here is fine; it is
	// what keeps Close from closing the queue mid-send.
	select {
	case l.queue <- ev:
		l.mu.Unlock()
	default:
		l.dropped++
		n := l.dropped
		l.mu.Unlock()
		if n%100 == 1 {
			l.log.Warn("event log queue full, dropping", "dropped_total", n)
		}
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (l *EventLogger) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *EventLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		l.write(ev)
	}
}

func (l *EventLogger) write(ev LogEvent) {
	line, err := json.Marshal(ev)
	if err != nil {
		l.log.Warn("event log marshal failed", "error", err)
		return
	}
	line = append(line, '\n')

	if l.cfg.Enabled {
		f, err := l.projectFile(ev.ProjectID)
		if err != nil {
			l.log.Warn("event log open failed", "project_id", ev.ProjectID, "error", err)
		} else if _, err := f.Write(line); err != nil {
			l.log.Warn("event log write failed", "project_id", ev.ProjectID, "error", err)
		}
	}
	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.log.Warn("global event log write failed", "error", err)
		}
	}
}

func (l *EventLogger) projectFile(projectID string) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[projectID]; ok {
		return f, nil
	}
	path := filepath.Join(l.cfg.Dir, projectID+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	l.files[projectID] = f
	return f, nil
}

// Close drains the queue and closes all files. Idempotent.
func (l *EventLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		if l.queue != nil {
			close(l.queue)
			<-l.done
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		for _, f := range l.files {
			if closeErr := f.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
		l.files = make(map[string]*os.File)
		if l.global != nil {
			if closeErr := l.global.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
			l.global = nil
		}
	})
	return err
}
