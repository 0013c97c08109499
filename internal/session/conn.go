package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/HatimBenzahra/agent/internal/protocol"
	"github.com/coder/websocket"
)

// Conn owns one websocket to a project's chat endpoint. It is a strict
// lifecycle object: dialed once, closed once, never reopened. Replacing the
// active connection means closing this one and dialing a new Conn, which is
// what makes "close old, then open new" an enforced ordering rather than a
// convention.
type Conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}

	log *slog.Logger
}

// dialConn opens the websocket and starts the keepalive and read loops.
// onFrame receives every non-keepalive frame in arrival order on a single
// goroutine; onDown fires once when the channel stops delivering.
func dialConn(ctx context.Context, wsURL string, keepalive time.Duration, log *slog.Logger, onFrame func([]byte), onDown func(error)) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial chat socket %s: %w", wsURL, err)
	}
	// Agent turns carry full tool outputs; the default 32KiB cap is too
	// small for them.
	ws.SetReadLimit(1 << 24)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    log,
	}

	go c.keepaliveLoop(connCtx, keepalive)
	go c.readLoop(connCtx, onFrame, onDown)

	return c, nil
}

// Send writes one text frame.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write chat frame: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call more than once and safe to
// call concurrently with the read loop.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.ws.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
			c.log.Debug("websocket close", "error", err)
		}
		close(c.done)
	})
}

// Done is closed once Close has run.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// keepaliveLoop emits a ping frame on a fixed interval so idle transports
// stay open. The matching pong is swallowed by the read loop.
func (c *Conn) keepaliveLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.Write(ctx, websocket.MessageText, []byte(protocol.PingFrame)); err != nil {
				c.log.Debug("keepalive write failed", "error", err)
				return
			}
		}
	}
}

// readLoop is the single consumer of inbound frames. Keepalive
// acknowledgements are consumed here and never reach the event layer.
func (c *Conn) readLoop(ctx context.Context, onFrame func([]byte), onDown func(error)) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.log.Debug("websocket closed by server")
			} else if ctx.Err() == nil {
				c.log.Warn("websocket read error", "error", err)
			}
			onDown(err)
			return
		}
		if string(data) == protocol.PongFrame {
			continue
		}
		onFrame(data)
	}
}

// chatSocketURL derives the websocket endpoint for a project from the
// server's HTTP base URL.
func chatSocketURL(baseURL, projectID string) string {
	ws := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/ws/chat/" + projectID
}
