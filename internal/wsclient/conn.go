// Package wsclient connects to a UI feed.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crossdeck/crossdeck/internal/uifeed"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("connection closed")

// Request is one client-to-feed message.
type Request struct {
	Op      string         `json:"op"`
	Type    string         `json:"type,omitempty"`
	Target  string         `json:"target,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Conn represents a WebSocket connection to a UI feed.
type Conn struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	sendChan  chan Request
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Dial connects to the feed at wsURL, e.g. ws://127.0.0.1:7420/ws.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan Request, 64),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// ReadLoop calls onMsg for each message from the feed. Returns when the
// connection is closed or ctx is cancelled.
func (c *Conn) ReadLoop(ctx context.Context, onMsg func(msg uifeed.Message)) error {
	c.conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	stop := context.AfterFunc(ctx, func() {
		// Unblocks ReadMessage.
		c.conn.Close()
	})
	defer stop()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg uifeed.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("invalid JSON message", "error", err)
			continue
		}
		onMsg(msg)
	}
}

// Send queues req for the writer goroutine.
func (c *Conn) Send(req Request) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendChan <- req:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.sendChan:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.conn.WriteJSON(req)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Error("websocket write error", "error", err)
				c.Close()
				return
			}
		}
	}
}

// Close sends a close frame and closes the connection. Safe to call
// repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
