// Package uifeed serves manager state to UI clients over a websocket.
//
// Every client receives the current state on connect and again on every
// change. Clients drive the manager with JSON requests:
//
//	{"op": "host"}
//	{"op": "browse"}
//	{"op": "disconnect"}
//	{"op": "send", "type": "openURL", "target": "mac", "payload": {"url": "https://example.com"}}
//
// Each request is answered with a result message.
package uifeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/crossdeck/crossdeck/internal/control"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

// Controller is the part of the control manager the feed drives.
type Controller interface {
	Subscribe() (<-chan control.State, func())
	StartHosting() error
	StartBrowsing() error
	Disconnect()
	SendCommand(cmd protocol.Command) bool
	LastError() string
}

// Message types sent to clients.
const (
	TypeState  = "state"
	TypeResult = "result"
)

// Message is one server-to-client frame.
type Message struct {
	Type  string         `json:"type"`
	State *control.State `json:"state,omitempty"`
	Op    string         `json:"op,omitempty"`
	OK    bool           `json:"ok,omitempty"`
	Error string         `json:"error,omitempty"`
}

const (
	maxMessageBytes = 64 * 1024
	idleTimeout     = 90 * time.Second
	pingInterval    = 30 * time.Second
	writeTimeout    = 10 * time.Second
	sendBuffer      = 16
)

var upgrader = websocket.Upgrader{
	// The feed binds to loopback by default; any local page may read it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the websocket UI feed.
type Server struct {
	ctl    Controller
	logger *slog.Logger

	mu      sync.Mutex
	clients int
}

// New returns a feed for ctl.
func New(ctl Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ctl: ctl, logger: logger}
}

// Handler returns the HTTP routes: /ws for the feed and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "clients": s.Clients()})
	})
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

// Clients returns the number of connected UI clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

// ListenAndServe serves the feed on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves the feed on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("ui feed listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
	}()

	log := s.logger.With("remote", r.RemoteAddr)
	log.Debug("ui client connected")

	states, unsubscribe := s.ctl.Subscribe()
	defer unsubscribe()

	results := make(chan Message, sendBuffer)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, states, results, done, log)
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", "error", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if messageType != websocket.TextMessage {
			continue
		}
		res := s.handle(message)
		select {
		case results <- res:
		case <-writerDone:
		}
	}
	close(done)
	<-writerDone
	log.Debug("ui client disconnected")
}

// writeLoop is the only writer on conn.
func (s *Server) writeLoop(conn *websocket.Conn, states <-chan control.State, results <-chan Message, done <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	write := func(msg Message) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug("websocket write error", "error", err)
			conn.Close()
			return false
		}
		return true
	}
	for {
		select {
		case <-done:
			return
		case st, ok := <-states:
			if !ok {
				conn.Close()
				return
			}
			if !write(Message{Type: TypeState, State: &st}) {
				return
			}
		case res := <-results:
			if !write(res) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// handle runs one client request.
func (s *Server) handle(raw []byte) Message {
	if !gjson.ValidBytes(raw) {
		return Message{Type: TypeResult, Error: "invalid JSON"}
	}
	req := gjson.ParseBytes(raw)
	op := req.Get("op").String()
	res := Message{Type: TypeResult, Op: op}

	switch op {
	case "host":
		if err := s.ctl.StartHosting(); err != nil {
			res.Error = err.Error()
			return res
		}
	case "browse":
		if err := s.ctl.StartBrowsing(); err != nil {
			res.Error = err.Error()
			return res
		}
	case "disconnect":
		s.ctl.Disconnect()
	case "send":
		cmd, err := ParseCommand(req)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if !s.ctl.SendCommand(cmd) {
			res.Error = s.ctl.LastError()
			return res
		}
	default:
		res.Error = "unknown op " + strings.TrimSpace(op)
		return res
	}
	res.OK = true
	return res
}

// ParseCommand builds a command from a send request. Payload values that
// are not strings, numbers or booleans are ignored; whole numbers become
// ints.
func ParseCommand(req gjson.Result) (protocol.Command, error) {
	t, err := protocol.ParseCommandType(req.Get("type").String())
	if err != nil {
		return protocol.Command{}, err
	}
	raw := make(map[string]any)
	req.Get("payload").ForEach(func(key, v gjson.Result) bool {
		switch v.Type {
		case gjson.String:
			raw[key.String()] = v.String()
		case gjson.True, gjson.False:
			raw[key.String()] = v.Bool()
		case gjson.Number:
			if strings.ContainsAny(v.Raw, ".eE") {
				raw[key.String()] = v.Float()
			} else {
				raw[key.String()] = v.Int()
			}
		}
		return true
	})
	return protocol.NewCommand(t, req.Get("target").String(), protocol.PayloadFrom(raw))
}
