package uifeed_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/crossdeck/crossdeck/internal/control"
	"github.com/crossdeck/crossdeck/internal/discovery"
	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/internal/link"
	"github.com/crossdeck/crossdeck/internal/logging"
	"github.com/crossdeck/crossdeck/internal/uifeed"
	"github.com/crossdeck/crossdeck/internal/wsclient"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

func TestParseCommand(t *testing.T) {
	req := gjson.Parse(`{"op":"send","type":"updateDashboard","target":"watch",
		"payload":{"widget":"battery","level":42,"ratio":0.5,"live":true,"nested":{"x":1},"list":[1]}}`)
	cmd, err := uifeed.ParseCommand(req)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if cmd.Type != protocol.CommandUpdateDashboard || cmd.TargetDeviceHint != "watch" {
		t.Errorf("cmd = %v", cmd)
	}
	want := protocol.Payload{
		"widget": protocol.String("battery"),
		"level":  protocol.Int(42),
		"ratio":  protocol.Double(0.5),
		"live":   protocol.Bool(true),
	}
	if !cmd.Payload.Equal(want) {
		t.Errorf("payload = %v, want %v", cmd.Payload, want)
	}

	if _, err := uifeed.ParseCommand(gjson.Parse(`{"type":"selfDestruct"}`)); err == nil {
		t.Error("unknown type should fail")
	}
	if _, err := uifeed.ParseCommand(gjson.Parse(`{"type":"openURL","payload":{"url":7}}`)); err == nil {
		t.Error("wrong payload kind should fail")
	}
}

type client struct {
	t    *testing.T
	conn *wsclient.Conn
	mu   sync.Mutex
	msgs []uifeed.Message
}

func dial(t *testing.T, srv *httptest.Server) *client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := wsclient.Dial(ctx, url, logging.Discard())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c := &client{t: t, conn: conn}
	go conn.ReadLoop(ctx, func(msg uifeed.Message) {
		c.mu.Lock()
		c.msgs = append(c.msgs, msg)
		c.mu.Unlock()
	})
	t.Cleanup(func() {
		cancel()
		conn.Close()
	})
	return c
}

func (c *client) waitFor(what string, pred func(uifeed.Message) bool) uifeed.Message {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, m := range c.msgs {
			if pred(m) {
				c.mu.Unlock()
				return m
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("timed out waiting for %s", what)
	return uifeed.Message{}
}

func result(op string) func(uifeed.Message) bool {
	return func(m uifeed.Message) bool { return m.Type == uifeed.TypeResult && m.Op == op }
}

func newManager(t *testing.T, n *link.MemoryNetwork, backend discovery.Backend, name string, class protocol.DeviceClass) *control.Manager {
	t.Helper()
	m := control.New(control.Options{
		Peer:          identity.Peer{DisplayName: name},
		Profile:       control.StaticProfile{IsEntitled: true, Class: class},
		Network:       n,
		Discovery:     backend,
		ServiceType:   "xd-feed",
		InviteTimeout: time.Second,
		Logger:        logging.Discard(),
	})
	t.Cleanup(func() { m.Close() })
	return m
}

func TestServer_FeedDrivesManager(t *testing.T) {
	n := link.NewMemoryNetwork()
	backend := discovery.NewMemory()
	mac := newManager(t, n, backend, "mac", protocol.DeviceDesktop)
	ipad := newManager(t, n, backend, "ipad", protocol.DeviceTablet)

	var mu sync.Mutex
	var urls []string
	mac.Router().HandleFunc(protocol.CommandOpenURL, func(_ context.Context, cmd protocol.Command, _ identity.Peer) error {
		mu.Lock()
		urls = append(urls, cmd.Payload.Text("url"))
		mu.Unlock()
		return nil
	})

	feed := uifeed.New(ipad, logging.Discard())
	srv := httptest.NewServer(feed.Handler())
	defer srv.Close()

	c := dial(t, srv)
	c.waitFor("initial state", func(m uifeed.Message) bool {
		return m.Type == uifeed.TypeState && m.State != nil && m.State.Local.DisplayName == "ipad"
	})

	if err := mac.StartHosting(); err != nil {
		t.Fatalf("StartHosting: %v", err)
	}
	if err := c.conn.Send(wsclient.Request{Op: "browse"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res := c.waitFor("browse result", result("browse")); !res.OK {
		t.Fatalf("browse failed: %q", res.Error)
	}
	c.waitFor("device in state", func(m uifeed.Message) bool {
		if m.Type != uifeed.TypeState || m.State == nil {
			return false
		}
		_, ok := m.State.Device("mac")
		return ok
	})

	err := c.conn.Send(wsclient.Request{
		Op:      "send",
		Type:    "openURL",
		Target:  "mac",
		Payload: map[string]any{"url": "https://example.com/feed"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res := c.waitFor("send result", result("send")); !res.OK {
		t.Fatalf("send failed: %q", res.Error)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		got := append([]string(nil), urls...)
		mu.Unlock()
		if len(got) == 1 {
			if got[0] != "https://example.com/feed" {
				t.Errorf("url = %q", got[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("command never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.conn.Send(wsclient.Request{Op: "disconnect"})
	c.waitFor("disconnect result", result("disconnect"))
	c.waitFor("idle state", func(m uifeed.Message) bool {
		return m.Type == uifeed.TypeState && m.State != nil && !m.State.Browsing && len(m.State.Devices) == 0
	})
}

func TestServer_RequestErrors(t *testing.T) {
	n := link.NewMemoryNetwork()
	m := newManager(t, n, discovery.NewMemory(), "lonely", protocol.DevicePhone)
	srv := httptest.NewServer(uifeed.New(m, logging.Discard()).Handler())
	defer srv.Close()

	c := dial(t, srv)
	c.conn.Send(wsclient.Request{Op: "teleport"})
	if res := c.waitFor("unknown op", result("teleport")); res.OK || res.Error == "" {
		t.Errorf("unknown op result = %+v", res)
	}

	c.conn.Send(wsclient.Request{Op: "send", Type: "updateDashboard"})
	res := c.waitFor("send result", result("send"))
	if res.OK || !strings.Contains(res.Error, "no connected peers") {
		t.Errorf("send without peers = %+v", res)
	}
}

func TestServer_Health(t *testing.T) {
	m := newManager(t, link.NewMemoryNetwork(), discovery.NewMemory(), "x", protocol.DeviceTV)
	srv := httptest.NewServer(uifeed.New(m, logging.Discard()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
