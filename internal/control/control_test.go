package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crossdeck/crossdeck/internal/discovery"
	apperrors "github.com/crossdeck/crossdeck/internal/errors"
	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/internal/link"
	"github.com/crossdeck/crossdeck/internal/logging"
	"github.com/crossdeck/crossdeck/internal/session"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

const testService = "xd-control"

type fixture struct {
	net     *link.MemoryNetwork
	backend *discovery.Memory
}

func newFixture() *fixture {
	return &fixture{net: link.NewMemoryNetwork(), backend: discovery.NewMemory()}
}

func (f *fixture) manager(t *testing.T, name string, class protocol.DeviceClass, mutate ...func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Peer:          identity.Peer{DisplayName: name},
		Profile:       StaticProfile{IsEntitled: true, Class: class},
		Network:       f.net,
		Discovery:     f.backend,
		ServiceType:   testService,
		InviteTimeout: time.Second,
		Logger:        logging.Discard(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m := New(opts)
	t.Cleanup(func() { m.Close() })
	return m
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connected(m *Manager, name string) func() bool {
	return func() bool {
		_, ok := m.Snapshot().Device(name)
		return ok
	}
}

// pair starts host on a and browse on b and waits until both see each other.
func pair(t *testing.T, a, b *Manager) {
	t.Helper()
	if err := a.StartHosting(); err != nil {
		t.Fatalf("StartHosting: %v", err)
	}
	if err := b.StartBrowsing(); err != nil {
		t.Fatalf("StartBrowsing: %v", err)
	}
	eventually(t, "host sees guest", connected(a, b.opts.Peer.DisplayName))
	eventually(t, "guest sees host", connected(b, a.opts.Peer.DisplayName))
}

func TestManager_HostJoin(t *testing.T) {
	f := newFixture()
	mac := f.manager(t, "mac", protocol.DeviceDesktop)
	ipad := f.manager(t, "ipad", protocol.DeviceTablet)

	pair(t, mac, ipad)

	d, _ := mac.Snapshot().Device("ipad")
	if d.Class != protocol.DeviceTablet || !d.Reachable {
		t.Errorf("host view of guest = %+v", d)
	}
	d, _ = ipad.Snapshot().Device("mac")
	if d.Class != protocol.DeviceDesktop {
		t.Errorf("guest view of host = %+v", d)
	}
	if !mac.IsHosting() || mac.IsBrowsing() {
		t.Errorf("mac hosting=%v browsing=%v", mac.IsHosting(), mac.IsBrowsing())
	}
	if !ipad.IsBrowsing() || ipad.IsHosting() {
		t.Errorf("ipad hosting=%v browsing=%v", ipad.IsHosting(), ipad.IsBrowsing())
	}

	// Repeated starts are no-ops and never duplicate devices.
	for i := 0; i < 3; i++ {
		if err := mac.StartHosting(); err != nil {
			t.Fatalf("StartHosting again: %v", err)
		}
		if err := ipad.StartBrowsing(); err != nil {
			t.Fatalf("StartBrowsing again: %v", err)
		}
	}
	if len(f.backend.Services(testService)) != 1 {
		t.Errorf("expected a single advertisement")
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(mac.ConnectedDevices()); n != 1 {
		t.Errorf("mac devices = %d, want 1", n)
	}
	if n := len(ipad.ConnectedDevices()); n != 1 {
		t.Errorf("ipad devices = %d, want 1", n)
	}
}

func TestManager_DisconnectIsSymmetricAndIdempotent(t *testing.T) {
	f := newFixture()
	mac := f.manager(t, "mac", protocol.DeviceDesktop)
	ipad := f.manager(t, "ipad", protocol.DeviceTablet)
	pair(t, mac, ipad)

	ipad.Disconnect()
	ipad.Disconnect()
	if len(ipad.ConnectedDevices()) != 0 || ipad.IsBrowsing() {
		t.Errorf("after Disconnect: %+v", ipad.Snapshot())
	}
	eventually(t, "host drops guest", func() bool { return len(mac.ConnectedDevices()) == 0 })
	if !mac.IsHosting() {
		t.Error("remote disconnect must not stop hosting")
	}

	mac.Disconnect()
	if len(f.backend.Services(testService)) != 0 {
		t.Error("Disconnect should withdraw the advertisement")
	}

	// A fresh episode reconnects cleanly.
	pair(t, mac, ipad)
}

func TestManager_SendCommandDispatches(t *testing.T) {
	f := newFixture()
	mac := f.manager(t, "mac", protocol.DeviceDesktop)
	ipad := f.manager(t, "ipad", protocol.DeviceTablet)

	var mu sync.Mutex
	var got []protocol.Command
	var from []identity.Peer
	mac.Router().HandleFunc(protocol.CommandOpenURL, func(_ context.Context, cmd protocol.Command, p identity.Peer) error {
		mu.Lock()
		got = append(got, cmd)
		from = append(from, p)
		mu.Unlock()
		return nil
	})
	pair(t, mac, ipad)

	cmd, err := protocol.NewCommand(protocol.CommandOpenURL, "mac", protocol.Payload{"url": protocol.String("https://example.com")})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if !ipad.SendCommand(cmd) {
		t.Fatalf("SendCommand = false, last error %q", ipad.LastError())
	}
	eventually(t, "dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	if !got[0].Equal(cmd) || from[0].DisplayName != "ipad" {
		t.Errorf("handler saw %v from %v", got[0], from[0])
	}

	eventually(t, "history", func() bool { return len(mac.ReceivedCommands()) == 1 })
	rc := mac.ReceivedCommands()[0]
	if rc.Outcome != "dispatched" || rc.From.DisplayName != "ipad" {
		t.Errorf("history entry = %+v", rc)
	}
	if s := mac.Snapshot().Stats["openURL"]; s.Dispatched != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestManager_UnsupportedCommandRecorded(t *testing.T) {
	f := newFixture()
	watch := f.manager(t, "watch", protocol.DeviceWatch)
	phone := f.manager(t, "phone", protocol.DevicePhone)
	pair(t, watch, phone)

	cmd, _ := protocol.NewCommand(protocol.CommandExecuteScript, "", protocol.Payload{"script": protocol.String("echo hi")})
	if !phone.SendCommand(cmd) {
		t.Fatalf("SendCommand = false: %q", phone.LastError())
	}
	eventually(t, "history", func() bool { return len(watch.ReceivedCommands()) == 1 })
	if rc := watch.ReceivedCommands()[0]; rc.Outcome != "unsupported" {
		t.Errorf("outcome = %q", rc.Outcome)
	}
	if watch.LastError() != "" {
		t.Errorf("unsupported commands are not errors, got %q", watch.LastError())
	}
}

func TestManager_SendWithoutPeers(t *testing.T) {
	f := newFixture()
	m := f.manager(t, "lonely", protocol.DevicePhone)

	cmd, _ := protocol.NewCommand(protocol.CommandUpdateDashboard, "", nil)
	if m.SendCommand(cmd) {
		t.Error("SendCommand without peers must return false")
	}
	if code := m.Snapshot().ErrorCode; code != apperrors.CodeNoConnectedPeers {
		t.Errorf("error code = %q", code)
	}

	if err := m.StartHosting(); err != nil {
		t.Fatalf("StartHosting: %v", err)
	}
	if m.SendCommand(cmd) {
		t.Error("SendCommand while hosting alone must return false")
	}
	if m.SendTelemetry([]byte("hr=72")) {
		t.Error("SendTelemetry without peers must return false")
	}
}

func TestManager_InvalidCommandRejected(t *testing.T) {
	f := newFixture()
	m := f.manager(t, "phone", protocol.DevicePhone)
	if m.SendCommand(protocol.Command{Type: protocol.CommandOpenURL}) {
		t.Error("command missing required keys must be rejected")
	}
	if code := m.Snapshot().ErrorCode; code != apperrors.CodeMalformedCommand {
		t.Errorf("error code = %q", code)
	}
}

func TestManager_NotEntitled(t *testing.T) {
	f := newFixture()
	m := f.manager(t, "guest", protocol.DevicePhone, func(o *Options) {
		o.Profile = StaticProfile{Class: protocol.DevicePhone}
	})
	if err := m.StartHosting(); !errors.Is(err, apperrors.ErrNotEntitled) {
		t.Errorf("StartHosting = %v", err)
	}
	if err := m.StartBrowsing(); !errors.Is(err, apperrors.ErrNotEntitled) {
		t.Errorf("StartBrowsing = %v", err)
	}
	s := m.Snapshot()
	if s.Hosting || s.Browsing || s.ErrorCode != apperrors.CodeNotEntitled {
		t.Errorf("state = %+v", s)
	}
	if len(f.backend.Services(testService)) != 0 {
		t.Error("not-entitled user must not advertise")
	}
}

func TestManager_MalformedBytesKeepSession(t *testing.T) {
	f := newFixture()
	mac := f.manager(t, "mac", protocol.DeviceDesktop)
	if err := mac.StartHosting(); err != nil {
		t.Fatalf("StartHosting: %v", err)
	}
	svcs := f.backend.Services(testService)
	if len(svcs) != 1 {
		t.Fatalf("services = %+v", svcs)
	}

	raw := session.New(identity.Peer{DisplayName: "fuzzer"}, protocol.DevicePhone, f.net, session.WithLogger(logging.Discard()))
	defer raw.Close()
	if _, err := raw.Invite(context.Background(), identity.Peer{DisplayName: "mac"}, svcs[0].Addr(), nil); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	eventually(t, "host sees fuzzer", connected(mac, "fuzzer"))

	to := []identity.Peer{{DisplayName: "mac"}}
	if err := raw.Send([]byte{0xde, 0xad, 0xbe, 0xef}, to, session.Reliable); err != nil {
		t.Fatalf("Send garbage: %v", err)
	}
	eventually(t, "malformed error", func() bool {
		return mac.Snapshot().ErrorCode == apperrors.CodeMalformedCommand
	})
	if _, ok := mac.Snapshot().Device("fuzzer"); !ok {
		t.Fatal("malformed input must not drop the link")
	}

	// The link still carries valid commands afterwards.
	cmd, _ := protocol.NewCommand(protocol.CommandUpdateDashboard, "", protocol.Payload{"widget": protocol.String("battery")})
	data, err := protocol.Encode(cmd)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := raw.Send(data, to, session.Reliable); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eventually(t, "valid command after garbage", func() bool { return len(mac.ReceivedCommands()) == 1 })
}

func TestManager_HistoryBounded(t *testing.T) {
	f := newFixture()
	tv := f.manager(t, "tv", protocol.DeviceTV, func(o *Options) { o.HistoryLimit = 3 })
	phone := f.manager(t, "phone", protocol.DevicePhone)
	pair(t, tv, phone)

	for i := 0; i < 5; i++ {
		cmd, _ := protocol.NewCommand(protocol.CommandUpdateDashboard, "", protocol.Payload{"seq": protocol.Int(int64(i))})
		if !phone.SendCommand(cmd) {
			t.Fatalf("SendCommand %d: %q", i, phone.LastError())
		}
	}
	eventually(t, "all dispatched", func() bool {
		return tv.Snapshot().Stats.Total().Unhandled == 5
	})
	got := tv.ReceivedCommands()
	if len(got) != 3 {
		t.Fatalf("history len = %d, want 3", len(got))
	}
	for i, rc := range got {
		seq, _ := rc.Command.Payload["seq"].AsInt()
		if seq != int64(i+2) {
			t.Errorf("history[%d] seq = %d, want %d", i, seq, i+2)
		}
	}
}

func TestManager_Telemetry(t *testing.T) {
	f := newFixture()
	var mu sync.Mutex
	var samples []string
	watch := f.manager(t, "watch", protocol.DeviceWatch, func(o *Options) {
		o.Telemetry = func(from identity.Peer, data []byte) {
			mu.Lock()
			samples = append(samples, from.DisplayName+":"+string(data))
			mu.Unlock()
		}
	})
	phone := f.manager(t, "phone", protocol.DevicePhone)
	pair(t, watch, phone)

	if !phone.SendTelemetry([]byte("hr=72")) {
		t.Fatalf("SendTelemetry = false: %q", phone.LastError())
	}
	eventually(t, "telemetry", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(samples) == 1
	})
	if samples[0] != "phone:hr=72" {
		t.Errorf("sample = %q", samples[0])
	}
	if tel := watch.Snapshot().Telemetry; tel.Count != 1 || tel.Bytes != 5 {
		t.Errorf("telemetry stats = %+v", tel)
	}
}

func TestSelectTargets(t *testing.T) {
	devices := []ConnectedDevice{
		{Peer: identity.Peer{DisplayName: "Living Room"}, Class: protocol.DeviceTV},
		{Peer: identity.Peer{DisplayName: "mac"}, Class: protocol.DeviceDesktop},
		{Peer: identity.Peer{DisplayName: "imac"}, Class: protocol.DeviceDesktop},
	}
	tests := []struct {
		hint string
		want []string
	}{
		{"", []string{"Living Room", "mac", "imac"}},
		{"living room", []string{"Living Room"}},
		{"desktop", []string{"mac", "imac"}},
		{"toaster", []string{"Living Room", "mac", "imac"}},
	}
	for _, tt := range tests {
		got := selectTargets(devices, tt.hint)
		if len(got) != len(tt.want) {
			t.Errorf("hint %q: got %v", tt.hint, got)
			continue
		}
		for i := range got {
			if got[i].DisplayName != tt.want[i] {
				t.Errorf("hint %q: got %v, want %v", tt.hint, got, tt.want)
				break
			}
		}
	}
}

func TestManager_Subscribe(t *testing.T) {
	f := newFixture()
	m := f.manager(t, "mac", protocol.DeviceDesktop)

	ch, cancel := m.Subscribe()
	first := <-ch
	if first.Hosting {
		t.Fatalf("initial state = %+v", first)
	}
	if err := m.StartHosting(); err != nil {
		t.Fatalf("StartHosting: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.Hosting {
				if s.Version <= first.Version {
					t.Errorf("version did not advance: %d -> %d", first.Version, s.Version)
				}
				cancel()
				cancel()
				if _, ok := <-ch; ok {
					// A buffered snapshot may remain; the next read must see the close.
					if _, ok := <-ch; ok {
						t.Error("channel should be closed after cancel")
					}
				}
				return
			}
		case <-deadline:
			t.Fatal("no hosting state received")
		}
	}
}

func TestManager_ClosedRejectsRequests(t *testing.T) {
	f := newFixture()
	m := f.manager(t, "mac", protocol.DeviceDesktop)
	ch, _ := m.Subscribe()
	m.Close()
	m.Close()

	if err := m.StartHosting(); !errors.Is(err, ErrClosed) {
		t.Errorf("StartHosting after Close = %v", err)
	}
	cmd, _ := protocol.NewCommand(protocol.CommandUpdateDashboard, "", nil)
	if m.SendCommand(cmd) {
		t.Error("SendCommand after Close must return false")
	}
	m.Disconnect()
	for range ch {
	}
}

func TestManager_DeviceListFollowsStateEvents(t *testing.T) {
	f := newFixture()
	m := f.manager(t, "mac", protocol.DeviceDesktop)
	ipad := identity.Peer{DisplayName: "ipad"}

	feed := func(state session.PeerState, class protocol.DeviceClass) []ConnectedDevice {
		t.Helper()
		err := m.call(func() {
			m.handleState(session.Event{Kind: session.EventStateChanged, Peer: ipad, Class: class, State: state})
		})
		if err != nil {
			t.Fatalf("call: %v", err)
		}
		return m.ConnectedDevices()
	}

	first := feed(session.Connected, protocol.DeviceUnknown)
	if len(first) != 1 {
		t.Fatalf("after connect: %d devices", len(first))
	}
	again := feed(session.Connected, protocol.DeviceTablet)
	if len(again) != 1 {
		t.Fatalf("duplicate connect produced %d devices", len(again))
	}
	if again[0].ID != first[0].ID || again[0].Class != protocol.DeviceTablet {
		t.Errorf("duplicate connect should refresh in place: %+v -> %+v", first[0], again[0])
	}
	if got := feed(session.Connecting, protocol.DeviceTablet); len(got) != 1 {
		t.Errorf("connecting changed the list: %d devices", len(got))
	}
	if got := feed(session.NotConnected, protocol.DeviceTablet); len(got) != 0 {
		t.Fatalf("after disconnect: %d devices", len(got))
	}
	if got := feed(session.Connected, protocol.DeviceTablet); len(got) != 1 {
		t.Fatalf("after reconnect: %d devices", len(got))
	}
	if got := feed(session.NotConnected, protocol.DeviceTablet); len(got) != 0 {
		t.Fatalf("after second disconnect: %d devices", len(got))
	}
	if got := feed(session.NotConnected, protocol.DeviceTablet); len(got) != 0 {
		t.Fatalf("repeated disconnect: %d devices", len(got))
	}
}
