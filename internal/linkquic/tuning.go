package linkquic

import (
	"net"
	"strings"

	"github.com/quic-go/quic-go"
)

// Control traffic is small; these bounds keep windows from growing past
// what a burst of commands needs.
const (
	minReceiveWindow = 64 * 1024
	maxReceiveWindow = 16 * 1024 * 1024
	minMaxStreams    = 1
	maxMaxStreams    = 256

	minUDPBuffer     = 256 * 1024
	maxUDPBuffer     = 8 * 1024 * 1024
	defaultUDPBuffer = 1024 * 1024
)

// Tuning sizes flow-control windows and the UDP socket buffers of listeners.
// Zero fields keep the defaults.
type Tuning struct {
	ReceiveWindow int
	MaxStreams    int
	UDPBuffer     int
}

// Tune returns a copy of base with t applied and clamped.
func Tune(base *quic.Config, t Tuning) *quic.Config {
	cfg := DefaultQUICConfig()
	if base != nil {
		c := *base
		cfg = &c
	}
	if t.ReceiveWindow > 0 {
		win := uint64(clamp(t.ReceiveWindow, minReceiveWindow, maxReceiveWindow))
		cfg.InitialStreamReceiveWindow = win
		cfg.MaxStreamReceiveWindow = win
		cfg.InitialConnectionReceiveWindow = win
		cfg.MaxConnectionReceiveWindow = 2 * win
	}
	if t.MaxStreams > 0 {
		cfg.MaxIncomingStreams = int64(clamp(t.MaxStreams, minMaxStreams, maxMaxStreams))
	}
	return cfg
}

// udpTuneResult reports what setUDPBuffers managed to apply.
type udpTuneResult struct {
	Requested int
	Err       string
}

// setUDPBuffers raises the socket buffers. Failure is not fatal; many
// systems cap unprivileged buffers.
func setUDPBuffers(conn *net.UDPConn, size int) udpTuneResult {
	if size <= 0 {
		size = defaultUDPBuffer
	}
	res := udpTuneResult{Requested: clamp(size, minUDPBuffer, maxUDPBuffer)}
	if conn == nil {
		res.Err = "no UDP socket"
		return res
	}
	var errs []string
	if err := conn.SetReadBuffer(res.Requested); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(res.Requested); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	res.Err = strings.Join(errs, "; ")
	return res
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
