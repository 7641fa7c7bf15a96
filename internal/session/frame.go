package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/crossdeck/crossdeck/internal/bufpool"
	"github.com/crossdeck/crossdeck/internal/identity"
	"github.com/crossdeck/crossdeck/pkg/protocol"
)

// Frames on the control stream: type u8 | length u32 | body.
const (
	frameHello   = byte(0x01)
	frameWelcome = byte(0x02)
	frameDecline = byte(0x03)
	frameData    = byte(0x10)

	frameHeaderLen = 5
	maxFrameLen    = 4 << 20

	// handshakeVersion is carried in hello and welcome frames.
	handshakeVersion = byte(1)

	maxContextLen = 4096
)

var errFrameTooLarge = errors.New("frame too large")

// framePool covers typical command frames; larger frames allocate.
var framePool = bufpool.New(16 << 10)

type hello struct {
	Version byte
	Class   protocol.DeviceClass
	Name    string
	Context []byte
}

type welcome struct {
	Version byte
	Class   protocol.DeviceClass
	Name    string
}

// writeFrame writes one frame. Callers serialize writes per stream.
func writeFrame(w io.Writer, typ byte, body []byte) error {
	if len(body) > maxFrameLen {
		return errFrameTooLarge
	}
	buf := framePool.Get(frameHeaderLen + len(body))
	defer framePool.Put(buf)
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:], uint32(len(body)))
	copy(buf[frameHeaderLen:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFrameLen {
		return 0, nil, errFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read frame body: %w", err)
	}
	return hdr[0], body, nil
}

func appendString16(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func encodeHello(h hello) []byte {
	b := []byte{h.Version, byte(h.Class)}
	b = appendString16(b, h.Name)
	b = binary.BigEndian.AppendUint16(b, uint16(len(h.Context)))
	return append(b, h.Context...)
}

func encodeWelcome(w welcome) []byte {
	b := []byte{w.Version, byte(w.Class)}
	return appendString16(b, w.Name)
}

func encodeDecline(reason string) []byte {
	return appendString16(nil, reason)
}

type bodyReader struct {
	b   []byte
	err error
}

func (r *bodyReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *bodyReader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *bodyReader) bytes16() []byte {
	b := r.take(2)
	if b == nil {
		return nil
	}
	return r.take(int(binary.BigEndian.Uint16(b)))
}

func (r *bodyReader) name() string {
	s := string(r.bytes16())
	if r.err == nil && (s == "" || len(s) > identity.MaxNameLen || !utf8.ValidString(s)) {
		r.err = fmt.Errorf("invalid peer name %q", s)
	}
	return s
}

func decodeHello(body []byte) (hello, error) {
	r := &bodyReader{b: body}
	h := hello{
		Version: r.u8(),
		Class:   protocol.DeviceClass(r.u8()),
		Name:    r.name(),
	}
	if ctx := r.bytes16(); len(ctx) > 0 {
		h.Context = append([]byte(nil), ctx...)
	}
	if r.err != nil {
		return hello{}, fmt.Errorf("decode hello: %w", r.err)
	}
	return h, nil
}

func decodeWelcome(body []byte) (welcome, error) {
	r := &bodyReader{b: body}
	w := welcome{
		Version: r.u8(),
		Class:   protocol.DeviceClass(r.u8()),
		Name:    r.name(),
	}
	if r.err != nil {
		return welcome{}, fmt.Errorf("decode welcome: %w", r.err)
	}
	return w, nil
}

func decodeDecline(body []byte) string {
	r := &bodyReader{b: body}
	reason := string(r.bytes16())
	if r.err != nil {
		return "declined"
	}
	return reason
}
