package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
	"unicode/utf8"
)

const (
	commandMagic = "XDC"

	// WireVersion is the command wire format version written by Encode.
	WireVersion = byte(1)

	tagString = byte(0x01)
	tagInt    = byte(0x02)
	tagDouble = byte(0x03)
	tagBool   = byte(0x04)

	maxHintLen    = math.MaxUint16
	maxKeyLen     = math.MaxUint16
	maxEntries    = math.MaxUint16
	maxValueLen   = 1 << 20
	headerLen     = len(commandMagic) + 1 + 1
	issuedAtLen   = 8 + 4
	fixedFieldLen = 2 + issuedAtLen + 2
)

var (
	// ErrMalformedCommand is returned for any byte sequence that cannot be
	// decoded into a valid Command, and for commands that fail validation.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrUnsupportedVersion is wrapped together with ErrMalformedCommand when
	// the peer speaks a wire version this build does not understand.
	ErrUnsupportedVersion = errors.New("unsupported wire version")
)

// Encode serializes cmd. Payload entries holding an invalid Value are
// dropped; entries are written in sorted key order so output is deterministic.
func Encode(cmd Command) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(cmd.Payload))
	for k, v := range cmd.Payload {
		if !v.IsValid() {
			continue
		}
		if len(k) > maxKeyLen {
			return nil, fmt.Errorf("%w: payload key too long (%d bytes)", ErrMalformedCommand, len(k))
		}
		keys = append(keys, k)
	}
	if len(keys) > maxEntries {
		return nil, fmt.Errorf("%w: too many payload entries (%d)", ErrMalformedCommand, len(keys))
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Grow(headerLen + fixedFieldLen + len(cmd.TargetDeviceHint) + 16*len(keys))
	buf.WriteString(commandMagic)
	buf.WriteByte(WireVersion)
	buf.WriteByte(byte(cmd.Type))
	writeUint16(&buf, uint16(len(cmd.TargetDeviceHint)))
	buf.WriteString(cmd.TargetDeviceHint)
	// Seconds plus nanoseconds covers every time.Time, including the zero value.
	writeUint64(&buf, uint64(cmd.IssuedAt.Unix()))
	writeUint32(&buf, uint32(cmd.IssuedAt.Nanosecond()))
	writeUint16(&buf, uint16(len(keys)))

	for _, k := range keys {
		v := cmd.Payload[k]
		writeUint16(&buf, uint16(len(k)))
		buf.WriteString(k)
		switch v.Kind() {
		case KindString:
			if len(v.s) > maxValueLen {
				return nil, fmt.Errorf("%w: value for %q too long (%d bytes)", ErrMalformedCommand, k, len(v.s))
			}
			buf.WriteByte(tagString)
			writeUint32(&buf, uint32(len(v.s)))
			buf.WriteString(v.s)
		case KindInt:
			buf.WriteByte(tagInt)
			writeUint32(&buf, 8)
			writeUint64(&buf, uint64(v.i))
		case KindDouble:
			buf.WriteByte(tagDouble)
			writeUint32(&buf, 8)
			writeUint64(&buf, math.Float64bits(v.f))
		case KindBool:
			buf.WriteByte(tagBool)
			writeUint32(&buf, 1)
			if v.b {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		}
	}
	return buf.Bytes(), nil
}

// Decode parses bytes produced by Encode. Payload entries with an unknown tag
// are skipped; everything else that does not parse is ErrMalformedCommand.
func Decode(b []byte) (Command, error) {
	var cmd Command
	r := &reader{buf: b}

	magic, err := r.take(len(commandMagic), "magic")
	if err != nil {
		return cmd, err
	}
	if string(magic) != commandMagic {
		return cmd, fmt.Errorf("%w: bad magic %q", ErrMalformedCommand, magic)
	}
	version, err := r.u8("version")
	if err != nil {
		return cmd, err
	}
	if version != WireVersion {
		return cmd, fmt.Errorf("%w: %w: %d", ErrMalformedCommand, ErrUnsupportedVersion, version)
	}

	typ, err := r.u8("type")
	if err != nil {
		return cmd, err
	}
	cmd.Type = CommandType(typ)
	if !cmd.Type.Valid() {
		return Command{}, fmt.Errorf("%w: unknown command type %d", ErrMalformedCommand, typ)
	}

	hintLen, err := r.u16("hint length")
	if err != nil {
		return Command{}, err
	}
	hint, err := r.take(int(hintLen), "hint")
	if err != nil {
		return Command{}, err
	}
	if !utf8.Valid(hint) {
		return Command{}, fmt.Errorf("%w: target hint is not valid utf-8", ErrMalformedCommand)
	}
	cmd.TargetDeviceHint = string(hint)

	secs, err := r.u64("issued at seconds")
	if err != nil {
		return Command{}, err
	}
	nanos, err := r.u32("issued at nanoseconds")
	if err != nil {
		return Command{}, err
	}
	if nanos >= uint32(time.Second) {
		return Command{}, fmt.Errorf("%w: issued at nanoseconds out of range (%d)", ErrMalformedCommand, nanos)
	}
	cmd.IssuedAt = time.Unix(int64(secs), int64(nanos)).UTC()

	count, err := r.u16("entry count")
	if err != nil {
		return Command{}, err
	}
	cmd.Payload = make(Payload, count)
	for i := 0; i < int(count); i++ {
		keyLen, err := r.u16("key length")
		if err != nil {
			return Command{}, err
		}
		key, err := r.take(int(keyLen), "key")
		if err != nil {
			return Command{}, err
		}
		tag, err := r.u8("tag")
		if err != nil {
			return Command{}, err
		}
		valueLen, err := r.u32("value length")
		if err != nil {
			return Command{}, err
		}
		raw, err := r.take(int(valueLen), "value")
		if err != nil {
			return Command{}, err
		}
		v, known, err := decodeValue(tag, raw)
		if err != nil {
			return Command{}, fmt.Errorf("%w: key %q: %v", ErrMalformedCommand, key, err)
		}
		if !known {
			continue
		}
		cmd.Payload[string(key)] = v
	}

	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func decodeValue(tag byte, raw []byte) (Value, bool, error) {
	switch tag {
	case tagString:
		if !utf8.Valid(raw) {
			return Value{}, true, errors.New("string value is not valid utf-8")
		}
		return String(string(raw)), true, nil
	case tagInt:
		if len(raw) != 8 {
			return Value{}, true, fmt.Errorf("int value has %d bytes", len(raw))
		}
		return Int(int64(binary.BigEndian.Uint64(raw))), true, nil
	case tagDouble:
		if len(raw) != 8 {
			return Value{}, true, fmt.Errorf("double value has %d bytes", len(raw))
		}
		return Double(math.Float64frombits(binary.BigEndian.Uint64(raw))), true, nil
	case tagBool:
		if len(raw) != 1 || raw[0] > 1 {
			return Value{}, true, errors.New("bool value must be a single 0 or 1 byte")
		}
		return Bool(raw[0] == 1), true, nil
	default:
		return Value{}, false, nil
	}
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int, field string) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, fmt.Errorf("%w: truncated %s", ErrMalformedCommand, field)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) u8(field string) (byte, error) {
	b, err := r.take(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16(field string) (uint16, error) {
	b, err := r.take(2, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32(field string) (uint32, error) {
	b, err := r.take(4, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64(field string) (uint64, error) {
	b, err := r.take(8, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
