package protocol

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

func mustCommand(t *testing.T, typ CommandType, hint string, payload Payload) Command {
	t.Helper()
	cmd, err := NewCommand(typ, hint, payload)
	if err != nil {
		t.Fatalf("NewCommand(%s): %v", typ, err)
	}
	return cmd
}

func TestCodec_RoundTrip(t *testing.T) {
	cmds := []Command{
		mustCommand(t, CommandOpenURL, "", Payload{"url": String("https://example.com")}),
		mustCommand(t, CommandLaunchApp, "living-room-tv", Payload{
			"url":     String("netflix://"),
			"retries": Int(-3),
			"volume":  Double(0.75),
			"muted":   Bool(true),
		}),
		mustCommand(t, CommandStopWorkout, "watch", nil),
		mustCommand(t, CommandControlImmersive, "", Payload{"enabled": Bool(false), "nan": Double(math.NaN())}),
		mustCommand(t, CommandUpdateDashboard, "ünïcode-hint", Payload{"": String(""), "big": Int(math.MaxInt64)}),
	}

	for _, cmd := range cmds {
		data, err := Encode(cmd)
		if err != nil {
			t.Fatalf("Encode(%s): %v", cmd, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", cmd, err)
		}
		if !got.Equal(cmd) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, cmd)
		}
	}
}

func TestCodec_RoundTripIssuedAtExtremes(t *testing.T) {
	times := []time.Time{
		{},
		time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1969, 12, 31, 23, 59, 59, 999999999, time.UTC),
		time.Date(2300, 1, 1, 12, 30, 0, 123456789, time.UTC),
		time.Date(9999, 12, 31, 23, 59, 59, 1, time.FixedZone("east", 5*3600)),
	}
	for _, ts := range times {
		cmd := Command{Type: CommandStopWorkout, IssuedAt: ts}
		data, err := Encode(cmd)
		if err != nil {
			t.Fatalf("Encode(%v): %v", ts, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%v): %v", ts, err)
		}
		if !got.Equal(cmd) {
			t.Errorf("issued at %v came back as %v", ts, got.IssuedAt)
		}
	}
}

func TestCodec_RejectsNanosecondOverflow(t *testing.T) {
	cmd := mustCommand(t, CommandStopWorkout, "", nil)
	data, err := Encode(cmd)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	nanosOff := headerLen + 2 + 8
	binary.BigEndian.PutUint32(data[nanosOff:], uint32(time.Second))
	if _, err := Decode(data); !errors.Is(err, ErrMalformedCommand) {
		t.Fatalf("err = %v, want ErrMalformedCommand", err)
	}
}

func TestCodec_DeterministicOutput(t *testing.T) {
	cmd := mustCommand(t, CommandChangeLayout, "", Payload{"layout": String("grid"), "a": Int(1), "z": Int(2)})
	first, err := Encode(cmd)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Encode(cmd)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("encoding is not deterministic")
		}
	}
}

func TestCodec_DropsUnsupportedKinds(t *testing.T) {
	payload := PayloadFrom(map[string]any{
		"url":    "https://example.com",
		"nested": map[string]any{"x": 1},
		"list":   []int{1, 2},
		"nil":    nil,
		"count":  7,
	})
	payload["zero"] = Value{}

	cmd := mustCommand(t, CommandOpenURL, "", payload)
	data, err := Encode(cmd)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Payload) != 2 {
		t.Fatalf("expected 2 payload entries, got %d: %v", len(got.Payload), got.Payload)
	}
	if n, ok := got.Payload["count"].AsInt(); !ok || n != 7 {
		t.Errorf("count = %v, want 7", got.Payload["count"])
	}
	if !got.Equal(cmd) {
		t.Errorf("decoded command should equal the original once invalid entries are ignored")
	}
}

// appendEntry adds a raw payload entry and bumps the entry count.
func appendEntry(t *testing.T, data []byte, hintLen int, key string, tag byte, raw []byte) []byte {
	t.Helper()
	countOff := headerLen + 2 + hintLen + issuedAtLen
	count := binary.BigEndian.Uint16(data[countOff:])
	binary.BigEndian.PutUint16(data[countOff:], count+1)

	out := append([]byte{}, data...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(key)))
	out = append(out, key...)
	out = append(out, tag)
	out = binary.BigEndian.AppendUint32(out, uint32(len(raw)))
	return append(out, raw...)
}

func TestCodec_SkipsUnknownTag(t *testing.T) {
	cmd := mustCommand(t, CommandOpenURL, "tv", Payload{"url": String("https://example.com")})
	data, err := Encode(cmd)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data = appendEntry(t, data, len("tv"), "future", 0x7F, []byte{1, 2, 3, 4, 5})
	data = appendEntry(t, data, len("tv"), "after", tagInt, binary.BigEndian.AppendUint64(nil, 42))

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode with unknown tag: %v", err)
	}
	if _, ok := got.Payload["future"]; ok {
		t.Errorf("unknown-tag key should be dropped")
	}
	if n, ok := got.Payload["after"].AsInt(); !ok || n != 42 {
		t.Errorf("entry after unknown tag = %v, want 42", got.Payload["after"])
	}
	if got.Payload.Text("url") != "https://example.com" {
		t.Errorf("url = %q", got.Payload.Text("url"))
	}
}

func TestCodec_TruncatedInput(t *testing.T) {
	cmd := mustCommand(t, CommandExecuteScript, "desk", Payload{"script": String("say hello"), "n": Int(1)})
	data, err := Encode(cmd)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for n := 0; n < len(data); n++ {
		_, err := Decode(data[:n])
		if !errors.Is(err, ErrMalformedCommand) {
			t.Fatalf("Decode(%d/%d bytes) err = %v, want ErrMalformedCommand", n, len(data), err)
		}
	}
}

func TestCodec_RejectsBadHeader(t *testing.T) {
	cmd := mustCommand(t, CommandStopWorkout, "", nil)
	data, err := Encode(cmd)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	badMagic := append([]byte{}, data...)
	badMagic[0] = 'Z'
	if _, err := Decode(badMagic); !errors.Is(err, ErrMalformedCommand) {
		t.Errorf("bad magic: err = %v", err)
	}

	badVersion := append([]byte{}, data...)
	badVersion[len(commandMagic)] = WireVersion + 1
	_, err = Decode(badVersion)
	if !errors.Is(err, ErrMalformedCommand) || !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("bad version: err = %v", err)
	}

	badType := append([]byte{}, data...)
	badType[len(commandMagic)+1] = 0xEE
	if _, err := Decode(badType); !errors.Is(err, ErrMalformedCommand) {
		t.Errorf("bad type: err = %v", err)
	}
}

func TestCodec_RequiredKeysEnforcedOnDecode(t *testing.T) {
	// Hand-build an openURL command with no url: the encoder refuses to.
	data := []byte(commandMagic)
	data = append(data, WireVersion, byte(CommandOpenURL))
	data = binary.BigEndian.AppendUint16(data, 0)
	data = binary.BigEndian.AppendUint64(data, uint64(time.Now().Unix()))
	data = binary.BigEndian.AppendUint32(data, 0)
	data = binary.BigEndian.AppendUint16(data, 0)

	if _, err := Decode(data); !errors.Is(err, ErrMalformedCommand) {
		t.Fatalf("missing url: err = %v, want ErrMalformedCommand", err)
	}

	withWrongKind := appendEntry(t, data, 0, "url", tagBool, []byte{1})
	if _, err := Decode(withWrongKind); !errors.Is(err, ErrMalformedCommand) {
		t.Fatalf("url as bool: err = %v, want ErrMalformedCommand", err)
	}
}

func TestNewCommand_Validation(t *testing.T) {
	if _, err := NewCommand(CommandLaunchApp, "", nil); !errors.Is(err, ErrMalformedCommand) {
		t.Errorf("launchApp without url: err = %v", err)
	}
	if _, err := NewCommand(CommandType(99), "", nil); !errors.Is(err, ErrMalformedCommand) {
		t.Errorf("unknown type: err = %v", err)
	}

	payload := Payload{"url": String("https://a.example")}
	cmd, err := NewCommand(CommandOpenURL, "", payload)
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	payload["url"] = String("https://mutated.example")
	if cmd.Payload.Text("url") != "https://a.example" {
		t.Errorf("command payload should not alias the caller's map")
	}
}

func TestParseCommandType(t *testing.T) {
	for _, typ := range CommandTypes() {
		got, err := ParseCommandType(typ.String())
		if err != nil || got != typ {
			t.Errorf("ParseCommandType(%q) = %v, %v", typ.String(), got, err)
		}
	}
	if got, err := ParseCommandType("OPENURL"); err != nil || got != CommandOpenURL {
		t.Errorf("case-insensitive parse failed: %v, %v", got, err)
	}
	if _, err := ParseCommandType("reboot"); err == nil {
		t.Errorf("expected error for unknown name")
	}
}
