package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind identifies which primitive a Value carries.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindDouble
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is a closed variant over string, int64, float64 and bool.
// The zero Value is invalid and is dropped by the encoder.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

func String(s string) Value { return Value{kind: KindString, s: s} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Double(f float64) Value { return Value{kind: KindDouble, f: f} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsString returns the string and whether the value holds one.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsInt returns the integer and whether the value holds one.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsDouble returns the float and whether the value holds one.
func (v Value) AsDouble() (float64, bool) { return v.f, v.kind == KindDouble }

// AsBool returns the bool and whether the value holds one.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// Equal compares kind and content. Doubles compare bitwise so NaN round-trips equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindDouble:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case KindBool:
		return v.b == o.b
	default:
		return true
	}
}

// Interface returns the Go value held, or nil when invalid.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindDouble:
		return v.f
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.s)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "<invalid>"
	}
}

// MarshalJSON renders the primitive directly so UI snapshots stay readable.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return []byte(strconv.Quote(v.s)), nil
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindDouble:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return []byte(strconv.FormatFloat(v.f, 'g', -1, 64)), nil
	case KindBool:
		return []byte(strconv.FormatBool(v.b)), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a JSON primitive. Numbers without a fraction or
// exponent become ints; null and composite values leave v invalid.
func (v *Value) UnmarshalJSON(b []byte) error {
	if !gjson.ValidBytes(b) {
		return fmt.Errorf("invalid JSON value %q", b)
	}
	r := gjson.ParseBytes(b)
	switch r.Type {
	case gjson.String:
		*v = String(r.Str)
	case gjson.True, gjson.False:
		*v = Bool(r.Bool())
	case gjson.Number:
		if strings.ContainsAny(r.Raw, ".eE") {
			*v = Double(r.Num)
		} else {
			*v = Int(r.Int())
		}
	default:
		*v = Value{}
	}
	return nil
}

// ValueOf converts a dynamically typed Go value. ok is false for anything
// outside the four supported kinds (maps, slices, nil, structs...).
func ValueOf(x any) (Value, bool) {
	switch t := x.(type) {
	case Value:
		return t, t.IsValid()
	case string:
		return String(t), true
	case bool:
		return Bool(t), true
	case int:
		return Int(int64(t)), true
	case int8:
		return Int(int64(t)), true
	case int16:
		return Int(int64(t)), true
	case int32:
		return Int(int64(t)), true
	case int64:
		return Int(t), true
	case uint8:
		return Int(int64(t)), true
	case uint16:
		return Int(int64(t)), true
	case uint32:
		return Int(int64(t)), true
	case uint:
		if uint64(t) > math.MaxInt64 {
			return Value{}, false
		}
		return Int(int64(t)), true
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, false
		}
		return Int(int64(t)), true
	case float32:
		return Double(float64(t)), true
	case float64:
		return Double(t), true
	default:
		return Value{}, false
	}
}

// Payload is the keyed argument set of a Command.
type Payload map[string]Value

// PayloadFrom builds a Payload from a dynamically typed map. Entries whose
// value is not one of the supported kinds are dropped.
func PayloadFrom(m map[string]any) Payload {
	p := make(Payload, len(m))
	for k, raw := range m {
		if v, ok := ValueOf(raw); ok {
			p[k] = v
		}
	}
	return p
}

// Equal reports whether both payloads hold the same valid entries.
func (p Payload) Equal(o Payload) bool {
	if p.validLen() != o.validLen() {
		return false
	}
	for k, v := range p {
		if !v.IsValid() {
			continue
		}
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (p Payload) validLen() int {
	n := 0
	for _, v := range p {
		if v.IsValid() {
			n++
		}
	}
	return n
}

// Clone returns a copy so callers cannot mutate a Command after construction.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Text returns the string payload entry for key, or "" if absent or of another kind.
func (p Payload) Text(key string) string {
	s, _ := p[key].AsString()
	return s
}
