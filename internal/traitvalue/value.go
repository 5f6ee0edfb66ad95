// Package traitvalue converts trait values between their typed form, the JSON
// wire form and the column payload stored per trait.
package traitvalue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"flagsync/pkg/constraints"
)

const DefaultMaxStringLength = 2000

var (
	ErrValueTooLong = errors.New("value string is too long")
	ErrUnknownType  = errors.New("unknown trait value type")
	ErrEmptyPayload = errors.New("stored payload does not match value type")
)

// LengthError reports a string value over the configured limit.
type LengthError struct {
	Limit  int
	Length int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("%s: %d characters, limit is %d", ErrValueTooLong, e.Length, e.Limit)
}

func (e *LengthError) Is(target error) bool { return target == ErrValueTooLong }

type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindFloat
	KindBoolean
)

func (k Kind) Type() string {
	switch k {
	case KindInteger:
		return constraints.TypeInteger
	case KindFloat:
		return constraints.TypeFloat
	case KindBoolean:
		return constraints.TypeBool
	default:
		return constraints.TypeString
	}
}

func KindOf(valueType string) (Kind, error) {
	switch valueType {
	case constraints.TypeString:
		return KindString, nil
	case constraints.TypeInteger:
		return KindInteger, nil
	case constraints.TypeFloat:
		return KindFloat, nil
	case constraints.TypeBool:
		return KindBoolean, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, valueType)
}

// Value is a tagged union over the four storable kinds. A coerced value is a
// string produced from an unsupported input.
type Value struct {
	kind    Kind
	str     string
	integer int64
	float   float64
	boolean bool
	coerced bool
}

func String(s string) Value { return Value{kind: KindString, str: s} }
func Int(i int64) Value     { return Value{kind: KindInteger, integer: i} }
func Float(f float64) Value { return Value{kind: KindFloat, float: f} }
func Bool(b bool) Value     { return Value{kind: KindBoolean, boolean: b} }

// Coerce stores v as its canonical string form.
func Coerce(v any) Value {
	return Value{kind: KindString, str: canonicalString(v), coerced: true}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) Coerced() bool { return v.coerced }

// Interface returns the Go value: string, int64, float64 or bool.
func (v Value) Interface() any {
	switch v.kind {
	case KindInteger:
		return v.integer
	case KindFloat:
		return v.float
	case KindBoolean:
		return v.boolean
	default:
		return v.str
	}
}

func (v Value) AsInt() (int64, bool) {
	return v.integer, v.kind == KindInteger
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInteger:
		return v.integer == o.integer
	case KindFloat:
		return v.float == o.float
	case KindBoolean:
		return v.boolean == o.boolean
	default:
		return v.str == o.str
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.integer, 10)
	case KindFloat:
		return strconv.FormatFloat(v.float, 'g', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.boolean)
	default:
		return v.str
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// FromAny maps a decoded Go value onto a Value. Anything that is not a bool,
// integer, float or string is coerced.
func FromAny(v any) Value {
	switch x := v.(type) {
	case bool:
		return Bool(x)
	case string:
		return String(x)
	case int:
		return Int(int64(x))
	case int8:
		return Int(int64(x))
	case int16:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint8:
		return Int(int64(x))
	case uint16:
		return Int(int64(x))
	case uint32:
		return Int(int64(x))
	case uint:
		if uint64(x) <= math.MaxInt64 {
			return Int(int64(x))
		}
		return Float(float64(x))
	case uint64:
		if x <= math.MaxInt64 {
			return Int(int64(x))
		}
		return Float(float64(x))
	case float32:
		return Float(float64(x))
	case float64:
		return Float(x)
	case json.Number:
		return fromNumber(x)
	case Value:
		return x
	}
	return Coerce(v)
}

// IsNull reports whether a raw JSON value is absent or null.
func IsNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Parse decodes a raw JSON value. Objects and arrays become coerced strings
// holding their compact JSON text, which is the canonical string form for
// structured values (`{"foo":"bar"}`, never a language-specific repr).
func Parse(raw json.RawMessage) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Value{}, fmt.Errorf("decode trait value: %w", err)
	}
	switch v.(type) {
	case map[string]any, []any:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return Value{}, fmt.Errorf("decode trait value: %w", err)
		}
		return Value{kind: KindString, str: buf.String(), coerced: true}, nil
	}
	return FromAny(v), nil
}

// Validate enforces the string length limit. Coerced values are exempt.
func Validate(v Value, maxLen int) error {
	if v.kind != KindString || v.coerced || maxLen <= 0 {
		return nil
	}
	if n := utf8.RuneCountInString(v.str); n > maxLen {
		return &LengthError{Limit: maxLen, Length: n}
	}
	return nil
}

func fromNumber(n json.Number) Value {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i)
		}
	}
	f, err := n.Float64()
	if err != nil {
		return Coerce(s)
	}
	return Float(f)
}

func canonicalString(v any) string {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
