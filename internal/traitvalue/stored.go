package traitvalue

import "fmt"

// Stored is the column payload of a trait: a type tag and exactly one
// populated value.
type Stored struct {
	Type    string
	String  *string
	Integer *int64
	Float   *float64
	Boolean *bool
}

func Encode(v Value) Stored {
	s := Stored{Type: v.kind.Type()}
	switch v.kind {
	case KindInteger:
		i := v.integer
		s.Integer = &i
	case KindFloat:
		f := v.float
		s.Float = &f
	case KindBoolean:
		b := v.boolean
		s.Boolean = &b
	default:
		str := v.str
		s.String = &str
	}
	return s
}

func Decode(s Stored) (Value, error) {
	kind, err := KindOf(s.Type)
	if err != nil {
		return Value{}, err
	}
	switch kind {
	case KindInteger:
		if s.Integer != nil {
			return Int(*s.Integer), nil
		}
	case KindFloat:
		if s.Float != nil {
			return Float(*s.Float), nil
		}
	case KindBoolean:
		if s.Boolean != nil {
			return Bool(*s.Boolean), nil
		}
	default:
		if s.String != nil {
			return String(*s.String), nil
		}
	}
	return Value{}, fmt.Errorf("%w: %s", ErrEmptyPayload, s.Type)
}
