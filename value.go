package nucinstdig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the declared type of a remote parameter.
type Kind int

// Names for the possible values of Kind
const (
	KindInt Kind = iota
	KindFloat
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "string"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind converts "int", "float" or "string" (any case; "double" and
// "text" also accepted) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer", "int32":
		return KindInt, nil
	case "float", "double", "float64":
		return KindFloat, nil
	case "string", "text", "octet":
		return KindText, nil
	}
	return 0, configErrorf("unknown parameter kind %q", s)
}

// Value is a tagged union of the value kinds the instrument uses. Only the
// field selected by Kind is meaningful.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Text  string
}

// IntValue makes an integer Value.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// FloatValue makes a floating-point Value.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// TextValue makes a string Value.
func TextValue(s string) Value { return Value{Kind: KindText, Text: s} }

// String formats the value the way set_parameter sends it.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	}
	return v.Text
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(w Value) bool {
	if v.Kind != w.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.Int == w.Int
	case KindFloat:
		return v.Float == w.Float || (math.IsNaN(v.Float) && math.IsNaN(w.Float))
	}
	return v.Text == w.Text
}

// Coerce converts v to kind. Numeric text is parsed, floats are rounded to the
// nearest integer, and numbers become their decimal text. Text that is not a
// number cannot become a number.
func (v Value) Coerce(kind Kind) (Value, error) {
	if v.Kind == kind {
		return v, nil
	}
	switch kind {
	case KindText:
		return TextValue(v.String()), nil

	case KindFloat:
		switch v.Kind {
		case KindInt:
			return FloatValue(float64(v.Int)), nil
		case KindText:
			f, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64)
			if err != nil {
				return Value{}, fmt.Errorf("cannot coerce %q to %s: %w", v.Text, kind, err)
			}
			return FloatValue(f), nil
		}

	case KindInt:
		switch v.Kind {
		case KindFloat:
			return roundToInt(v.Float)
		case KindText:
			s := strings.TrimSpace(v.Text)
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return IntValue(i), nil
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return Value{}, fmt.Errorf("cannot coerce %q to %s: %w", v.Text, kind, err)
			}
			return roundToInt(f)
		}
	}
	return Value{}, fmt.Errorf("cannot coerce %s to %s", v.Kind, kind)
}

func roundToInt(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64 {
		return Value{}, fmt.Errorf("cannot coerce %v to int", f)
	}
	return IntValue(int64(math.Round(f))), nil
}

// valueFromJSON converts one JSON scalar to a Value. Integral numbers become
// KindInt, other numbers KindFloat, strings KindText and booleans 0 or 1.
func valueFromJSON(raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Value{}, fmt.Errorf("empty value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, err
		}
		return TextValue(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, err
		}
		if b {
			return IntValue(1), nil
		}
		return IntValue(0), nil
	case '{', '[', 'n':
		return Value{}, fmt.Errorf("value %s is not a scalar", raw)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return Value{}, err
	}
	if i, err := n.Int64(); err == nil {
		return IntValue(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return Value{}, err
	}
	return FloatValue(f), nil
}
