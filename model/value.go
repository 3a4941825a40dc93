package model

import (
	"fmt"
	"strconv"
)

// Kind is the scalar type of a unit signal.
type Kind int

const (
	KindReal Kind = iota
	KindInteger
	KindBoolean
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindReal:
		return "real"
	case KindInteger:
		return "integer"
	case KindBoolean:
		return "boolean"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a config string onto a Kind. Empty selects KindReal.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "real", "float", "double":
		return KindReal, nil
	case "integer", "int":
		return KindInteger, nil
	case "boolean", "bool":
		return KindBoolean, nil
	case "string", "text":
		return KindString, nil
	default:
		return KindReal, fmt.Errorf("unknown signal kind %q", s)
	}
}

// Value carries exactly one scalar of the type named by Kind.
type Value struct {
	Kind Kind
	Real float64
	Int  int32
	Bool bool
	Str  string
}

func Real(v float64) Value  { return Value{Kind: KindReal, Real: v} }
func Integer(v int32) Value { return Value{Kind: KindInteger, Int: v} }
func Boolean(v bool) Value  { return Value{Kind: KindBoolean, Bool: v} }
func String(v string) Value { return Value{Kind: KindString, Str: v} }

// Float returns the value as float64, converting integers and booleans.
// Strings that do not parse yield 0.
func (v Value) Float() float64 {
	switch v.Kind {
	case KindReal:
		return v.Real
	case KindInteger:
		return float64(v.Int)
	case KindBoolean:
		if v.Bool {
			return 1
		}
		return 0
	case KindString:
		f, _ := strconv.ParseFloat(v.Str, 64)
		return f
	}
	return 0
}

func (v Value) String() string {
	switch v.Kind {
	case KindReal:
		return strconv.FormatFloat(v.Real, 'g', -1, 64)
	case KindInteger:
		return strconv.FormatInt(int64(v.Int), 10)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// Params is a unit parameter bag as supplied by configuration.
type Params map[string]Value

// ParamFromAny converts a decoded configuration scalar into a Value.
// Numbers become reals, matching how parameter bags are applied to units.
func ParamFromAny(raw any) (Value, error) {
	switch v := raw.(type) {
	case string:
		return String(v), nil
	case bool:
		return Boolean(v), nil
	case int:
		return Real(float64(v)), nil
	case int64:
		return Real(float64(v)), nil
	case uint64:
		return Real(float64(v)), nil
	case float32:
		return Real(float64(v)), nil
	case float64:
		return Real(v), nil
	default:
		return Value{}, fmt.Errorf("unsupported parameter type %T", raw)
	}
}

// Convert returns v as the given kind. Numeric and boolean kinds convert
// between each other (reals truncate toward zero); strings only convert to
// strings and are parsed when a number is asked for.
func (v Value) Convert(kind Kind) (Value, bool) {
	if v.Kind == kind {
		return v, true
	}
	switch kind {
	case KindReal:
		if v.Kind == KindString {
			f, err := strconv.ParseFloat(v.Str, 64)
			return Real(f), err == nil
		}
		return Real(v.Float()), true
	case KindInteger:
		if v.Kind == KindString {
			n, err := strconv.ParseInt(v.Str, 10, 32)
			return Integer(int32(n)), err == nil
		}
		return Integer(int32(v.Float())), true
	case KindBoolean:
		if v.Kind == KindString {
			b, err := strconv.ParseBool(v.Str)
			return Boolean(b), err == nil
		}
		return Boolean(v.Float() != 0), true
	case KindString:
		return String(v.String()), true
	}
	return Value{}, false
}
