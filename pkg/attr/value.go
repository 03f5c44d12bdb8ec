package attr

import (
	"fmt"
	"strconv"
)

type Type int

const (
	TypeUnknown Type = iota
	TypeEnum
	TypeFloat
	TypeInt
	TypeString
	TypeBool
	TypeCommand
)

func (t Type) String() string {
	switch t {
	case TypeEnum:
		return "enum"
	case TypeFloat:
		return "float"
	case TypeInt:
		return "int"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	case TypeCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Value is a typed attribute value. The set of implementations is closed.
type Value interface {
	Type() Type
	String() string
	isValue()
}

type Enum string
type Float float64
type Int int64
type String string
type Bool bool

// Command is never written; it exists so descriptors can report the type.
type Command struct{}

func (Enum) Type() Type    { return TypeEnum }
func (Float) Type() Type   { return TypeFloat }
func (Int) Type() Type     { return TypeInt }
func (String) Type() Type  { return TypeString }
func (Bool) Type() Type    { return TypeBool }
func (Command) Type() Type { return TypeCommand }

func (v Enum) String() string   { return string(v) }
func (v Float) String() string  { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v Int) String() string    { return strconv.FormatInt(int64(v), 10) }
func (v String) String() string { return string(v) }
func (v Bool) String() string   { return strconv.FormatBool(bool(v)) }
func (Command) String() string  { return "<command>" }
func (Enum) isValue()           {}
func (Float) isValue()          {}
func (Int) isValue()            {}
func (String) isValue()         {}
func (Bool) isValue()           {}
func (Command) isValue()        {}

// FromYAML converts a scalar decoded by yaml.v2 into a Value. Strings stay
// strings; the registry turns them into enums when the descriptor asks for one.
func FromYAML(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case bool:
		return Bool(v), nil
	case int:
		return Int(v), nil
	case int64:
		return Int(v), nil
	case uint64:
		return Int(int64(v)), nil
	case float64:
		return Float(v), nil
	case float32:
		return Float(v), nil
	case string:
		return String(v), nil
	default:
		return nil, fmt.Errorf("%w: unsupported value %v (%T)", ErrTypeMismatch, raw, raw)
	}
}

// Parse interprets text typed by an operator according to the descriptor.
func Parse(d Descriptor, text string) (Value, error) {
	switch d.Type {
	case TypeEnum:
		return Enum(text), nil
	case TypeString:
		return String(text), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s wants a float: %v", ErrTypeMismatch, d.Name, err)
		}
		return Float(f), nil
	case TypeInt:
		i, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s wants an int: %v", ErrTypeMismatch, d.Name, err)
		}
		return Int(i), nil
	case TypeBool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %s wants a bool: %v", ErrTypeMismatch, d.Name, err)
		}
		return Bool(b), nil
	default:
		return nil, fmt.Errorf("%w: %s has type %s", ErrUnsupportedType, d.Name, d.Type)
	}
}

// Equal compares two values by type and content.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Type() == b.Type() && a.String() == b.String()
}
