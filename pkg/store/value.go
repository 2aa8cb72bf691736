package store

import (
	"fmt"
	"strconv"
)

// Kind identifies which member of the value union is populated.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// UnsupportedValueError indicates a value of a kind the store boundary
// does not carry. The payload is rejected instead of being silently
// serialized.
type UnsupportedValueError struct {
	Value interface{}
}

func (e *UnsupportedValueError) Error() string {
	return fmt.Sprintf("unsupported store value of type %T", e.Value)
}

// Value is the tagged union of payload kinds the store accepts:
// string, integer, float and binary blob.
type Value struct {
	kind Kind
	str  string
	num  int64
	flt  float64
	bin  []byte
}

// StringValue wraps a string payload
func StringValue(s string) Value {
	return Value{kind: KindString, str: s}
}

// IntValue wraps an integer payload
func IntValue(i int64) Value {
	return Value{kind: KindInt, num: i}
}

// FloatValue wraps a float payload
func FloatValue(f float64) Value {
	return Value{kind: KindFloat, flt: f}
}

// BytesValue wraps a binary payload
func BytesValue(b []byte) Value {
	return Value{kind: KindBytes, bin: b}
}

// From converts a dynamically-typed payload into a Value, rejecting
// unsupported kinds with an UnsupportedValueError.
func From(v interface{}) (Value, error) {
	switch t := v.(type) {
	case string:
		return StringValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int32:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case float32:
		return FloatValue(float64(t)), nil
	case float64:
		return FloatValue(t), nil
	case []byte:
		return BytesValue(t), nil
	default:
		return Value{}, &UnsupportedValueError{Value: v}
	}
}

// Kind returns which member of the union is populated
func (v Value) Kind() Kind {
	return v.kind
}

// arg returns the value in the form the store client expects
func (v Value) arg() interface{} {
	switch v.kind {
	case KindInt:
		return v.num
	case KindFloat:
		return v.flt
	case KindBytes:
		return v.bin
	default:
		return v.str
	}
}

// Text returns the value as a string. Numeric kinds are formatted the
// same way the store itself would return them.
func (v Value) Text() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'f', -1, 64)
	case KindBytes:
		return string(v.bin)
	default:
		return v.str
	}
}

// AsInt coerces the value to an integer
func (v Value) AsInt() (int64, error) {
	switch v.kind {
	case KindInt:
		return v.num, nil
	case KindString:
		return strconv.ParseInt(v.str, 10, 64)
	default:
		return 0, fmt.Errorf("cannot coerce %s value to int", v.kind)
	}
}

// AsFloat coerces the value to a float
func (v Value) AsFloat() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.flt, nil
	case KindInt:
		return float64(v.num), nil
	case KindString:
		return strconv.ParseFloat(v.str, 64)
	default:
		return 0, fmt.Errorf("cannot coerce %s value to float", v.kind)
	}
}

// Bytes returns the raw payload bytes
func (v Value) Bytes() []byte {
	if v.kind == KindBytes {
		return v.bin
	}
	return []byte(v.Text())
}
