// Package matchinfo models the loosely structured match payloads returned by
// the game coordinator as a tagged recursive value.
package matchinfo

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
)

// Kind tags which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Field is one key of an object, kept in payload order.
type Field struct {
	Key   string
	Value Value
}

// Value is an object, an array, or a scalar leaf. The zero Value is null.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	u      uint64
	f      float64
	s      string
	raw    []byte
	fields []Field
	items  []Value
}

func Null() Value                  { return Value{} }
func Bool(b bool) Value            { return Value{kind: KindBool, b: b} }
func Int(i int64) Value            { return Value{kind: KindInt, i: i} }
func Uint(u uint64) Value          { return Value{kind: KindUint, u: u} }
func Float(f float64) Value        { return Value{kind: KindFloat, f: f} }
func String(s string) Value        { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value         { return Value{kind: KindBytes, raw: b} }
func Object(fields ...Field) Value { return Value{kind: KindObject, fields: fields} }
func Array(items ...Value) Value   { return Value{kind: KindArray, items: items} }

// F builds a Field; shorthand for literal payloads in tests and tools.
func F(key string, v Value) Field { return Field{Key: key, Value: v} }

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) Fields() []Field { return v.fields }
func (v Value) Items() []Value  { return v.items }

// Len is the number of fields or items; zero for scalars.
func (v Value) Len() int {
	switch v.kind {
	case KindObject:
		return len(v.fields)
	case KindArray:
		return len(v.items)
	}
	return 0
}

// Get returns the first field named key of an object.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Index returns item i of an array. Negative i counts from the end.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindArray {
		return Value{}, false
	}
	if i < 0 {
		i += len(v.items)
	}
	if i < 0 || i >= len(v.items) {
		return Value{}, false
	}
	return v.items[i], true
}

// Str returns the string of a string leaf.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Text renders a scalar leaf as text: strings as-is, integers in decimal,
// integral floats without exponent. Objects, arrays, null and bytes have no text.
func (v Value) Text() (string, bool) {
	switch v.kind {
	case KindString:
		return v.s, true
	case KindInt:
		return strconv.FormatInt(v.i, 10), true
	case KindUint:
		return strconv.FormatUint(v.u, 10), true
	case KindFloat:
		if v.f == math.Trunc(v.f) && math.Abs(v.f) < 1e21 {
			return strconv.FormatFloat(v.f, 'f', 0, 64), true
		}
		return strconv.FormatFloat(v.f, 'g', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	}
	return "", false
}

// FromAny converts decoder output (encoding/json with UseNumber, CBOR with
// string-keyed maps) into a Value. Map keys are sorted so traversal order is
// deterministic.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Uint(uint64(t)), nil
	case uint8:
		return Uint(uint64(t)), nil
	case uint16:
		return Uint(uint64(t)), nil
	case uint32:
		return Uint(uint64(t)), nil
	case uint64:
		return Uint(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case json.Number:
		return numberValue(t.String()), nil
	case *big.Int:
		if t == nil {
			return Null(), nil
		}
		return String(t.String()), nil
	case big.Int:
		return String(t.String()), nil
	case []any:
		items := make([]Value, 0, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, v)
		}
		return Array(items...), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]Field, 0, len(t))
		for _, k := range keys {
			v, err := FromAny(t[k])
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			fields = append(fields, F(k, v))
		}
		return Object(fields...), nil
	case map[any]any:
		converted := make(map[string]any, len(t))
		for k, item := range t {
			converted[fmt.Sprint(k)] = item
		}
		return FromAny(converted)
	default:
		return Value{}, fmt.Errorf("matchinfo: unsupported type %T", x)
	}
}

func numberValue(s string) Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i)
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Uint(u)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Float(f)
	}
	return String(s)
}
