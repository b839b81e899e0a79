package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

// ValueType tags the variant held by a Value.
type ValueType uint8

const (
	ValueNone ValueType = iota
	ValueString
	ValueNumber
	ValueBool
	ValueBytes
	ValueMap
)

func (t ValueType) String() string {
	switch t {
	case ValueString:
		return "string"
	case ValueNumber:
		return "number"
	case ValueBool:
		return "bool"
	case ValueBytes:
		return "bytes"
	case ValueMap:
		return "map"
	default:
		return "none"
	}
}

// Value is a closed variant used for extras, command parameters and event
// arguments. The zero Value holds nothing.
type Value struct {
	typ ValueType
	s   string
	n   float64
	b   bool
	raw []byte
	m   *Extras
}

func StringValue(v string) Value  { return Value{typ: ValueString, s: v} }
func NumberValue(v float64) Value { return Value{typ: ValueNumber, n: v} }
func BoolValue(v bool) Value      { return Value{typ: ValueBool, b: v} }

func BytesValue(v []byte) Value {
	return Value{typ: ValueBytes, raw: append([]byte(nil), v...)}
}

func MapValue(v Extras) Value {
	c := v.Clone()
	return Value{typ: ValueMap, m: &c}
}

func (v Value) Type() ValueType { return v.typ }
func (v Value) IsZero() bool    { return v.typ == ValueNone }

func (v Value) AsString() (string, bool)  { return v.s, v.typ == ValueString }
func (v Value) AsNumber() (float64, bool) { return v.n, v.typ == ValueNumber }
func (v Value) AsBool() (bool, bool)      { return v.b, v.typ == ValueBool }

func (v Value) AsBytes() ([]byte, bool) {
	if v.typ != ValueBytes {
		return nil, false
	}
	return append([]byte(nil), v.raw...), true
}

func (v Value) AsMap() (Extras, bool) {
	if v.typ != ValueMap || v.m == nil {
		return Extras{}, false
	}
	return v.m.Clone(), true
}

// AsInt returns the number as an integer when it has no fractional part
// and fits in an int64.
func (v Value) AsInt() (int64, bool) {
	if v.typ != ValueNumber || math.IsNaN(v.n) || math.IsInf(v.n, 0) || v.n != math.Trunc(v.n) {
		return 0, false
	}
	// -2^63 is exact in float64 while 2^63 already overflows.
	if v.n < math.MinInt64 || v.n >= -math.MinInt64 {
		return 0, false
	}
	return int64(v.n), true
}

func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case ValueString:
		return v.s == o.s
	case ValueNumber:
		return v.n == o.n
	case ValueBool:
		return v.b == o.b
	case ValueBytes:
		return bytes.Equal(v.raw, o.raw)
	case ValueMap:
		if v.m == nil || o.m == nil {
			return v.m == o.m
		}
		return v.m.Equal(*o.m)
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.typ {
	case ValueString:
		return v.s
	case ValueNumber:
		return fmt.Sprintf("%g", v.n)
	case ValueBool:
		return fmt.Sprintf("%t", v.b)
	case ValueBytes:
		return base64.StdEncoding.EncodeToString(v.raw)
	case ValueMap:
		raw, _ := json.Marshal(v.m)
		return string(raw)
	default:
		return ""
	}
}

// bytesEnvelope is the JSON shape for ValueBytes so it stays distinct from
// ValueString.
type bytesEnvelope struct {
	Bytes []byte `json:"$bytes"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case ValueString:
		return json.Marshal(v.s)
	case ValueNumber:
		return json.Marshal(v.n)
	case ValueBool:
		return json.Marshal(v.b)
	case ValueBytes:
		return json.Marshal(bytesEnvelope{Bytes: v.raw})
	case ValueMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return v.m.MarshalJSON()
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err != nil {
			return err
		}
		if raw, ok := probe["$bytes"]; ok && len(probe) == 1 {
			var b []byte
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			*v = Value{typ: ValueBytes, raw: b}
			return nil
		}
		var m Extras
		if err := m.UnmarshalJSON(data); err != nil {
			return err
		}
		*v = Value{typ: ValueMap, m: &m}
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported value %s: %w", string(data), err)
		}
		*v = NumberValue(n)
	}
	return nil
}

// Extras is an insertion-ordered map from string keys to Values.
type Extras struct {
	keys []string
	vals map[string]Value
}

func NewExtras(pairs ...any) Extras {
	var e Extras
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		switch val := pairs[i+1].(type) {
		case Value:
			e.Set(key, val)
		case string:
			e.Set(key, StringValue(val))
		case bool:
			e.Set(key, BoolValue(val))
		case int:
			e.Set(key, NumberValue(float64(val)))
		case int64:
			e.Set(key, NumberValue(float64(val)))
		case float64:
			e.Set(key, NumberValue(val))
		case []byte:
			e.Set(key, BytesValue(val))
		case Extras:
			e.Set(key, MapValue(val))
		}
	}
	return e
}

func (e *Extras) Set(key string, v Value) {
	if e.vals == nil {
		e.vals = map[string]Value{}
	}
	if _, ok := e.vals[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.vals[key] = v
}

func (e Extras) Get(key string) (Value, bool) {
	v, ok := e.vals[key]
	return v, ok
}

func (e *Extras) Delete(key string) {
	if _, ok := e.vals[key]; !ok {
		return
	}
	delete(e.vals, key)
	for i, k := range e.keys {
		if k == key {
			e.keys = append(e.keys[:i:i], e.keys[i+1:]...)
			break
		}
	}
}

func (e Extras) Len() int { return len(e.keys) }

func (e Extras) Keys() []string { return append([]string(nil), e.keys...) }

func (e Extras) Range(fn func(key string, v Value) bool) {
	for _, k := range e.keys {
		if !fn(k, e.vals[k]) {
			return
		}
	}
}

func (e Extras) Clone() Extras {
	if len(e.keys) == 0 {
		return Extras{}
	}
	out := Extras{keys: append([]string(nil), e.keys...), vals: make(map[string]Value, len(e.vals))}
	for k, v := range e.vals {
		out.vals[k] = v
	}
	return out
}

// Equal compares keys, order and values.
func (e Extras) Equal(o Extras) bool {
	if len(e.keys) != len(o.keys) {
		return false
	}
	for i, k := range e.keys {
		if o.keys[i] != k || !e.vals[k].Equal(o.vals[k]) {
			return false
		}
	}
	return true
}

func (e Extras) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range e.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := e.vals[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (e *Extras) UnmarshalJSON(data []byte) error {
	*e = Extras{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("extras must be a JSON object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("extras key must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("extras[%s]: %w", key, err)
		}
		e.Set(key, v)
	}
	_, err = dec.Token()
	return err
}
