// Package record defines the loosely-typed record model shared by the fetch
// and load engines. A record is an ordered mapping from field name to Value,
// where Value is a tagged union over the JSON scalar and container types.
package record

import (
	"fmt"
	"strconv"
	"time"
)

// Kind identifies which member of the Value union is set.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindObject
	KindList
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Value is a tagged union over null, bool, int, float, string, nested object
// and list. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	obj  *Object
	list []Value
}

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps an integer.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a floating point number.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// ObjectValue wraps a nested object.
func ObjectValue(o *Object) Value { return Value{kind: KindObject, obj: o} }

// ListValue wraps a list of values.
func ListValue(vs []Value) Value { return Value{kind: KindList, list: vs} }

// Kind reports which union member is set.
func (v Value) Kind() Kind { return v.kind }

// Bool returns the boolean member. Valid only when Kind is KindBool.
func (v Value) Bool() bool { return v.b }

// Int returns the integer member. Valid only when Kind is KindInt.
func (v Value) Int() int64 { return v.i }

// Float returns the float member. Valid only when Kind is KindFloat.
func (v Value) Float() float64 { return v.f }

// String returns the string member. Valid only when Kind is KindString.
func (v Value) String() string { return v.s }

// Object returns the nested object member. Valid only when Kind is KindObject.
func (v Value) Object() *Object { return v.obj }

// List returns the list member. Valid only when Kind is KindList.
func (v Value) List() []Value { return v.list }

// KeyString renders a value as a natural-key string. Only scalar kinds have a
// key representation; the second return is false otherwise.
func (v Value) KeyString() (string, bool) {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10), true
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64), true
	case KindString:
		return v.s, true
	case KindBool:
		return strconv.FormatBool(v.b), true
	default:
		return "", false
	}
}

// Object is an ordered field-name to Value mapping. Field order follows
// insertion order, which for decoded API responses is wire order.
type Object struct {
	keys []string
	vals map[string]Value
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{vals: make(map[string]Value)}
}

// Set stores a field, appending it to the order on first insert.
func (o *Object) Set(name string, v Value) {
	if _, ok := o.vals[name]; !ok {
		o.keys = append(o.keys, name)
	}
	o.vals[name] = v
}

// Get returns the value for a field and whether it is present.
func (o *Object) Get(name string) (Value, bool) {
	v, ok := o.vals[name]
	return v, ok
}

// Has reports whether a field is present.
func (o *Object) Has(name string) bool {
	_, ok := o.vals[name]
	return ok
}

// Len returns the number of fields.
func (o *Object) Len() int { return len(o.keys) }

// Keys returns the field names in order. The caller must not modify the
// returned slice.
func (o *Object) Keys() []string { return o.keys }

// Clone returns a shallow copy. Nested objects and lists are shared; callers
// adding derived top-level fields (such as the ingestion timestamp) get a copy
// that leaves the fetched record untouched.
func (o *Object) Clone() *Object {
	c := &Object{
		keys: make([]string, len(o.keys)),
		vals: make(map[string]Value, len(o.vals)),
	}
	copy(c.keys, o.keys)
	for k, v := range o.vals {
		c.vals[k] = v
	}
	return c
}

// naturalKeyFields are probed in order when extracting a record identity.
var naturalKeyFields = []string{"id", "crime_id", "record_id"}

// NaturalKey extracts the record's identity as a string, probing the
// well-known key field names in order. Returns false when no key field with a
// scalar value is present.
func (o *Object) NaturalKey() (string, bool) {
	for _, name := range naturalKeyFields {
		if v, ok := o.vals[name]; ok {
			if s, ok := v.KeyString(); ok {
				return s, true
			}
		}
	}
	return "", false
}

// NaturalKeyField returns the name of the key field this record carries,
// probing the well-known names in order.
func (o *Object) NaturalKeyField() (string, bool) {
	for _, name := range naturalKeyFields {
		if v, ok := o.vals[name]; ok {
			if _, ok := v.KeyString(); ok {
				return name, true
			}
		}
	}
	return "", false
}

// StampField is the derived ingestion-timestamp field added before loading.
const StampField = "fetched_at"

// Stamp returns a copy of the record with the ingestion timestamp set.
func (o *Object) Stamp(t time.Time) *Object {
	c := o.Clone()
	c.Set(StampField, String(t.UTC().Format(time.RFC3339)))
	return c
}

// ValidationError reports a malformed record, such as a missing natural key.
// Validation failures are per-record: the offending record is skipped and the
// rest of the batch proceeds.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: field %q %s", e.Field, e.Reason)
}

// Validate checks that the record carries the given natural-key field.
func (o *Object) Validate(keyField string) error {
	if !o.Has(keyField) {
		return &ValidationError{Field: keyField, Reason: "missing"}
	}
	return nil
}
