// Package params turns human-authored configuration text into the generic
// key/value structure the external optimizer consumes.
//
// The package never interprets key names. It keeps keys and scalar types
// exactly as written: an integer stays an integer and a float stays a float.
package params

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind is the variant held by a Value.
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindInteger
	KindFloat
	KindBool
	KindDatetime
	KindArray
	KindTable
)

var kindNames = map[Kind]string{
	KindInvalid:  "invalid",
	KindString:   "string",
	KindInteger:  "integer",
	KindFloat:    "float",
	KindBool:     "boolean",
	KindDatetime: "datetime",
	KindArray:    "array",
	KindTable:    "table",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is one node of a configuration document. The zero Value is invalid.
type Value struct {
	kind  Kind
	str   string // string and datetime text
	i     int64
	f     float64
	b     bool
	array []Value
	table map[string]Value
}

func StringValue(s string) Value { return Value{kind: KindString, str: s} }
func IntValue(i int64) Value { return Value{kind: KindInteger, i: i} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }
func ArrayValue(vs ...Value) Value { return Value{kind: KindArray, array: vs} }

// DatetimeValue holds a date, time or datetime in its textual form.
func DatetimeValue(text string) Value { return Value{kind: KindDatetime, str: text} }

// TableValue holds a table. The map is used as is.
func TableValue(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindTable, table: m}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInteger }
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsFloat returns the float held by v. Integers are widened.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInteger:
		return float64(v.i), true
	}
	return 0, false
}

func (v Value) AsArray() ([]Value, bool) { return v.array, v.kind == KindArray }

func (v Value) AsTable() (map[string]Value, bool) { return v.table, v.kind == KindTable }

// String renders v for diagnostics.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.str)
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindDatetime:
		return v.str
	case KindArray:
		parts := make([]string, len(v.array))
		for i, e := range v.array {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindTable:
		keys := sortedKeys(v.table)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s = %s", k, v.table[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return "<invalid>"
}

// Document is a parsed configuration whose root is always a table.
type Document struct {
	root map[string]Value
}

// NewDocument wraps a root table.
func NewDocument(root map[string]Value) *Document {
	if root == nil {
		root = map[string]Value{}
	}
	return &Document{root: root}
}

// Get returns the value stored under key at the top level.
func (d *Document) Get(key string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	v, ok := d.root[key]
	return v, ok
}

// Table returns the sub-table stored under key as its own Document.
func (d *Document) Table(key string) (*Document, bool) {
	v, ok := d.Get(key)
	if !ok || v.kind != KindTable {
		return nil, false
	}
	return &Document{root: v.table}, true
}

// Keys returns the top-level keys in sorted order.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	return sortedKeys(d.root)
}

// Len returns the number of top-level keys.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.root)
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
