package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	geoerrors "github.com/copyleftdev/geomopt/internal/errors"
)

// Dict is the foreign form of a configuration document. Values are limited
// to string, int64, float64, bool, []interface{} and map[string]interface{}.
type Dict map[string]interface{}

// ToForeign converts doc into a Dict. Keys are kept verbatim. Datetimes
// become their text form.
func ToForeign(doc *Document) (Dict, error) {
	if doc == nil {
		return nil, geoerrors.New(geoerrors.KindConfigType, "nil document").
			WithComponent(component).WithOperation("ToForeign")
	}

	out := make(Dict, len(doc.root))
	for k, v := range doc.root {
		fv, err := toForeign(v, 1)
		if err != nil {
			return nil, keyed(err, k)
		}
		out[k] = fv
	}
	return out, nil
}

func toForeign(v Value, depth int) (interface{}, error) {
	if depth > MaxDepth {
		return nil, geoerrors.Errorf(geoerrors.KindConfigType,
			"nesting exceeds %d levels", MaxDepth).WithComponent(component)
	}

	switch v.kind {
	case KindString, KindDatetime:
		return v.str, nil
	case KindInteger:
		return v.i, nil
	case KindFloat:
		return v.f, nil
	case KindBool:
		return v.b, nil
	case KindArray:
		out := make([]interface{}, len(v.array))
		for i, e := range v.array {
			fe, err := toForeign(e, depth+1)
			if err != nil {
				return nil, indexed(err, i)
			}
			out[i] = fe
		}
		return out, nil
	case KindTable:
		out := make(map[string]interface{}, len(v.table))
		for k, e := range v.table {
			fe, err := toForeign(e, depth+1)
			if err != nil {
				return nil, keyed(err, k)
			}
			out[k] = fe
		}
		return out, nil
	}
	return nil, geoerrors.Errorf(geoerrors.KindConfigType, "value of kind %s", v.kind).
		WithComponent(component)
}

// Get returns the value under key.
func (d Dict) Get(key string) (interface{}, bool) {
	v, ok := d[key]
	return v, ok
}

// Clone returns a deep copy of d.
func (d Dict) Clone() Dict {
	if d == nil {
		return nil
	}
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case Dict:
		return x.Clone()
	}
	return v
}

// MarshalJSON writes d with floats that always read back as floats: 1.0 is
// written as 1.0, not 1. Non-finite floats become {"$float": "NaN"} and
// friends, which the optimizer bootstrap decodes back to floats.
func (d Dict) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, map[string]interface{}(d)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case string:
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(b)
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case int:
		buf.WriteString(strconv.Itoa(x))
	case float64:
		encodeFloat(buf, x)
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Dict:
		return encodeValue(buf, map[string]interface{}(x))
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeValue(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return geoerrors.Errorf(geoerrors.KindConfigType,
			"%T has no foreign representation", v).WithComponent(component)
	}
	return nil
}

func encodeFloat(buf *bytes.Buffer, f float64) {
	switch {
	case math.IsNaN(f):
		buf.WriteString(`{"$float":"NaN"}`)
		return
	case math.IsInf(f, 1):
		buf.WriteString(`{"$float":"Infinity"}`)
		return
	case math.IsInf(f, -1):
		buf.WriteString(`{"$float":"-Infinity"}`)
		return
	}

	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	buf.WriteString(s)
}

// String renders d as JSON for logs.
func (d Dict) String() string {
	b, err := d.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid params: %v>", err)
	}
	return string(b)
}
