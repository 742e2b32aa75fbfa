package params

import (
	stderrors "errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	geoerrors "github.com/copyleftdev/geomopt/internal/errors"
)

const component = "params"

// MaxDepth bounds the nesting of arrays and tables.
const MaxDepth = 32

// SyntaxError locates malformed configuration text. Line and Column are
// 1-based; zero means unknown.
type SyntaxError struct {
	Line   int
	Column int
	Err    error
}

func (e *SyntaxError) Error() string {
	switch {
	case e.Line > 0 && e.Column > 0:
		return fmt.Sprintf("line %d, column %d: %v", e.Line, e.Column, e.Err)
	case e.Line > 0:
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return e.Err.Error()
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// ParseText parses TOML text into a Document.
func ParseText(text string) (*Document, error) {
	var raw map[string]interface{}
	if err := toml.Unmarshal([]byte(text), &raw); err != nil {
		syn := &SyntaxError{Err: err}
		var de *toml.DecodeError
		if stderrors.As(err, &de) {
			syn.Line, syn.Column = de.Position()
		}
		return nil, geoerrors.Wrap(geoerrors.KindConfigSyntax, syn, "parse TOML").
			WithComponent(component).WithOperation("ParseText")
	}
	return FromMap(raw)
}

// ParseYAML parses YAML text into a Document. The top level must be a
// mapping; an empty input yields an empty Document.
func ParseYAML(text string) (*Document, error) {
	var raw interface{}
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		syn := &SyntaxError{Err: err}
		// yaml.v3 reports positions only inside the message.
		_, _ = fmt.Sscanf(strings.TrimPrefix(err.Error(), "yaml: "), "line %d:", &syn.Line)
		return nil, geoerrors.Wrap(geoerrors.KindConfigSyntax, syn, "parse YAML").
			WithComponent(component).WithOperation("ParseYAML")
	}

	switch top := raw.(type) {
	case nil:
		return NewDocument(nil), nil
	case map[string]interface{}:
		return FromMap(top)
	case map[interface{}]interface{}:
		v, err := fromGo(top, 0)
		if err != nil {
			return nil, err
		}
		return NewDocument(v.table), nil
	default:
		return nil, geoerrors.Errorf(geoerrors.KindConfigType,
			"top level must be a mapping, got %T", raw).
			WithComponent(component).WithOperation("ParseYAML")
	}
}

// ParseFile reads path and parses it according to its extension.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return ParseText(string(data))
	case ".yaml", ".yml":
		return ParseYAML(string(data))
	default:
		return nil, geoerrors.Errorf(geoerrors.KindConfigSyntax,
			"unsupported configuration format %q", filepath.Ext(path)).
			WithComponent(component).WithOperation("ParseFile")
	}
}

// FromMap builds a Document from Go values. Accepted leaves are strings,
// booleans, integers, floats and time.Time; slices, arrays and string-keyed
// maps nest. Anything else is a ConfigTypeError.
func FromMap(m map[string]interface{}) (*Document, error) {
	root := make(map[string]Value, len(m))
	for k, raw := range m {
		v, err := fromGo(raw, 1)
		if err != nil {
			return nil, keyed(err, k)
		}
		root[k] = v
	}
	return NewDocument(root), nil
}

func fromGo(raw interface{}, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, geoerrors.Errorf(geoerrors.KindConfigType,
			"nesting exceeds %d levels", MaxDepth).WithComponent(component)
	}

	switch x := raw.(type) {
	case Value:
		return x, nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case int:
		return IntValue(int64(x)), nil
	case int8:
		return IntValue(int64(x)), nil
	case int16:
		return IntValue(int64(x)), nil
	case int32:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case uint8:
		return IntValue(int64(x)), nil
	case uint16:
		return IntValue(int64(x)), nil
	case uint32:
		return IntValue(int64(x)), nil
	case uint:
		return fromUint(uint64(x))
	case uint64:
		return fromUint(x)
	case float32:
		return FloatValue(float64(x)), nil
	case float64:
		return FloatValue(x), nil
	case time.Time:
		return DatetimeValue(x.Format(time.RFC3339Nano)), nil
	case toml.LocalDate:
		return DatetimeValue(x.String()), nil
	case toml.LocalTime:
		return DatetimeValue(x.String()), nil
	case toml.LocalDateTime:
		return DatetimeValue(x.String()), nil
	case []interface{}:
		out := make([]Value, len(x))
		for i, e := range x {
			v, err := fromGo(e, depth+1)
			if err != nil {
				return Value{}, indexed(err, i)
			}
			out[i] = v
		}
		return ArrayValue(out...), nil
	case map[string]interface{}:
		out := make(map[string]Value, len(x))
		for k, e := range x {
			v, err := fromGo(e, depth+1)
			if err != nil {
				return Value{}, keyed(err, k)
			}
			out[k] = v
		}
		return TableValue(out), nil
	case map[interface{}]interface{}:
		out := make(map[string]Value, len(x))
		for k, e := range x {
			ks, ok := k.(string)
			if !ok {
				return Value{}, geoerrors.Errorf(geoerrors.KindConfigType,
					"table key %v is %T, not a string", k, k).WithComponent(component)
			}
			v, err := fromGo(e, depth+1)
			if err != nil {
				return Value{}, keyed(err, ks)
			}
			out[ks] = v
		}
		return TableValue(out), nil
	case nil:
		return Value{}, geoerrors.New(geoerrors.KindConfigType,
			"null has no configuration representation").WithComponent(component)
	}

	return fromReflect(reflect.ValueOf(raw), depth)
}

// fromReflect handles typed slices and maps such as []float64 or
// map[string]int.
func fromReflect(rv reflect.Value, depth int) (Value, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]Value, rv.Len())
		for i := range out {
			v, err := fromGo(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return Value{}, indexed(err, i)
			}
			out[i] = v
		}
		return ArrayValue(out...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			v, err := fromGo(iter.Value().Interface(), depth+1)
			if err != nil {
				return Value{}, keyed(err, k)
			}
			out[k] = v
		}
		return TableValue(out), nil
	}
	return Value{}, geoerrors.Errorf(geoerrors.KindConfigType,
		"unsupported value of type %s", rv.Type()).WithComponent(component)
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, geoerrors.Errorf(geoerrors.KindConfigType,
			"integer %d overflows int64", u).WithComponent(component)
	}
	return IntValue(int64(u)), nil
}

// keyed and indexed prefix the failing path onto a conversion error.
func keyed(err error, key string) error {
	var e *geoerrors.Error
	if stderrors.As(err, &e) {
		switch {
		case e.Operation == "":
			e.Operation = key
		case strings.HasPrefix(e.Operation, "["):
			e.Operation = key + e.Operation
		default:
			e.Operation = key + "." + e.Operation
		}
	}
	return err
}

func indexed(err error, i int) error {
	var e *geoerrors.Error
	if stderrors.As(err, &e) {
		prefix := fmt.Sprintf("[%d]", i)
		switch {
		case e.Operation == "" || strings.HasPrefix(e.Operation, "["):
			e.Operation = prefix + e.Operation
		default:
			e.Operation = prefix + "." + e.Operation
		}
	}
	return err
}
