// Package marshal converts coordinate and gradient buffers between native
// float slices and the array form the external optimizer reads and writes.
//
// Buffers are flat and row-major: one structure of n atoms is
// [x1, y1, z1, x2, y2, z2, ..., xn, yn, zn].
package marshal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"

	geoerrors "github.com/copyleftdev/geomopt/internal/errors"
)

const component = "marshal"

// Array is the foreign representation of a numeric buffer: an n-dimensional
// shape and row-major data.
type Array struct {
	Shape []int
	Data  []float64
}

// ToForeign converts buf into a one-dimensional Array. The data is copied.
func ToForeign(buf []float64) Array {
	data := make([]float64, len(buf))
	copy(data, buf)
	return Array{Shape: []int{len(buf)}, Data: data}
}

// ToForeignMatrix converts buf into a (len/3, 3) Array, the per-atom layout
// molecule geometries use.
func ToForeignMatrix(buf []float64) (Array, error) {
	if len(buf)%3 != 0 {
		return Array{}, geoerrors.Errorf(geoerrors.KindMarshal,
			"buffer length %d is not a multiple of 3", len(buf)).
			WithComponent(component).WithOperation("ToForeignMatrix")
	}
	data := make([]float64, len(buf))
	copy(data, buf)
	return Array{Shape: []int{len(buf) / 3, 3}, Data: data}, nil
}

// FromForeign converts a into a flat buffer of exactly expected elements.
// The declared shape and the data length are both checked before any
// element is read.
func FromForeign(a Array, expected int) ([]float64, error) {
	n, err := a.size()
	if err != nil {
		return nil, err
	}
	if n != expected {
		return nil, geoerrors.Errorf(geoerrors.KindMarshal,
			"array shape %v holds %d elements, expected %d", a.Shape, n, expected).
			WithComponent(component).WithOperation("FromForeign")
	}
	if len(a.Data) != n {
		return nil, geoerrors.Errorf(geoerrors.KindMarshal,
			"array shape %v declares %d elements but carries %d", a.Shape, n, len(a.Data)).
			WithComponent(component).WithOperation("FromForeign")
	}
	out := make([]float64, n)
	copy(out, a.Data)
	return out, nil
}

// Len returns the number of elements declared by the shape, or -1 if the
// shape is invalid.
func (a Array) Len() int {
	n, err := a.size()
	if err != nil {
		return -1
	}
	return n
}

// Matrix returns a two-dimensional array as a gonum matrix sharing no
// memory with a. One-dimensional arrays whose length is a multiple of 3 are
// viewed as (len/3, 3).
func (a Array) Matrix() (*mat.Dense, error) {
	n, err := a.size()
	if err != nil {
		return nil, err
	}
	if len(a.Data) != n || n == 0 {
		return nil, geoerrors.Errorf(geoerrors.KindMarshal,
			"array shape %v does not match %d data elements", a.Shape, len(a.Data)).
			WithComponent(component).WithOperation("Matrix")
	}

	var rows, cols int
	switch {
	case len(a.Shape) == 2:
		rows, cols = a.Shape[0], a.Shape[1]
	case len(a.Shape) == 1 && n%3 == 0:
		rows, cols = n/3, 3
	default:
		return nil, geoerrors.Errorf(geoerrors.KindMarshal,
			"array shape %v has no matrix view", a.Shape).
			WithComponent(component).WithOperation("Matrix")
	}

	data := make([]float64, n)
	copy(data, a.Data)
	return mat.NewDense(rows, cols, data), nil
}

func (a Array) size() (int, error) {
	if len(a.Shape) == 0 {
		return 0, geoerrors.New(geoerrors.KindMarshal, "array has no shape").
			WithComponent(component)
	}
	n := 1
	for _, d := range a.Shape {
		if d < 0 {
			return 0, geoerrors.Errorf(geoerrors.KindMarshal, "negative dimension in shape %v", a.Shape).
				WithComponent(component)
		}
		if d != 0 && n > math.MaxInt32/d {
			return 0, geoerrors.Errorf(geoerrors.KindMarshal, "shape %v is too large", a.Shape).
				WithComponent(component)
		}
		n *= d
	}
	return n, nil
}

type wireArray struct {
	Shape []int   `json:"shape"`
	Data  []Float `json:"data"`
}

// Float is a float64 with the wire encoding used for array data: non-finite
// values travel as the strings "NaN", "Infinity" and "-Infinity".
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Infinity"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *Float) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch s {
		case "NaN":
			*f = Float(math.NaN())
		case "Infinity":
			*f = Float(math.Inf(1))
		case "-Infinity":
			*f = Float(math.Inf(-1))
		default:
			return fmt.Errorf("invalid non-finite literal %q", s)
		}
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// MarshalJSON encodes a as {"shape": [...], "data": [...]}.
func (a Array) MarshalJSON() ([]byte, error) {
	w := wireArray{Shape: a.Shape, Data: make([]Float, len(a.Data))}
	if w.Shape == nil {
		w.Shape = []int{}
	}
	for i, v := range a.Data {
		w.Data[i] = Float(v)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the form written by MarshalJSON. Shape consistency
// is not checked here; FromForeign does that.
func (a *Array) UnmarshalJSON(b []byte) error {
	var w wireArray
	if err := json.Unmarshal(b, &w); err != nil {
		return geoerrors.Wrap(geoerrors.KindMarshal, err, "decode array").WithComponent(component)
	}
	a.Shape = w.Shape
	a.Data = make([]float64, len(w.Data))
	for i, v := range w.Data {
		a.Data[i] = float64(v)
	}
	return nil
}
