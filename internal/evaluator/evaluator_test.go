package evaluator

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	geoerrors "github.com/copyleftdev/geomopt/internal/errors"
)

var water = []float64{0.0, 0.3, 0.0, 0.9, 0.8, 0.0, -0.9, 0.5, 0.0}

func TestSimpleModels(t *testing.T) {
	tests := []struct {
		name   string
		ev     Evaluator
		energy float64
	}{
		{name: "blank", ev: Blank{}, energy: 0},
		{name: "constant", ev: Constant{Energy: -1.0}, energy: -1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.ev.Evaluate(context.Background(), water, t.TempDir())
			require.NoError(t, err)
			assert.Equal(t, tt.energy, out.Energy)
			assert.Equal(t, make([]float64, len(water)), out.Gradient)
		})
	}
}

func TestFunc(t *testing.T) {
	boom := geoerrors.New(geoerrors.KindEval, "boom")
	var calls int
	ev := Func(func(_ context.Context, coords []float64, dir string) (*GradOutput, error) {
		calls++
		assert.Equal(t, "scratch", dir)
		return nil, boom
	})

	_, err := ev.Evaluate(context.Background(), water, "scratch")
	assert.True(t, stderrors.Is(err, geoerrors.ErrEval))
	assert.Equal(t, 1, calls)
}

func TestHarmonicGradientMatchesFiniteDifference(t *testing.T) {
	h := NewHarmonic()
	out, err := h.Evaluate(context.Background(), water, "")
	require.NoError(t, err)
	require.Len(t, out.Gradient, 9)

	const step = 1e-6
	for k := range water {
		plus := append([]float64(nil), water...)
		minus := append([]float64(nil), water...)
		plus[k] += step
		minus[k] -= step

		ep, _ := h.energyGradient(plus)
		em, _ := h.energyGradient(minus)
		numeric := (ep - em) / (2 * step)
		assert.InDelta(t, numeric, out.Gradient[k], 1e-6, "component %d", k)
	}
}

func TestHarmonicRestGeometry(t *testing.T) {
	// Atom 0 at the origin, atoms 1 and 2 placed so every spring is at rest:
	// |r1| = |r2| = 1.8 and |r1 - r2| = 2.8.
	half := 1.4
	y := -1.1313708498984762 // -sqrt(1.8^2 - 1.4^2)
	coords := []float64{0, 0, 0, half, y, 0, -half, y, 0}

	out, err := NewHarmonic().Evaluate(context.Background(), coords, "")
	require.NoError(t, err)
	assert.InDelta(t, 0, out.Energy, 1e-12)
	for k, g := range out.Gradient {
		assert.InDelta(t, 0, g, 1e-9, "component %d", k)
	}
}

func TestHarmonicRecordsCurrent(t *testing.T) {
	h := NewHarmonic()
	_, _, ok := h.Current()
	assert.False(t, ok)

	out, err := h.Evaluate(context.Background(), water, "")
	require.NoError(t, err)

	coords, energy, ok := h.Current()
	require.True(t, ok)
	assert.Equal(t, water, coords)
	assert.Equal(t, out.Energy, energy)

	// The returned slice is a copy.
	coords[0] = 42
	again, _, _ := h.Current()
	assert.Equal(t, water[0], again[0])
}

func TestHarmonicRejectsWrongAtomCount(t *testing.T) {
	_, err := NewHarmonic().Evaluate(context.Background(), []float64{0, 0, 0}, "")
	assert.True(t, stderrors.Is(err, geoerrors.ErrEval))
}
