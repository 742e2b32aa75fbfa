package evaluator

import (
	"context"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	geoerrors "github.com/copyleftdev/geomopt/internal/errors"
)

// Blank returns zero energy and a zero gradient for any structure.
type Blank struct{}

func (Blank) Evaluate(_ context.Context, coords []float64, _ string) (*GradOutput, error) {
	return &GradOutput{Energy: 0, Gradient: make([]float64, len(coords))}, nil
}

// Constant returns a fixed energy and a zero gradient. Every structure is
// stationary, so an optimizer converges at its first point.
type Constant struct {
	Energy float64
}

func (c Constant) Evaluate(_ context.Context, coords []float64, _ string) (*GradOutput, error) {
	return &GradOutput{Energy: c.Energy, Gradient: make([]float64, len(coords))}, nil
}

// Harmonic is a three-atom spring model. Each atom pair (i, j) is joined by
// a spring of rest length B[i][j] and stiffness W[i][j]:
//
//	E = sum_ij W[i][j] * (|r_i - r_j| - B[i][j])^2
//
// The sum runs over ordered pairs, so each spring is counted twice.
//
// Harmonic records the last evaluated coordinates and energy, so its owner
// can read them after the job.
type Harmonic struct {
	B [3][3]float64
	W [3][3]float64

	mu            sync.Mutex
	currentCoords []float64
	currentEnergy float64
	evaluated     bool
}

// NewHarmonic returns the model with its standard parameters: two stiff
// bonds of length 1.8 and a soft 2.8 spring between the outer atoms.
func NewHarmonic() *Harmonic {
	return &Harmonic{
		B: [3][3]float64{{0, 1.8, 1.8}, {1.8, 0, 2.8}, {1.8, 2.8, 0}},
		W: [3][3]float64{{0, 1, 1}, {1, 0, 0.5}, {1, 0.5, 0}},
	}
}

// Evaluate implements Evaluator.
func (h *Harmonic) Evaluate(_ context.Context, coords []float64, _ string) (*GradOutput, error) {
	if len(coords) != 9 {
		return nil, geoerrors.Errorf(geoerrors.KindEval,
			"harmonic model takes 3 atoms, got %d coordinates", len(coords)).
			WithComponent("evaluator").WithOperation("Harmonic.Evaluate")
	}

	energy, grad := h.energyGradient(coords)

	h.mu.Lock()
	h.currentCoords = append(h.currentCoords[:0], coords...)
	h.currentEnergy = energy
	h.evaluated = true
	h.mu.Unlock()

	return &GradOutput{Energy: energy, Gradient: grad}, nil
}

func (h *Harmonic) energyGradient(coords []float64) (float64, []float64) {
	const natm = 3
	var (
		energy float64
		grad   = make([]float64, 3*natm)
		dr     = make([]float64, 3)
	)

	for i := 0; i < natm; i++ {
		for j := 0; j < natm; j++ {
			floats.SubTo(dr, coords[3*i:3*i+3], coords[3*j:3*j+3])
			dist := floats.Norm(dr, 2)
			stretch := dist - h.B[i][j]
			energy += h.W[i][j] * stretch * stretch

			// 1e-60 keeps the i == j term finite.
			scale := 2 * h.W[i][j] * stretch / (dist + 1e-60)
			floats.AddScaled(grad[3*i:3*i+3], scale, dr)
			floats.AddScaled(grad[3*j:3*j+3], -scale, dr)
		}
	}
	return energy, grad
}

// Current returns the last evaluated coordinates and energy. ok is false if
// the model has not been evaluated.
func (h *Harmonic) Current() (coords []float64, energy float64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.evaluated {
		return nil, math.NaN(), false
	}
	out := make([]float64, len(h.currentCoords))
	copy(out, h.currentCoords)
	return out, h.currentEnergy, true
}
