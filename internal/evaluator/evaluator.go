// Package evaluator defines the contract a native energy/gradient code
// implements to take part in a geometry optimization.
package evaluator

import (
	"context"
)

// GradOutput is the result of one evaluation
type GradOutput struct {
	// Energy of the structure, scalar
	Energy float64

	// Gradient flattened as [gx1, gy1, gz1, gx2, ...], same length as the
	// coordinates it was computed for
	Gradient []float64
}

// Evaluator computes energy and gradient for one structure.
//
// Evaluate is called zero or more times per job, never concurrently.
// coords is flattened with x, y, z contiguous per atom. scratchDir is a
// fresh directory the evaluator may use for temporary files; it may be
// ignored. A returned error aborts the job.
type Evaluator interface {
	Evaluate(ctx context.Context, coords []float64, scratchDir string) (*GradOutput, error)
}

// Func adapts an ordinary function to the Evaluator interface
type Func func(ctx context.Context, coords []float64, scratchDir string) (*GradOutput, error)

// Evaluate calls f.
func (f Func) Evaluate(ctx context.Context, coords []float64, scratchDir string) (*GradOutput, error) {
	return f(ctx, coords, scratchDir)
}
