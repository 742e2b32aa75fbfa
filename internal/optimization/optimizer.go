// Package optimization defines the entry point of an external geometry
// optimizer and the trajectory it returns.
package optimization

import (
	"context"
	"fmt"

	"github.com/copyleftdev/geomopt/internal/engine"
	"github.com/copyleftdev/geomopt/internal/params"
)

// Optimizer defines the interface for optimization backends
type Optimizer interface {
	// Optimize runs one optimization to completion, calling
	// job.Engine.CalcNew for every energy and gradient it needs
	Optimize(ctx context.Context, job Job) (*Result, error)

	// Name identifies the backend in logs and metrics
	Name() string
}

// Job is everything an Optimizer receives for one run
type Job struct {
	// ID correlates logs and the result with the run
	ID string

	// Engine is leased to this job and evaluates structures
	Engine *engine.Engine

	// Params is the optimizer configuration, owned by the optimizer
	Params params.Dict

	// LogPath is where the optimizer writes its own log
	LogPath string
}

// Status describes how a run ended
type Status string

const (
	StatusConverged  Status = "converged"
	StatusIterLimit  Status = "iteration_limit"
	StatusStationary Status = "stationary"
	StatusUnknown    Status = ""
)

// Result is the trajectory of a finished optimization. Frames[i] and
// Energies[i] belong to the same structure; the last entry is the
// optimized one.
type Result struct {
	JobID    string      `json:"job_id"`
	Elements []string    `json:"elements"`
	Frames   [][]float64 `json:"frames"`
	Energies []float64   `json:"energies"`
	Status   Status      `json:"status,omitempty"`
}

// Len returns the number of trajectory entries.
func (r *Result) Len() int {
	return len(r.Frames)
}

// Frame returns trajectory entry i. Negative indices count from the end,
// so Frame(-1) is the optimized structure.
func (r *Result) Frame(i int) ([]float64, float64, error) {
	n := r.Len()
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return nil, 0, fmt.Errorf("frame index out of range [%d] with length %d", i, n)
	}
	if i >= len(r.Energies) {
		return nil, 0, fmt.Errorf("frame %d has no energy (%d energies)", i, len(r.Energies))
	}
	return r.Frames[i], r.Energies[i], nil
}

// Final returns the optimized structure and its energy.
func (r *Result) Final() ([]float64, float64, error) {
	return r.Frame(-1)
}

// Validate checks that the trajectory is non-empty and consistent with
// natoms.
func (r *Result) Validate(natoms int) error {
	if r.Len() == 0 {
		return fmt.Errorf("empty trajectory")
	}
	if len(r.Energies) != len(r.Frames) {
		return fmt.Errorf("trajectory has %d frames but %d energies", len(r.Frames), len(r.Energies))
	}
	for i, f := range r.Frames {
		if len(f) != 3*natoms {
			return fmt.Errorf("frame %d has %d coordinates, expected %d", i, len(f), 3*natoms)
		}
	}
	return nil
}
