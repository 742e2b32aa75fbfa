package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	geoerrors "github.com/copyleftdev/geomopt/internal/errors"
	"github.com/copyleftdev/geomopt/internal/evaluator"
	"github.com/copyleftdev/geomopt/internal/marshal"
	"github.com/copyleftdev/geomopt/internal/metrics"
)

var waterCoords = []float64{0.0, 0.3, 0.0, 0.9, 0.8, 0.0, -0.9, 0.5, 0.0}

func newWater(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	mol, err := NewMolecule([]string{"O", "H", "H"}, waterCoords)
	require.NoError(t, err)
	e, err := New(mol, opts...)
	require.NoError(t, err)
	return e
}

// counting records every call and optionally fails on call number failOn.
type counting struct {
	calls  int
	dirs   []string
	failOn int
}

func (c *counting) Evaluate(_ context.Context, coords []float64, dir string) (*evaluator.GradOutput, error) {
	c.calls++
	c.dirs = append(c.dirs, dir)
	if c.calls == c.failOn {
		return nil, fmt.Errorf("scf did not converge")
	}
	return &evaluator.GradOutput{Energy: float64(c.calls), Gradient: make([]float64, len(coords))}, nil
}

func TestNewMolecule(t *testing.T) {
	tests := []struct {
		name   string
		elem   []string
		frames [][]float64
		kind   geoerrors.Kind
	}{
		{name: "no atoms", elem: nil, frames: [][]float64{{}}, kind: geoerrors.KindPrecondition},
		{name: "no frames", elem: []string{"H"}, kind: geoerrors.KindPrecondition},
		{name: "short frame", elem: []string{"H", "H"}, frames: [][]float64{{0, 0, 0}}, kind: geoerrors.KindMarshal},
		{name: "second frame wrong", elem: []string{"H"}, frames: [][]float64{{0, 0, 0}, {0, 0}}, kind: geoerrors.KindMarshal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMolecule(tt.elem, tt.frames...)
			require.Error(t, err)
			assert.Equal(t, tt.kind, geoerrors.KindOf(err))
		})
	}

	mol, err := NewMolecule([]string{"H", "H"}, []float64{0, 0, 0, 0, 0, 0.74}, []float64{0, 0, 0, 0, 0, 0.8})
	require.NoError(t, err)
	assert.Equal(t, 2, mol.NumAtoms())
	assert.Equal(t, 6, mol.CoordLen())
	assert.Len(t, mol.Frames, 2)
}

func TestSetDriverOnce(t *testing.T) {
	e := newWater(t)
	assert.Equal(t, StateConstructed, e.State())

	first := &counting{}
	second := &counting{}
	require.NoError(t, e.SetDriver(first))
	assert.Equal(t, StateConfigured, e.State())

	err := e.SetDriver(second)
	assert.True(t, stderrors.Is(err, geoerrors.ErrAlreadyConfigured))

	lease, err := e.Acquire(t.TempDir())
	require.NoError(t, err)
	_, err = e.CalcNew(context.Background(), marshal.ToForeign(waterCoords), "")
	require.NoError(t, err)
	require.NoError(t, lease.Release())

	assert.Equal(t, 1, first.calls, "first evaluator must stay attached")
	assert.Equal(t, 0, second.calls)
}

func TestSetDriverNil(t *testing.T) {
	err := newWater(t).SetDriver(nil)
	assert.True(t, stderrors.Is(err, geoerrors.ErrPrecondition))
}

func TestAcquirePreconditions(t *testing.T) {
	e := newWater(t)
	_, err := e.Acquire(t.TempDir())
	assert.True(t, stderrors.Is(err, geoerrors.ErrPrecondition), "unconfigured engine")

	require.NoError(t, e.SetDriver(evaluator.Blank{}))
	_, err = e.Acquire("")
	assert.True(t, stderrors.Is(err, geoerrors.ErrPrecondition), "empty root")

	lease, err := e.Acquire(t.TempDir())
	require.NoError(t, err)
	_, err = e.Acquire(t.TempDir())
	assert.True(t, stderrors.Is(err, geoerrors.ErrPrecondition), "second lease")

	require.NoError(t, lease.Release())
	_, err = e.Acquire(t.TempDir())
	assert.True(t, stderrors.Is(err, geoerrors.ErrPrecondition), "after release")
}

func TestCalcNewWithoutLease(t *testing.T) {
	e := newWater(t)
	ev := &counting{}
	require.NoError(t, e.SetDriver(ev))

	_, err := e.CalcNew(context.Background(), marshal.ToForeign(waterCoords), "")
	assert.True(t, stderrors.Is(err, geoerrors.ErrPrecondition))

	lease, err := e.Acquire(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, lease.Release())
	require.NoError(t, lease.Release(), "release is idempotent")

	_, err = e.CalcNew(context.Background(), marshal.ToForeign(waterCoords), "")
	assert.True(t, stderrors.Is(err, geoerrors.ErrPrecondition))
	assert.Equal(t, 0, ev.calls)
	assert.Equal(t, StateDone, e.State())
}

func TestCalcNewSuccess(t *testing.T) {
	e := newWater(t)
	ev := &counting{}
	require.NoError(t, e.SetDriver(ev))
	root := t.TempDir()
	lease, err := e.Acquire(root)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		g, err := e.CalcNew(context.Background(), marshal.ToForeign(waterCoords), "/tmp/geometric/run.tmp")
		require.NoError(t, err)
		assert.Equal(t, float64(i), g.Energy)
		assert.Equal(t, []int{9}, g.Gradient.Shape)
		assert.Equal(t, StateRunning, e.State())
	}

	assert.Equal(t, 3, e.Steps())
	assert.Equal(t, waterCoords, e.Current())
	require.Len(t, ev.dirs, 3)
	assert.Len(t, uniq(ev.dirs), 3, "each call gets its own directory")
	for _, d := range ev.dirs {
		assert.Equal(t, root, filepath.Dir(d))
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, "run.tmp-0001", filepath.Base(ev.dirs[0]))

	require.NoError(t, lease.Release())
	assert.Equal(t, StateDone, e.State())
}

func TestCalcNewAbortsAfterFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newWater(t, WithMetrics(metrics.New(reg)))
	ev := &counting{failOn: 2}
	require.NoError(t, e.SetDriver(ev))
	lease, err := e.Acquire(t.TempDir())
	require.NoError(t, err)

	_, err = e.CalcNew(context.Background(), marshal.ToForeign(waterCoords), "")
	require.NoError(t, err)

	_, err = e.CalcNew(context.Background(), marshal.ToForeign(waterCoords), "")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, geoerrors.ErrEval), "plain evaluator errors become eval errors")
	assert.Contains(t, err.Error(), "scf did not converge")
	assert.Equal(t, StateDone, e.State())

	for i := 0; i < 3; i++ {
		_, err = e.CalcNew(context.Background(), marshal.ToForeign(waterCoords), "")
		assert.True(t, stderrors.Is(err, geoerrors.ErrEngineAborted))
	}
	assert.Equal(t, 2, ev.calls, "evaluator must not run after a failure")
	assert.Equal(t, 1, e.Steps())

	relErr := lease.Release()
	assert.True(t, stderrors.Is(relErr, geoerrors.ErrEval))
	assert.Same(t, e.Err(), relErr)
}

func TestCalcNewShapeMismatch(t *testing.T) {
	tests := []struct {
		name   string
		coords marshal.Array
		ev     evaluator.Evaluator
		kind   geoerrors.Kind
	}{
		{
			name:   "inbound too short",
			coords: marshal.ToForeign(waterCoords[:6]),
			ev:     evaluator.Blank{},
			kind:   geoerrors.KindMarshal,
		},
		{
			name:   "inbound data lies",
			coords: marshal.Array{Shape: []int{9}, Data: waterCoords[:3]},
			ev:     evaluator.Blank{},
			kind:   geoerrors.KindMarshal,
		},
		{
			name:   "gradient wrong length",
			coords: marshal.ToForeign(waterCoords),
			ev: evaluator.Func(func(context.Context, []float64, string) (*evaluator.GradOutput, error) {
				return &evaluator.GradOutput{Gradient: make([]float64, 3)}, nil
			}),
			kind: geoerrors.KindMarshal,
		},
		{
			name:   "nil output",
			coords: marshal.ToForeign(waterCoords),
			ev: evaluator.Func(func(context.Context, []float64, string) (*evaluator.GradOutput, error) {
				return nil, nil
			}),
			kind: geoerrors.KindEval,
		},
		{
			name:   "typed error kept",
			coords: marshal.ToForeign(waterCoords),
			ev: evaluator.Func(func(context.Context, []float64, string) (*evaluator.GradOutput, error) {
				return nil, geoerrors.New(geoerrors.KindMarshal, "custom")
			}),
			kind: geoerrors.KindMarshal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newWater(t)
			require.NoError(t, e.SetDriver(tt.ev))
			_, err := e.Acquire(t.TempDir())
			require.NoError(t, err)

			_, err = e.CalcNew(context.Background(), tt.coords, "")
			require.Error(t, err)
			assert.Equal(t, tt.kind, geoerrors.KindOf(err))
			assert.Equal(t, StateDone, e.State())

			_, err = e.CalcNew(context.Background(), marshal.ToForeign(waterCoords), "")
			assert.True(t, stderrors.Is(err, geoerrors.ErrEngineAborted))
		})
	}
}

func TestEvaluatorUsableAfterRelease(t *testing.T) {
	model := evaluator.NewHarmonic()
	e := newWater(t)
	require.NoError(t, e.SetDriver(model))
	lease, err := e.Acquire(t.TempDir())
	require.NoError(t, err)

	g, err := e.CalcNew(context.Background(), marshal.ToForeign(waterCoords), "")
	require.NoError(t, err)
	require.NoError(t, lease.Release())

	coords, energy, ok := model.Current()
	require.True(t, ok)
	assert.Equal(t, waterCoords, coords)
	assert.Equal(t, g.Energy, energy)
}

func TestNewRejectsEmptyMolecule(t *testing.T) {
	_, err := New(nil)
	assert.True(t, stderrors.Is(err, geoerrors.ErrPrecondition))
	_, err = New(&Molecule{})
	assert.True(t, stderrors.Is(err, geoerrors.ErrPrecondition))
}

// blocking holds every evaluation until release is closed.
type blocking struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blocking) Evaluate(_ context.Context, coords []float64, _ string) (*evaluator.GradOutput, error) {
	close(b.entered)
	<-b.release
	return &evaluator.GradOutput{Energy: -1.0, Gradient: make([]float64, len(coords))}, nil
}

func TestStatusReadsDuringEvaluation(t *testing.T) {
	e := newWater(t)
	ev := &blocking{entered: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, e.SetDriver(ev))
	lease, err := e.Acquire(t.TempDir())
	require.NoError(t, err)
	defer lease.Release()

	done := make(chan error, 1)
	go func() {
		_, err := e.CalcNew(context.Background(), marshal.ToForeign(waterCoords), "")
		done <- err
	}()
	<-ev.entered

	read := make(chan struct{})
	go func() {
		defer close(read)
		assert.Equal(t, StateRunning, e.State())
		assert.Equal(t, 0, e.Steps())
		assert.Nil(t, e.Current())
		assert.NoError(t, e.Err())
	}()
	select {
	case <-read:
	case <-time.After(time.Second):
		close(ev.release)
		t.Fatal("status reads blocked behind a running evaluation")
	}

	close(ev.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, e.Steps())
	assert.Equal(t, waterCoords, e.Current())
}

func uniq(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}
