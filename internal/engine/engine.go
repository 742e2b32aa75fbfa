// Package engine implements the proxy engine the external optimizer calls
// for every energy/gradient it needs.
//
// An Engine moves through four states:
//
//	Constructed --SetDriver--> Configured --first CalcNew--> Running --> Done
//
// Done is reached when the lease is released or when any evaluation fails.
// A failed engine never calls its evaluator again.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	geoerrors "github.com/copyleftdev/geomopt/internal/errors"
	"github.com/copyleftdev/geomopt/internal/evaluator"
	"github.com/copyleftdev/geomopt/internal/marshal"
	"github.com/copyleftdev/geomopt/internal/metrics"
)

const component = "engine"

// State is the lifecycle position of an Engine.
type State int

const (
	StateConstructed State = iota
	StateConfigured
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Gradient is the foreign form of one evaluation result.
type Gradient struct {
	Energy   float64       `json:"energy"`
	Gradient marshal.Array `json:"gradient"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.Named(component)
		}
	}
}

// WithMetrics records evaluations in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine forwards evaluation requests from the optimizer to a native
// evaluator. It belongs to one job and is not reused.
type Engine struct {
	// evalMu is held for the whole of CalcNew, so evaluations never overlap
	evalMu sync.Mutex

	// mu guards the fields below and is never held across Evaluate
	mu sync.Mutex

	mol       *Molecule
	evaluator evaluator.Evaluator
	state     State
	lease     *Lease

	calls   int
	steps   int
	current []float64
	err     error

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New constructs an engine for mol.
func New(mol *Molecule, opts ...Option) (*Engine, error) {
	if mol == nil || len(mol.Frames) == 0 || mol.CoordLen() == 0 {
		return nil, geoerrors.New(geoerrors.KindPrecondition, "engine needs a molecule with coordinates").
			WithComponent(component).WithOperation("New")
	}

	e := &Engine{
		mol:    mol,
		state:  StateConstructed,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetDriver attaches ev. It succeeds once; later calls fail with an
// already-configured error and leave the first evaluator attached.
func (e *Engine) SetDriver(ev evaluator.Evaluator) error {
	if ev == nil {
		return geoerrors.New(geoerrors.KindPrecondition, "nil evaluator").
			WithComponent(component).WithOperation("SetDriver")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateConstructed {
		return geoerrors.Errorf(geoerrors.KindAlreadyConfigured,
			"engine already has an evaluator (state %s)", e.state).
			WithComponent(component).WithOperation("SetDriver")
	}
	e.evaluator = ev
	e.state = StateConfigured
	return nil
}

// Acquire lends the engine to one job. Evaluations are only accepted while
// the lease is held; each gets a fresh directory under scratchRoot.
func (e *Engine) Acquire(scratchRoot string) (*Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.state != StateConfigured:
		return nil, geoerrors.Errorf(geoerrors.KindPrecondition,
			"engine cannot start a job in state %s", e.state).
			WithComponent(component).WithOperation("Acquire")
	case e.lease != nil:
		return nil, geoerrors.New(geoerrors.KindPrecondition, "engine is already leased").
			WithComponent(component).WithOperation("Acquire")
	case scratchRoot == "":
		return nil, geoerrors.New(geoerrors.KindPrecondition, "empty scratch root").
			WithComponent(component).WithOperation("Acquire")
	}

	e.lease = &Lease{engine: e, root: scratchRoot}
	return e.lease, nil
}

// CalcNew evaluates one structure on behalf of the optimizer. coords must
// hold exactly 3 × atoms values. dirname is the optimizer's suggested
// working directory name; only its base name is used.
//
// State, Steps, Current and Err stay responsive while the evaluator runs.
func (e *Engine) CalcNew(ctx context.Context, coords marshal.Array, dirname string) (*Gradient, error) {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	ev, x, dir, err := e.prepare(coords, dirname)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, e.fail(geoerrors.Wrap(geoerrors.KindEval, err, "create scratch directory").
			WithComponent(component).WithOperation("CalcNew"))
	}

	start := time.Now()
	out, err := ev.Evaluate(ctx, x, dir)
	took := time.Since(start)

	n := len(x)
	switch {
	case err != nil:
		if geoerrors.KindOf(err) == "" {
			err = geoerrors.Wrap(geoerrors.KindEval, err, "evaluator failed").
				WithComponent(component).WithOperation("CalcNew")
		}
		e.metrics.ObserveEvaluation(metrics.OutcomeError, took)
		return nil, e.fail(err)
	case out == nil:
		e.metrics.ObserveEvaluation(metrics.OutcomeError, took)
		return nil, e.fail(geoerrors.New(geoerrors.KindEval, "evaluator returned no output").
			WithComponent(component).WithOperation("CalcNew"))
	case len(out.Gradient) != n:
		e.metrics.ObserveEvaluation(metrics.OutcomeError, took)
		return nil, e.fail(geoerrors.Errorf(geoerrors.KindMarshal,
			"gradient has %d values, expected %d", len(out.Gradient), n).
			WithComponent(component).WithOperation("CalcNew"))
	}
	e.metrics.ObserveEvaluation(metrics.OutcomeOK, took)

	e.mu.Lock()
	e.steps++
	e.current = x
	step := e.steps
	e.mu.Unlock()

	e.logger.Debug("evaluated structure",
		zap.Int("step", step),
		zap.Float64("energy", out.Energy),
		zap.String("dir", dir),
		zap.Duration("took", took),
	)

	return &Gradient{Energy: out.Energy, Gradient: marshal.ToForeign(out.Gradient)}, nil
}

// prepare checks that an evaluation may run, moves the engine to Running
// and returns the evaluator, the coordinates and the scratch directory.
func (e *Engine) prepare(coords marshal.Array, dirname string) (evaluator.Evaluator, []float64, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.err != nil:
		e.metrics.ObserveEvaluation(metrics.OutcomeAborted, 0)
		return nil, nil, "", geoerrors.Wrap(geoerrors.KindEngineAborted, e.err, "engine aborted by an earlier failure").
			WithComponent(component).WithOperation("CalcNew")
	case e.lease == nil || e.lease.released:
		return nil, nil, "", geoerrors.Errorf(geoerrors.KindPrecondition,
			"no job holds the engine (state %s)", e.state).
			WithComponent(component).WithOperation("CalcNew")
	}

	x, err := marshal.FromForeign(coords, e.mol.CoordLen())
	if err != nil {
		return nil, nil, "", e.failLocked(err)
	}
	e.state = StateRunning
	e.calls++
	return e.evaluator, x, e.scratchDir(dirname), nil
}

func (e *Engine) fail(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failLocked(err)
}

// failLocked records err as the engine's first failure and retires the
// evaluator. Callers hold e.mu.
func (e *Engine) failLocked(err error) error {
	if e.err == nil {
		e.err = err
	}
	e.state = StateDone
	e.evaluator = nil
	e.logger.Warn("evaluation failed; engine aborted", zap.Int("call", e.calls), zap.Error(err))
	return err
}

var unsafeDirChars = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

// scratchDir names the directory for the current call. Callers hold e.mu.
func (e *Engine) scratchDir(dirname string) string {
	base := filepath.Base(dirname)
	if base == "." || base == string(filepath.Separator) || dirname == "" {
		base = "calc"
	}
	base = unsafeDirChars.Replace(base)
	return filepath.Join(e.lease.root, fmt.Sprintf("%s-%04d", base, e.calls))
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Steps returns the number of successful evaluations.
func (e *Engine) Steps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.steps
}

// Current returns a copy of the last successfully evaluated coordinates,
// or nil before the first evaluation.
func (e *Engine) Current() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	return append([]float64(nil), e.current...)
}

// Err returns the first evaluation failure, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Molecule returns the molecule the engine was built for.
func (e *Engine) Molecule() *Molecule {
	return e.mol
}

// Lease is one job's exclusive use of an Engine.
type Lease struct {
	engine   *Engine
	root     string
	released bool
}

// Release ends the job: the engine moves to Done and drops its evaluator,
// which then belongs to the caller alone again. It returns the first
// evaluation failure, if any. Release is idempotent.
func (l *Lease) Release() error {
	e := l.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if !l.released {
		l.released = true
		e.state = StateDone
		e.evaluator = nil
	}
	return e.err
}
