// Package native runs geometry optimizations in-process with gonum's
// quasi-Newton minimizers. It drives the proxy engine exactly as the
// external optimizer does: one CalcNew per location.
package native

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/geomopt/internal/engine"
	geoerrors "github.com/copyleftdev/geomopt/internal/errors"
	"github.com/copyleftdev/geomopt/internal/logging"
	"github.com/copyleftdev/geomopt/internal/marshal"
	"github.com/copyleftdev/geomopt/internal/optimization"
	"github.com/copyleftdev/geomopt/internal/params"
)

const component = "native"

// Defaults follow geomeTRIC's convergence criteria.
const (
	DefaultConvergenceEnergy = 1e-6
	DefaultConvergenceGmax   = 4.5e-4
	DefaultMaxIter           = 300
	defaultStallIterations   = 3
)

// Settings are the optimizer parameters the native backend understands.
// Unknown keys in the params are ignored.
type Settings struct {
	// ConvergenceEnergy is the energy change below which the run has
	// converged (key convergence_energy)
	ConvergenceEnergy float64

	// ConvergenceGmax is the gradient infinity norm below which the run has
	// converged (key convergence_gmax)
	ConvergenceGmax float64

	// MaxIter is the iteration limit (key maxiter)
	MaxIter int
}

// SettingsFromParams reads Settings from the optimizer params.
func SettingsFromParams(p params.Dict) (Settings, error) {
	s := Settings{
		ConvergenceEnergy: DefaultConvergenceEnergy,
		ConvergenceGmax:   DefaultConvergenceGmax,
		MaxIter:           DefaultMaxIter,
	}

	if ts, ok := p.Get("transition"); ok {
		b, isBool := ts.(bool)
		if !isBool {
			return s, typeError("transition", "boolean", ts)
		}
		if b {
			return s, geoerrors.New(geoerrors.KindOptimizer,
				"transition state searches need the geometric backend").
				WithComponent(component).WithOperation("SettingsFromParams")
		}
	}

	var err error
	if s.ConvergenceEnergy, err = floatParam(p, "convergence_energy", s.ConvergenceEnergy); err != nil {
		return s, err
	}
	if s.ConvergenceGmax, err = floatParam(p, "convergence_gmax", s.ConvergenceGmax); err != nil {
		return s, err
	}
	if v, ok := p.Get("maxiter"); ok {
		n, isInt := v.(int64)
		if !isInt || n < 1 {
			return s, typeError("maxiter", "positive integer", v)
		}
		s.MaxIter = int(n)
	}
	return s, nil
}

func floatParam(p params.Dict, key string, def float64) (float64, error) {
	v, ok := p.Get(key)
	if !ok {
		return def, nil
	}
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int64:
		f = float64(x)
	default:
		return def, typeError(key, "number", v)
	}
	if !(f > 0) || math.IsInf(f, 0) {
		return def, typeError(key, "positive number", v)
	}
	return f, nil
}

func typeError(key, want string, got interface{}) error {
	return geoerrors.Errorf(geoerrors.KindConfigType, "%s must be a %s, got %v (%T)", key, want, got, got).
		WithComponent(component).WithOperation("SettingsFromParams")
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger. The default discards.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Optimizer) {
		if logger != nil {
			o.logger = logger.Named(component)
		}
	}
}

// Optimizer minimizes the energy of the first molecule frame with BFGS.
type Optimizer struct {
	logger *zap.Logger
}

// New creates a native optimizer.
func New(opts ...Option) *Optimizer {
	o := &Optimizer{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name implements optimization.Optimizer.
func (o *Optimizer) Name() string { return component }

// Optimize implements optimization.Optimizer.
func (o *Optimizer) Optimize(ctx context.Context, job optimization.Job) (*optimization.Result, error) {
	if job.Engine == nil {
		return nil, geoerrors.New(geoerrors.KindPrecondition, "job has no engine").
			WithComponent(component).WithOperation("Optimize")
	}
	settings, err := SettingsFromParams(job.Params)
	if err != nil {
		return nil, err
	}

	mol := job.Engine.Molecule()
	if len(mol.Frames) > 1 {
		o.logger.Warn("optimizing the first of several frames", zap.Int("frames", len(mol.Frames)))
	}

	stepLog, err := openStepLog(job.LogPath)
	if err != nil {
		return nil, geoerrors.Wrap(geoerrors.KindOptimizer, err, "open optimizer log").
			WithComponent(component).WithOperation("Optimize")
	}
	defer stepLog.Close()

	obj := &objective{ctx: ctx, engine: job.Engine}
	traj := &trajectory{log: stepLog}

	problem := optimize.Problem{
		Func:   obj.Func,
		Grad:   obj.Grad,
		Status: obj.Status,
	}
	opts := &optimize.Settings{
		GradientThreshold: settings.ConvergenceGmax,
		Converger: &optimize.FunctionConverge{
			Absolute:   settings.ConvergenceEnergy,
			Iterations: defaultStallIterations,
		},
		MajorIterations: settings.MaxIter,
		Recorder:        traj,
	}
	method := &optimize.BFGS{GradStopThreshold: settings.ConvergenceGmax}

	stepLog.Info("optimization started", map[string]interface{}{
		"job_id":             job.ID,
		"atoms":              mol.NumAtoms(),
		"convergence_energy": settings.ConvergenceEnergy,
		"convergence_gmax":   settings.ConvergenceGmax,
		"maxiter":            settings.MaxIter,
	})

	res, err := optimize.Minimize(problem, mol.Frames[0], opts, method)
	if evalErr := obj.failure(); evalErr != nil {
		return nil, evalErr
	}
	if err != nil {
		return nil, geoerrors.Wrap(geoerrors.KindOptimizer, err, "minimization failed").
			WithComponent(component).WithOperation("Optimize")
	}

	traj.add(res.Location.X, res.Location.F, res.Location.Gradient)

	status := statusOf(res.Status)
	stepLog.Info("optimization finished", map[string]interface{}{
		"status":      res.Status.String(),
		"iterations":  res.MajorIterations,
		"evaluations": obj.calls,
		"energy":      res.Location.F,
	})
	o.logger.Info("optimization finished",
		zap.String("job_id", job.ID),
		zap.Stringer("status", res.Status),
		zap.Int("iterations", res.MajorIterations),
		zap.Int("evaluations", obj.calls),
		zap.Float64("energy", res.Location.F),
	)

	if status == optimization.StatusIterLimit {
		return nil, geoerrors.Errorf(geoerrors.KindOptimizer,
			"not converged in %d iterations", settings.MaxIter).
			WithComponent(component).WithOperation("Optimize")
	}

	return &optimization.Result{
		Elements: append([]string(nil), mol.Elements...),
		Frames:   traj.frames,
		Energies: traj.energies,
		Status:   status,
	}, nil
}

func statusOf(s optimize.Status) optimization.Status {
	switch s {
	case optimize.GradientThreshold, optimize.FunctionConvergence, optimize.Success, optimize.MethodConverge, optimize.StepConvergence:
		return optimization.StatusConverged
	case optimize.IterationLimit:
		return optimization.StatusIterLimit
	}
	return optimization.StatusUnknown
}

// objective adapts the engine to gonum's Func/Grad pair. Both are asked for
// the same x in turn, so the last result is kept and each location costs a
// single evaluation.
type objective struct {
	// mu guards everything below; Status runs on gonum's stats goroutine
	mu sync.Mutex

	ctx    context.Context
	engine *engine.Engine

	lastX    []float64
	lastF    float64
	lastGrad []float64
	calls    int

	// err is the first evaluation failure; Status reports it to gonum
	err error
}

func (o *objective) evaluate(x []float64) bool {
	if o.err != nil {
		return false
	}
	if o.lastX != nil && floats.Equal(o.lastX, x) {
		return true
	}

	o.calls++
	g, err := o.engine.CalcNew(o.ctx, marshal.ToForeign(x), fmt.Sprintf("step%d", o.calls))
	if err == nil {
		o.lastGrad, err = marshal.FromForeign(g.Gradient, len(x))
	}
	if err != nil {
		o.err = err
		o.lastX = nil
		return false
	}
	o.lastX = append(o.lastX[:0], x...)
	o.lastF = g.Energy
	return true
}

func (o *objective) Func(x []float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.evaluate(x) {
		return math.NaN()
	}
	return o.lastF
}

func (o *objective) Grad(grad, x []float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.evaluate(x) {
		for i := range grad {
			grad[i] = math.NaN()
		}
		return
	}
	copy(grad, o.lastGrad)
}

func (o *objective) failure() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Status is checked by gonum after every evaluation.
func (o *objective) Status() (optimize.Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return optimize.Failure, o.err
	}
	if err := o.ctx.Err(); err != nil {
		return optimize.Failure, err
	}
	return optimize.NotTerminated, nil
}

// trajectory implements optimize.Recorder, keeping every accepted location.
type trajectory struct {
	log      *logging.Logger
	frames   [][]float64
	energies []float64
}

func (t *trajectory) Init() error { return nil }

func (t *trajectory) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	t.add(loc.X, loc.F, loc.Gradient)
	return nil
}

// add appends a location unless it repeats the last one.
func (t *trajectory) add(x []float64, f float64, grad []float64) {
	if n := len(t.frames); n > 0 && t.energies[n-1] == f && floats.Equal(t.frames[n-1], x) {
		return
	}
	t.frames = append(t.frames, append([]float64(nil), x...))
	t.energies = append(t.energies, f)

	fields := map[string]interface{}{"step": len(t.frames) - 1, "energy": f}
	if len(grad) > 0 {
		fields["gmax"] = floats.Norm(grad, math.Inf(1))
	}
	t.log.Info("step", fields)
}

// openStepLog opens the per-job log the optimizer writes its steps to.
func openStepLog(path string) (*logging.Logger, error) {
	if path == "" {
		return logging.New(logging.InfoLevel, discard{}), nil
	}
	return logging.NewLogger(&logging.Config{
		Level:  "info",
		Format: "text",
		Output: path,
	})
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
