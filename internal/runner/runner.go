// Package runner executes one optimization job against a configured proxy
// engine.
package runner

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/geomopt/internal/engine"
	geoerrors "github.com/copyleftdev/geomopt/internal/errors"
	"github.com/copyleftdev/geomopt/internal/metrics"
	"github.com/copyleftdev/geomopt/internal/optimization"
	"github.com/copyleftdev/geomopt/internal/optimization/native"
	"github.com/copyleftdev/geomopt/internal/params"
)

const component = "runner"

// JobInfo is a snapshot of the most recent job.
type JobInfo struct {
	ID       string    `json:"id"`
	Backend  string    `json:"backend"`
	State    string    `json:"state"`
	Steps    int       `json:"steps"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. The default discards.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger.Named(component)
		}
	}
}

// WithMetrics records jobs in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithScratchDir sets the directory job scratch roots are created in. The
// default is the system temp directory.
func WithScratchDir(dir string) Option {
	return func(r *Runner) { r.scratchDir = dir }
}

// Runner runs jobs one at a time with a single optimizer backend.
type Runner struct {
	optimizer  optimization.Optimizer
	logger     *zap.Logger
	metrics    *metrics.Metrics
	scratchDir string

	mu      sync.Mutex
	current *JobInfo
	engine  *engine.Engine
}

// New creates a Runner around opt.
func New(opt optimization.Optimizer, opts ...Option) *Runner {
	r := &Runner{optimizer: opt, logger: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run optimizes the molecule eng was built for with the native backend.
func Run(ctx context.Context, eng *engine.Engine, p params.Dict, logPath string) (*optimization.Result, error) {
	return New(native.New()).Run(ctx, eng, p, logPath)
}

// Run executes one job. eng must be Configured; it is leased for the
// duration of the job and is Done afterwards. When logPath is empty the
// optimizer logs to a temporary file that is removed when the job ends.
//
// Run never retries. If an evaluation failed, the returned job error wraps
// that failure rather than whatever the optimizer made of it.
func (r *Runner) Run(ctx context.Context, eng *engine.Engine, p params.Dict, logPath string) (*optimization.Result, error) {
	if eng == nil {
		return nil, geoerrors.New(geoerrors.KindPrecondition, "nil engine").
			WithComponent(component).WithOperation("Run")
	}

	id := uuid.NewString()
	logger := r.logger.With(zap.String("job_id", id), zap.String("backend", r.optimizer.Name()))

	root, err := os.MkdirTemp(r.scratchDir, "geomopt-"+id[:8]+"-")
	if err != nil {
		return nil, geoerrors.Wrap(geoerrors.KindJob, err, "create job scratch root").
			WithComponent(component).WithOperation("Run")
	}
	defer func() {
		if err := os.RemoveAll(root); err != nil {
			logger.Warn("removing job scratch root", zap.String("dir", root), zap.Error(err))
		}
	}()

	lease, err := eng.Acquire(root)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	// A temporary log lives in the scratch root, next to anything the
	// optimizer derives from its name, and goes away with it.
	if logPath == "" {
		f, err := os.CreateTemp(root, "optimizer-*.log")
		if err != nil {
			return nil, geoerrors.Wrap(geoerrors.KindJob, err, "create optimizer log").
				WithComponent(component).WithOperation("Run")
		}
		logPath = f.Name()
		f.Close()
	}

	job := optimization.Job{
		ID:      id,
		Engine:  eng,
		Params:  p.Clone(),
		LogPath: logPath,
	}

	start := time.Now()
	r.begin(id, eng, start)
	r.metrics.JobStarted()
	logger.Info("job started", zap.Int("atoms", eng.Molecule().NumAtoms()), zap.String("log", logPath))

	res, optErr := r.optimizer.Optimize(ctx, job)
	engErr := lease.Release()

	var jobErr error
	switch {
	case engErr != nil:
		jobErr = geoerrors.Wrap(geoerrors.KindJob, engErr, "evaluation failed").
			WithComponent(component).WithOperation("Run")
	case optErr != nil:
		jobErr = geoerrors.Wrap(geoerrors.KindJob, optErr, "optimizer failed").
			WithComponent(component).WithOperation("Run")
	case res == nil:
		jobErr = geoerrors.New(geoerrors.KindJob, "optimizer returned no result").
			WithComponent(component).WithOperation("Run")
	}

	took := time.Since(start)
	r.end(jobErr)
	if jobErr != nil {
		r.metrics.JobFinished(r.optimizer.Name(), metrics.OutcomeError, took, 0)
		logger.Error("job failed", zap.Duration("took", took), zap.Int("steps", eng.Steps()), zap.Error(jobErr))
		return nil, jobErr
	}

	res.JobID = id
	r.metrics.JobFinished(r.optimizer.Name(), metrics.OutcomeOK, took, res.Len())
	_, energy, _ := res.Final()
	logger.Info("job finished",
		zap.Duration("took", took),
		zap.Int("steps", eng.Steps()),
		zap.Int("frames", res.Len()),
		zap.Float64("energy", energy),
		zap.String("status", string(res.Status)),
	)
	return res, nil
}

func (r *Runner) begin(id string, eng *engine.Engine, start time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = &JobInfo{ID: id, Backend: r.optimizer.Name(), Started: start}
	r.engine = eng
}

func (r *Runner) end(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current.Finished = time.Now()
	if err != nil {
		r.current.Error = err.Error()
	}
}

// Current returns the state of the running or most recent job. It does not
// wait for an evaluation in progress.
func (r *Runner) Current() (JobInfo, bool) {
	r.mu.Lock()
	if r.current == nil {
		r.mu.Unlock()
		return JobInfo{}, false
	}
	info := *r.current
	eng := r.engine
	r.mu.Unlock()

	info.State = eng.State().String()
	info.Steps = eng.Steps()
	return info, true
}
