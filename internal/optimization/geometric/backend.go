// Package geometric runs geomeTRIC in a Python child process. The child
// builds a GoEngine class around geometric.engine.Engine whose calc_new
// calls back into this process, where the proxy engine evaluates the
// structure.
package geometric

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/geomopt/internal/engine"
	geoerrors "github.com/copyleftdev/geomopt/internal/errors"
	"github.com/copyleftdev/geomopt/internal/marshal"
	"github.com/copyleftdev/geomopt/internal/optimization"
	"github.com/copyleftdev/geomopt/internal/params"
)

const component = "geometric"

//go:embed bridge.py
var bridgeScript string

// BridgeScript returns the Python program the child runs.
func BridgeScript() string { return bridgeScript }

// Config describes how to start the child.
type Config struct {
	// Python is the interpreter; it runs the embedded bridge script
	Python string

	// Command and Args replace the interpreter invocation entirely when
	// Command is set
	Command string
	Args    []string

	// Env is appended to the parent's environment
	Env []string

	// Dir is the child's working directory
	Dir string
}

// DefaultConfig runs python3 from PATH.
func DefaultConfig() Config {
	return Config{Python: "python3"}
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger. The child's stderr is logged through it.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger.Named(component)
		}
	}
}

// Backend implements optimization.Optimizer with geomeTRIC.
type Backend struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a geomeTRIC backend.
func New(cfg Config, opts ...Option) *Backend {
	if cfg.Python == "" && cfg.Command == "" {
		cfg.Python = DefaultConfig().Python
	}
	b := &Backend{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements optimization.Optimizer.
func (b *Backend) Name() string { return component }

// RunRequest is the params of run_optimizer.
type RunRequest struct {
	Molecule MoleculeWire `json:"molecule"`
	Params   params.Dict  `json:"params"`
	Input    string       `json:"input"`
}

// MoleculeWire is a molecule as the child builds it: one (natom, 3) array
// per frame.
type MoleculeWire struct {
	Elem []string        `json:"elem"`
	Xyzs []marshal.Array `json:"xyzs"`
}

// RunResult is the result of run_optimizer.
type RunResult struct {
	Elem       []string        `json:"elem"`
	Xyzs       []marshal.Array `json:"xyzs"`
	QMEnergies []marshal.Float `json:"qm_energies"`
}

// CalcNewParams are the params of calc_new.
type CalcNewParams struct {
	Coords  marshal.Array `json:"coords"`
	Dirname string        `json:"dirname"`
}

// CalcNewResult is the result of calc_new.
type CalcNewResult struct {
	Energy   marshal.Float `json:"energy"`
	Gradient marshal.Array `json:"gradient"`
}

// Optimize implements optimization.Optimizer.
func (b *Backend) Optimize(ctx context.Context, job optimization.Job) (*optimization.Result, error) {
	if job.Engine == nil {
		return nil, geoerrors.New(geoerrors.KindPrecondition, "job has no engine").
			WithComponent(component).WithOperation("Optimize")
	}
	logger := b.logger.With(zap.String("job_id", job.ID))

	req, err := newRunRequest(job)
	if err != nil {
		return nil, err
	}

	cmd := b.command(ctx)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, b.startError(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, b.startError(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, b.startError(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, b.startError(err)
	}
	logger.Info("optimizer process started", zap.Int("pid", cmd.Process.Pid), zap.Stringer("command", b.cfg))

	var g errgroup.Group
	g.Go(func() error {
		drainLog(stderr, logger)
		return nil
	})

	conn := NewConn(stdout, stdin)
	var res RunResult
	callErr := conn.Call(MethodRunOptimizer, req, &res, b.handler(ctx, job.Engine))

	// The child exits once it has answered; on a protocol failure it may
	// still be waiting for us.
	stdin.Close()
	if callErr != nil && !isRemote(callErr) {
		_ = cmd.Process.Kill()
	}
	_ = g.Wait()
	waitErr := cmd.Wait()
	logger.Debug("optimizer process exited", zap.NamedError("wait", waitErr))

	if err := job.Engine.Err(); err != nil {
		return nil, err
	}
	if callErr != nil {
		return nil, b.callError(ctx, callErr, waitErr)
	}
	return decodeResult(&res, job.Engine.Molecule())
}

func (b *Backend) command(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	if b.cfg.Command != "" {
		cmd = exec.CommandContext(ctx, b.cfg.Command, b.cfg.Args...)
	} else {
		cmd = exec.CommandContext(ctx, b.cfg.Python, "-u", "-c", bridgeScript)
	}
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	cmd.Dir = b.cfg.Dir
	return cmd
}

// handler answers calc_new by evaluating through the proxy engine.
func (b *Backend) handler(ctx context.Context, eng *engine.Engine) Handler {
	return func(method string, raw json.RawMessage) (interface{}, error) {
		if method != MethodCalcNew {
			return nil, &ResponseError{Code: CodeMethodNotFound, Message: "method not found: " + method}
		}

		var p CalcNewParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &ResponseError{Code: CodeInvalidParams, Message: err.Error()}
		}

		g, err := eng.CalcNew(ctx, p.Coords, p.Dirname)
		if err != nil {
			data, _ := json.Marshal(map[string]string{"kind": string(geoerrors.KindOf(err))})
			return nil, &ResponseError{Code: CodeEvaluation, Message: err.Error(), Data: data}
		}
		return &CalcNewResult{Energy: marshal.Float(g.Energy), Gradient: g.Gradient}, nil
	}
}

func newRunRequest(job optimization.Job) (*RunRequest, error) {
	mol := job.Engine.Molecule()
	req := &RunRequest{
		Molecule: MoleculeWire{Elem: mol.Elements},
		Params:   job.Params,
		Input:    job.LogPath,
	}
	if req.Params == nil {
		req.Params = params.Dict{}
	}
	for _, frame := range mol.Frames {
		a, err := marshal.ToForeignMatrix(frame)
		if err != nil {
			return nil, err
		}
		req.Molecule.Xyzs = append(req.Molecule.Xyzs, a)
	}
	return req, nil
}

func decodeResult(res *RunResult, mol *engine.Molecule) (*optimization.Result, error) {
	if len(res.Xyzs) != len(res.QMEnergies) {
		return nil, geoerrors.Errorf(geoerrors.KindOptimizer,
			"optimizer returned %d frames but %d energies", len(res.Xyzs), len(res.QMEnergies)).
			WithComponent(component).WithOperation("Optimize")
	}

	out := &optimization.Result{
		Elements: res.Elem,
		Frames:   make([][]float64, 0, len(res.Xyzs)),
		Energies: make([]float64, 0, len(res.QMEnergies)),
		Status:   optimization.StatusConverged,
	}
	if len(out.Elements) == 0 {
		out.Elements = append([]string(nil), mol.Elements...)
	}
	for i, a := range res.Xyzs {
		frame, err := atomFrame(a, mol.NumAtoms())
		if err != nil {
			return nil, geoerrors.Wrapf(geoerrors.KindMarshal, err, "trajectory frame %d", i).
				WithComponent(component).WithOperation("Optimize")
		}
		out.Frames = append(out.Frames, frame)
		out.Energies = append(out.Energies, float64(res.QMEnergies[i]))
	}
	if err := out.Validate(mol.NumAtoms()); err != nil {
		return nil, geoerrors.Wrap(geoerrors.KindOptimizer, err, "invalid trajectory").
			WithComponent(component).WithOperation("Optimize")
	}
	return out, nil
}

// atomFrame flattens a frame that must be laid out as (natoms, 3). A flat
// frame of 3 × natoms values is accepted too.
func atomFrame(a marshal.Array, natoms int) ([]float64, error) {
	m, err := a.Matrix()
	if err != nil {
		return nil, err
	}
	if rows, cols := m.Dims(); rows != natoms || cols != 3 {
		return nil, fmt.Errorf("frame has shape (%d, %d), expected (%d, 3)", rows, cols, natoms)
	}
	return m.RawMatrix().Data, nil
}

func (b *Backend) startError(err error) error {
	return geoerrors.Wrap(geoerrors.KindOptimizer, err, "start optimizer process").
		WithComponent(component).WithOperation("Optimize")
}

func (b *Backend) callError(ctx context.Context, callErr, waitErr error) error {
	var remote *ResponseError
	switch {
	case stderrors.As(callErr, &remote):
		return geoerrors.Wrap(geoerrors.KindOptimizer, remote, "geomeTRIC failed").
			WithComponent(component).WithOperation("Optimize")
	case ctx.Err() != nil:
		return geoerrors.Wrap(geoerrors.KindOptimizer, ctx.Err(), "optimizer interrupted").
			WithComponent(component).WithOperation("Optimize")
	case stderrors.Is(callErr, io.EOF) && waitErr != nil:
		return geoerrors.Wrapf(geoerrors.KindOptimizer, waitErr, "optimizer process died").
			WithComponent(component).WithOperation("Optimize")
	}
	return geoerrors.Wrap(geoerrors.KindOptimizer, callErr, "optimizer protocol failure").
		WithComponent(component).WithOperation("Optimize")
}

func isRemote(err error) bool {
	var remote *ResponseError
	return stderrors.As(err, &remote)
}

// drainLog copies the child's stderr into the log line by line.
func drainLog(r io.Reader, logger *zap.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		logger.Debug(sc.Text(), zap.String("stream", "stderr"))
	}
	if err := sc.Err(); err != nil {
		logger.Warn("reading optimizer stderr", zap.Error(err))
		_, _ = io.Copy(io.Discard, r)
	}
}

// Check verifies that the interpreter can import geomeTRIC.
func Check(ctx context.Context, python string) error {
	if python == "" {
		python = DefaultConfig().Python
	}
	out, err := exec.CommandContext(ctx, python, "-c", "import geometric, numpy").CombinedOutput()
	if err != nil {
		return geoerrors.Wrapf(geoerrors.KindOptimizer, err, "geomeTRIC is not importable by %s: %s", python, out).
			WithComponent(component).WithOperation("Check")
	}
	return nil
}

var _ optimization.Optimizer = (*Backend)(nil)

// String describes the child invocation for logs.
func (c Config) String() string {
	if c.Command != "" {
		return fmt.Sprintf("%s %v", c.Command, c.Args)
	}
	return c.Python + " -u -c <bridge>"
}
