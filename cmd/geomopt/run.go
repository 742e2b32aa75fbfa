package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/geomopt/internal/config"
	"github.com/copyleftdev/geomopt/internal/engine"
	"github.com/copyleftdev/geomopt/internal/marshal"
	"github.com/copyleftdev/geomopt/internal/metrics"
	"github.com/copyleftdev/geomopt/internal/optimization"
	"github.com/copyleftdev/geomopt/internal/optimization/geometric"
	"github.com/copyleftdev/geomopt/internal/optimization/native"
	"github.com/copyleftdev/geomopt/internal/runner"
	"github.com/copyleftdev/geomopt/internal/server"
)

var (
	jobPath     string
	backendName string
	logPath     string
	metricsAddr string
	pythonPath  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one geometry optimization",
	Long: `Runs the optimization described by a TOML or YAML job file and prints
the optimized structure and its energy as JSON.`,
	RunE: runJob,
}

func init() {
	runCmd.Flags().StringVar(&jobPath, "job", "", "Job file path (required)")
	runCmd.Flags().StringVar(&backendName, "backend", "", "Optimizer backend: native or geometric")
	runCmd.Flags().StringVar(&logPath, "log", "", "Optimizer log file (default: temporary, removed after the job)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /healthz, /metrics and /api/v1/job on this address while running")
	runCmd.Flags().StringVar(&pythonPath, "python", "", "Python interpreter for the geometric backend")

	runCmd.MarkFlagRequired("job")
	rootCmd.AddCommand(runCmd)
}

// runOutput is what run prints.
type runOutput struct {
	JobID       string        `json:"job_id"`
	Backend     string        `json:"backend"`
	Status      string        `json:"status,omitempty"`
	Energy      marshal.Float `json:"energy"`
	Elements    []string      `json:"elements"`
	Coordinates marshal.Array `json:"coordinates"`
	Frames      int           `json:"frames"`
	Evaluations int           `json:"evaluations"`
}

func runJob(cmd *cobra.Command, args []string) error {
	job, err := loadJobFile(jobPath)
	if err != nil {
		return err
	}

	backend := cfg.Optimizer.Backend
	if job.Backend != "" {
		backend = job.Backend
	}
	if backendName != "" {
		backend = backendName
	}
	if logPath == "" {
		logPath = job.Log
	}
	if pythonPath != "" {
		cfg.Optimizer.Python = pythonPath
	}
	if metricsAddr != "" {
		cfg.HTTP.MetricsAddr = metricsAddr
	}

	ev, err := job.newEvaluator()
	if err != nil {
		return err
	}
	opt, err := newOptimizer(backend)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	eng, err := engine.New(job.Molecule, engine.WithLogger(zapLogger), engine.WithMetrics(m))
	if err != nil {
		return err
	}
	if err := eng.SetDriver(ev); err != nil {
		return err
	}

	r := runner.New(opt,
		runner.WithLogger(zapLogger),
		runner.WithMetrics(m),
		runner.WithScratchDir(cfg.Optimizer.ScratchDir),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting optimization", map[string]interface{}{
		"job":     jobPath,
		"backend": backend,
		"model":   job.Model,
		"atoms":   job.Molecule.NumAtoms(),
	})

	res, err := runWithStatusServer(ctx, r, reg, func(ctx context.Context) (*optimization.Result, error) {
		return r.Run(ctx, eng, job.Params, logPath)
	})
	if err != nil {
		return err
	}

	coords, energy, err := res.Final()
	if err != nil {
		return err
	}
	out := runOutput{
		JobID:       res.JobID,
		Backend:     backend,
		Status:      string(res.Status),
		Energy:      marshal.Float(energy),
		Elements:    res.Elements,
		Frames:      res.Len(),
		Evaluations: eng.Steps(),
	}
	if out.Coordinates, err = marshal.ToForeignMatrix(coords); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// runWithStatusServer runs job, serving status next to it when an address
// is configured. The server stops when the job ends; a server failure does
// not stop the job.
func runWithStatusServer(ctx context.Context, r *runner.Runner, reg *prometheus.Registry,
	job func(context.Context) (*optimization.Result, error)) (*optimization.Result, error) {
	if cfg.HTTP.MetricsAddr == "" {
		return job(ctx)
	}

	srv := server.NewServer(cfg, logger, r, reg)
	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	var (
		res    *optimization.Result
		jobErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		return srv.ListenAndServe(srvCtx)
	})
	g.Go(func() error {
		defer stopServer()
		res, jobErr = job(ctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Warn("status server failed", map[string]interface{}{"error": err.Error()})
	}
	return res, jobErr
}

func newOptimizer(backend string) (optimization.Optimizer, error) {
	switch backend {
	case config.BackendNative:
		return native.New(native.WithLogger(zapLogger)), nil
	case config.BackendGeometric:
		return geometric.New(geometric.Config{Python: cfg.Optimizer.Python}, geometric.WithLogger(zapLogger)), nil
	}
	return nil, fmt.Errorf("unknown optimizer backend %q (want %q or %q)",
		backend, config.BackendNative, config.BackendGeometric)
}
