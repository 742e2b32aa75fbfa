package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/geomopt/internal/config"
	"github.com/copyleftdev/geomopt/internal/logging"
)

var (
	logLevel string

	cfg       *config.Config
	logger    *logging.Logger
	zapLogger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "geomopt",
	Short: "Geometry optimization with a Go evaluator",
	Long: `geomopt optimizes molecular geometries. Energies and gradients come
from a Go evaluator; the optimizer is either gonum's BFGS (native) or
geomeTRIC running in a Python child process (geometric).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level = logLevel
		}

		logger, err = logging.NewLogger(&logging.Config{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			Output:     cfg.Logging.Output,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		logger = logger.WithFields(map[string]interface{}{
			"service": "geomopt",
			"version": version,
		})
		zapLogger = logging.NewZapLogger(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if zapLogger != nil {
			_ = zapLogger.Sync()
		}
		if logger != nil {
			_ = logger.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}
