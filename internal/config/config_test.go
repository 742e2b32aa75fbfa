package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWith(env.Options{Environment: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, BackendNative, cfg.Optimizer.Backend)
	assert.Equal(t, "python3", cfg.Optimizer.Python)
	assert.Empty(t, cfg.Optimizer.ScratchDir)
	assert.Empty(t, cfg.HTTP.MetricsAddr)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadWith(env.Options{Environment: map[string]string{
		"GEOMOPT_BACKEND":       "geometric",
		"GEOMOPT_PYTHON":        "/opt/conda/bin/python",
		"GEOMOPT_SCRATCH_DIR":   "/scratch",
		"GEOMOPT_METRICS_ADDR":  ":9090",
		"LOG_LEVEL":             "debug",
		"HTTP_SHUTDOWN_TIMEOUT": "2s",
	}})
	require.NoError(t, err)

	assert.Equal(t, BackendGeometric, cfg.Optimizer.Backend)
	assert.Equal(t, "/opt/conda/bin/python", cfg.Optimizer.Python)
	assert.Equal(t, "/scratch", cfg.Optimizer.ScratchDir)
	assert.Equal(t, ":9090", cfg.HTTP.MetricsAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2*time.Second, cfg.HTTP.ShutdownTimeout)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown backend", env: map[string]string{"GEOMOPT_BACKEND": "lbfgs"}},
		{name: "bad duration", env: map[string]string{"HTTP_READ_TIMEOUT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWith(env.Options{Environment: tt.env})
			assert.Error(t, err)
		})
	}
}
