package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/geomopt/internal/evaluator"
)

const waterJob = `
model = "constant"
energy = -1.0

[molecule]
elem = ["O", "H", "H"]
xyzs = [[0.0, 0.3, 0.0, 0.9, 0.8, 0.0, -0.9, 0.5, 0.0]]

[params]
convergence_energy = 1e-6
maxiter = 50
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJobFile(t *testing.T) {
	job, err := loadJobFile(writeFile(t, "job.toml", waterJob))
	require.NoError(t, err)

	assert.Equal(t, "constant", job.Model)
	assert.Equal(t, -1.0, job.Energy)
	assert.Equal(t, []string{"O", "H", "H"}, job.Molecule.Elements)
	require.Len(t, job.Molecule.Frames, 1)
	assert.Equal(t, 0.3, job.Molecule.Frames[0][1])
	assert.Equal(t, int64(50), job.Params["maxiter"])
	assert.Equal(t, 1e-6, job.Params["convergence_energy"])

	ev, err := job.newEvaluator()
	require.NoError(t, err)
	assert.Equal(t, evaluator.Constant{Energy: -1.0}, ev)
}

func TestLoadJobFileYAML(t *testing.T) {
	yamlJob := `
model: harmonic
backend: geometric
molecule:
  elem: [O, H, H]
  xyzs: [0, 0.3, 0, 0.9, 0.8, 0, -0.9, 0.5, 0]
`
	job, err := loadJobFile(writeFile(t, "job.yaml", yamlJob))
	require.NoError(t, err)
	assert.Equal(t, "geometric", job.Backend)
	require.Len(t, job.Molecule.Frames, 1, "a flat list is one frame")
	assert.Empty(t, job.Params)

	_, err = job.newEvaluator()
	assert.NoError(t, err)
}

func TestLoadJobFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "no molecule", content: `model = "blank"`},
		{name: "model not string", content: "model = 3\n[molecule]\nelem = [\"H\"]\nxyzs = [0, 0, 0]"},
		{name: "no elem", content: "[molecule]\nxyzs = [0, 0, 0]"},
		{name: "elem not strings", content: "[molecule]\nelem = [1]\nxyzs = [0, 0, 0]"},
		{name: "no xyzs", content: "[molecule]\nelem = [\"H\"]"},
		{name: "empty xyzs", content: "[molecule]\nelem = [\"H\"]\nxyzs = []"},
		{name: "coordinate not number", content: "[molecule]\nelem = [\"H\"]\nxyzs = [[0, \"a\", 0]]"},
		{name: "wrong length", content: "[molecule]\nelem = [\"H\", \"H\"]\nxyzs = [0, 0, 0]"},
		{name: "energy not number", content: "energy = \"low\"\n[molecule]\nelem = [\"H\"]\nxyzs = [0, 0, 0]"},
		{name: "syntax", content: "[molecule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadJobFile(writeFile(t, "job.toml", tt.content))
			assert.Error(t, err)
		})
	}
}

func TestNewEvaluatorErrors(t *testing.T) {
	job, err := loadJobFile(writeFile(t, "job.toml", "model = \"harmonic\"\n[molecule]\nelem = [\"H\"]\nxyzs = [0, 0, 0]"))
	require.NoError(t, err)
	_, err = job.newEvaluator()
	assert.Error(t, err, "harmonic needs three atoms")

	job.Model = "dft"
	_, err = job.newEvaluator()
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("GEOMOPT_BACKEND", "native")
	t.Setenv("GEOMOPT_SCRATCH_DIR", t.TempDir())
	jobFilePath := writeFile(t, "job.toml", waterJob)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"run", "--job", jobFilePath})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		jobPath, backendName, logPath, metricsAddr, pythonPath = "", "", "", "", ""
	})
	require.NoError(t, rootCmd.Execute())

	var got struct {
		JobID       string   `json:"job_id"`
		Backend     string   `json:"backend"`
		Status      string   `json:"status"`
		Energy      float64  `json:"energy"`
		Elements    []string `json:"elements"`
		Coordinates struct {
			Shape []int     `json:"shape"`
			Data  []float64 `json:"data"`
		} `json:"coordinates"`
		Evaluations int `json:"evaluations"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))

	assert.NotEmpty(t, got.JobID)
	assert.Equal(t, "native", got.Backend)
	assert.Equal(t, "converged", got.Status)
	assert.Equal(t, -1.0, got.Energy)
	assert.Equal(t, []int{3, 3}, got.Coordinates.Shape)
	assert.Equal(t, []float64{0.0, 0.3, 0.0, 0.9, 0.8, 0.0, -0.9, 0.5, 0.0}, got.Coordinates.Data)
	assert.Equal(t, 1, got.Evaluations)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "geomopt version "+version+"\n", out.String())
}
