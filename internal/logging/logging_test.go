package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		entries = append(entries, entry)
	}
	return entries
}

func TestLevels(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
	}{
		{level: DebugLevel, want: []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{level: InfoLevel, want: []string{"INFO", "WARN", "ERROR"}},
		{level: ErrorLevel, want: []string{"ERROR"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			var buf bytes.Buffer
			l := New(tt.level, &buf)
			l.Debug("d")
			l.Info("i")
			l.Warn("w")
			l.Error("e")

			var got []string
			for _, entry := range decodeLines(t, &buf) {
				got = append(got, entry["level"].(string))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	l := New(InfoLevel, &buf).WithField("job_id", "abc").WithError(errors.New("boom"))
	l.Info("hello", map[string]interface{}{"step": 3})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0]["message"])
	assert.Equal(t, "abc", entries[0]["job_id"])
	assert.Equal(t, "boom", entries[0]["error"])
	assert.Equal(t, 3.0, entries[0]["step"])
	assert.Contains(t, entries[0]["caller"], "logging/logging_test.go")
}

func TestFatalExits(t *testing.T) {
	var buf bytes.Buffer
	l := New(InfoLevel, &buf)
	code := -1
	l.exit = func(c int) { code = c }

	l.Fatal("bye")
	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), `"FATAL"`)
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(InfoLevel, &buf).WithFormat(FormatText)
	l.Info("started", map[string]interface{}{"b": 2, "a": 1})

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "INFO  started")
	assert.Less(t, strings.Index(line, " a=1"), strings.Index(line, " b=2"))
}

func TestZapLogger(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZapLogger(New(DebugLevel, &buf)).Named("engine").With(zap.String("job_id", "j1"))

	zl.Info("evaluated",
		zap.Int("step", 2),
		zap.Float64("energy", -1.5),
		zap.Bool("ok", true),
		zap.Duration("took", 1500*time.Millisecond),
		zap.Error(errors.New("none")),
	)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "evaluated", e["message"])
	assert.Equal(t, "engine", e["logger"])
	assert.Equal(t, "j1", e["job_id"])
	assert.Equal(t, 2.0, e["step"])
	assert.Equal(t, -1.5, e["energy"])
	assert.Equal(t, true, e["ok"])
	assert.Equal(t, "none", e["error"])
	assert.Contains(t, e["caller"], "logging/logging_test.go")
}

func TestZapLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZapLogger(New(WarnLevel, &buf))
	zl.Debug("hidden")
	zl.Info("hidden")
	zl.Warn("shown")
	assert.Len(t, decodeLines(t, &buf), 1)
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geomopt.log")
	l, err := NewLogger(&Config{Level: "debug", Format: "json", Output: path, MaxSizeMB: 1})
	require.NoError(t, err)

	l.Debug("to file")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")

	_, err = NewLogger(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, InfoLevel, ParseLevel("nonsense"))
}

func TestMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(DebugLevel, &buf)

	var fromCtx *Logger
	h := Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = FromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.NotNil(t, fromCtx)
	assert.Equal(t, "/healthz", fromCtx.fields["path"])

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, float64(http.StatusTeapot), entries[0]["status"])
	assert.Equal(t, http.StatusText(http.StatusTeapot), entries[0]["error"])

	assert.NotNil(t, FromContext(context.Background()))
}
