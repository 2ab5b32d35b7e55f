package log

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/flowguard/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "trace", "fatal"} {
		_, err := parseLevel(bad)
		assert.Error(t, err, "level %q", bad)
	}
}

func TestInitStdoutOnly(t *testing.T) {
	t.Cleanup(func() { _ = Close() })
	require.NoError(t, Init(config.LogConfig{Level: "warn", Format: "json"}))
	assert.Equal(t, slog.LevelWarn, Level())
	assert.False(t, slog.Default().Enabled(context.Background(), slog.LevelInfo))
}

func TestInitRejectsBadInput(t *testing.T) {
	assert.Error(t, Init(config.LogConfig{Level: "loud", Format: "json"}))
	assert.Error(t, Init(config.LogConfig{Level: "info", Format: "xml"}))

	cfg := config.LogConfig{Level: "info", Format: "text"}
	cfg.Outputs.File.Enabled = true
	assert.Error(t, Init(cfg), "file output without a path")

	cfg = config.LogConfig{Level: "info", Format: "text"}
	cfg.Outputs.Loki.Enabled = true
	assert.Error(t, Init(cfg), "loki output without an endpoint")

	cfg.Outputs.Loki.Endpoint = "http://127.0.0.1:1/"
	cfg.Outputs.Loki.BatchTimeout = "eventually"
	assert.Error(t, Init(cfg))
}

func TestInitWritesFile(t *testing.T) {
	t.Cleanup(func() { _ = Close() })
	path := filepath.Join(t.TempDir(), "flowguard.log")

	cfg := config.LogConfig{Level: "debug", Format: "text"}
	cfg.Outputs.File = config.FileOutputConfig{
		Enabled:  true,
		Path:     path,
		Rotation: config.RotationConfig{MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1},
	}
	require.NoError(t, Init(cfg))

	slog.Debug("ban installed", "device", "device:s1")
	require.NoError(t, Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ban installed")
	assert.Contains(t, string(data), "device=device:s1")
}

func TestInitShipsToLoki(t *testing.T) {
	t.Cleanup(func() { _ = Close() })
	sink, srv := newLokiSink(t)

	cfg := config.LogConfig{Level: "info", Format: "json"}
	cfg.Outputs.Loki = config.LokiOutputConfig{
		Enabled:      true,
		Endpoint:     srv.URL,
		BatchTimeout: "1h",
	}
	require.NoError(t, Init(cfg))

	slog.Info("rule added", "rule_id", "r1")
	require.NoError(t, Close())

	lines := sink.lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"rule_id":"r1"`)
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { _ = Close() })
	require.NoError(t, Init(config.LogConfig{Level: "info", Format: "text"}))

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, slog.LevelDebug, Level())
	assert.True(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))

	assert.Error(t, SetLevel("chatty"))
	assert.Equal(t, slog.LevelDebug, Level())
}

func TestReinitClosesPreviousOutputs(t *testing.T) {
	t.Cleanup(func() { _ = Close() })
	sink, srv := newLokiSink(t)

	cfg := config.LogConfig{Level: "info", Format: "text"}
	cfg.Outputs.Loki = config.LokiOutputConfig{Enabled: true, Endpoint: srv.URL, BatchTimeout: "1h"}
	require.NoError(t, Init(cfg))
	slog.Info("before reload")

	require.NoError(t, Init(config.LogConfig{Level: "info", Format: "text"}))
	assert.Eventually(t, func() bool { return len(sink.lines()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestFlushPushesLoki(t *testing.T) {
	t.Cleanup(func() { _ = Close() })
	sink, srv := newLokiSink(t)

	cfg := config.LogConfig{Level: "info", Format: "json"}
	cfg.Outputs.Loki = config.LokiOutputConfig{Enabled: true, Endpoint: srv.URL, BatchTimeout: "1h"}
	require.NoError(t, Init(cfg))

	Get().Info("ban expired", "device", "device:s1")
	require.NoError(t, Flush())
	assert.Len(t, sink.lines(), 1)
}
