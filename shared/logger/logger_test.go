package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, cfg Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	output := &bytes.Buffer{}
	cfg.writer = output
	logger, err := New(&cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	return logger, output
}

func decodeLine(t *testing.T, line string) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	return entry
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		emit      func(l *Logger)
		wantLevel string
		wantMsg   string
	}{
		{
			name:      "debug passes at debug level",
			level:     "debug",
			emit:      func(l *Logger) { l.Debug("claim cycle idle") },
			wantLevel: "DEBUG",
			wantMsg:   "claim cycle idle",
		},
		{
			name:  "info suppresses debug",
			level: "info",
			emit: func(l *Logger) {
				l.Debug("claim cycle idle")
				l.Info("work item enqueued", slog.String("job_type", "SUBMIT_ORDER"))
			},
			wantLevel: "INFO",
			wantMsg:   "work item enqueued",
		},
		{
			name:  "warn suppresses info",
			level: "warn",
			emit: func(l *Logger) {
				l.Info("work item enqueued")
				l.Warn("order blocked", slog.String("reason", "kill switch active"))
			},
			wantLevel: "WARN",
			wantMsg:   "order blocked",
		},
		{
			name:  "error suppresses warn",
			level: "error",
			emit: func(l *Logger) {
				l.Warn("order blocked")
				l.Error("order submission failed", slog.String("symbol", "AAPL"))
			},
			wantLevel: "ERROR",
			wantMsg:   "order submission failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, output := newTestLogger(t, Config{Level: tt.level, Format: "json"})
			tt.emit(logger)

			lines := strings.Split(strings.TrimSpace(output.String()), "\n")
			require.Len(t, lines, 1)

			entry := decodeLine(t, lines[0])
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, tt.wantMsg, entry["msg"])
		})
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	logger, output := newTestLogger(t, Config{
		Level:      "info",
		Format:     "console",
		TimeFormat: time.RFC3339,
	})

	logger.Info("engine started", slog.Int("handlers", 7))

	// tint abbreviates the level to "INF".
	out := output.String()
	assert.Contains(t, out, "INF")
	assert.Contains(t, out, "engine started")
}

func TestNew_SourceLocation(t *testing.T) {
	logger, output := newTestLogger(t, Config{
		Level:        "info",
		Format:       "json",
		EnableSource: true,
	})

	logger.Info("drained")

	entry := decodeLine(t, strings.TrimSpace(output.String()))
	require.Contains(t, entry, "source")
	source := entry["source"].(map[string]interface{})
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Logger)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{level: "debug", expected: slog.LevelDebug},
		{level: "info", expected: slog.LevelInfo},
		{level: "warn", expected: slog.LevelWarn},
		{level: "warning", expected: slog.LevelWarn},
		{level: "error", expected: slog.LevelError},
		{level: "DEBUG", expected: slog.LevelInfo}, // case-sensitive, falls back
		{level: "invalid", expected: slog.LevelInfo},
		{level: "", expected: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}

func TestLogger_WithGroup(t *testing.T) {
	logger, output := newTestLogger(t, Config{Level: "info", Format: "json"})

	logger.WithGroup("order").Info("submitted", slog.String("broker_order_id", "o1"))

	entry := decodeLine(t, strings.TrimSpace(output.String()))
	require.Contains(t, entry, "order")
	group := entry["order"].(map[string]interface{})
	assert.Equal(t, "o1", group["broker_order_id"])
}

func TestLogger_WithAttrs(t *testing.T) {
	logger, output := newTestLogger(t, Config{Level: "info", Format: "json"})

	logger.WithAttrs(
		slog.String("trace_id", "t-123"),
		slog.String("item_id", "i-456"),
	).Info("processing work item")

	entry := decodeLine(t, strings.TrimSpace(output.String()))
	assert.Equal(t, "t-123", entry["trace_id"])
	assert.Equal(t, "i-456", entry["item_id"])
	assert.Equal(t, "processing work item", entry["msg"])
}

func TestLogger_With(t *testing.T) {
	logger, output := newTestLogger(t, Config{Level: "info", Format: "json"})

	logger.With(slog.String("service", "worker"), slog.Int("attempt", 2)).
		Info("retry scheduled")

	entry := decodeLine(t, strings.TrimSpace(output.String()))
	assert.Equal(t, "worker", entry["service"])
	assert.Equal(t, float64(2), entry["attempt"]) // JSON numbers decode as float64
	assert.Equal(t, "retry scheduled", entry["msg"])
}
