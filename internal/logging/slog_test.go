package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

func TestSetup_FileOnly_NoStdout(t *testing.T) {
	// Capture stdout to verify nothing is written there
	origStdout := captureStdout(t)

	var fileBuf bytes.Buffer
	m := NewSlogManager()
	m.Setup(Options{File: &fileBuf, Level: "info"})
	m.Logger().Info("hello file")

	stdout := origStdout()

	assert.Contains(t, fileBuf.String(), "hello file", "log should appear in file")
	// The "Logging initialized" message from Setup also goes to file, not stdout
	assert.Empty(t, stdout, "nothing should be written to stdout when file is provided")
}

func TestSetup_NoFile_WritesToStdout(t *testing.T) {
	origStdout := captureStdout(t)

	m := NewSlogManager()
	m.Setup(Options{Level: "info"})
	m.Logger().Info("hello console")

	stdout := origStdout()

	assert.Contains(t, stdout, "hello console", "log should appear on stdout")
}

func TestSetup_DebugLevel(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(Options{File: &buf, Level: "debug"})

	m.Logger().Debug("debug msg")
	m.Logger().Info("info msg")

	output := buf.String()
	assert.Contains(t, output, "debug msg")
	assert.Contains(t, output, "info msg")
}

func TestSetup_InfoLevel_FiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(Options{File: &buf, Level: "info"})

	m.Logger().Debug("should be filtered")
	m.Logger().Info("should appear")

	output := buf.String()
	assert.NotContains(t, output, "should be filtered")
	assert.Contains(t, output, "should appear")
}

func TestSetup_ReplacesLogger(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	m := NewSlogManager()

	m.Setup(Options{File: &buf1, Level: "info"})
	m.Logger().Info("first")

	m.Setup(Options{File: &buf2, Level: "info"})
	m.Logger().Info("second")

	assert.Contains(t, buf1.String(), "first")
	assert.NotContains(t, buf1.String(), "second", "old file should not receive new logs")
	assert.Contains(t, buf2.String(), "second")
}

func TestLogger_DefaultBeforeSetup(t *testing.T) {
	m := NewSlogManager()
	logger := m.Logger()
	assert.Equal(t, slog.Default(), logger)
}

func TestFlush_NilProvider(t *testing.T) {
	m := NewSlogManager()
	err := m.Flush(context.Background())
	assert.NoError(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"invalid", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestFanout_DeliversToEverySink(t *testing.T) {
	var console, file bytes.Buffer
	h := newFanout(
		slog.NewTextHandler(&console, nil),
		nil,
		slog.NewTextHandler(&file, nil),
	)
	require.Len(t, h, 2)

	slog.New(h).Info("fix accepted", "device", "phone")
	assert.Contains(t, console.String(), "device=phone")
	assert.Contains(t, file.String(), "device=phone")
}

func TestFanout_SingleSinkUnwrapped(t *testing.T) {
	sink := slog.NewTextHandler(&bytes.Buffer{}, nil)
	assert.Equal(t, sink, newFanout(nil, sink))
}

func TestFanout_EnabledByAnySink(t *testing.T) {
	warn := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	debug := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})
	ctx := context.Background()

	h := newFanout(warn, slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.False(t, h.Enabled(ctx, slog.LevelDebug))
	assert.True(t, h.Enabled(ctx, slog.LevelInfo))

	assert.True(t, newFanout(warn, debug).Enabled(ctx, slog.LevelDebug))
	assert.False(t, newFanout().Enabled(ctx, slog.LevelError))
}

func TestFanout_SkipsSinksBelowLevel(t *testing.T) {
	var quiet, loud bytes.Buffer
	h := newFanout(
		slog.NewTextHandler(&quiet, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewTextHandler(&loud, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	slog.New(h).Debug("heading sample")
	assert.Empty(t, quiet.String())
	assert.Contains(t, loud.String(), "heading sample")
}

func TestFanout_AttrsAndGroups(t *testing.T) {
	var a, b bytes.Buffer
	h := newFanout(slog.NewTextHandler(&a, nil), slog.NewTextHandler(&b, nil))

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "api")}).WithGroup("fix"))
	logger.Info("saved", "accuracy", 12)

	for _, out := range []string{a.String(), b.String()} {
		assert.Contains(t, out, "component=api")
		assert.Contains(t, out, "fix.accuracy=12")
	}
	assert.Equal(t, h, h.WithGroup(""))
}

// errorHandler is a slog.Handler that always returns an error from Handle.
type errorHandler struct {
	slog.Handler
}

func (h *errorHandler) Handle(_ context.Context, _ slog.Record) error {
	return errors.New("sink offline")
}

func (h *errorHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func TestFanout_FailingSinkDoesNotStopOthers(t *testing.T) {
	var buf bytes.Buffer
	h := newFanout(&errorHandler{}, slog.NewTextHandler(&buf, nil))

	err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "still delivered", 0))
	assert.ErrorContains(t, err, "sink offline")
	assert.Contains(t, buf.String(), "still delivered")
}

func TestFlush_WithProvider(t *testing.T) {
	provider := sdklog.NewLoggerProvider() // no exporter, just validates non-nil path
	m := NewSlogManager()

	var buf bytes.Buffer
	m.Setup(Options{File: &buf, Level: "info", Provider: provider})

	err := m.Flush(context.Background())
	assert.NoError(t, err)
}

func TestSetup_WithOTelProvider(t *testing.T) {
	provider := sdklog.NewLoggerProvider()

	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(Options{File: &buf, Level: "info", Provider: provider})

	m.Logger().Info("otel integrated")
	assert.Contains(t, buf.String(), "otel integrated")
}

// captureStdout swaps the console writer for a buffer and returns a function
// that restores it and returns what was captured.
func captureStdout(t *testing.T) func() string {
	t.Helper()

	var buf bytes.Buffer
	orig := osStdout
	osStdout = &buf
	t.Cleanup(func() { osStdout = orig })

	return func() string {
		osStdout = orig
		return buf.String()
	}
}

func TestSetup_WithGraylogAndContext(t *testing.T) {
	var buf bytes.Buffer
	sender := &fakeSender{}
	m := NewSlogManager()
	m.Setup(Options{
		File:     &buf,
		Level:    "info",
		Graylog:  sender,
		Facility: "qiblad-test",
		Live:     SessionCount(func() int { return 3 }),
	})

	m.Logger().Info("session opened", "device", "d1")

	assert.Contains(t, buf.String(), "sessions=3")
	msgs := sender.all()
	require.Len(t, msgs, 2, "init message plus the record")
	last := msgs[1]
	assert.Equal(t, "session opened", last.Short)
	assert.Equal(t, "qiblad-test", last.Facility)
	assert.Equal(t, "d1", last.Extra["_device"])
	assert.Equal(t, int64(3), last.Extra["_sessions"])
}
