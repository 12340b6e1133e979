package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// osStdout is swapped by tests that capture console output.
var osStdout io.Writer = os.Stdout

// Options selects the outputs of the slog pipeline.
type Options struct {
	// File receives text logs. When nil, logs go to stdout instead.
	File  io.Writer
	Level string
	// Provider enables the OTel bridge when non-nil.
	Provider *sdklog.LoggerProvider
	// Graylog enables GELF shipping when non-nil.
	Graylog GelfSender
	// Facility tags GELF messages.
	Facility string
	// Live adds attributes computed per record, such as the live session count.
	Live LiveAttrs
}

// SlogManager manages slog-based logging with optional OTel and Graylog outputs.
type SlogManager struct {
	logger *slog.Logger

	// OTel provider for flushing
	logProvider *sdklog.LoggerProvider
}

// NewSlogManager creates a new slog-based logging manager.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup (re)builds the logger. Calling it again replaces every output.
func (m *SlogManager) Setup(opts Options) {
	lvl := parseLevel(opts.Level)
	m.logProvider = opts.Provider

	handlerOpts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handlers []slog.Handler

	if opts.File != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.File, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(osStdout, handlerOpts))
	}

	if opts.Provider != nil {
		handlers = append(handlers, otelslog.NewHandler("qiblad", otelslog.WithLoggerProvider(opts.Provider)))
	}

	if opts.Graylog != nil {
		handlers = append(handlers, NewGelfHandler(opts.Graylog, opts.Facility, lvl))
	}

	m.logger = slog.New(withLiveAttrs(newFanout(handlers...), opts.Live))
	m.logger.Info("Logging initialized", "level", opts.Level)
}

// Logger returns the configured slog.Logger.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Flush forces a flush of OTel logs if available.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.logProvider != nil {
		return m.logProvider.ForceFlush(ctx)
	}
	return nil
}
