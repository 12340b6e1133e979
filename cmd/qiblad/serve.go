package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/noorlabs/qiblad/internal/api"
	"github.com/noorlabs/qiblad/internal/cache"
	"github.com/noorlabs/qiblad/internal/config"
	"github.com/noorlabs/qiblad/internal/influx"
	"github.com/noorlabs/qiblad/internal/logging"
	"github.com/noorlabs/qiblad/internal/mqtt"
	intOtel "github.com/noorlabs/qiblad/internal/otel"
	"github.com/noorlabs/qiblad/internal/session"
	"github.com/noorlabs/qiblad/internal/storage"
)

const (
	serviceName   = "qiblad"
	sweepInterval = time.Minute
	shutdownWait  = 5 * time.Second
)

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configDir := fs.String("config", ".", "directory containing "+config.FileName)
	addr := fs.String("addr", "", "listen address, overrides http.addr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	start := time.Now()
	slogManager := logging.NewSlogManager()
	slogManager.Setup(logging.Options{Level: "info"})
	logger := slogManager.Logger()

	if err := config.Load(*configDir); err != nil {
		logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		logger.Info("Loaded config", "dir", *configDir)
	}

	level := config.GetString("logLevel")
	logsDir := config.GetString("logsDir")

	var out io.Writer = os.Stdout
	logFilePath := logging.LogFilePath(logsDir, serviceName, start)
	logFile, err := logging.OpenLogFile(logFilePath)
	if err != nil {
		logger.Error("Failed to create/open log file!", "error", err, "path", logFilePath)
	} else {
		defer logFile.Close()
		out = io.MultiWriter(os.Stdout, logFile)
	}

	provider := newOTelProvider(logger, logsDir, start)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintln(os.Stderr, "otel shutdown:", err)
		}
	}()

	clock := clockwork.NewRealClock()
	sessCfg := config.GetSessionConfig()
	registry := cache.NewRegistry[*session.Session](clock, sessCfg.IdleTimeout)
	defer registry.Close()

	var graylog logging.GelfSender
	if gl := config.GetGraylogConfig(); gl.Enabled {
		w, err := logging.NewGraylogWriter(gl.Address)
		if err != nil {
			logger.Warn("Failed to connect to Graylog", "error", err, "address", gl.Address)
		} else {
			graylog = w
		}
	}

	slogManager.Setup(logging.Options{
		File:     out,
		Level:    level,
		Provider: provider.LoggerProvider(),
		Graylog:  graylog,
		Facility: serviceName,
		Live:     logging.SessionCount(registry.Len),
	})
	logger = slogManager.Logger()
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		_ = slogManager.Flush(flushCtx)
	}()
	logger.Info("Starting qiblad", "version", Version, "build", BuildDate)

	storageCfg := config.GetStorageConfig()
	backend, err := storage.NewBackend(storageCfg, logger, logging.NewZerolog(out, level, "database"))
	if err != nil {
		return fmt.Errorf("failed to create storage backend: %w", err)
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("failed to initialize %s storage: %w", storageCfg.Type, err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("Failed to close storage backend", "error", err)
		}
	}()
	logger.Info("Storage backend initialized", "type", storageCfg.Type)
	history, _ := backend.(storage.Historian)

	observers := connectObservers(ctx, logger, out, level)
	defer func() {
		for _, c := range observers.closers {
			c()
		}
	}()

	httpCfg := config.GetHTTPConfig()
	if *addr != "" {
		httpCfg.Addr = *addr
	}
	server, err := api.NewServer(httpCfg, sessionConfig(sessCfg), api.Dependencies{
		Registry:       registry,
		Store:          backend,
		History:        history,
		Clock:          clock,
		Logger:         logger,
		DispatchLogger: logging.NewDispatcherLogger(logging.NewZerolog(out, level, "dispatcher")),
		Meter:          provider.Meter("github.com/noorlabs/qiblad"),
		Counters:       provider.Counters,
		Observers:      observers.list,
	})
	if err != nil {
		return err
	}

	go registry.Run(ctx, sweepInterval)
	err = server.Run(ctx)
	logger.Info("Shutting down", "sessions", registry.Len())
	return err
}

func newOTelProvider(logger *slog.Logger, logsDir string, start time.Time) *intOtel.Provider {
	cfg := intOtel.Config{OTelConfig: config.GetOTelConfig()}
	if cfg.Enabled {
		path := logging.LogFilePath(logsDir, serviceName+".otel", start)
		f, err := logging.OpenLogFile(path)
		if err != nil {
			logger.Warn("Failed to open OTel log file", "error", err, "path", path)
		} else {
			cfg.LogWriter = f
		}
	}

	provider, err := intOtel.New(cfg)
	if err != nil {
		logger.Warn("Failed to initialize OTel, continuing without it", "error", err)
		provider, _ = intOtel.New(intOtel.Config{})
	}
	return provider
}

type observerSet struct {
	list    []api.Observer
	closers []func()
}

// connectObservers wires the optional snapshot mirrors. A mirror that cannot
// connect is logged and skipped.
func connectObservers(ctx context.Context, logger *slog.Logger, out io.Writer, level string) observerSet {
	var set observerSet

	if cfg := config.GetMQTTConfig(); cfg.Enabled {
		p, err := mqtt.Connect(cfg, logger)
		if err != nil {
			logger.Warn("MQTT mirror disabled", "error", err)
		} else {
			set.list = append(set.list, p)
			set.closers = append(set.closers, p.Close)
		}
	}

	if cfg := config.GetInfluxConfig(); cfg.Enabled {
		m := influx.NewManager(logging.NewZerolog(out, level, "influx"), cfg)
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := m.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.Warn("Influx recorder disabled", "error", err)
		} else {
			set.list = append(set.list, m)
			set.closers = append(set.closers, func() {
				if err := m.Close(); err != nil {
					logger.Warn("Failed to close influx recorder", "error", err)
				}
			})
		}
	}
	return set
}

// sessionConfig maps the configured tunables onto a session config; zero values
// keep the session defaults.
func sessionConfig(c config.SessionConfig) session.Config {
	return session.Config{
		ProbeWindow:           c.ProbeWindow,
		CalibrationWindow:     c.CalibrationWindow,
		MinCalibrationSamples: c.MinCalibrationSamples,
		SmoothingWindow:       c.SmoothingWindow,
		StoreTimeout:          c.StoreTimeout,
	}
}
