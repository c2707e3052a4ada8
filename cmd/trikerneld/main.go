// Command trikerneld runs the tri-agent orchestration kernel: it loads
// config, opens the durable store, wires every subsystem via
// internal/kernel, and serves the HTTP surface — the single-process
// entrypoint replacing the teacher's control_plane/main.go wiring.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/trikernel/orchestrator/internal/config"
	"github.com/trikernel/orchestrator/internal/httpapi"
	"github.com/trikernel/orchestrator/internal/kernel"
)

// Exit codes per spec.md: 0 success, 1 domain error, 2 config error,
// 3 store unavailable.
const (
	exitSuccess       = 0
	exitDomainError   = 1
	exitConfigError   = 2
	exitStoreUnavailable = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if os.Getenv("DEBUG") != "" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Error().Err(err).Str("config_file", configFile).Msg("failed to load configuration")
		return exitConfigError
	}
	if stateDir := os.Getenv("STATE_DIR"); stateDir != "" {
		cfg.StateDir = stateDir
	}
	traceID := os.Getenv("TRACE_ID")
	if traceID != "" {
		logger = logger.With().Str("trace_id", traceID).Logger()
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		logger.Error().Err(err).Msg("failed to create state directory")
		return exitStoreUnavailable
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k, err := kernel.New(ctx, cfg, cfg.StateDir+"/tri-agent.db", logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct kernel")
		return exitStoreUnavailable
	}
	defer k.Shutdown()

	k.Start(ctx)

	handler := httpapi.New(k, logger)
	srv := &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: handler,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("trikerneld listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server failed")
		cancel()
		return exitDomainError
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown timed out")
	}
	return exitSuccess
}
