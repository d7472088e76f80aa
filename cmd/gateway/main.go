package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/relay-gateway/internal/config"
	"github.com/adred-codev/relay-gateway/internal/logging"
	"github.com/adred-codev/relay-gateway/internal/server"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Bootstrap logger for startup; replaced once config is loaded.
	logger := logging.New(logging.Config{Level: "info", Format: "json"})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime initialized")

	cfg, err := config.Load(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger = logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create gateway")
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start gateway")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown did not complete cleanly")
		os.Exit(1)
	}
}
