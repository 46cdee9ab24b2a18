package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/app"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/httpapi"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger initialization failed:", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	defer application.Close()

	server := httpapi.NewServer(
		cfg,
		application.Hub,
		application.Registry,
		application.Engine,
		application.Store,
		application.Override,
		logger,
	)

	go application.Run(ctx)

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
