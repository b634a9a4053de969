package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/fluxmon/fluxmon/pkg/agent"
	"github.com/fluxmon/fluxmon/pkg/config"
	_ "github.com/fluxmon/fluxmon/pkg/logutil"
	"github.com/fluxmon/fluxmon/pkg/util/contextutil"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	logger := slog.Default()
	ctx := contextutil.SetupSignals(context.Background())

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.With("err", err).Error("failed to load configuration")
		os.Exit(1)
	}

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.With("err", err).Error("failed to build agent")
		os.Exit(1)
	}

	logger.With("app", cfg.AppName).Info("fluxmon agent starting...")
	if err := a.Start(ctx); err != nil {
		logger.With("err", err.Error()).Error("failed to start agent")
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down fluxmon agent...")
	if err := a.Stop(context.Background()); err != nil {
		logger.With("err", err.Error()).Error("failed to shutdown agent")
		os.Exit(1)
	}
}
