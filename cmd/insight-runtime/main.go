// Command insight-runtime runs the app runtime substrate: it initializes
// the data provider, change event bus, action dispatcher, data service and
// sync registry, then serves the admin API until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/insight_runtime/internal/app/runtime"
	"github.com/R3E-Network/insight_runtime/internal/config"
	"github.com/R3E-Network/insight_runtime/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file (optional)")
		envFile    = flag.String("env", ".env", "Path to a .env file loaded before reading the environment")
	)
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("load env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, err := logger.New(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	app, err := runtime.New(runtime.Options{Config: cfg, Logger: lg.Named("runtime")})
	if err != nil {
		lg.WithError(err).Fatal("build runtime")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		lg.WithError(err).Error("runtime stopped with error")
		os.Exit(1)
	}
	lg.Info("runtime stopped")
}
