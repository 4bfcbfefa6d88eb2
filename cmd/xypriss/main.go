package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Nehonix-Team/XyPriss-sub003/internal/app"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/config"
	"github.com/Nehonix-Team/XyPriss-sub003/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML or JSON)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("XyPriss %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = loader.Load(*configPath)
	} else {
		cfg, err = loader.FromEnvironment()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		File:    cfg.Logging.File,
		MaxSize: cfg.Logging.MaxSize,
		MaxAge:  cfg.Logging.MaxAge,
		Backups: cfg.Logging.Backups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting XyPriss",
		zap.String("version", version),
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("cluster", cfg.Cluster.Enabled),
		zap.Bool("worker", config.IsWorkerProcess()),
	)

	a := app.New(cfg)
	a.GET("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"name":"xypriss","version":%q}`, version)
	})

	if *configPath != "" && !config.IsWorkerProcess() {
		if err := a.WatchConfig(*configPath); err != nil {
			logging.Warn("Config watcher unavailable", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logging.Error("Server error", zap.Error(err))
			os.Exit(1)
		}
	case <-ctx.Done():
		logging.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			cfg.Cluster.ProcessManagement.GracefulShutdownTimeout+2*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			logging.Error("Shutdown incomplete", zap.Error(err))
			os.Exit(1)
		}
	}
}
