// Command signd runs the sign recognition node: recognizer sessions, the
// sentence generator and the capability heartbeat, as configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-signs/internal/config"
	"github.com/loqalabs/loqa-signs/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "signd.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config",
			slog.String("path", configPath), slog.String("error", err.Error()))
		os.Exit(2)
	}
	// Validated by Load.
	level, _ := cfg.Telemetry.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With(slog.String("node_id", cfg.Node.ID), slog.String("role", cfg.Node.Role))
	logger.Info("starting signd",
		slog.String("version", version),
		slog.String("model", cfg.Model.ManifestPath),
		slog.String("classifier", cfg.Classifier.Mode),
		slog.String("sentence_generator", cfg.Sentence.Generator),
		slog.String("default_mode", cfg.Recognizer.DefaultMode),
		slog.String("retention", cfg.EventStore.RetentionMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(time.Second)
		stop()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
