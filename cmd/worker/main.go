package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"chartextract/internal/adapter/repo"
	"chartextract/internal/infra"
	"chartextract/internal/observability"
	"chartextract/internal/pipeline"
	"chartextract/internal/storage"
	"chartextract/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := repo.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("worker: failed to open job store")
	}
	defer store.Close()

	blobs, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	var extractor pipeline.Extractor
	switch cfg.Extractor {
	case infra.ExtractorHTTP:
		extractor = pipeline.NewHTTPExtractor(cfg.ExtractorURL, cfg.ExtractorTimeout)
	default:
		extractor = pipeline.NewCommandExtractor(cfg.ExtractorCommand, cfg.ExtractorArgs, logger)
	}

	telemetry := observability.Global()
	runner := pipeline.NewRunner(blobs, extractor, pipeline.Options{
		WorkDir:      cfg.WorkDir,
		KeepWorkDirs: cfg.KeepWorkDirs,
		Logger:       logger,
		Telemetry:    telemetry,
	})

	w := worker.New(workerID(cfg.WorkerID), store, runner, cfg.WorkerPollInterval, logger, telemetry)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

// workerID defaults to host name plus a random suffix so replicas on one host
// stay distinct in claimed_by.
func workerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
