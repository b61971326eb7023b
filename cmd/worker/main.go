package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Dnick20/SaasPE-sub003/internal/config"
	"github.com/Dnick20/SaasPE-sub003/internal/logging"
	"github.com/Dnick20/SaasPE-sub003/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	q, err := queue.New(ctx, queue.ProviderConfig{
		Provider:      cfg.Provider,
		AWSRegion:     cfg.AWSRegion,
		QueueURL:      cfg.QueueURL,
		QueueURLs:     cfg.QueueURLMap,
		DeadLetterURL: cfg.QueueDLQURL,
		RedisAddr:     cfg.RedisAddr,
		RedisDB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Fatal("failed to build queue provider", zap.Error(err))
	}

	opts := queue.Options{
		Concurrency:       cfg.Concurrency,
		MaxRetries:        cfg.MaxRetries,
		WaitTime:          cfg.WaitTime,
		VisibilityTimeout: cfg.VisibilityTimeout,
	}
	for _, name := range []string{"transcription", "proposal", "analysis"} {
		q.Process(name, demoProcessor(logger, name), opts)
	}
	logger.Info("worker started", zap.String("provider", cfg.Provider))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := q.Close(shutdownCtx); err != nil {
		logger.Error("queue shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// demoProcessor stands in for the real job bodies (transcription, proposal
// generation, analysis), which live behind their own services. It logs the
// delivery and simulates work.
func demoProcessor(log *zap.Logger, name string) queue.ProcessorFunc {
	return func(ctx context.Context, job *queue.Job) queue.Result {
		log.Info("processing job",
			zap.String("queue", name),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts))
		select {
		case <-ctx.Done():
			return queue.Failure(ctx.Err())
		case <-time.After(750 * time.Millisecond):
			return queue.Success(nil)
		}
	}
}
