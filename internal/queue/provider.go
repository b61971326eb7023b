package queue

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// ProviderConfig is the wiring input for New; cmd maps environment
// configuration onto it.
type ProviderConfig struct {
	// Provider selects the backend: "memory" (default), "sqs" or "redis".
	Provider string

	AWSRegion     string
	QueueURL      string
	QueueURLs     map[string]string
	DeadLetterURL string
	PollBackoff   time.Duration

	RedisAddr string
	RedisDB   int
}

// New builds the configured backend. The memory provider is the fallback
// for anything unrecognized so development never needs cloud credentials.
func New(ctx context.Context, cfg ProviderConfig, log *zap.Logger) (Queue, error) {
	switch cfg.Provider {
	case "sqs":
		if cfg.QueueURL == "" {
			return nil, fmt.Errorf("sqs provider requires a queue url")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewSQSQueue(sqs.NewFromConfig(awsCfg), SQSConfig{
			QueueURL:      cfg.QueueURL,
			QueueURLs:     cfg.QueueURLs,
			DeadLetterURL: cfg.DeadLetterURL,
			PollBackoff:   cfg.PollBackoff,
		}, log), nil
	case "redis":
		return NewRedisQueue(ctx, RedisConfig{
			Addr:        cfg.RedisAddr,
			DB:          cfg.RedisDB,
			PollBackoff: cfg.PollBackoff,
		}, log)
	default:
		return NewMemoryQueue(log), nil
	}
}
