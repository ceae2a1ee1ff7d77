// Package app wires the infrastructure shared by the gateway and the
// standalone dispatcher from a loaded config.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/batch"
	"github.com/lalithlochan/dunning/internal/channel"
	"github.com/lalithlochan/dunning/internal/circuitbreaker"
	"github.com/lalithlochan/dunning/internal/config"
	"github.com/lalithlochan/dunning/internal/db"
	"github.com/lalithlochan/dunning/internal/dispatch"
	"github.com/lalithlochan/dunning/internal/metrics"
	"github.com/lalithlochan/dunning/internal/redis"
	"github.com/lalithlochan/dunning/internal/sns"
	"github.com/lalithlochan/dunning/internal/sqs"
)

// App holds long-lived clients. Redis is nil when it could not be reached
// and SQS is not configured; in that case New fails, since jobs need a queue.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	DB         *db.DB
	Repo       *db.Repository
	Redis      *redis.Client
	Queue      dispatch.Queue
	Limiter    dispatch.Limiter
	Connectors *channel.Registry
	Batches    *batch.Aggregator

	closers []func()
}

// New connects to Postgres, Redis and the queue backend and builds the
// connector registry.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = database
	a.closers = append(a.closers, database.Close)
	a.Repo = db.NewRepository(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and shared rate limit disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		a.Redis = redisClient
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
	}

	if err := a.buildQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.buildLimiter()

	registry, err := BuildConnectors(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Connectors = registry

	var publisher batch.Publisher
	if cfg.BatchEventsTopicARN != "" {
		p, err := newPublisher(ctx, cfg, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, batch events disabled", zap.Error(err))
		} else {
			publisher = p
		}
	}
	a.Batches = batch.NewAggregator(a.Repo, a.Queue, publisher, logger)

	return a, nil
}

func (a *App) buildQueue(ctx context.Context) error {
	cfg := a.Config
	if cfg.SQSQueueURL != "" {
		q, err := newSQSQueue(ctx, cfg, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs queue: %w", err)
		}
		a.Queue = q
		a.Logger.Info("using sqs job queue", zap.String("queue_url", cfg.SQSQueueURL))
		return nil
	}

	if a.Redis == nil {
		return fmt.Errorf("no job queue: redis is unreachable and SQS_QUEUE_URL is not set")
	}
	a.Queue = redis.NewJobQueue(a.Redis, a.Logger, cfg.QueueName)
	a.Logger.Info("using redis job queue", zap.String("queue", cfg.QueueName))
	return nil
}

// buildLimiter prefers the Redis window so every worker process shares one
// budget.
func (a *App) buildLimiter() {
	cfg := a.Config
	if a.Redis != nil {
		a.Limiter = redis.NewRateLimiter(a.Redis, a.Logger, redis.RateLimitConfig{
			Limit:  cfg.DispatchRateLimit,
			Window: cfg.DispatchRateWindow,
		}).For("dispatch:" + cfg.QueueName)
		return
	}
	a.Logger.Warn("dispatch rate limit is per process",
		zap.Int("limit", cfg.DispatchRateLimit),
		zap.Duration("window", cfg.DispatchRateWindow),
	)
	a.Limiter = dispatch.NewLocalLimiter(cfg.DispatchRateLimit, cfg.DispatchRateWindow)
}

// Worker builds a dispatch worker over the app's queue and connectors.
func (a *App) Worker() *dispatch.Worker {
	return dispatch.New(a.Queue, a.Limiter, a.Repo, a.Connectors, a.Repo, a.Batches, dispatch.Config{
		ConnectorTimeout: a.Config.ConnectorTimeout,
	}, a.Logger)
}

// Close releases clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newSQSQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*sqs.Queue, error) {
	qcfg := sqs.Config{
		Region:      cfg.SQSRegion,
		QueueURL:    cfg.SQSQueueURL,
		WaitSeconds: int32(cfg.SQSWaitSeconds),
	}
	if cfg.AWSEndpoint != "" {
		return sqs.NewQueueWithEndpoint(ctx, qcfg, cfg.AWSEndpoint, logger)
	}
	return sqs.NewQueue(ctx, qcfg, logger)
}

func newPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*sns.Publisher, error) {
	if cfg.AWSEndpoint != "" {
		return sns.NewPublisherWithEndpoint(ctx, cfg.BatchEventsTopicARN, cfg.AWSEndpoint, cfg.SNSRegion, logger)
	}
	return sns.NewPublisher(ctx, cfg.SNSRegion, cfg.BatchEventsTopicARN, logger)
}

// BuildConnectors registers one connector per channel according to the
// *_PROVIDER settings. Real providers are wrapped in a circuit breaker.
func BuildConnectors(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*channel.Registry, error) {
	creds := cfg.Credentials()
	registry := channel.NewRegistry(logger)

	protect := func(c channel.Connector) channel.Connector {
		bcfg := circuitbreaker.DefaultConfig(c.Name())
		bcfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		}
		return circuitbreaker.Protect(c, circuitbreaker.New(bcfg, logger), logger)
	}

	switch cfg.EmailProvider {
	case config.ProviderSES:
		c, err := channel.NewSESConnector(ctx, cfg.AWSRegion, creds, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES connector: %w", err)
		}
		registry.Register(protect(c))
	case config.ProviderSMTP:
		registry.Register(protect(channel.NewSMTPConnector(channel.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}, creds, logger)))
	default:
		registry.Register(channel.NewLogConnector(db.ChannelEmail, logger))
	}

	switch cfg.ChatProvider {
	case config.ProviderHTTP:
		registry.Register(protect(channel.NewChatConnector(channel.HTTPConfig{
			BaseURL: cfg.ChatAPIURL,
			Timeout: cfg.ConnectorTimeout,
		}, creds, logger)))
	case config.ProviderSNS:
		c, err := channel.NewSNSChatConnector(ctx, cfg.SNSRegion, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS connector: %w", err)
		}
		registry.Register(protect(c))
	default:
		registry.Register(channel.NewLogConnector(db.ChannelChat, logger))
	}

	switch cfg.VoiceProvider {
	case config.ProviderHTTP:
		registry.Register(protect(channel.NewVoiceConnector(channel.HTTPConfig{
			BaseURL: cfg.VoiceAPIURL,
			Timeout: cfg.ConnectorTimeout,
		}, creds, logger)))
	default:
		registry.Register(channel.NewLogConnector(db.ChannelVoice, logger))
	}

	return registry, nil
}
