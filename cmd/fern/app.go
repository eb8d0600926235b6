package main

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/ai"
	"github.com/Ramsey-B/fern/pkg/circuitbreaker"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/processor"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/results"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// app holds the shared infrastructure every command builds on.
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	startup *startup.Startup

	redis   *redis.Client
	db      *sqlx.DB
	events  *events.Producer
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	results *results.Store

	stopTracing func(context.Context) error
	syncLogs    func() error
}

// newApp loads config and builds the logger. Nothing is connected until start.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, syncLogs, err := logging.New(logging.Config{
		AppName: cfg.AppName,
		Level:   cfg.LogLevel,
		Pretty:  cfg.PrettyLogs,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		startup:  startup.NewStartup(logger, cfg.StartupMaxAttempts),
		syncLogs: syncLogs,
	}, nil
}

// start connects tracing, Redis and the optional stores, retrying with backoff.
// withDB and withKafka skip stores a command does not need. sharedCircuit forces the
// Redis mirror of the breaker's open state on.
func (a *app) start(ctx context.Context, withDB, withKafka, sharedCircuit bool) error {
	cfg := a.cfg

	a.startup.AddDependency(startup.Func{
		Name: "tracing",
		OnStart: func(ctx context.Context) error {
			shutdown, err := tracing.Setup(ctx, tracing.Config{
				ServiceName: cfg.AppName,
				Enabled:     cfg.OTLPEnabled,
				Endpoint:    cfg.OTLPEndpoint,
				Protocol:    cfg.OTLPProtocol,
				Insecure:    cfg.OTLPInsecure,
			})
			if err != nil {
				return err
			}
			a.stopTracing = shutdown
			return nil
		},
		OnStop: func(ctx context.Context) error { return a.stopTracing(ctx) },
	})

	a.startup.AddDependency(startup.Func{
		Name: "redis",
		OnStart: func(ctx context.Context) error {
			client, err := redis.NewClient(ctx, redis.Config{
				URL:       cfg.RedisURL,
				KeyPrefix: cfg.RedisKeyPrefix,
				OpTimeout: cfg.RedisOpTimeout,
			}, a.logger)
			if err != nil {
				return err
			}
			a.redis = client
			return nil
		},
		OnStop: func(context.Context) error { return a.redis.Close() },
	})

	if withDB && cfg.DatabaseEnabled() {
		a.startup.AddDependency(startup.Func{
			Name: "database",
			OnStart: func(ctx context.Context) error {
				db, err := database.Open(ctx, database.Config{
					DSN:             cfg.DatabaseDSN(),
					MaxOpenConns:    cfg.DatabaseMaxOpenConns,
					MaxIdleConns:    cfg.DatabaseMaxIdleConns,
					ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
				}, a.logger)
				if err != nil {
					return err
				}
				a.db = db
				return nil
			},
			OnStop: func(context.Context) error { return a.db.Close() },
		})
	}

	if withKafka && cfg.KafkaEnabled() {
		a.startup.AddDependency(startup.Func{
			Name: "kafka",
			OnStart: func(context.Context) error {
				a.events = events.NewProducer(events.Config{
					Brokers:            cfg.KafkaBrokerList(),
					EventsTopic:        cfg.KafkaEventsTopic,
					NotificationsTopic: cfg.KafkaNotificationsTopic,
				}, a.logger)
				return nil
			},
			OnStop: func(context.Context) error { return a.events.Close() },
		})
	}

	if err := a.startup.Start(ctx); err != nil {
		return err
	}

	a.queue = queue.New(a.redis, queue.Config{
		MaxAttempts:       cfg.QueueMaxAttempts,
		Backoff:           cfg.QueueRetryBackoff,
		MaxPayloadBytes:   cfg.QueueMaxPayloadBytes,
		JobTTL:            cfg.QueueJobTTL,
		DLQRetention:      cfg.QueueDLQRetention,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
	}, a.logger)

	a.limiter = ratelimit.NewLimiter(a.redis, ratelimit.Config{
		Limit:  cfg.RateLimitCount,
		Window: cfg.RateLimitWindow,
	}, a.logger)

	a.breaker = circuitbreaker.New(circuitbreaker.Config{
		Name:             "ai",
		FailureThreshold: cfg.CircuitFailureThreshold,
		FailureWindow:    cfg.CircuitFailureWindow,
		OpenDuration:     cfg.CircuitOpenDuration,
	}, a.logger)
	if cfg.CircuitShared || sharedCircuit {
		a.breaker.WithStore(circuitbreaker.NewRedisStore(a.redis, "ai"))
	}
	a.breaker.OnStateChange(func(t circuitbreaker.Transition) {
		metrics.RecordCircuitTransition(t.From.String(), t.To.String(), int(t.To))
	})

	if a.db != nil {
		a.results = results.NewStore(a.db, a.logger)
	}
	return nil
}

// newProcessor wires the AI client, the document fetcher and the optional stores.
func (a *app) newProcessor() (*processor.Processor, error) {
	cfg := a.cfg

	aiHTTP := httpclient.DefaultConfig("ai")
	aiHTTP.Timeout = cfg.WorkerProcessTimeout
	completer, err := ai.NewClient(httpclient.NewClient(aiHTTP, a.logger), ai.Config{
		BaseURL:    cfg.AIBaseURL,
		APIKey:     cfg.AIAPIKey,
		Model:      cfg.AIModel,
		ResultPath: cfg.AIResultPath,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	if cfg.AIAPIKey == "" {
		a.logger.Warn("AI_API_KEY is not set, ai jobs will fail until it is configured")
	}

	fileHTTP := httpclient.DefaultConfig("file")
	fileHTTP.Timeout = cfg.WorkerProcessTimeout
	fileHTTP.MaxResponseSize = cfg.FileMaxBytes
	fetcher := httpclient.NewClient(fileHTTP, a.logger)

	var registry *processor.Registry
	if a.events != nil {
		registry = processor.NewDefaultRegistry(completer, fetcher, a.events)
	} else {
		registry = processor.NewDefaultRegistry(completer, fetcher, nil)
	}

	p := processor.New(a.queue, a.breaker, registry, processor.Config{
		ProcessTimeout: cfg.WorkerProcessTimeout,
		StoreTimeout:   cfg.ResultStoreTimeout,
		PublishTimeout: cfg.KafkaPublishTimeout,
	}, a.logger)
	if a.results != nil {
		p.WithResultStore(a.results)
	}
	if a.events != nil {
		p.WithEvents(a.events)
	}
	return p, nil
}

// stop closes everything start opened and flushes logs.
func (a *app) stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.startup.Stop(ctx); err != nil {
		a.logger.WithError(err).Error("Failed to stop dependencies")
	}
	// syncing a terminal stdout fails on some platforms
	_ = a.syncLogs()
}
