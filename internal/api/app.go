package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/flowforge/rtes/internal/api/handlers"
	apiMiddleware "github.com/flowforge/rtes/internal/api/middleware"
	"github.com/flowforge/rtes/internal/config"
	"github.com/flowforge/rtes/internal/credential"
	"github.com/flowforge/rtes/internal/execstore"
	"github.com/flowforge/rtes/internal/fanout"
	"github.com/flowforge/rtes/internal/ingest"
	"github.com/flowforge/rtes/internal/messaging"
	"github.com/flowforge/rtes/internal/metrics"
	"github.com/flowforge/rtes/internal/retry"
	"github.com/flowforge/rtes/internal/tracing"
)

// executionCollection is the MongoDB collection execution documents
// are stored in; RTES runs a single collection per database, so this
// isn't exposed as configuration.
const executionCollection = "executions"

// App holds every dependency the RTES API and its background consumer
// loops need, and owns their lifecycle: connect in NewApp, serve via
// Router, release in Close.
type App struct {
	config *config.Config
	logger *slog.Logger
	router *chi.Mux

	redisClient *redis.Client
	grants      *credential.Store
	store       *execstore.Store
	bus         *fanout.Bus

	// brokerMu guards broker and pipeline, which watchBrokerConnection
	// replaces after a reconnect while HTTP handlers (the readiness
	// check) keep reading the current value.
	brokerMu sync.RWMutex
	broker   *messaging.Consumer
	pipeline *ingest.Pipeline

	metrics         *metrics.Metrics
	metricsRegistry *prometheus.Registry
	queueCollector  *metrics.Collector

	authorizer       *apiMiddleware.Authorizer
	executionHandler *handlers.ExecutionHandler
	wsHandler        *handlers.WebSocketHandler
	healthHandler    *handlers.HealthHandler

	stopConsumers context.CancelFunc
}

// NewApp connects every RTES dependency (Redis, MongoDB, RabbitMQ),
// wires the ingest pipeline, starts the four broker consumer loops and
// the reconnect-on-drop loop, and assembles the HTTP router.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{config: cfg, logger: logger}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("api: parse redis url: %w", err)
	}
	app.redisClient = redis.NewClient(opts)
	if err := app.redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("api: connect redis: %w", err)
	}
	app.grants = credential.New(app.redisClient)

	app.store, err = execstore.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, executionCollection, logger)
	if err != nil {
		return nil, fmt.Errorf("api: connect mongo: %w", err)
	}

	app.bus = fanout.New(logger)

	app.metricsRegistry = prometheus.NewRegistry()
	app.metrics = metrics.NewMetrics()
	if cfg.Observability.MetricsEnabled {
		if err := app.metrics.Register(app.metricsRegistry); err != nil {
			return nil, fmt.Errorf("api: register metrics: %w", err)
		}
		app.bus.OnDrop = app.metrics.RecordFanoutDrop
	}

	brokerCfg := messaging.Config{
		URL:              cfg.RabbitMQ.URL,
		TokenQueue:       cfg.RabbitMQ.TokenQueue,
		ExecutionQueue:   cfg.RabbitMQ.ExecutionQueue,
		StatusQueue:      cfg.RabbitMQ.StatusQueue,
		CompletionQueue:  cfg.RabbitMQ.CompletionQueue,
		TokenConcurrency: cfg.RabbitMQ.TokenQueueConcurrency,
		TokenDLXExchange: cfg.RabbitMQ.TokenQueue + ".dlx",
		TokenDLQQueue:    cfg.RabbitMQ.TokenQueueDLQ,
		QueueDurable:     cfg.RabbitMQ.QueueDurable,
	}
	broker, err := messaging.Connect(brokerCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("api: connect rabbitmq: %w", err)
	}
	app.broker = broker
	app.pipeline = ingest.New(app.grants, app.store, app.bus, logger)

	consumerCtx, stop := context.WithCancel(context.Background())
	app.stopConsumers = stop
	app.startConsumers(consumerCtx)
	go app.watchBrokerConnection(consumerCtx)

	if cfg.Observability.MetricsEnabled {
		app.queueCollector = metrics.NewCollector(app.metrics, &queueDepther{app: app}, logger)
		go app.queueCollector.Start(consumerCtx, 15*time.Second)
	}

	app.authorizer = apiMiddleware.NewAuthorizer(cfg.JWT, app.grants)
	app.executionHandler = handlers.NewExecutionHandler(app.store, app.authorizer, logger)
	wsCfg := config.NewWebSocketConfig(cfg.CORS)
	app.wsHandler = handlers.NewWebSocketHandler(app.store, app.bus, app.authorizer, wsCfg, logger)
	app.healthHandler = handlers.NewHealthHandler(app.store, app.redisClient, &brokerPinger{app: app})

	app.setupRouter()

	return app, nil
}

// currentBroker returns the live broker connection, safe to call while
// watchBrokerConnection may be swapping it out after a reconnect.
func (a *App) currentBroker() *messaging.Consumer {
	a.brokerMu.RLock()
	defer a.brokerMu.RUnlock()
	return a.broker
}

// brokerPinger adapts App's guarded broker access to handlers.BrokerPinger.
type brokerPinger struct {
	app *App
}

func (b *brokerPinger) Ping() error {
	broker := b.app.currentBroker()
	if broker == nil {
		return fmt.Errorf("api: broker not connected")
	}
	return broker.Ping()
}

// queueDepther adapts App's guarded broker access to metrics.QueueDepther.
type queueDepther struct {
	app *App
}

func (q *queueDepther) QueueDepths() (map[string]int, error) {
	broker := q.app.currentBroker()
	if broker == nil {
		return nil, fmt.Errorf("api: broker not connected")
	}
	return broker.QueueDepths()
}

// startConsumers launches the four RabbitMQ consumer loops against the
// current broker and pipeline, each running until ctx is cancelled. A
// loop exiting with an error (other than context cancellation) is
// logged; the reconnect loop is what brings them back after a dropped
// connection.
func (a *App) startConsumers(ctx context.Context) {
	a.brokerMu.RLock()
	broker, pipeline := a.broker, a.pipeline
	a.brokerMu.RUnlock()

	starters := []struct {
		name string
		run  func(context.Context, messaging.Handler) error
	}{
		{"token", broker.ConsumeTokenGrants},
		{"execution", broker.ConsumeExecutionMessages},
		{"status", broker.ConsumeStatusMessages},
		{"completion", broker.ConsumeCompletionMessages},
	}
	handlerFor := map[string]messaging.Handler{
		"token":      pipeline.HandleTokenGrant,
		"execution":  pipeline.HandleExecutionMessage,
		"status":     pipeline.HandleStatusMessage,
		"completion": pipeline.HandleCompletionMessage,
	}

	for _, s := range starters {
		s := s
		go func() {
			if err := s.run(ctx, handlerFor[s.name]); err != nil && ctx.Err() == nil {
				a.logger.Error("consumer loop exited", "queue", s.name, "error", err)
			}
		}()
	}
}

// watchBrokerConnection waits for the broker connection to close and
// reconnects with backoff, restarting every consumer loop against the
// new connection. It runs for the process lifetime; Close cancels ctx
// to stop it.
func (a *App) watchBrokerConnection(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case amqpErr, ok := <-a.currentBroker().NotifyClose():
			if !ok {
				return
			}
			a.logger.Error("broker connection lost, reconnecting", "error", amqpErr)
		}

		brokerCfg := messaging.Config{
			URL:              a.config.RabbitMQ.URL,
			TokenQueue:       a.config.RabbitMQ.TokenQueue,
			ExecutionQueue:   a.config.RabbitMQ.ExecutionQueue,
			StatusQueue:      a.config.RabbitMQ.StatusQueue,
			CompletionQueue:  a.config.RabbitMQ.CompletionQueue,
			TokenConcurrency: a.config.RabbitMQ.TokenQueueConcurrency,
			TokenDLXExchange: a.config.RabbitMQ.TokenQueue + ".dlx",
			TokenDLQQueue:    a.config.RabbitMQ.TokenQueueDLQ,
			QueueDurable:     a.config.RabbitMQ.QueueDurable,
		}

		err := retry.BrokerReconnectRetry.Do(ctx, a.logger, func(ctx context.Context, attempt int) error {
			consumer, err := messaging.Connect(brokerCfg, a.logger)
			if err != nil {
				return err
			}
			a.brokerMu.Lock()
			a.broker = consumer
			a.pipeline = ingest.New(a.grants, a.store, a.bus, a.logger)
			a.brokerMu.Unlock()
			return nil
		})
		if err != nil {
			a.logger.Error("broker reconnect loop aborted", "error", err)
			return
		}

		a.logger.Info("broker reconnected, restarting consumer loops")
		a.startConsumers(ctx)
	}
}

// Router returns the HTTP router.
func (a *App) Router() http.Handler {
	return a.router
}

// Close stops the consumer loops and releases every connection NewApp opened.
func (a *App) Close(ctx context.Context) error {
	if a.stopConsumers != nil {
		a.stopConsumers()
	}
	if a.queueCollector != nil {
		a.queueCollector.Stop()
	}
	if broker := a.currentBroker(); broker != nil {
		_ = broker.Close()
	}
	if a.store != nil {
		_ = a.store.Close(ctx)
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	return nil
}

func (a *App) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.StructuredLogger(a.logger))

	securityHeadersConfig := apiMiddleware.SecurityHeadersConfig{
		EnableHSTS:    a.config.SecurityHeader.EnableHSTS,
		HSTSMaxAge:    a.config.SecurityHeader.HSTSMaxAge,
		CSPDirectives: a.config.SecurityHeader.CSPDirectives,
		FrameOptions:  a.config.SecurityHeader.FrameOptions,
	}
	r.Use(apiMiddleware.SecurityHeaders(securityHeadersConfig))

	if a.config.Observability.TracingEnabled {
		r.Use(tracing.HTTPMiddleware())
	}
	if a.config.Observability.MetricsEnabled {
		r.Use(metrics.HTTPMetricsMiddleware(a.metrics))
	}

	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	corsMiddleware, err := apiMiddleware.NewCORSMiddleware(a.config.CORS, a.config.Server.Env)
	if err != nil {
		a.logger.Error("failed to create CORS middleware, requests will be rejected by the browser", "error", err)
	} else {
		r.Use(corsMiddleware)
	}

	r.Get("/health", a.healthHandler.Health)
	r.Get("/ready", a.healthHandler.Ready)

	if a.config.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(a.metricsRegistry, promhttp.HandlerOpts{}))
	}

	r.Get("/executions/{executionID}", a.executionHandler.GetExecution)
	r.Get("/workflows/{workflowID}/executions", a.executionHandler.ListWorkflowExecutions)
	r.Get("/rt", a.wsHandler.HandleConnection)

	a.router = r
}
