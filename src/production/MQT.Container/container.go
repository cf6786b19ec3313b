package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.ApiService/controllers"
	"gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.ApiService/health"
	"gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.ApiService/middleware"
	"gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.ApiService/query"
	mqtbroker "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Broker"
	config "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Config"
	mqtingestor "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Ingestor"
	liveness "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Liveness"
	logger "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Logger"
	interfaces "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Repository/Interfaces"
	storage "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Storage"
)

// Version is reported by /health/ready. Overridden at build time with -ldflags.
var Version = "dev"

// Container manages dependencies and their lifecycle
type Container struct {
	config *config.Config
	logger *logger.Logger

	store     *storage.Writer
	tracker   *liveness.Tracker
	processor *mqtingestor.Processor
	broker    *mqtbroker.Manager
	queries   *query.ReadingService
	checker   *health.HealthChecker

	router *gin.Engine
	server *http.Server

	// Mutex for thread-safe access
	mu           sync.Mutex
	shutdownOnce sync.Once
	shutdownErr  error
}

type buildOptions struct {
	clientFactory mqtbroker.ClientFactory
	repo          interfaces.ReadingRepository
	now           func() time.Time
}

type Option func(*buildOptions)

// WithMQTTClientFactory replaces the paho client constructor.
func WithMQTTClientFactory(f mqtbroker.ClientFactory) Option {
	return func(o *buildOptions) { o.clientFactory = f }
}

// WithRepository uses repo instead of opening the configured backend.
func WithRepository(repo interfaces.ReadingRepository) Option {
	return func(o *buildOptions) { o.repo = repo }
}

// WithClock sets the clock used for server timestamps and status changes.
func WithClock(now func() time.Time) Option {
	return func(o *buildOptions) { o.now = now }
}

// NewContainer loads configuration from the environment and wires every
// component. Configuration and storage failures are returned.
func NewContainer(ctx context.Context) (*Container, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	c, err := Build(ctx, cfg, log)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return c, nil
}

// Build wires the container from an already loaded configuration.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Container, error) {
	o := buildOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	var store *storage.Writer
	if o.repo != nil {
		store = storage.NewWriter(o.repo, storage.OptionsFromConfig(&cfg.Storage), log)
	} else {
		var err error
		if store, err = storage.Open(ctx, &cfg.Storage, log); err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
	}

	tracker := liveness.NewTracker(cfg.MQTT.OnlineToken, liveness.WithClock(o.now))
	processor := mqtingestor.NewProcessor(store, tracker, mqtingestor.Config{
		RequiredFields: cfg.Ingest.RequiredFields,
		DerivedRules:   cfg.Ingest.DerivedRules,
	}, log, mqtingestor.WithClock(o.now))

	var brokerOpts []mqtbroker.Option
	if o.clientFactory != nil {
		brokerOpts = append(brokerOpts, mqtbroker.WithClientFactory(o.clientFactory))
	}
	broker := mqtbroker.NewManager(cfg.MQTT, cfg.Ingest, tracker, processor, log, brokerOpts...)

	c := &Container{
		config:    cfg,
		logger:    log,
		store:     store,
		tracker:   tracker,
		processor: processor,
		broker:    broker,
		queries:   query.NewReadingService(store),
		checker:   health.NewHealthChecker(store, broker, Version),
	}
	c.router = c.buildRouter()

	log.Logger.Info().
		Str("storage", cfg.Storage.Driver).
		Str("data_topic", cfg.MQTT.DataTopic).
		Str("status_topic", cfg.MQTT.StatusTopic).
		Int("workers", cfg.Ingest.Workers).
		Msg("Container initialized")
	return c, nil
}

func (c *Container) buildRouter() *gin.Engine {
	if c.config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(c.logger.WithComponent("http")))

	// Configure CORS from config
	corsConfig := cors.Config{
		AllowMethods: c.config.CORS.AllowedMethods,
		AllowHeaders: c.config.CORS.AllowedHeaders,
		MaxAge:       time.Duration(c.config.CORS.MaxAge) * time.Second,
	}
	if len(c.config.CORS.AllowedOrigins) == 0 || slices.Contains(c.config.CORS.AllowedOrigins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = c.config.CORS.AllowedOrigins
	}
	router.Use(cors.New(corsConfig))

	controllers.NewReadingController(c.queries, c.logger.WithComponent("http")).RegisterRoutes(router)
	controllers.NewHealthController(c.checker).RegisterRoutes(router)
	controllers.NewMetricsController(c.processor, c.broker, c.tracker).RegisterRoutes(router)

	return router
}

// Start connects to the broker and begins consuming. It does not block.
func (c *Container) Start(ctx context.Context) error {
	return c.broker.Start(ctx)
}

// Serve runs the HTTP server until Shutdown is called.
func (c *Container) Serve() error {
	c.mu.Lock()
	c.server = &http.Server{
		Addr:         ":" + c.config.Server.Port,
		Handler:      c.router,
		ReadTimeout:  c.config.Server.ReadTimeout,
		WriteTimeout: c.config.Server.WriteTimeout,
		IdleTimeout:  c.config.Server.IdleTimeout,
	}
	srv := c.server
	c.mu.Unlock()

	c.logger.Logger.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP handler without starting a server.
func (c *Container) Handler() http.Handler {
	return c.router
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// GetLogger returns the logger
func (c *Container) GetLogger() *logger.Logger {
	return c.logger
}

func (c *Container) Tracker() *liveness.Tracker {
	return c.tracker
}

func (c *Container) Processor() *mqtingestor.Processor {
	return c.processor
}

func (c *Container) Broker() *mqtbroker.Manager {
	return c.broker
}

// Shutdown stops the HTTP server, then the MQTT manager (draining within
// SHUTDOWN_GRACE), then closes storage. Safe to call more than once.
func (c *Container) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown(ctx)
	})
	return c.shutdownErr
}

func (c *Container) shutdown(ctx context.Context) error {
	c.logger.Info("Shutting down container...")
	var errs []error

	c.mu.Lock()
	srv := c.server
	c.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			c.logger.ErrorWithError(err, "Server forced to shutdown")
			errs = append(errs, err)
		}
	}

	graceCtx, cancel := context.WithTimeout(ctx, c.config.Server.ShutdownGrace)
	defer cancel()
	if err := c.broker.Stop(graceCtx); err != nil {
		c.logger.ErrorWithError(err, "MQTT manager did not drain in time")
		errs = append(errs, err)
	}

	if err := c.store.Close(context.Background()); err != nil {
		c.logger.ErrorWithError(err, "Error closing storage")
		errs = append(errs, err)
	}

	c.logger.Info("Container shutdown complete")
	if err := c.logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
