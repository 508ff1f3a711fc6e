package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/heptiolabs/healthcheck"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/bootstrap"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/config"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/database"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/events"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/metrics"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/httpapi"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

const metricsNamespace = "oksai"

// app holds the composed server: configuration, shared resources and the
// plugin registry with its orchestrator.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	events   *events.RingBuffer
	metrics  *metrics.Collector
	db       *database.Client
	states   *database.PluginStateStore
	registry *plugin.Registry
	orch     *plugin.Orchestrator
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.LoggerConfig()).WithComponent("oksai")

	db, err := database.NewClient(database.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	}, log.WithComponent("database"))
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	ring := events.NewRingBuffer(cfg.Lifecycle.EventBuffer)
	collector := metrics.NewCollector(metricsNamespace)
	registry := plugin.NewRegistry(
		plugin.WithRegistryLogger(log.WithComponent("registry")),
		plugin.WithRegistryEvents(ring),
		plugin.WithRegistryMetrics(collector),
	)
	stock := plugins.Default(plugins.Deps{
		DB:        db.DB(),
		Publisher: db.Catalog(),
		Redis:     rdb,
		Log:       log,
	})
	if err := plugins.Register(registry, stock); err != nil {
		return nil, err
	}

	orch := plugin.NewOrchestrator(registry,
		plugin.WithLogger(log.WithComponent("lifecycle")),
		plugin.WithEventLogger(ring),
		plugin.WithMetrics(collector),
		plugin.WithHookTimeout(cfg.Lifecycle.HookTimeout),
	)

	return &app{
		cfg:      cfg,
		log:      log,
		events:   ring,
		metrics:  collector,
		db:       db,
		states:   database.NewPluginStateStore(db.DB()),
		registry: registry,
		orch:     orch,
	}, nil
}

// httpServer builds the HTTP transport over the app's registry.
func (a *app) httpServer() *httpapi.Server {
	return httpapi.New(httpapi.Options{
		Addr:         a.cfg.Server.Addr,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		RateLimit:    a.cfg.Server.RateLimit,
		RateBurst:    a.cfg.Server.RateBurst,
		Plugins:      a.registry,
		States:       a.states,
		Events:       a.events,
		Metrics:      a.metrics,
		Logger:       a.log,
		ReadinessChecks: map[string]healthcheck.Check{
			"database": healthcheck.Timeout(func() error {
				return a.db.Ping(context.Background())
			}, 2*time.Second),
		},
	})
}

// service wires the bootstrap sequence. transport may be nil.
func (a *app) service(transport bootstrap.Transport) (*bootstrap.Service, error) {
	return bootstrap.New(bootstrap.Options{
		Registry:        a.registry,
		Orchestrator:    a.orch,
		Storage:         a.db,
		Transport:       transport,
		States:          a.states,
		PluginStates:    a.cfg.PluginStates(),
		PluginConfig:    a.cfg.PluginOverrides(),
		AutoMigrate:     a.cfg.Database.AutoMigrate,
		ShutdownTimeout: a.cfg.Lifecycle.ShutdownTimeout,
		Logger:          a.log,
	})
}
