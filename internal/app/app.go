package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/unified-comms/internal/config"
	httpcontroller "github.com/vadim/unified-comms/internal/controller/http"
	"github.com/vadim/unified-comms/internal/database"
	"github.com/vadim/unified-comms/internal/domain/comms/dao"
	"github.com/vadim/unified-comms/internal/domain/comms/writer"
	pservice "github.com/vadim/unified-comms/internal/domain/participant/service"
	"github.com/vadim/unified-comms/internal/domain/sync/broadcaster"
	"github.com/vadim/unified-comms/internal/domain/sync/orchestrator"
	"github.com/vadim/unified-comms/internal/domain/sync/scheduler"
	tservice "github.com/vadim/unified-comms/internal/domain/threading/service"
	"github.com/vadim/unified-comms/internal/domain/webhook"
	"github.com/vadim/unified-comms/internal/httpx/response"
	"github.com/vadim/unified-comms/internal/httpx/upstream/gateway"
	"github.com/vadim/unified-comms/internal/httpx/upstream/resolver"
	"github.com/vadim/unified-comms/internal/queue"
	"github.com/vadim/unified-comms/internal/realtime"
	"github.com/vadim/unified-comms/internal/storage"
	"github.com/vadim/unified-comms/internal/tenant"
)

// ChannelLayer is the realtime backend shared by producers and the websocket relay
type ChannelLayer interface {
	writer.ChannelLayer
	realtime.Subscriber
	Ping(ctx context.Context) error
	Close() error
}

// repositories groups the tenant-scoped stores of one backend
type repositories struct {
	channels      dao.ChannelRepository
	connections   dao.ConnectionRepository
	conversations dao.ConversationRepository
	messages      dao.MessageRepository
	participants  dao.ParticipantRepository
	jobs          dao.SyncJobRepository
	suppressions  dao.SuppressionRepository
	router        dao.AccountRouter
	tenants       dao.TenantDirectory
	switcher      tenant.Switcher
}

// App is the main application container
type App struct {
	cfg        config.Config
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger

	// Infrastructure
	pool      *pgxpool.Pool
	layer     ChannelLayer
	publisher queue.Publisher
	consumer  *queue.RabbitConsumer
	archive   *storage.S3Storage
	repos     repositories

	// Domain services
	participants *pservice.Service
	threading    *tservice.Service
	dispatcher   *webhook.Dispatcher
	orchestrator *orchestrator.Orchestrator
	hub          *realtime.Hub

	// Background workers
	scheduler     *scheduler.Scheduler
	workersCancel context.CancelFunc
	workers       sync.WaitGroup
}

// NewApp creates and initializes the application
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	app := &App{
		cfg:    cfg,
		router: r,
		logger: logger,
	}

	if err := app.initInfrastructure(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing infrastructure: %w", err)
	}

	if err := app.initDomains(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing domains: %w", err)
	}

	app.registerRoutes()

	app.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Sync.SchedulerEnabled {
		app.scheduler = scheduler.New(
			app.repos.tenants,
			app.repos.switcher,
			app.repos.connections,
			app.repos.jobs,
			app.gatewayClient(),
			scheduler.Config{
				Interval:  cfg.Sync.SchedulerInterval,
				SyncAge:   cfg.Sync.SyncAge,
				BatchSize: cfg.Sync.BatchSize,
			},
			logger,
		)
	}

	return app, nil
}

// initInfrastructure connects the database, channel layer, task queue and archive
func (a *App) initInfrastructure(ctx context.Context) error {
	if dsn := a.cfg.Database.PostgresDSN; dsn != "" {
		pool, err := database.NewPostgresPool(ctx, dsn, database.PoolOptions{
			MaxConns: a.cfg.Database.MaxConns,
			MinConns: a.cfg.Database.MinConns,
		})
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		a.pool = pool

		if err := database.MigratePublic(ctx, pool); err != nil {
			return fmt.Errorf("migrating public schema: %w", err)
		}
	} else {
		a.logger.Warn("DATABASE_URL not set, using the in-memory store")
	}

	if addr := a.cfg.Redis.Addr; addr != "" {
		layer, err := realtime.NewRedisLayer(ctx, realtime.RedisConfig{
			Addr:     addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			PoolSize: a.cfg.Redis.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		a.layer = layer
	} else {
		a.layer = realtime.NewMemoryLayer()
	}

	if url := a.cfg.AMQP.URL; url != "" {
		pub, err := queue.NewRabbitPublisher(url, a.cfg.AMQP.Exchange, a.logger)
		if err != nil {
			return fmt.Errorf("connecting publisher: %w", err)
		}
		a.publisher = pub

		if a.cfg.AMQP.RunWorkers {
			consumer, err := queue.NewRabbitConsumer(url, a.cfg.AMQP.Exchange, a.cfg.AMQP.Queue, a.cfg.AMQP.Prefetch, a.logger)
			if err != nil {
				return fmt.Errorf("connecting consumer: %w", err)
			}
			a.consumer = consumer
		}
	} else {
		a.publisher = queue.NewInlinePublisher(a.logger)
	}

	if a.cfg.S3.Enabled {
		a.archive = storage.NewS3Storage(storage.S3Config{
			Endpoint:        a.cfg.S3.Endpoint,
			AccessKeyID:     a.cfg.S3.AccessKeyID,
			SecretAccessKey: a.cfg.S3.SecretAccessKey,
			Bucket:          a.cfg.S3.Bucket,
			Region:          a.cfg.S3.Region,
			PublicURL:       a.cfg.S3.PublicURL,
		})
	}

	return nil
}

// initDomains wires repositories, services and task handlers
func (a *App) initDomains(ctx context.Context) error {
	if a.pool != nil {
		router := dao.NewRouterPostgres(a.pool, a.logger)
		a.repos = repositories{
			channels:      dao.NewChannelPostgres(a.pool),
			connections:   dao.NewConnectionPostgres(a.pool),
			conversations: dao.NewConversationPostgres(a.pool),
			messages:      dao.NewMessagePostgres(a.pool),
			participants:  dao.NewParticipantPostgres(a.pool),
			jobs:          dao.NewSyncJobPostgres(a.pool),
			suppressions:  dao.NewSuppressionPostgres(a.pool),
			router:        router,
			tenants:       router,
			switcher:      tenant.NewPostgresSwitcher(a.pool),
		}
		if a.cfg.Database.MigrateTenants {
			if err := a.migrateTenants(ctx); err != nil {
				return err
			}
		}
	} else {
		store := dao.NewMemoryStore()
		a.repos = repositories{
			channels:      store.Channels(),
			connections:   store.Connections(),
			conversations: store.Conversations(),
			messages:      store.Messages(),
			participants:  store.Participants(),
			jobs:          store.SyncJobs(),
			suppressions:  store,
			router:        store,
			tenants:       store,
			switcher:      tenant.StaticSwitcher{},
		}
	}

	var res pservice.Resolver = resolver.Noop{}
	if a.cfg.Resolver.BaseURL != "" {
		res = resolver.New(a.cfg.Resolver.BaseURL,
			resolver.WithAPIKey(a.cfg.Resolver.APIKey),
			resolver.WithTimeout(a.cfg.Resolver.Timeout),
		)
	} else {
		a.logger.Warn("RESOLVER_BASE_URL not set, contacts will never resolve")
	}

	a.participants = pservice.New(
		a.repos.participants,
		a.repos.conversations,
		a.repos.messages,
		res,
		a.publisher,
		a.cfg.Resolver.MinConfidence,
		a.logger,
	)
	w := writer.New(a.repos.messages, a.repos.conversations, a.layer, a.publisher, a.logger)

	// an untyped nil keeps the pipeline's archive step disabled
	var archiver webhook.AttachmentArchiver
	if a.archive != nil {
		archiver = a.archive
	}

	pipeline := webhook.NewPipeline(webhook.Repositories{
		Channels:      a.repos.channels,
		Connections:   a.repos.connections,
		Conversations: a.repos.conversations,
		Messages:      a.repos.messages,
	}, a.participants, w, a.layer, archiver, a.logger)

	tracking := webhook.NewTrackingHandler(a.repos.messages, a.repos.suppressions, a.layer, a.logger)
	a.dispatcher = webhook.NewDispatcher(
		webhook.NewDefaultRegistry(pipeline, a.logger),
		tracking,
		a.repos.router,
		a.repos.switcher,
		a.logger,
	)

	a.threading = tservice.New(a.repos.conversations, a.repos.messages, a.cfg.Threading.TemporalWindow, a.logger)

	a.orchestrator = orchestrator.New(
		a.repos.connections,
		a.repos.participants,
		a.repos.jobs,
		a.gatewayClient(),
		a.dispatcher,
		broadcaster.New(a.layer, a.logger),
		orchestrator.Config{
			Concurrency: a.cfg.Sync.Concurrency,
			PageSize:    a.cfg.Sync.PageSize,
		},
		a.logger,
	)

	a.hub = realtime.NewHub(a.layer, a.logger)

	a.registerTasks()
	return nil
}

func (a *App) migrateTenants(ctx context.Context) error {
	schemas, err := a.repos.tenants.Schemas(ctx)
	if err != nil {
		return fmt.Errorf("listing tenant schemas: %w", err)
	}
	for _, schema := range schemas {
		if err := database.MigrateTenant(ctx, a.pool, schema); err != nil {
			return fmt.Errorf("migrating tenant %s: %w", schema, err)
		}
		a.logger.Info("tenant schema migrated", "schema", schema)
	}
	return nil
}

func (a *App) gatewayClient() *gateway.Client {
	return gateway.New(
		gateway.WithBaseURL(a.cfg.Gateway.BaseURL),
		gateway.WithAPIKey(a.cfg.Gateway.APIKey),
		gateway.WithTimeout(a.cfg.Gateway.Timeout),
	)
}

// registerRoutes registers all HTTP routes
func (a *App) registerRoutes() {
	a.router.Get("/healthz", a.healthHandler)
	a.router.Get("/readyz", a.readyHandler)

	httpcontroller.NewSwaggerHandler("Unified Communications API").RegisterRoutes(a.router)
	httpcontroller.NewRealtimeHandler(a.hub).RegisterRoutes(a.router)

	a.router.Route("/api/v1", func(r chi.Router) {
		httpcontroller.NewWebhookHandler(a.dispatcher).RegisterRoutes(r)
		httpcontroller.NewTenantHandler(a.repos.switcher, a.threading, a.participants, a.orchestrator).RegisterRoutes(r)
	})
}

// healthHandler handles liveness checks
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{"status": "ok"})
}

// readyHandler reports whether the database and channel layer answer
func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			a.logger.Warn("readiness: database unavailable", "error", err)
			response.ServiceUnavailable(w, "database unavailable")
			return
		}
	}
	if err := a.layer.Ping(ctx); err != nil {
		a.logger.Warn("readiness: channel layer unavailable", "error", err)
		response.ServiceUnavailable(w, "channel layer unavailable")
		return
	}
	response.OK(w, map[string]string{"status": "ready"})
}

// Run starts the application and blocks until shutdown signal
func (a *App) Run(ctx context.Context) error {
	workersCtx, cancel := context.WithCancel(ctx)
	a.workersCancel = cancel

	if a.scheduler != nil {
		a.scheduler.Start(workersCtx)
	}

	if a.consumer != nil {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			if err := a.consumer.Run(workersCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("task consumer stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server", "addr", a.cfg.Server.Address())
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("context cancelled")
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down...")

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.workersCancel != nil {
		a.workersCancel()
	}
	a.workers.Wait()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down HTTP server: %w", err))
	}
	if err := a.closeInfrastructure(); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// closeInfrastructure releases connections in reverse order of creation
func (a *App) closeInfrastructure() error {
	var errs []error
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing consumer: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing publisher: %w", err))
		}
	}
	if a.layer != nil {
		if err := a.layer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing channel layer: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
