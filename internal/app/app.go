package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/data/db"
	"github.com/telopea-platform/compliance-backend/internal/http"
	"github.com/telopea-platform/compliance-backend/internal/observability"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
	"github.com/telopea-platform/compliance-backend/internal/realtime"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Server   *http.Server
	Cfg      Config
	Repos    Repos
	Services Services
	Clients  Clients
	SSEHub   *realtime.SSEHub

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	observability.Init(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	clients, err := wireClients(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	sseHub := realtime.NewSSEHub(log)

	reposet := wireRepos(theDB, log)

	serviceset, err := wireServices(theDB, log, cfg, reposet, sseHub, clients)
	if err != nil {
		clients.Close()
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(theDB, log, serviceset, sseHub)
	middleware := wireMiddleware(log, serviceset)
	server := wireRouter(log, handlerset, middleware)

	return &App{
		Log:      log,
		DB:       theDB,
		Server:   server,
		Cfg:      cfg,
		Repos:    reposet,
		Services: serviceset,
		Clients:  clients,
		SSEHub:   sseHub,
	}, nil
}

// Start launches background pieces: traces, metric collectors, the seed
// admin, the worker pool, the sweep scheduler and the SSE forwarder.
// The API listener itself starts in Run.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.otelShutdown = observability.InitOTel(ctx, a.Log, observability.OtelConfig{
		ServiceName: "compliance-backend",
		Environment: a.Cfg.Environment,
		Version:     a.Cfg.Version,
	})

	if err := a.Services.Auth.EnsureSeedAdmin(ctx); err != nil {
		return fmt.Errorf("ensure seed admin: %w", err)
	}

	if metrics := observability.Current(); metrics != nil {
		metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
		metrics.StartSLOEvaluator(ctx, a.Log)
		metrics.StartPostgresCollector(ctx, a.Log, a.DB)
		metrics.StartJobQueueCollector(ctx, a.Log, a.DB)
		if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
			metrics.StartRedisCollector(ctx, a.Log, addr)
		}
	}

	if a.Services.JobWorker != nil {
		a.Services.JobWorker.Start(ctx)
	}
	if a.Services.JobScheduler != nil {
		a.Services.JobScheduler.Start(ctx)
	}

	// API processes pull worker-published events off Redis into the
	// local hub so SSE clients see progress regardless of which process
	// ran the job.
	if a.Services.RunServer && a.Clients.SSEBus != nil {
		if err := a.Clients.SSEBus.StartForwarder(ctx, a.SSEHub.Broadcast); err != nil {
			a.Log.Warn("SSE forwarder failed to start", "error", err)
		}
	}

	return nil
}

func (a *App) Run(addr string) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	if !a.Services.RunServer {
		// Worker-only process: no API listener, block until shutdown.
		a.Log.Info("running in worker-only mode")
		select {}
	}
	return a.Server.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(shutdownCtx)
		cancel()
		a.otelShutdown = nil
	}
	a.Clients.Close()
	if a.Log != nil {
		a.Log.Sync()
	}
}
