package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/downdeck-backend/internal/adapters"
	"github.com/yungbote/downdeck-backend/internal/clients/aria2"
	"github.com/yungbote/downdeck-backend/internal/data/db"
	jobsrepo "github.com/yungbote/downdeck-backend/internal/data/repos/jobs"
	queuerepo "github.com/yungbote/downdeck-backend/internal/data/repos/queue"
	statsrepo "github.com/yungbote/downdeck-backend/internal/data/repos/stats"
	ddhttp "github.com/yungbote/downdeck-backend/internal/http"
	httpH "github.com/yungbote/downdeck-backend/internal/http/handlers"
	"github.com/yungbote/downdeck-backend/internal/observability"
	"github.com/yungbote/downdeck-backend/internal/orchestrator"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
	"github.com/yungbote/downdeck-backend/internal/progress"
	"github.com/yungbote/downdeck-backend/internal/queue"
	"github.com/yungbote/downdeck-backend/internal/realtime"
	"github.com/yungbote/downdeck-backend/internal/realtime/bus"
	"github.com/yungbote/downdeck-backend/internal/supervisor"
)

// App owns every long-lived component and their construction order.
type App struct {
	Log          *logger.Logger
	Cfg          Config
	DB           *db.Service
	Hub          *realtime.Hub
	Relay        *realtime.Relay
	Pipeline     *progress.Pipeline
	Broker       *queue.Broker
	Orchestrator *orchestrator.Orchestrator
	Server       *ddhttp.Server

	otelShutdown func(context.Context) error
}

func New() (*App, error) {
	logMode := os.Getenv("APP_ENV")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := LoadConfig(log)
	if err != nil {
		return nil, err
	}
	gin.SetMode(cfg.GinMode)

	observability.Init(log)
	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "downdeck",
		Environment: cfg.AppEnv,
	})

	dbSvc, err := db.New(log, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrateAll(dbSvc.DB()); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	jobRepo := jobsrepo.NewJobRepo(dbSvc.DB(), log)
	itemRepo := queuerepo.NewItemRepo(dbSvc.DB(), log)
	dailyRepo := statsrepo.NewDailyRepo(dbSvc.DB(), log)

	hub := realtime.NewHub(log)
	var (
		publisher realtime.Publisher = hub
		relay     *realtime.Relay
	)
	if cfg.RedisAddr != "" {
		redisBus, err := bus.NewRedisBus(log, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			return nil, fmt.Errorf("init redis bus: %w", err)
		}
		relay = realtime.NewRelay(log, hub, redisBus)
		publisher = relay
	}

	pipeline := progress.NewPipeline(jobRepo, publisher, log, cfg.ProgressThrottle)

	broker := queue.NewBroker(itemRepo, log, queue.Config{
		Concurrency: cfg.Concurrency,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		Stale:       cfg.Stale,
	})

	var ariaClient aria2.Client
	if cfg.Aria2RPCURL != "" {
		ariaClient, err = aria2.NewClient(log, cfg.Aria2RPCURL, cfg.Aria2Secret)
		if err != nil {
			return nil, fmt.Errorf("init aria2 client: %w", err)
		}
	}
	registry := adapters.NewRegistry(adapters.Config{
		YtdlpPath:       cfg.YtdlpPath,
		FFmpegPath:      cfg.FFmpegPath,
		FFprobePath:     cfg.FFprobePath,
		TwmdPath:        cfg.TwmdPath,
		PinterestDLPath: cfg.PinterestDLPath,
	}, ariaClient)

	sup := supervisor.New(registry, pipeline, log, supervisor.Config{
		DataDir:    cfg.DataDir,
		TempDir:    cfg.TempDir,
		JobTimeout: cfg.JobTimeout,
		StallAfter: cfg.StallAfter,
	})

	orch := orchestrator.New(jobRepo, dailyRepo, broker, sup, pipeline, log)

	server := ddhttp.NewServer(ddhttp.RouterConfig{
		Log:            log,
		JobsHandler:    httpH.NewJobsHandler(orch),
		EventsHandler:  httpH.NewEventsHandler(hub, log),
		WorkerHandler:  httpH.NewWorkerHandler(pipeline),
		FilesHandler:   httpH.NewFilesHandler(orch),
		HealthHandler:  httpH.NewHealthHandler(dbSvc.DB(), hub, orch),
		AllowedOrigins: cfg.AllowedOrigins,
		APIKey:         cfg.APIKey,
		WorkerToken:    cfg.WorkerToken,
		Tracing:        otelShutdown != nil,
	})

	return &App{
		Log:          log,
		Cfg:          cfg,
		DB:           dbSvc,
		Hub:          hub,
		Relay:        relay,
		Pipeline:     pipeline,
		Broker:       broker,
		Orchestrator: orch,
		Server:       server,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the background machinery: the redis relay, the worker
// slots (after reconciliation), and the metrics collectors.
func (a *App) Start(ctx context.Context) error {
	if a.Relay != nil {
		if err := a.Relay.Start(ctx); err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
	}
	if err := a.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if m := observability.Current(); m != nil {
		m.StartJobQueueCollector(ctx, a.Log, a.DB.DB())
		m.StartDBStatsCollector(ctx, a.Log, a.DB.DB())
		m.StartRedisCollector(ctx, a.Log, a.Cfg.RedisAddr)
		m.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
	}
	return nil
}

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.Server.Run(ctx, fmt.Sprintf(":%d", a.Cfg.Port))
}

// Close tears down after the serve loop and workers have stopped.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Relay != nil {
		_ = a.Relay.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
	if a.otelShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(shutdownCtx)
		cancel()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
