package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/downdeck-backend/internal/http/handlers"
	httpMW "github.com/yungbote/downdeck-backend/internal/http/middleware"
	"github.com/yungbote/downdeck-backend/internal/observability"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	JobsHandler   *httpH.JobsHandler
	EventsHandler *httpH.EventsHandler
	WorkerHandler *httpH.WorkerHandler
	FilesHandler  *httpH.FilesHandler
	HealthHandler *httpH.HealthHandler

	AllowedOrigins []string
	APIKey         string
	WorkerToken    string
	Tracing        bool
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS(cfg.AllowedOrigins))
	if cfg.Tracing {
		r.Use(otelgin.Middleware("downdeck"))
	}

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}
	r.GET("/metrics", func(c *gin.Context) {
		observability.Current().WriteHTTP(c.Writer, c.Request)
	})

	// Worker ingest carries its own token; it sits outside the API-key group.
	if cfg.WorkerHandler != nil {
		worker := r.Group("/api/worker")
		worker.Use(httpMW.WorkerToken(cfg.WorkerToken))
		worker.POST("/events", cfg.WorkerHandler.Ingest)
	}

	api := r.Group("/api")
	api.Use(httpMW.APIKeyGuard(cfg.APIKey))
	{
		if cfg.JobsHandler != nil {
			api.POST("/jobs", cfg.JobsHandler.Submit)
			api.GET("/jobs", cfg.JobsHandler.List)
			api.GET("/jobs/:id", cfg.JobsHandler.Get)
			api.DELETE("/jobs/:id", cfg.JobsHandler.Delete)
			api.POST("/jobs/:id/cancel", cfg.JobsHandler.Cancel)
			api.POST("/jobs/:id/pause", cfg.JobsHandler.Pause)
			api.POST("/jobs/:id/resume", cfg.JobsHandler.Resume)
			api.POST("/jobs/:id/retry", cfg.JobsHandler.Retry)
			api.GET("/stats", cfg.JobsHandler.Stats)
		}

		if cfg.EventsHandler != nil {
			api.GET("/events", cfg.EventsHandler.Stream)
			api.POST("/events/:clientID/join", cfg.EventsHandler.Join)
			api.POST("/events/:clientID/leave", cfg.EventsHandler.Leave)
		}

		if cfg.FilesHandler != nil {
			api.GET("/files/:id", cfg.FilesHandler.Download)
		}
	}

	return r
}
