package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/downdeck-backend/internal/http/response"
	"github.com/yungbote/downdeck-backend/internal/realtime"
)

type HealthHandler struct {
	db   *gorm.DB
	hub  *realtime.Hub
	core Core
}

func NewHealthHandler(db *gorm.DB, hub *realtime.Hub, core Core) *HealthHandler {
	return &HealthHandler{db: db, hub: hub, core: core}
}

// GET /healthz
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
		return
	}

	body := gin.H{
		"status":      "ok",
		"db":          "up",
		"subscribers": h.hub.SubscriberCount(),
	}
	if counts, err := h.core.Counts(c.Request.Context()); err == nil {
		body["jobs"] = counts
	}
	if depth, err := h.core.Depth(c.Request.Context()); err == nil {
		body["queue"] = depth
	}
	response.RespondOK(c, body)
}
