package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	jobsrepo "github.com/yungbote/downdeck-backend/internal/data/repos/jobs"
	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/http/response"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

var (
	errBadStatus = errors.New("unknown status filter")
	errBadKind   = errors.New("unknown kind filter")
)

// Core is the orchestrator surface the HTTP layer drives.
type Core interface {
	Submit(ctx context.Context, req *types.SubmitRequest) (*types.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*types.Job, error)
	List(ctx context.Context, f jobsrepo.Filter) ([]*types.Job, int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID) error
	Pause(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context, from, to string) ([]*types.DailyStat, error)
	Counts(ctx context.Context) (map[types.JobStatus]int64, error)
	Depth(ctx context.Context) (map[types.QueueState]int64, error)
}

type JobsHandler struct {
	core Core
}

func NewJobsHandler(core Core) *JobsHandler {
	return &JobsHandler{core: core}
}

// POST /api/jobs
func (h *JobsHandler) Submit(c *gin.Context) {
	var req types.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), err)
		return
	}
	job, err := h.core.Submit(c.Request.Context(), &req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"jobId": job.ID, "job": job})
}

// GET /api/jobs
func (h *JobsHandler) List(c *gin.Context) {
	f := jobsrepo.Filter{
		Search: c.Query("q"),
		Limit:  intQuery(c, "limit", defaultListLimit),
		Offset: intQuery(c, "offset", 0),
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = defaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if raw := c.Query("status"); raw != "" {
		status := types.JobStatus(raw)
		if !status.Valid() {
			response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), errBadStatus)
			return
		}
		f.Status = status
	}
	if raw := c.Query("kind"); raw != "" {
		kind := types.JobKind(raw)
		if !kind.Valid() {
			response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), errBadKind)
			return
		}
		f.Kind = kind
	}

	jobs, total, err := h.core.List(c.Request.Context(), f)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs, "total": total})
}

// GET /api/jobs/:id
func (h *JobsHandler) Get(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := h.core.Get(c.Request.Context(), id)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// DELETE /api/jobs/:id
func (h *JobsHandler) Delete(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	if err := h.core.Delete(c.Request.Context(), id); err != nil {
		response.Fail(c, err)
		return
	}
	response.RespondOK(c, gin.H{"ok": true})
}

// POST /api/jobs/:id/cancel
func (h *JobsHandler) Cancel(c *gin.Context) {
	h.control(c, h.core.Cancel)
}

// POST /api/jobs/:id/pause
func (h *JobsHandler) Pause(c *gin.Context) {
	h.control(c, h.core.Pause)
}

// POST /api/jobs/:id/resume
func (h *JobsHandler) Resume(c *gin.Context) {
	h.control(c, h.core.Resume)
}

// POST /api/jobs/:id/retry
func (h *JobsHandler) Retry(c *gin.Context) {
	h.control(c, h.core.Retry)
}

// control runs one lifecycle operation and echoes the resulting row.
func (h *JobsHandler) control(c *gin.Context, op func(context.Context, uuid.UUID) error) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	if err := op(c.Request.Context(), id); err != nil {
		response.Fail(c, err)
		return
	}
	job, err := h.core.Get(c.Request.Context(), id)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /api/stats
func (h *JobsHandler) Stats(c *gin.Context) {
	stats, err := h.core.Stats(c.Request.Context(), c.Query("from"), c.Query("to"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.RespondOK(c, gin.H{"stats": stats})
}

func jobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), err)
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
