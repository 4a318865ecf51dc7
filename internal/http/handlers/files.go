package handlers

import (
	"errors"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/http/response"
)

var errNoArtifact = errors.New("job has no downloadable artifact")

type FilesHandler struct {
	core Core
}

func NewFilesHandler(core Core) *FilesHandler {
	return &FilesHandler{core: core}
}

// GET /api/files/:id streams a completed job's artifact.
func (h *FilesHandler) Download(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := h.core.Get(c.Request.Context(), id)
	if err != nil {
		response.Fail(c, err)
		return
	}
	if job.Status != types.StatusCompleted || job.OutputPath == "" {
		response.RespondError(c, http.StatusConflict, string(types.CodeIllegalTransition), errNoArtifact)
		return
	}
	if _, err := os.Stat(job.OutputPath); err != nil {
		response.RespondError(c, http.StatusNotFound, string(types.CodeNotFound), err)
		return
	}
	c.FileAttachment(job.OutputPath, job.Filename)
}
