package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/http/response"
)

// EventIngest is the pipeline surface the worker channel feeds.
type EventIngest interface {
	OnProgress(evt types.ProgressEvent)
	OnLog(evt types.LogEvent)
	OnCompleted(evt types.CompletedEvent) error
	OnFailed(evt types.FailedEvent) error
	OnJobUpdate(evt types.JobUpdateEvent)
}

// workerEnvelope is one event from a split worker process. Payload shape
// is fixed by Type.
type workerEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type WorkerHandler struct {
	pipeline EventIngest
}

func NewWorkerHandler(pipeline EventIngest) *WorkerHandler {
	return &WorkerHandler{pipeline: pipeline}
}

// POST /api/worker/events
func (h *WorkerHandler) Ingest(c *gin.Context) {
	var env workerEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), err)
		return
	}

	switch env.Type {
	case types.EventProgress:
		var evt types.ProgressEvent
		if err := decodePayload(env.Payload, &evt); err != nil {
			response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), err)
			return
		}
		h.pipeline.OnProgress(evt)

	case types.EventLog:
		var evt types.LogEvent
		if err := decodePayload(env.Payload, &evt); err != nil {
			response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), err)
			return
		}
		h.pipeline.OnLog(evt)

	case types.EventCompleted:
		var evt types.CompletedEvent
		if err := decodePayload(env.Payload, &evt); err != nil {
			response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), err)
			return
		}
		if err := h.pipeline.OnCompleted(evt); err != nil {
			response.Fail(c, err)
			return
		}

	case types.EventFailed:
		var evt types.FailedEvent
		if err := decodePayload(env.Payload, &evt); err != nil {
			response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), err)
			return
		}
		if err := h.pipeline.OnFailed(evt); err != nil {
			response.Fail(c, err)
			return
		}

	case types.EventJobUpdate:
		var evt types.JobUpdateEvent
		if err := decodePayload(env.Payload, &evt); err != nil {
			response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), err)
			return
		}
		h.pipeline.OnJobUpdate(evt)

	default:
		response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput),
			fmt.Errorf("unknown event type %q", env.Type))
		return
	}

	response.RespondOK(c, gin.H{"ok": true})
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(raw, dst)
}
