package handlers

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/http/response"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
	"github.com/yungbote/downdeck-backend/internal/realtime"
)

var errUnknownClient = errors.New("unknown event client")

// EventsHandler owns the SSE surface: one stream per client plus the
// join/leave room controls. Clients are keyed by the subscriber ID, which
// the stream announces in its first event.
type EventsHandler struct {
	hub *realtime.Hub
	log *logger.Logger

	mu      sync.Mutex
	clients map[uuid.UUID]*realtime.Subscriber
}

func NewEventsHandler(hub *realtime.Hub, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		hub:     hub,
		log:     log.With("component", "EventsHandler"),
		clients: make(map[uuid.UUID]*realtime.Subscriber),
	}
}

// GET /api/events?jobs=<id,id>
func (h *EventsHandler) Stream(c *gin.Context) {
	rooms, err := roomsFromQuery(c.Query("jobs"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), err)
		return
	}

	sub := h.hub.Subscribe(rooms...)
	h.mu.Lock()
	h.clients[sub.ID] = sub
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, sub.ID)
		h.mu.Unlock()
		h.hub.Unsubscribe(sub)
	}()

	// First event carries the client ID the join/leave endpoints need.
	sub.Events <- types.Event{Type: "hello", Payload: gin.H{"clientId": sub.ID}}

	h.hub.ServeSSE(c.Writer, c.Request, sub)
}

// POST /api/events/:clientID/join
func (h *EventsHandler) Join(c *gin.Context) {
	h.roomControl(c, h.hub.Join)
}

// POST /api/events/:clientID/leave
func (h *EventsHandler) Leave(c *gin.Context) {
	h.roomControl(c, h.hub.Leave)
}

func (h *EventsHandler) roomControl(c *gin.Context, op func(*realtime.Subscriber, string)) {
	clientID, err := uuid.Parse(c.Param("clientID"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), err)
		return
	}
	var body struct {
		JobID uuid.UUID `json:"jobId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.JobID == uuid.Nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeInvalidInput), errors.New("jobId required"))
		return
	}

	h.mu.Lock()
	sub, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		response.RespondError(c, http.StatusNotFound, string(types.CodeNotFound), errUnknownClient)
		return
	}

	room := types.RoomForJob(body.JobID)
	op(sub, room)
	response.RespondOK(c, gin.H{"ok": true, "room": room})
}

func roomsFromQuery(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var rooms []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, types.RoomForJob(id))
	}
	return rooms, nil
}
