package realtime

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/observability"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
)

// DefaultBufferSize bounds each subscriber's event queue. A subscriber that
// falls further behind loses its oldest events; publishers never wait.
const DefaultBufferSize = 256

// Publisher is the bus surface the progress pipeline publishes through.
// Hub implements it directly; Relay wraps it with cross-instance fanout.
type Publisher interface {
	Publish(room string, eventType string, payload interface{})
	Broadcast(eventType string, payload interface{})
}

type Subscriber struct {
	ID     uuid.UUID
	Events chan types.Event

	rooms map[string]bool
	done  chan struct{}
	once  sync.Once
}

// Done signals that the subscriber has been closed server-side.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

type Hub struct {
	mu      sync.RWMutex
	log     *logger.Logger
	rooms   map[string]map[*Subscriber]bool
	subs    map[*Subscriber]bool
	bufSize int
	dropped atomic.Uint64
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:     log.With("component", "Hub"),
		rooms:   make(map[string]map[*Subscriber]bool),
		subs:    make(map[*Subscriber]bool),
		bufSize: DefaultBufferSize,
	}
}

// Subscribe registers a new subscriber, optionally pre-joined to rooms.
func (h *Hub) Subscribe(rooms ...string) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.New(),
		Events: make(chan types.Event, h.bufSize),
		rooms:  make(map[string]bool),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub] = true
	h.mu.Unlock()

	for _, room := range rooms {
		h.Join(sub, room)
	}
	return sub
}

func (h *Hub) Join(sub *Subscriber, room string) {
	room = strings.TrimSpace(room)
	if room == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.subs[sub] {
		return
	}
	sub.rooms[room] = true
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Subscriber]bool)
		h.rooms[room] = members
	}
	members[sub] = true
	h.log.Debug("subscriber joined room", "subscriberID", sub.ID, "room", room)
}

func (h *Hub) Leave(sub *Subscriber, room string) {
	room = strings.TrimSpace(room)
	if room == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(sub.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.log.Debug("subscriber left room", "subscriberID", sub.ID, "room", room)
}

// Unsubscribe closes the subscriber exactly once. The Events channel is
// closed only after the subscriber is out of every room, so no publisher
// can be mid-send.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	sub.once.Do(func() {
		close(sub.done)
		h.mu.Lock()
		for room := range sub.rooms {
			if members, ok := h.rooms[room]; ok {
				delete(members, sub)
				if len(members) == 0 {
					delete(h.rooms, room)
				}
			}
		}
		sub.rooms = make(map[string]bool)
		delete(h.subs, sub)
		h.mu.Unlock()
		close(sub.Events)
	})
}

// Publish delivers to every current member of the room. Delivery is
// non-blocking: a full subscriber buffer sheds its oldest event to make
// space for the new one.
func (h *Hub) Publish(room string, eventType string, payload interface{}) {
	if strings.TrimSpace(room) == "" {
		return
	}
	evt := types.Event{Type: eventType, Room: room, Payload: payload, At: time.Now().UTC()}
	observability.Current().IncEventPublished()

	h.mu.RLock()
	defer h.mu.RUnlock()
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	for sub := range members {
		h.deliver(sub, evt)
	}
}

// Broadcast reaches every subscriber once, regardless of room membership.
func (h *Hub) Broadcast(eventType string, payload interface{}) {
	evt := types.Event{Type: eventType, Payload: payload, At: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		h.deliver(sub, evt)
	}
}

func (h *Hub) deliver(sub *Subscriber, evt types.Event) {
	select {
	case sub.Events <- evt:
		return
	default:
	}
	// Buffer full: shed the oldest queued event, then try once more.
	select {
	case <-sub.Events:
		h.dropped.Add(1)
		h.log.Debug("dropping oldest event for slow subscriber", "subscriberID", sub.ID, "room", evt.Room)
	default:
	}
	select {
	case sub.Events <- evt:
	default:
		h.dropped.Add(1)
	}
	observability.Current().SetEventsDropped(h.dropped.Load())
}

// Dropped reports how many events were shed for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// SubscriberCount is used by the health endpoint.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
