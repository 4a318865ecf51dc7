package realtime

import (
	"context"

	"github.com/google/uuid"

	types "github.com/yungbote/downdeck-backend/internal/domain"
	"github.com/yungbote/downdeck-backend/internal/platform/logger"
	"github.com/yungbote/downdeck-backend/internal/realtime/bus"
)

// Relay publishes to the local hub and mirrors every event onto the shared
// bus, while forwarding remote instances' events into the hub. With no bus
// configured it degrades to plain local fanout.
type Relay struct {
	hub    *Hub
	bus    bus.Bus
	origin string
	log    *logger.Logger
}

func NewRelay(log *logger.Logger, hub *Hub, b bus.Bus) *Relay {
	return &Relay{
		hub:    hub,
		bus:    b,
		origin: uuid.NewString(),
		log:    log.With("component", "Relay"),
	}
}

// Start begins consuming remote events. No-op without a bus.
func (r *Relay) Start(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	return r.bus.StartForwarder(ctx, func(env bus.Envelope) {
		if env.Origin == r.origin {
			return
		}
		r.inject(env.Event)
	})
}

func (r *Relay) Publish(room string, eventType string, payload interface{}) {
	r.hub.Publish(room, eventType, payload)
	r.mirror(types.Event{Type: eventType, Room: room, Payload: payload})
}

func (r *Relay) Broadcast(eventType string, payload interface{}) {
	r.hub.Broadcast(eventType, payload)
	r.mirror(types.Event{Type: eventType, Payload: payload})
}

func (r *Relay) mirror(evt types.Event) {
	if r.bus == nil {
		return
	}
	// Mirroring is best-effort; local subscribers were already served.
	if err := r.bus.Publish(context.Background(), bus.Envelope{Origin: r.origin, Event: evt}); err != nil {
		r.log.Warn("failed to mirror event to bus", "error", err, "type", evt.Type)
	}
}

func (r *Relay) inject(evt types.Event) {
	if evt.Room != "" {
		r.hub.Publish(evt.Room, evt.Type, evt.Payload)
		return
	}
	r.hub.Broadcast(evt.Type, evt.Payload)
}

func (r *Relay) Close() error {
	if r.bus == nil {
		return nil
	}
	return r.bus.Close()
}
