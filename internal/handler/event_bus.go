// internal/handler/event_bus.go
package handler

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"instrument-service/internal/discovery"
	"instrument-service/internal/model"
)

const (
	eventQueueSize      = 1000
	subscriberQueueSize = 100
)

// EventBus fans service and discovery events out to subscribers. Publish
// never blocks: events are dropped when the queue or a subscriber is full.
type EventBus struct {
	subscribers map[string]chan *model.InstrumentEvent
	events      chan *model.InstrumentEvent
	mutex       sync.RWMutex
	logger      *zap.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string]chan *model.InstrumentEvent),
		events:      make(chan *model.InstrumentEvent, eventQueueSize),
		logger:      logger.With(zap.String("component", "event-bus")),
	}
}

// Start distributes events until ctx is done, then closes every subscriber
// channel
func (eb *EventBus) Start(ctx context.Context) {
	defer eb.closeSubscribers()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eb.events:
			eb.distributeEvent(event)
		}
	}
}

// Publish queues an event for distribution
func (eb *EventBus) Publish(event *model.InstrumentEvent) {
	select {
	case eb.events <- event:
	default:
		eb.logger.Warn("Event bus full, dropping event", zap.String("event_type", string(event.EventType)))
	}
}

// Subscribe registers a subscriber. The channel is closed by Unsubscribe or
// when the bus stops.
func (eb *EventBus) Subscribe(id string) <-chan *model.InstrumentEvent {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if old, ok := eb.subscribers[id]; ok {
		close(old)
	}
	subscriber := make(chan *model.InstrumentEvent, subscriberQueueSize)
	eb.subscribers[id] = subscriber
	return subscriber
}

// Unsubscribe removes a subscriber and closes its channel
func (eb *EventBus) Unsubscribe(id string) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if subscriber, ok := eb.subscribers[id]; ok {
		delete(eb.subscribers, id)
		close(subscriber)
	}
}

// SubscriberCount returns the number of subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()
	return len(eb.subscribers)
}

// OnDiscoveryEvent forwards engine diagnostics onto the bus
func (eb *EventBus) OnDiscoveryEvent(e discovery.Event) {
	data := model.JSONObject{
		"phase":   string(e.Phase),
		"address": e.Address,
	}
	switch e.Kind {
	case discovery.EventCandidateBusy, discovery.EventCandidateRejected, discovery.EventCandidateMatched:
		data["outcome"] = e.Outcome.String()
	}
	if e.Target != "" {
		data["target"] = e.Target
	}
	if e.Speed > 0 {
		data["speed"] = e.Speed
	}
	if e.DeviceID != "" {
		data["device_id"] = e.DeviceID
	}
	if e.Reason != "" {
		data["reason"] = e.Reason
	}
	if e.Err != nil {
		data["error"] = e.Err.Error()
	}

	eventType, severity := discoveryEventType(e.Kind)
	event := model.NewInstrumentEvent(eventType, "discovery", severity, data)
	event.Model = e.Model
	if !e.Time.IsZero() {
		event.Timestamp = e.Time
	}
	eb.Publish(event)
}

func discoveryEventType(kind discovery.EventKind) (model.EventType, string) {
	switch kind {
	case discovery.EventCandidateBusy:
		return model.EventCandidateBusy, "DEBUG"
	case discovery.EventCandidateRejected:
		return model.EventCandidateRejected, "DEBUG"
	case discovery.EventCandidateMatched:
		return model.EventCandidateMatched, "INFO"
	case discovery.EventDiscoveryFailed:
		return model.EventDiscoveryFailed, "WARNING"
	default:
		return model.EventCandidateTried, "DEBUG"
	}
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event *model.InstrumentEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for id, subscriber := range eb.subscribers {
		select {
		case subscriber <- event:
		default:
			eb.logger.Debug("Subscriber is slow, skipping event",
				zap.String("subscriber", id),
				zap.String("event_type", string(event.EventType)),
			)
		}
	}
}

func (eb *EventBus) closeSubscribers() {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	for id, subscriber := range eb.subscribers {
		close(subscriber)
		delete(eb.subscribers, id)
	}
}

// NewSubscriberID returns a unique subscriber id
func NewSubscriberID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
