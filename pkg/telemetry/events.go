package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents an observability event emitted by a proxy.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the emitting component (scheduler, handoff, ...).
	Source string `json:"source"`

	// ObjectPath is the remote object the event concerns.
	ObjectPath string `json:"object_path,omitempty"`

	// Feature is the associated feature, if applicable.
	Feature string `json:"feature,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for proxy events.
const (
	EventTypeFeatureStatusChanged = "feature.status_changed"
	EventTypeReadinessCompleted   = "readiness.completed"
	EventTypeReadinessFailed      = "readiness.failed"
	EventTypePropertyChanged      = "property.changed"
	EventTypeConnectionBuilt      = "connection.built"
	EventTypeConnectionFailed     = "connection.failed"
	EventTypeConnectionDropped    = "connection.dropped"
	EventTypeCapabilitiesChanged  = "capabilities.changed"
	EventTypeProxyRemoved         = "proxy.removed"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
//
// In async mode events are buffered and delivered from a single goroutine,
// so publishers never block. Subscribers always see events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		subscribers: make([]subscriberEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			cancel()
			return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishFeatureStatus publishes a feature status transition.
func (ep *EventPublisher) PublishFeatureStatus(objectPath, feature, from, to string, err error) error {
	level := EventLevelInfo
	data := map[string]interface{}{
		"from": from,
		"to":   to,
	}
	if err != nil {
		level = EventLevelWarning
		data["error"] = err.Error()
	}
	return ep.Publish(Event{
		Type:       EventTypeFeatureStatusChanged,
		Source:     "scheduler",
		ObjectPath: objectPath,
		Feature:    feature,
		Message:    fmt.Sprintf("Feature %s: %s -> %s", feature, from, to),
		Level:      level,
		Data:       data,
	})
}

// PublishReadiness publishes the outcome of a readiness request.
func (ep *EventPublisher) PublishReadiness(objectPath, requestID string, features []string, err error, duration time.Duration) error {
	event := Event{
		Type:       EventTypeReadinessCompleted,
		Source:     "scheduler",
		ObjectPath: objectPath,
		Message:    fmt.Sprintf("Readiness request %s completed", requestID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"request_id": requestID,
			"features":   features,
			"duration":   duration.Seconds(),
		},
	}
	if err != nil {
		event.Type = EventTypeReadinessFailed
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("Readiness request %s failed: %v", requestID, err)
		event.Data["error"] = err.Error()
	}
	return ep.Publish(event)
}

// PublishPropertyChanged publishes a property change.
func (ep *EventPublisher) PublishPropertyChanged(objectPath, name, kind string, value interface{}) error {
	return ep.Publish(Event{
		Type:       EventTypePropertyChanged,
		Source:     "properties",
		ObjectPath: objectPath,
		Message:    fmt.Sprintf("Property %s changed", name),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"name":  name,
			"kind":  kind,
			"value": value,
		},
	})
}

// PublishConnectionBuilt publishes a successful connection handoff.
func (ep *EventPublisher) PublishConnectionBuilt(objectPath, target string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:       EventTypeConnectionBuilt,
		Source:     "handoff",
		ObjectPath: objectPath,
		Message:    fmt.Sprintf("Connection %s built", target),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"target":   target,
			"duration": duration.Seconds(),
		},
	})
}

// PublishConnectionFailed publishes a failed connection build.
func (ep *EventPublisher) PublishConnectionFailed(objectPath, target string, err error) error {
	return ep.Publish(Event{
		Type:       EventTypeConnectionFailed,
		Source:     "handoff",
		ObjectPath: objectPath,
		Message:    fmt.Sprintf("Connection %s failed to build: %v", target, err),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"target": target,
			"error":  err.Error(),
		},
	})
}

// PublishConnectionDropped publishes the release of the live connection.
func (ep *EventPublisher) PublishConnectionDropped(objectPath, previous string) error {
	return ep.Publish(Event{
		Type:       EventTypeConnectionDropped,
		Source:     "handoff",
		ObjectPath: objectPath,
		Message:    fmt.Sprintf("Connection %s dropped", previous),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"previous": previous,
		},
	})
}

// PublishCapabilitiesChanged publishes a change of effective capabilities.
func (ep *EventPublisher) PublishCapabilitiesChanged(objectPath string, classes []string) error {
	return ep.Publish(Event{
		Type:       EventTypeCapabilitiesChanged,
		Source:     "capabilities",
		ObjectPath: objectPath,
		Message:    fmt.Sprintf("Effective capabilities changed (%d classes)", len(classes)),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"classes": classes,
		},
	})
}

// PublishProxyRemoved publishes the removal of the remote object.
func (ep *EventPublisher) PublishProxyRemoved(objectPath string) error {
	return ep.Publish(Event{
		Type:       EventTypeProxyRemoved,
		Source:     "account",
		ObjectPath: objectPath,
		Message:    fmt.Sprintf("Remote object %s removed", objectPath),
		Level:      EventLevelWarning,
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers, in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, len(ep.subscribers))
	copy(entries, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// eventLevels orders event levels by severity.
var eventLevels = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// ValidEventLevel reports whether level is info, warning or error.
func ValidEventLevel(level string) bool {
	_, ok := eventLevels[level]
	return ok
}

// ValidEventType reports whether typ is one of the EventType constants.
func ValidEventType(typ string) bool {
	switch typ {
	case EventTypeFeatureStatusChanged, EventTypeReadinessCompleted, EventTypeReadinessFailed,
		EventTypePropertyChanged, EventTypeConnectionBuilt, EventTypeConnectionFailed,
		EventTypeConnectionDropped, EventTypeCapabilitiesChanged, EventTypeProxyRemoved:
		return true
	}
	return false
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	min := eventLevels[minLevel]
	return func(event Event) bool {
		return eventLevels[event.Level] >= min
	}
}

// FilterByType passes events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// AllOf passes events that every non-nil filter passes. With no filters it
// returns nil, which subscribes to everything.
func AllOf(filters ...EventFilter) EventFilter {
	var active []EventFilter
	for _, f := range filters {
		if f != nil {
			active = append(active, f)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(event Event) bool {
		for _, f := range active {
			if !f(event) {
				return false
			}
		}
		return true
	}
}
