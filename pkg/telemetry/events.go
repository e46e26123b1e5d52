package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a rule lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Rule is the rule the event concerns, if any.
	Rule string `json:"rule,omitempty"`

	// Path is the manifest or file path the event concerns, if any.
	Path string `json:"path,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`
}

// Event types.
const (
	EventTypeRuleLoaded   = "rule.loaded"
	EventTypeRuleUnloaded = "rule.unloaded"
	EventTypeRuleReloaded = "rule.reloaded"
	EventTypeRuleFailed   = "rule.failed"
	EventTypeFileLinted   = "file.linted"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if a subscriber receives an event.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers in publication order from a
// single goroutine. A nil *EventPublisher drops everything.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates an event publisher.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}
	}

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
	}
	ep.wg.Add(1)
	go ep.processEvents()
	return ep
}

// Publish queues an event. It blocks when the buffer is full.
func (ep *EventPublisher) Publish(event Event) {
	if ep == nil || ep.buffer == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}
	ep.buffer <- event
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for event := range ep.buffer {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Close delivers queued events and stops the publisher. Publishing after
// Close panics.
func (ep *EventPublisher) Close() {
	if ep == nil || ep.buffer == nil {
		return
	}
	ep.closeOnce.Do(func() {
		close(ep.buffer)
	})
	ep.wg.Wait()
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRule creates a filter that only allows events for one rule.
func FilterByRule(rule string) EventFilter {
	return func(event Event) bool {
		return event.Rule == rule
	}
}
