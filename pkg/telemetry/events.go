package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notification about something that happened to the layout state.
// The API server streams these to browser clients.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Key       string                 `json:"key,omitempty"`
	Document  string                 `json:"document,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeLayoutChanged       = "layout.changed"
	EventTypeConfigLoaded        = "config.loaded"
	EventTypeConfigReloaded      = "config.reloaded"
	EventTypeConfigSaveFailed    = "config.save_failed"
	EventTypeDocumentSelected    = "document.selected"
	EventTypeDocumentUploaded    = "document.uploaded"
	EventTypeGenerationCompleted = "generation.completed"
	EventTypeGenerationFailed    = "generation.failed"
	EventTypePolicyDenied        = "policy.denied"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events. It must not block.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers map[uint64]subscriberEntry
	nextID      uint64
	filters     []EventFilter
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
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make(map[uint64]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
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
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishLayoutChanged publishes a selection or ordering change.
func (ep *EventPublisher) PublishLayoutChanged(kind, key string) error {
	return ep.Publish(Event{
		Type:    EventTypeLayoutChanged,
		Source:  "session",
		Key:     key,
		Message: fmt.Sprintf("Layout changed: %s %s", kind, key),
		Data: map[string]interface{}{
			"kind": kind,
		},
	})
}

// PublishConfigLoaded publishes the outcome of a config load.
func (ep *EventPublisher) PublishConfigLoaded(source string, dropped []string) error {
	level := EventLevelInfo
	if source != "store" && source != "defaults" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeConfigLoaded,
		Source:  "configsync",
		Message: fmt.Sprintf("Config loaded from %s", source),
		Level:   level,
		Data: map[string]interface{}{
			"source":  source,
			"dropped": dropped,
		},
	})
}

// PublishConfigReloaded publishes a reload caused by an external edit.
func (ep *EventPublisher) PublishConfigReloaded(origin string) error {
	return ep.Publish(Event{
		Type:    EventTypeConfigReloaded,
		Source:  "configsync",
		Message: fmt.Sprintf("Config reloaded from %s", origin),
	})
}

// PublishSaveFailed publishes a failed background save.
func (ep *EventPublisher) PublishSaveFailed(revision uint64, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeConfigSaveFailed,
		Source:  "configsync",
		Message: fmt.Sprintf("Config save %d failed: %s", revision, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"revision": revision,
		},
	})
}

// PublishDocumentSelected publishes a change of the selected document.
func (ep *EventPublisher) PublishDocumentSelected(document string) error {
	return ep.Publish(Event{
		Type:     EventTypeDocumentSelected,
		Source:   "session",
		Document: document,
		Message:  fmt.Sprintf("Document selected: %s", document),
	})
}

// PublishDocumentUploaded publishes a stored upload.
func (ep *EventPublisher) PublishDocumentUploaded(document string, size int64) error {
	return ep.Publish(Event{
		Type:     EventTypeDocumentUploaded,
		Source:   "documents",
		Document: document,
		Message:  fmt.Sprintf("Document uploaded: %s", document),
		Data: map[string]interface{}{
			"size": size,
		},
	})
}

// PublishGeneration publishes the outcome of a generate or preview call.
func (ep *EventPublisher) PublishGeneration(mode, document, output string, err error) error {
	if err != nil {
		return ep.Publish(Event{
			Type:     EventTypeGenerationFailed,
			Source:   "documents",
			Document: document,
			Message:  fmt.Sprintf("%s failed for %s: %v", mode, document, err),
			Level:    EventLevelError,
			Data: map[string]interface{}{
				"mode": mode,
			},
		})
	}
	return ep.Publish(Event{
		Type:     EventTypeGenerationCompleted,
		Source:   "documents",
		Document: document,
		Message:  fmt.Sprintf("%s completed for %s", mode, document),
		Data: map[string]interface{}{
			"mode":   mode,
			"output": output,
		},
	})
}

// PublishPolicyDenied publishes a generation request rejected by policy.
func (ep *EventPublisher) PublishPolicyDenied(policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyDenied,
		Source:  "policy",
		Message: fmt.Sprintf("Denied by %s: %s", policyName, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a subscriber and returns a function that removes it.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	if ep == nil || !ep.config.Enabled {
		return func() {}
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := ep.nextID
	ep.nextID++
	ep.subscribers[id] = subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	}

	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		delete(ep.subscribers, id)
	}
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer in batches and delivers in publish order.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
		drain:
			for len(batch) < ep.config.MaxBatchSize {
				select {
				case next := <-ep.buffer:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			ep.flushBatch(batch)
			batch = batch[:0]

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

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
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

// Shutdown stops the publisher after delivering buffered events.
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

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
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
