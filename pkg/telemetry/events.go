package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable state change of a managed package or switcher.
type Event struct {
	ID         string                 `json:"id" yaml:"id"`
	Timestamp  time.Time              `json:"timestamp" yaml:"timestamp"`
	Type       string                 `json:"type" yaml:"type"`
	RunID      string                 `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	ResourceID string                 `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	Message    string                 `json:"message" yaml:"message"`
	Level      string                 `json:"level" yaml:"level"`
	Data       map[string]interface{} `json:"data,omitempty" yaml:"data,omitempty"`
}

// Event types.
const (
	EventTypeInstalled       = "package.installed"
	EventTypeUninstalled     = "package.uninstalled"
	EventTypeSettingsApplied = "package.settings_applied"
	EventTypeDriftDetected   = "drift.detected"
	EventTypeSelected        = "eselect.selected"
	EventTypePolicyDenied    = "policy.denied"
	EventTypeFlagConflict    = "flags.conflict"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles published events.
type EventSubscriber func(event Event)

// EventPublisher fans events out to subscribers, either inline or from a
// single background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []EventSubscriber
	mu          sync.RWMutex
	closed      bool
	wg          sync.WaitGroup
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg}
	if cfg.Enabled && cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.process()
	}
	return ep
}

// Subscribe registers a subscriber for all future events.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriber)
}

// Publish stamps and delivers an event. In async mode a full buffer drops
// the event and reports an error.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.buffer == nil {
		ep.deliver(event)
		return nil
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return fmt.Errorf("event publisher stopped, dropped %s", event.Type)
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s", event.Type)
	}
}

// PublishPackage publishes an event about a package resource.
func (ep *EventPublisher) PublishPackage(eventType, resourceID, atom, message string) error {
	return ep.Publish(Event{
		Type:       eventType,
		ResourceID: resourceID,
		Message:    message,
		Data:       map[string]interface{}{"package": atom},
	})
}

// PublishDrift publishes a drift event naming the fields that differ.
func (ep *EventPublisher) PublishDrift(resourceID string, fields []string) error {
	return ep.Publish(Event{
		Type:       EventTypeDriftDetected,
		ResourceID: resourceID,
		Level:      EventLevelWarning,
		Message:    fmt.Sprintf("%d field(s) out of sync", len(fields)),
		Data:       map[string]interface{}{"fields": fields},
	})
}

func (ep *EventPublisher) process() {
	defer ep.wg.Done()
	for event := range ep.buffer {
		ep.deliver(event)
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subscribers {
		s(event)
	}
}

// Shutdown drains queued events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep.buffer == nil {
		return nil
	}
	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.buffer)
	}
	ep.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}
