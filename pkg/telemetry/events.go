package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in hostkeeper.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies the emitting component (registry, discovery, tools, workflow, policy).
	Source string `json:"source"`

	RunID  string `json:"run_id,omitempty"`
	NodeID string `json:"node_id,omitempty"`
	Plugin string `json:"plugin,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypePluginRegistered   = "plugin.registered"
	EventTypePluginUnregistered = "plugin.unregistered"
	EventTypeDiscoverySkipped   = "discovery.skipped"
	EventTypeToolInvoked        = "tool.invoked"
	EventTypeWorkflowStarted    = "workflow.started"
	EventTypeNodeTransition     = "node.transition"
	EventTypeWorkflowFinished   = "workflow.finished"
	EventTypePolicyIntervention = "policy.intervention"
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
// A nil *EventPublisher drops every event.
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
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
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

// PublishPluginRegistered publishes a plugin registration event.
func (ep *EventPublisher) PublishPluginRegistered(plugin, kind string) error {
	return ep.Publish(Event{
		Type:    EventTypePluginRegistered,
		Source:  "registry",
		Plugin:  plugin,
		Message: fmt.Sprintf("Plugin %s registered", plugin),
		Data:    map[string]interface{}{"kind": kind},
	})
}

// PublishDiscoverySkipped publishes an event for a service discovery skipped.
func (ep *EventPublisher) PublishDiscoverySkipped(service, kind, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeDiscoverySkipped,
		Source:  "discovery",
		Message: fmt.Sprintf("Service %s skipped: %s", service, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"service": service,
			"kind":    kind,
		},
	})
}

// PublishToolInvoked publishes a tool invocation event. kind is empty on success.
func (ep *EventPublisher) PublishToolInvoked(tool, plugin, kind string) error {
	level := EventLevelInfo
	if kind != "" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypeToolInvoked,
		Source:  "tools",
		Plugin:  plugin,
		Message: fmt.Sprintf("Tool %s invoked", tool),
		Level:   level,
		Data: map[string]interface{}{
			"tool": tool,
			"kind": kind,
		},
	})
}

// PublishWorkflowStarted publishes a workflow start or resume event.
func (ep *EventPublisher) PublishWorkflowStarted(runID, workflow string, resumed bool) error {
	return ep.Publish(Event{
		Type:    EventTypeWorkflowStarted,
		Source:  "workflow",
		RunID:   runID,
		Message: fmt.Sprintf("Workflow %s run %s started", workflow, runID),
		Data: map[string]interface{}{
			"workflow": workflow,
			"resumed":  resumed,
		},
	})
}

// PublishNodeTransition publishes a workflow node state change.
func (ep *EventPublisher) PublishNodeTransition(runID, nodeID, plugin, state string) error {
	level := EventLevelInfo
	switch state {
	case "failed":
		level = EventLevelError
	case "needs_intervention", "waiting_for_input":
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeNodeTransition,
		Source:  "workflow",
		RunID:   runID,
		NodeID:  nodeID,
		Plugin:  plugin,
		Message: fmt.Sprintf("Node %s is %s", nodeID, state),
		Level:   level,
		Data:    map[string]interface{}{"state": state},
	})
}

// PublishWorkflowFinished publishes the end of a run pass.
func (ep *EventPublisher) PublishWorkflowFinished(runID, workflow, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeWorkflowFinished,
		Source:  "workflow",
		RunID:   runID,
		Message: fmt.Sprintf("Workflow %s run %s finished with status: %s", workflow, runID, status),
		Data: map[string]interface{}{
			"workflow": workflow,
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishPolicyIntervention publishes an event for an apply held for a human decision.
func (ep *EventPublisher) PublishPolicyIntervention(plugin, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyIntervention,
		Source:  "policy",
		Plugin:  plugin,
		Message: fmt.Sprintf("Apply on %s needs a human decision: %s", plugin, reason),
		Level:   EventLevelWarning,
		Data:    map[string]interface{}{"reason": reason},
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

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	var flushC <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		flushC = ticker.C
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-flushC:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
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

// deliverEvent calls subscribers synchronously, in subscription order.
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

// Shutdown gracefully shuts down the event publisher, delivering buffered events.
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

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
