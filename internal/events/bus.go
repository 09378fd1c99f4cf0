package events

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the lifecycle phase of a stage event.
type Status string

const (
	StatusStart    Status = "start"
	StatusProgress Status = "progress"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Stage event names emitted by the pipeline. Each stage emits at least
// start and exactly one of complete/error.
const (
	StageComplexityCheck   = "complexity_check"
	StageIntentDetection   = "intent_detection"
	StageMemoryRetrieval   = "memory_retrieval"
	StagePlanGeneration    = "plan_generation"
	StageOptimization      = "reasoning_optimization"
	StageSafetyCheck       = "safety_check"
	StageToolRouting       = "tool_routing"
	StageStepExecution     = "step_execution"
	StageOutputAggregation = "output_aggregation"
	StageMemoryUpdate      = "memory_update"
	StageMultiPCSync       = "multi_pc_sync"
)

// Orchestrator- and service-level event names.
const (
	EventProcessingStarted   = "processing-started"
	EventProcessingCompleted = "processing-completed"
	EventProcessingError     = "processing-error"
	EventToolExecuted        = "tool-executed"
	EventToolRetry           = "tool-retry"
	EventFailoverAttempt     = "failover:attempt"
	EventFailoverError       = "failover:error"
	EventPeerRegistered      = "peer:registered"
	EventPeerUpdated         = "peer:updated"
	EventPeerUnhealthy       = "peer:unhealthy"
)

// Event is the payload fanned out to subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Stage     string                 `json:"stage"`
	Status    Status                 `json:"status"`
	Data      interface{}            `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Handler receives events for a subscribed name.
type Handler func(Event)

// Bus is a minimal in-process publish/subscribe service. Subscribers are
// invoked synchronously in registration order; a panicking handler is
// recovered so it cannot affect the pipeline.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	wildcard []Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for the given event name. The name "*"
// subscribes to every event.
func (b *Bus) Subscribe(name string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "*" {
		b.wildcard = append(b.wildcard, handler)
		return
	}
	b.handlers[name] = append(b.handlers[name], handler)
}

// Emit publishes an event to all subscribers of its stage name.
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = nextEventID()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Stage])+len(b.wildcard))
	handlers = append(handlers, b.handlers[event.Stage]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}
}

// EmitStage is a convenience for the common stage/status/data shape.
func (b *Bus) EmitStage(stage string, status Status, data interface{}) {
	b.Emit(Event{Stage: stage, Status: status, Data: data})
}

// dispatch invokes a single handler, recovering panics.
func (b *Bus) dispatch(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[EventBus] subscriber panic on %s: %v", event.Stage, r)
		}
	}()
	h(event)
}

// SubscriberCount returns the number of handlers registered for a name.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if name == "*" {
		return len(b.wildcard)
	}
	return len(b.handlers[name])
}

// eventIDCounter ensures unique event IDs even in rapid succession.
var eventIDCounter atomic.Int64

func nextEventID() string {
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventIDCounter.Add(1))
}
