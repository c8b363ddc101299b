package breezerun

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EventType tags a bus event.
type EventType string

// Streaming lifecycle events emitted by the orchestrator.
const (
	EventStreamStart     EventType = "streaming.start"
	EventStreamChunk     EventType = "streaming.chunk"
	EventStreamEnd       EventType = "streaming.end"
	EventStreamError     EventType = "streaming.error"
	EventStreamCancelled EventType = "streaming.cancelled"

	EventPersistStart   EventType = "persist.start"
	EventPersistSuccess EventType = "persist.success"
	EventPersistFailure EventType = "persist.failure"

	EventActionStart     EventType = "action.start"
	EventActionArgsChunk EventType = "action.args_chunk"
	EventActionComplete  EventType = "action.complete"
	EventActionObserved  EventType = "action.observation"

	EventStreamResume EventType = "streaming.resume"
)

// Event is one bus publication. Fields beyond Type/SessionID/MessageID are
// populated per event kind; consumers read only what their tag defines.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Step      int             `json:"step,omitempty"`
	Err       string          `json:"error,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`
	Time      time.Time       `json:"time"`
}

// Handler consumes a bus event. Handler failures are the handler's problem:
// a panic is recovered and logged, and dispatch continues.
type Handler func(Event)

type subscriber struct {
	id       int
	priority int
	handler  Handler
	// types is nil for subscribe-all.
	types map[EventType]bool
}

// historySize bounds the debugging ring of recent events.
const historySize = 1000

// queueSize bounds the emission queue. Emit blocks when the drain goroutine
// falls this far behind, which backpressures producers instead of growing
// without bound.
const queueSize = 4096

// EventBus is a priority-ordered in-process pub/sub. Emission enqueues; a
// background drain dispatches synchronously to handlers in priority order
// (higher first), so handlers for one event never interleave.
type EventBus struct {
	mu      sync.Mutex
	subs    []subscriber
	nextID  int
	history []Event
	queue   chan Event
	stop    chan struct{}
	drained chan struct{}
	closed  bool
	logger  *slog.Logger
}

// NewEventBus creates a bus and starts its drain goroutine.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	b := &EventBus{
		queue:   make(chan Event, queueSize),
		stop:    make(chan struct{}),
		drained: make(chan struct{}),
		logger:  logger,
	}
	go b.drain()
	return b
}

// Subscribe attaches handler to the given event types (all types when none
// are given). Higher priority handlers run first. Returns an id for
// Unsubscribe.
func (b *EventBus) Subscribe(handler Handler, priority int, types ...EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := subscriber{id: b.nextID, priority: priority, handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)
	sort.SliceStable(b.subs, func(i, j int) bool {
		return b.subs[i].priority > b.subs[j].priority
	})
	return sub.id
}

// Unsubscribe removes a handler by its subscription id.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit publishes an event. The event is stamped, recorded in the history
// ring, and queued for the drain goroutine. Emitting on a closed bus drops
// the event.
func (b *EventBus) Emit(ev Event) {
	ev.Time = time.Now()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.history = append(b.history, ev)
	if len(b.history) > historySize {
		b.history = append([]Event(nil), b.history[len(b.history)-historySize:]...)
	}
	b.mu.Unlock()

	select {
	case b.queue <- ev:
	case <-b.stop:
	}
}

// History returns up to limit recent events, optionally filtered by type.
func (b *EventBus) History(t EventType, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.history {
		if t == "" || ev.Type == t {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Close dispatches whatever is already queued, then stops the drain
// goroutine. Idempotent; later Emits are dropped.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.stop)
	<-b.drained
}

func (b *EventBus) drain() {
	defer close(b.drained)
	for {
		select {
		case ev := <-b.queue:
			b.dispatchAll(ev)
		case <-b.stop:
			for {
				select {
				case ev := <-b.queue:
					b.dispatchAll(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *EventBus) dispatchAll(ev Event) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		b.dispatch(s, ev)
	}
}

func (b *EventBus) dispatch(s subscriber, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("event handler panic", "type", ev.Type, "panic", p)
		}
	}()
	s.handler(ev)
}
