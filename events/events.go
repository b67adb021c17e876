package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the queue cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no subscription matches the event.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// AllEvents subscribes to every event type.
const AllEvents = "*"

// Event is a task-node lifecycle notification.
type Event struct {
	Type               string // e.g., "node_created", "status_changed"
	WorkflowInstanceID uint64
	NodeID             uint64 // zero for workflow-wide events
	Time               time.Time
	Data               map[string]interface{}
}

// EventHandler handles delivered events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	id         uint64
	eventType  string
	workflowID uint64
	handler    EventHandler
}

func (s subscription) matches(event Event) bool {
	if s.eventType != AllEvents && s.eventType != event.Type {
		return false
	}
	return s.workflowID == 0 || s.workflowID == event.WorkflowInstanceID
}

// SubscribeOption narrows a subscription.
type SubscribeOption func(*subscription)

// ForWorkflow only delivers events of one workflow instance.
func ForWorkflow(workflowInstanceID uint64) SubscribeOption {
	return func(s *subscription) {
		s.workflowID = workflowInstanceID
	}
}

// Stats counts what happened to published events.
type Stats struct {
	Published     uint64
	Delivered     uint64
	Dropped       uint64
	HandlerErrors uint64
}

// EventBus fans lifecycle events out to subscribed handlers. Events are
// delivered in publish order; the handlers of one event run concurrently.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	queue       chan queued
	errHandler  func(event Event, err error)
	syncTimeout time.Duration
	logger      *slog.Logger

	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}

	published     atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	handlerErrors atomic.Uint64
}

// queued pairs an event with the handlers that matched it when it was
// published.
type queued struct {
	event    Event
	handlers []EventHandler
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets how many events may wait for delivery.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.queue = make(chan queued, size)
		}
	}
}

// WithErrorHandler replaces the default handler-error logger.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		if handler != nil {
			eb.errHandler = handler
		}
	}
}

// WithSyncTimeout bounds how long PublishSync waits for handlers.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.syncTimeout = d
		}
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewEventBus starts a bus with a queue of 100 events. Handler errors are
// logged unless WithErrorHandler is given.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		queue:       make(chan queued, 100),
		syncTimeout: 5 * time.Second,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, option := range options {
		option(eb)
	}
	eb.logger = eb.logger.With("component", "event-bus")
	if eb.errHandler == nil {
		eb.errHandler = eb.logError
	}

	go eb.run()
	return eb
}

// Subscribe registers handler for eventType (or AllEvents) and returns a
// function that removes the subscription.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler, opts ...SubscribeOption) (unsubscribe func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	sub := subscription{id: eb.nextID, eventType: eventType, handler: handler}
	for _, opt := range opts {
		opt(&sub)
	}
	eb.subs = append(eb.subs, sub)

	var once sync.Once
	return func() {
		once.Do(func() { eb.remove(sub.id) })
	}
}

// SubscribeFunc registers a function as a handler.
func (eb *EventBus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error, opts ...SubscribeOption) (unsubscribe func()) {
	return eb.Subscribe(eventType, EventHandlerFunc(fn), opts...)
}

func (eb *EventBus) remove(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return
		}
	}
}

// HasSubscribers reports whether any subscription would receive event.
func (eb *EventBus) HasSubscribers(event Event) bool {
	return len(eb.handlersFor(event)) > 0
}

func (eb *EventBus) handlersFor(event Event) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []EventHandler
	for _, s := range eb.subs {
		if s.matches(event) {
			out = append(out, s.handler)
		}
	}
	return out
}

// Publish queues an event for asynchronous delivery to the subscriptions
// that match it now; unsubscribing afterwards does not retract it. Publish
// never blocks: a full queue drops the event and returns ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	handlers := eb.handlersFor(event)
	if len(handlers) == 0 {
		return ErrNoHandler
	}

	select {
	case eb.queue <- queued{event: event, handlers: handlers}:
		eb.published.Add(1)
		return nil
	default:
		eb.dropped.Add(1)
		return ErrChannelFull
	}
}

// PublishSync delivers an event and returns the handler errors joined. It
// returns once every handler finished or the sync timeout expired; handlers
// still running at that point are abandoned and the context error is
// returned.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	handlers := eb.handlersFor(event)
	if len(handlers) == 0 {
		return ErrNoHandler
	}
	eb.published.Add(1)

	ctx, cancel := context.WithTimeout(ctx, eb.syncTimeout)
	defer cancel()

	result := make(chan []error, 1)
	go func() {
		result <- eb.deliver(ctx, handlers, event)
	}()
	select {
	case errs := <-result:
		return errors.Join(errs...)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the bus counters.
func (eb *EventBus) Stats() Stats {
	return Stats{
		Published:     eb.published.Load(),
		Delivered:     eb.delivered.Load(),
		Dropped:       eb.dropped.Load(),
		HandlerErrors: eb.handlerErrors.Load(),
	}
}

// Stop delivers the events already queued and waits for delivery to finish.
// It is safe to call more than once.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.closeMu.Unlock()

	<-eb.done
}

func (eb *EventBus) run() {
	defer close(eb.done)

	for q := range eb.queue {
		for _, err := range eb.deliver(context.Background(), q.handlers, q.event) {
			eb.errHandler(q.event, err)
		}
	}
}

// deliver runs handlers concurrently and collects their errors. Panics are
// reported as errors.
func (eb *EventBus) deliver(ctx context.Context, handlers []EventHandler, event Event) []error {
	errs := make([]error, len(handlers))

	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("event handler panic: %v", r)
				}
			}()
			errs[i] = h.Handle(ctx, event)
		}()
	}
	wg.Wait()

	out := errs[:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	eb.delivered.Add(1)
	eb.handlerErrors.Add(uint64(len(out)))
	return out
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		"type", event.Type,
		"workflow_instance_id", event.WorkflowInstanceID,
		"node_id", event.NodeID,
		"error", err)
}
