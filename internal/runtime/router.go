// Package runtime wires the pattern index, transformer engine,
// originator registry, completion queue, and state store into the
// single dispatch loop described in §4.3: priority lanes, transformer
// application ahead of handlers, panic-supervised concurrent handler
// execution, and a two-phase shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ksi-run/ksid/internal/kevent"
	"github.com/ksi-run/ksid/internal/monitor"
	"github.com/ksi-run/ksid/internal/originator"
	"github.com/ksi-run/ksid/internal/pattern"
	"github.com/ksi-run/ksid/internal/store"
	"github.com/ksi-run/ksid/internal/transformer"
)

// Priority selects one of the router's three dispatch lanes.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// HandlerFunc processes one event and optionally returns response data
// for the original caller. Handlers may call Router.Emit to produce
// further events; those inherit the input event's context.
type HandlerFunc func(ctx context.Context, event kevent.Event) (map[string]any, error)

// Handler is a registered pattern/priority/fn triple, per §3.
type Handler struct {
	ID       string
	Pattern  string
	Priority int // registration priority, used only to order multiple handlers on the same pattern
	Async    bool
	Fn       HandlerFunc
}

// Config controls lane capacities, timeouts, and the depth cap.
type Config struct {
	HighLaneCapacity      int
	NormalLaneCapacity    int
	LowLaneCapacity       int
	BackpressureTimeout   time.Duration
	HandlerTimeout        time.Duration
	MaxDepth              int
	ShutdownGrace         time.Duration
	LogFlushEvents        int
	LogFlushInterval      time.Duration
}

type queuedEvent struct {
	event    kevent.Event
	priority Priority
	result   chan dispatchResult // non-nil for synchronous emit() callers
}

type dispatchResult struct {
	responses []map[string]any
	err       error
}

// Router is the event runtime's dispatch loop.
type Router struct {
	config Config
	logger *slog.Logger

	index       *pattern.Index
	transformer *transformer.Engine
	originators *originator.Registry
	bus         *monitor.Bus
	store       *store.Store

	lanes [3]chan queuedEvent // indexed by Priority

	logBuf   []store.LoggedEvent
	logMu    sync.Mutex
	logTimer *time.Timer

	mu       sync.Mutex
	handlers map[string]*Handler
	byPattern map[string][]*Handler

	shutdownOnce sync.Once
	shuttingDown chan struct{}
	wg           sync.WaitGroup
	loopDone     chan struct{}
}

// New builds a router. idx and engine are shared with the components
// that populate them (RegisterHandler / routing:add_rule); bus and
// origins may be nil, in which case their features are simply skipped.
func New(config Config, idx *pattern.Index, engine *transformer.Engine, origins *originator.Registry, bus *monitor.Bus, st *store.Store, logger *slog.Logger) *Router {
	applyConfigDefaults(&config)
	r := &Router{
		config:       config,
		logger:       logger,
		index:        idx,
		transformer:  engine,
		originators:  origins,
		bus:          bus,
		store:        st,
		handlers:     make(map[string]*Handler),
		byPattern:    make(map[string][]*Handler),
		shuttingDown: make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	r.lanes[PriorityHigh] = make(chan queuedEvent, config.HighLaneCapacity)
	r.lanes[PriorityNormal] = make(chan queuedEvent, config.NormalLaneCapacity)
	r.lanes[PriorityLow] = make(chan queuedEvent, config.LowLaneCapacity)
	return r
}

func applyConfigDefaults(c *Config) {
	if c.HighLaneCapacity <= 0 {
		c.HighLaneCapacity = 1000
	}
	if c.NormalLaneCapacity <= 0 {
		c.NormalLaneCapacity = 10000
	}
	if c.LowLaneCapacity <= 0 {
		c.LowLaneCapacity = 50000
	}
	if c.BackpressureTimeout <= 0 {
		c.BackpressureTimeout = 500 * time.Millisecond
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 32
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.LogFlushEvents <= 0 {
		c.LogFlushEvents = 50
	}
	if c.LogFlushInterval <= 0 {
		c.LogFlushInterval = 250 * time.Millisecond
	}
}

// RegisterHandler adds h to the pattern index, replacing any prior
// registration with the same ID.
func (r *Router) RegisterHandler(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.ID] = h
	if r.index != nil {
		r.index.Register(h.Pattern, pattern.Entry{ID: "handler:" + h.ID, Pattern: h.Pattern, Priority: h.Priority, Value: h})
	}
}

// UnregisterHandler removes a handler by id.
func (r *Router) UnregisterHandler(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
	if r.index != nil {
		r.index.Unregister("handler:" + id)
	}
}

// Start launches the dispatch loop. Call Shutdown to stop it.
func (r *Router) Start() {
	r.wg.Add(1)
	go r.dispatchLoop()
}

// Emit enqueues event for dispatch and blocks until its handlers have
// run, returning their collected responses. Used by the transport
// layer for request/response frames and by the CLI admin surface.
func (r *Router) Emit(ctx context.Context, name string, data map[string]any, parent *kevent.Context, component string, priority Priority) ([]map[string]any, error) {
	event := kevent.Derive(name, data, parent, component)
	return r.EmitEvent(ctx, event, priority)
}

// EmitEvent dispatches an already-derived event and blocks for its
// responses. Used by callers that need the event's context (in
// particular its chain_id) before dispatch — the transport layer
// registers an originator mirror keyed by chain_id before handing the
// event to the router, which only this variant makes possible.
func (r *Router) EmitEvent(ctx context.Context, event kevent.Event, priority Priority) ([]map[string]any, error) {
	if event.ExceedsDepth(r.config.MaxDepth) {
		r.emitError(event, "error:validation", fmt.Errorf("event %s exceeds max depth %d", event.Name, r.config.MaxDepth))
		return nil, fmt.Errorf("event exceeds max depth")
	}

	result := make(chan dispatchResult, 1)
	if !r.enqueue(queuedEvent{event: event, priority: priority, result: result}, ctx) {
		r.emitError(event, "error:queue_full", fmt.Errorf("lane full for event %s", event.Name))
		return nil, fmt.Errorf("queue full")
	}

	select {
	case res := <-result:
		return res.responses, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EmitAsync enqueues event without waiting for handlers, used for
// transformer-synthesized async fan-out and internal bookkeeping
// events that have no caller waiting on a response.
func (r *Router) EmitAsync(name string, data map[string]any, parent *kevent.Context, component string, priority Priority) {
	event := kevent.Derive(name, data, parent, component)
	if event.ExceedsDepth(r.config.MaxDepth) {
		r.emitError(event, "error:validation", fmt.Errorf("event %s exceeds max depth %d", name, r.config.MaxDepth))
		return
	}
	r.enqueue(queuedEvent{event: event, priority: priority}, context.Background())
}

// EmitDerived re-dispatches an already-derived event (used by the
// transformer engine's own Emission values, which already carry a
// fully-formed child context).
func (r *Router) EmitDerived(event kevent.Event, priority Priority) {
	if event.ExceedsDepth(r.config.MaxDepth) {
		r.emitError(event, "error:validation", fmt.Errorf("event %s exceeds max depth %d", event.Name, r.config.MaxDepth))
		return
	}
	r.enqueue(queuedEvent{event: event, priority: priority}, context.Background())
}

func (r *Router) enqueue(q queuedEvent, ctx context.Context) bool {
	lane := r.lanes[q.priority]
	select {
	case lane <- q:
		return true
	default:
	}

	timer := time.NewTimer(r.config.BackpressureTimeout)
	defer timer.Stop()
	select {
	case lane <- q:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Router) emitError(source kevent.Event, name string, err error) {
	child := kevent.Derive(name, map[string]any{"error": err.Error(), "source_event": source.Name}, &source.Context, "router")
	r.publish(child)
	select {
	case r.lanes[PriorityHigh] <- queuedEvent{event: child, priority: PriorityHigh}:
	default:
	}
}

// dispatchLoop drains all three lanes, high first, until Shutdown
// closes shuttingDown and the high lane is empty.
func (r *Router) dispatchLoop() {
	defer r.wg.Done()
	defer close(r.loopDone)

	for {
		select {
		case q := <-r.lanes[PriorityHigh]:
			r.process(q)
			continue
		default:
		}

		select {
		case q := <-r.lanes[PriorityHigh]:
			r.process(q)
		case q := <-r.lanes[PriorityNormal]:
			r.process(q)
		case q := <-r.lanes[PriorityLow]:
			r.process(q)
		case <-r.shuttingDown:
			r.drainHighLane()
			return
		}
	}
}

func (r *Router) drainHighLane() {
	deadline := time.After(r.config.ShutdownGrace)
	for {
		select {
		case q := <-r.lanes[PriorityHigh]:
			r.process(q)
		case <-deadline:
			return
		default:
			return
		}
	}
}

func (r *Router) process(q queuedEvent) {
	event := q.event
	r.publish(event)
	r.appendLog(event)
	if r.originators != nil {
		r.originators.Observe(event)
	}

	if r.transformer != nil {
		// Both sync and async rules enqueue their emissions as
		// independent events here; "async" only means the rule's
		// fan-out must not block the primary handler response below,
		// which queuing already guarantees.
		emissions, _ := r.transformer.Apply(event)
		now := time.Now()
		for _, em := range emissions {
			derived := kevent.Event{
				ID:        em.Context.EventID,
				Name:      em.EventName,
				Data:      em.Data,
				Context:   em.Context,
				Timestamp: now,
				Monotonic: now.UnixNano(),
			}
			r.EmitDerived(derived, PriorityNormal)
		}
	}

	handlers := r.matchingHandlers(event.Name)
	if len(handlers) == 0 {
		if q.result != nil {
			q.result <- dispatchResult{}
		}
		return
	}

	var wg sync.WaitGroup
	responses := make([]map[string]any, len(handlers))
	errs := make([]error, len(handlers))
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h *Handler) {
			defer wg.Done()
			responses[i], errs[i] = r.runHandler(h, event)
		}(i, h)
	}
	wg.Wait()

	if q.result != nil {
		out := make([]map[string]any, 0, len(responses))
		for _, resp := range responses {
			if resp != nil {
				out = append(out, resp)
			}
		}
		var err error
		if len(handlers) == 1 {
			// A failing sole responder fails the request itself.
			err = errs[0]
		}
		q.result <- dispatchResult{responses: out, err: err}
	}
}

func (r *Router) runHandler(h *Handler, event kevent.Event) (resp map[string]any, failure error) {
	defer func() {
		if p := recover(); p != nil {
			failure = fmt.Errorf("handler %s panicked: %v", h.ID, p)
			r.emitError(event, "error:handler_failed", failure)
			if r.logger != nil {
				r.logger.Error("handler panicked", "handler_id", h.ID, "event", event.Name, "panic", p)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.config.HandlerTimeout)
	defer cancel()

	done := make(chan struct{})
	var result map[string]any
	var err error
	go func() {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panicked: %v", p)
			}
		}()
		result, err = h.Fn(ctx, event)
	}()

	select {
	case <-done:
		if err != nil {
			failure = fmt.Errorf("handler %s: %w", h.ID, err)
			r.emitError(event, "error:handler_failed", failure)
			return nil, failure
		}
		return result, nil
	case <-ctx.Done():
		failure = fmt.Errorf("handler %s exceeded %s", h.ID, r.config.HandlerTimeout)
		r.emitError(event, "error:handler_timeout", failure)
		return nil, failure
	}
}

func (r *Router) matchingHandlers(name string) []*Handler {
	if r.index == nil {
		return nil
	}
	entries := r.index.LookupAll(name)
	out := make([]*Handler, 0, len(entries))
	for _, e := range entries {
		if h, ok := e.Value.(*Handler); ok {
			out = append(out, h)
		}
	}
	return out
}

func (r *Router) publish(e kevent.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

// appendLog buffers e for the batched durable event log, flushing
// when the buffer reaches LogFlushEvents or LogFlushInterval elapses.
func (r *Router) appendLog(e kevent.Event) {
	if r.store == nil {
		return
	}
	r.logMu.Lock()
	r.logBuf = append(r.logBuf, store.LoggedEvent{
		ID: e.ID, ChainID: e.Context.ChainID, ParentID: e.Context.ParentEventID,
		Name: e.Name, Payload: e.Data, Time: e.Timestamp,
	})
	shouldFlush := len(r.logBuf) >= r.config.LogFlushEvents
	if r.logTimer == nil {
		r.logTimer = time.AfterFunc(r.config.LogFlushInterval, r.flushLog)
	}
	r.logMu.Unlock()

	if shouldFlush {
		r.flushLog()
	}
}

func (r *Router) flushLog() {
	r.logMu.Lock()
	batch := r.logBuf
	r.logBuf = nil
	if r.logTimer != nil {
		r.logTimer.Stop()
		r.logTimer = nil
	}
	r.logMu.Unlock()

	if len(batch) == 0 || r.store == nil {
		return
	}
	if err := r.store.AppendEvents(batch); err != nil && r.logger != nil {
		r.logger.Error("event log flush failed", "count", len(batch), "error", err)
	}
}

// Shutdown begins the two-phase shutdown from §4.3: stop accepting
// new normal/low-priority work, drain the high lane for up to the
// configured grace period, then stop the dispatch loop.
func (r *Router) Shutdown() {
	r.shutdownOnce.Do(func() {
		close(r.shuttingDown)
	})
	r.wg.Wait()
	r.flushLog()
}
