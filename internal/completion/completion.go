// Package completion serializes model-provider calls per agent,
// exposing a priority-inject fast path, provider circuit breaking and
// retry, and cancellation on agent termination (§4.6).
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksi-run/ksid/internal/modelrouter"
	"github.com/ksi-run/ksid/internal/store"
)

// Config controls provider-call discipline.
type Config struct {
	CallTimeout             time.Duration
	MaxRetries              int
	RetryBaseDelay          time.Duration
	CircuitFailureThreshold int
	CircuitWindow           time.Duration
	CircuitCooldown         time.Duration
}

// ResultEvent is what the manager hands back to the runtime once a
// completion settles, successfully or not, so it can be emitted as
// completion:result or an error:* event on the originating chain.
type ResultEvent struct {
	RequestID string
	AgentID   string
	Success   bool
	Data      map[string]any
	ErrorKind string
	ErrorMsg  string
}

// EmitFunc delivers a settled completion back into the event runtime.
type EmitFunc func(ResultEvent)

// Manager owns every agent's completion queue and the provider
// breakers shared across agents.
type Manager struct {
	config   Config
	caller   Caller
	router   *modelrouter.Router
	store    *store.Store
	emit     EmitFunc
	logger   *slog.Logger

	mu       sync.Mutex
	queues   map[string]*agentQueue
	breakers map[string]*breaker
}

// New creates a completion manager. caller performs the actual
// provider call; router picks a provider when a request doesn't name
// one; st persists usage; emit delivers settled results.
func New(config Config, caller Caller, router *modelrouter.Router, st *store.Store, emit EmitFunc, logger *slog.Logger) *Manager {
	return &Manager{
		config:   config,
		caller:   caller,
		router:   router,
		store:    st,
		emit:     emit,
		logger:   logger,
		queues:   make(map[string]*agentQueue),
		breakers: make(map[string]*breaker),
	}
}

func (m *Manager) queueFor(agentID string) *agentQueue {
	q, ok := m.queues[agentID]
	if !ok {
		q = newAgentQueue(agentID)
		m.queues[agentID] = q
	}
	return q
}

func (m *Manager) breakerFor(provider string) *breaker {
	b, ok := m.breakers[provider]
	if !ok {
		b = newBreaker(m.config.CircuitFailureThreshold, m.config.CircuitWindow, m.config.CircuitCooldown)
		m.breakers[provider] = b
	}
	return b
}

// Async appends req to agentID's FIFO tail (completion:async).
func (m *Manager) Async(req Request) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	m.mu.Lock()
	q := m.queueFor(req.AgentID)
	q.enqueueAsync(req)
	shouldDispatch := q.state == stateQueued
	m.mu.Unlock()

	if shouldDispatch {
		go m.drain(req.AgentID)
	}
}

// Inject places req at agentID's FIFO head (completion:inject). It
// never interrupts an in-flight call.
func (m *Manager) Inject(req Request) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	m.mu.Lock()
	q := m.queueFor(req.AgentID)
	q.enqueueInject(req)
	shouldDispatch := q.state == stateQueued
	m.mu.Unlock()

	if shouldDispatch {
		go m.drain(req.AgentID)
	}
}

// drain dispatches requests for agentID one at a time until its FIFO
// is empty, honoring the InFlight-never-preempted rule.
func (m *Manager) drain(agentID string) {
	for {
		m.mu.Lock()
		q := m.queueFor(agentID)
		req, ok := q.dequeue()
		if !ok {
			m.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		req.cancel = cancel
		q.inFlightCancel = cancel
		q.inFlight = &req
		m.mu.Unlock()

		m.execute(ctx, req)

		m.mu.Lock()
		q.complete()
		m.mu.Unlock()
	}
}

// execute runs one request to completion (with retry/circuit-break)
// and emits its result.
func (m *Manager) execute(ctx context.Context, req Request) {
	provider, model := req.Provider, req.Model
	if provider == "" && m.router != nil {
		picked, _ := m.router.Route(modelrouter.Request{
			AgentID:    req.AgentID,
			NeedsTools: req.NeedsTools,
		})
		provider = picked
	}

	b := m.breakerFor(provider)
	if !b.Allow() {
		m.settle(req, ResultEvent{
			RequestID: req.RequestID, AgentID: req.AgentID,
			Success: false, ErrorKind: "error:provider_unavailable",
			ErrorMsg: fmt.Sprintf("circuit open for provider %s", provider),
		})
		return
	}

	timeout := m.config.CallTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	var lastErr error
	maxAttempts := m.config.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			m.settle(req, ResultEvent{
				RequestID: req.RequestID, AgentID: req.AgentID,
				Success: false, ErrorKind: "error:cancelled", ErrorMsg: "completion cancelled",
			})
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		reply, err := m.caller.Call(callCtx, provider, model, req.Messages)
		cancel()

		if err == nil {
			b.RecordSuccess()
			if m.store != nil {
				_ = m.store.RecordUsage(store.UsageRecord{
					AgentID: req.AgentID, Provider: provider, Model: model,
					PromptTokens: reply.Usage.PromptTokens, ReplyTokens: reply.Usage.ReplyTokens,
					CostCents: reply.Usage.CostCents, Time: time.Now(),
				})
			}
			m.settle(req, ResultEvent{RequestID: req.RequestID, AgentID: req.AgentID, Success: true, Data: reply.Data})
			return
		}

		if ctx.Err() != nil {
			m.settle(req, ResultEvent{
				RequestID: req.RequestID, AgentID: req.AgentID,
				Success: false, ErrorKind: "error:cancelled", ErrorMsg: "completion cancelled",
			})
			return
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
		b.RecordFailure(time.Now())
		if attempt == maxAttempts-1 {
			break
		}

		delay := backoffDelay(m.config.RetryBaseDelay, attempt, func() time.Duration {
			return time.Duration(rand.Int63n(int64(m.config.RetryBaseDelay) + 1))
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.settle(req, ResultEvent{
				RequestID: req.RequestID, AgentID: req.AgentID,
				Success: false, ErrorKind: "error:cancelled", ErrorMsg: "completion cancelled",
			})
			return
		}
	}

	m.settle(req, ResultEvent{
		RequestID: req.RequestID, AgentID: req.AgentID,
		Success: false, ErrorKind: "error:provider_unavailable", ErrorMsg: lastErr.Error(),
	})
}

func isRetryable(err error) bool {
	_, ok := err.(*RetryableError)
	return ok
}

func (m *Manager) settle(req Request, result ResultEvent) {
	if m.logger != nil {
		m.logger.Info("completion settled", "request_id", result.RequestID, "agent_id", result.AgentID, "success", result.Success)
	}
	if m.emit != nil {
		m.emit(result)
	}
}

// Cancel terminates all of agentID's queued and in-flight calls
// (agent:terminated reaction).
func (m *Manager) Cancel(agentID string) {
	m.mu.Lock()
	q, ok := m.queues[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	cancelled, hadInFlight := q.cancelAll()
	delete(m.queues, agentID)
	m.mu.Unlock()

	for _, r := range cancelled {
		m.settle(r, ResultEvent{
			RequestID: r.RequestID, AgentID: agentID,
			Success: false, ErrorKind: "error:cancelled", ErrorMsg: "agent terminated",
		})
	}
	_ = hadInFlight
}

// Depth reports the current queue depth (queued + in-flight) for
// agentID, for stats/introspection.
func (m *Manager) Depth(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[agentID]
	if !ok {
		return 0
	}
	return q.depth()
}
