// Package originator implements the streaming layer from §4.5: pub/sub
// for causal chains. When an inbound event declares
// originator.return_path, every downstream event on that chain is
// mirrored back to the originator until the chain resolves.
package originator

import (
	"sync"
	"time"

	"github.com/ksi-run/ksid/internal/kevent"
)

// MirrorFrame is what gets delivered to a return path: the source
// event name plus its data and correlation context.
type MirrorFrame struct {
	SourceEvent string         `json:"source_event"`
	Data        map[string]any `json:"data"`
	Context     kevent.Context `json:"context"`
}

// DeliverFunc hands a mirror frame to the transport connection that
// owns returnPath. It must not block the caller for long; a slow
// sink is the transport's problem, signaled back via ok=false so the
// registry can count it as dropped.
type DeliverFunc func(returnPath string, frame MirrorFrame) (ok bool)

// isTerminal reports whether name ends a chain early, per §4.5:
// completion:result or any error:* event removes the mirror before
// the grace period even starts.
func isTerminal(name string) bool {
	if name == "completion:result" {
		return true
	}
	return len(name) >= 6 && name[:6] == "error:"
}

type mirror struct {
	chainID     string
	returnPath  string
	deliver     DeliverFunc
	dropped     int
	lastOverflowReport time.Time
}

// Config controls mirror lifetime and overflow reporting.
type Config struct {
	GracePeriod           time.Duration
	OverflowReportInterval time.Duration
}

// DefaultConfig matches the spec's chosen defaults for the previously
// open question on mirror retention.
func DefaultConfig() Config {
	return Config{GracePeriod: 30 * time.Second, OverflowReportInterval: 10 * time.Second}
}

// Registry tracks one mirror per chain that declared a return path.
// It is the implicit transformer described in §4.5: every event
// passed to Observe that matches a registered chain_id is mirrored,
// without ever appearing as a rule a user could inspect.
type Registry struct {
	config Config
	emit   func(kevent.Event)

	mu       sync.Mutex
	mirrors  map[string]*mirror          // chain_id -> mirror
	expiring map[string]*time.Timer      // chain_id -> pending grace-period removal
}

// New creates a registry. emit is used to publish
// error:originator_overflow events back into the runtime when a
// mirror's sink is saturated.
func New(config Config, emit func(kevent.Event)) *Registry {
	if config.GracePeriod <= 0 {
		config.GracePeriod = 30 * time.Second
	}
	if config.OverflowReportInterval <= 0 {
		config.OverflowReportInterval = 10 * time.Second
	}
	return &Registry{
		config:   config,
		emit:     emit,
		mirrors:  make(map[string]*mirror),
		expiring: make(map[string]*time.Timer),
	}
}

// Register installs a mirror for chainID, active until the chain
// resolves. deliver is called once per event observed on the chain.
func (r *Registry) Register(chainID, returnPath string, deliver DeliverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirrors[chainID] = &mirror{chainID: chainID, returnPath: returnPath, deliver: deliver}
	r.cancelExpiryLocked(chainID)
}

// Observe mirrors e to its chain's registered return path, if any.
// Call this for every event the router dispatches; it's a no-op for
// chains with no mirror installed. Mirror events themselves (frames
// delivered via DeliverFunc) are never fed back into Observe, which
// is what keeps this a sink rather than a cycle (§9).
func (r *Registry) Observe(e kevent.Event) {
	r.mu.Lock()
	m, ok := r.mirrors[e.Context.ChainID]
	r.mu.Unlock()
	if !ok {
		return
	}

	frame := MirrorFrame{SourceEvent: e.Name, Data: e.Data, Context: e.Context}
	if !m.deliver(m.returnPath, frame) {
		r.mu.Lock()
		m.dropped++
		shouldReport := time.Since(m.lastOverflowReport) >= r.config.OverflowReportInterval
		if shouldReport {
			m.lastOverflowReport = time.Now()
		}
		dropped := m.dropped
		r.mu.Unlock()

		if shouldReport && r.emit != nil {
			r.emit(kevent.Derive("error:originator_overflow", map[string]any{
				"chain_id": e.Context.ChainID,
				"dropped":  dropped,
			}, &e.Context, "originator"))
		}
	}

	if isTerminal(e.Name) {
		r.Remove(e.Context.ChainID)
	}
}

// ResolveRoot schedules removal of chainID's mirror after the
// configured grace period, called when the root handler for that
// chain has finished. A terminal event observed before the grace
// period elapses removes the mirror immediately via Observe.
func (r *Registry) ResolveRoot(chainID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mirrors[chainID]; !ok {
		return
	}
	r.cancelExpiryLocked(chainID)
	r.expiring[chainID] = time.AfterFunc(r.config.GracePeriod, func() {
		r.Remove(chainID)
	})
}

// Remove tears down chainID's mirror immediately.
func (r *Registry) Remove(chainID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mirrors, chainID)
	r.cancelExpiryLocked(chainID)
}

func (r *Registry) cancelExpiryLocked(chainID string) {
	if t, ok := r.expiring[chainID]; ok {
		t.Stop()
		delete(r.expiring, chainID)
	}
}

// Active reports whether chainID currently has a mirror installed.
func (r *Registry) Active(chainID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.mirrors[chainID]
	return ok
}

// DroppedFor reports how many frames have been dropped for chainID's
// mirror due to a saturated sink.
func (r *Registry) DroppedFor(chainID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mirrors[chainID]
	if !ok {
		return 0
	}
	return m.dropped
}
