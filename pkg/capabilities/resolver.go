package capabilities

import (
	"sync"

	"github.com/openfroyo/busproxy/pkg/signals"
	"github.com/openfroyo/busproxy/pkg/telemetry"
)

// Live is the view of a live connection the resolver needs.
type Live interface {
	Connected() bool
	Capabilities() Set
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Gate decides whether change notifications may be emitted. When nil,
	// notifications are always emitted.
	Gate func() bool

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Resolver derives the effective capability set.
//
// A connected live connection wins and its capabilities are returned as is.
// Otherwise both the protocol set and the profile denylist must be known,
// and the result is the protocol set minus the denylist. With either static
// input missing the result is empty.
//
// The result is memoized until an input changes.
type Resolver struct {
	mu sync.RWMutex

	live        Live
	protocol    Set
	hasProtocol bool
	deny        Set
	hasDeny     bool

	memo      Set
	memoValid bool

	// last is the most recently computed result, kept across invalidations
	// so changes can be detected.
	last    Set
	hasLast bool

	gate    func() bool
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	changed signals.List[Set]
}

// NewResolver creates a resolver with no inputs.
func NewResolver(opts ResolverOptions) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Resolver{
		gate:    opts.Gate,
		logger:  logger.NewComponentLogger("capabilities"),
		metrics: opts.Metrics,
	}
}

// SetLive replaces the live connection. nil means no connection.
func (r *Resolver) SetLive(live Live) {
	r.mu.Lock()
	r.live = live
	r.memoValid = false
	r.mu.Unlock()
	r.notify()
}

// SetProtocol sets the protocol capability set. ok=false marks it missing.
func (r *Resolver) SetProtocol(set Set, ok bool) {
	r.mu.Lock()
	r.protocol = set.Clone()
	r.hasProtocol = ok
	r.memoValid = false
	r.mu.Unlock()
	r.notify()
}

// SetDenylist sets the profile denylist. ok=false marks it missing.
func (r *Resolver) SetDenylist(set Set, ok bool) {
	r.mu.Lock()
	r.deny = set.Clone()
	r.hasDeny = ok
	r.memoValid = false
	r.mu.Unlock()
	r.notify()
}

// Invalidate drops the memoized result, e.g. after the live connection
// changed status.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.memoValid = false
	r.mu.Unlock()
	r.notify()
}

// Effective returns the effective capability set.
func (r *Resolver) Effective() Set {
	r.mu.RLock()
	if r.memoValid {
		out := r.memo.Clone()
		r.mu.RUnlock()
		return out
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.computeLocked().Clone()
}

// UsingLive reports whether the effective set currently comes from the live
// connection.
func (r *Resolver) UsingLive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live != nil && r.live.Connected()
}

// OnChanged subscribes to changes of the effective set.
func (r *Resolver) OnChanged(fn func(Set)) (cancel func()) {
	return r.changed.Subscribe(fn)
}

func (r *Resolver) computeLocked() Set {
	if r.memoValid {
		return r.memo
	}

	var result Set
	switch {
	case r.live != nil && r.live.Connected():
		result = r.live.Capabilities().Clone()
	case !r.hasProtocol || !r.hasDeny:
		result = Set{}
	default:
		result = Subtract(r.protocol, r.deny)
	}
	if result == nil {
		result = Set{}
	}

	r.memo = result
	r.memoValid = true
	r.metrics.RecordCapabilityRecompute()
	return result
}

// notify recomputes and emits when the gate is open and the result differs
// from the last computed one.
func (r *Resolver) notify() {
	if r.gate != nil && !r.gate() {
		return
	}

	r.mu.Lock()
	prev, hadPrev := r.last, r.hasLast
	current := r.computeLocked()
	r.last = current
	r.hasLast = true
	r.mu.Unlock()

	if hadPrev && prev.Equal(current) {
		return
	}
	if !hadPrev {
		// First evaluation establishes the baseline.
		return
	}

	r.logger.WithField("classes", len(current)).Debug("Effective capabilities changed")
	r.changed.Emit(current.Clone())
}

// Baseline computes the current result and records it as the reference for
// future change detection, without emitting.
func (r *Resolver) Baseline() Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.computeLocked()
	r.last = current
	r.hasLast = true
	return current.Clone()
}
