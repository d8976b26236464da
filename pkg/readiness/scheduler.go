package readiness

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/busproxy/pkg/loop"
	"github.com/openfroyo/busproxy/pkg/signals"
	"github.com/openfroyo/busproxy/pkg/telemetry"
)

// Options configures a Scheduler.
type Options struct {
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher

	// Source identifies the proxy in logs, spans and events.
	Source string

	// Context is passed to introspection routines. Defaults to
	// context.Background.
	Context context.Context
}

// request is one outstanding RequestReady call.
type request struct {
	id        string
	requested []Feature
	members   map[Feature]bool
	pending   *loop.Pending[struct{}]
	started   time.Time
}

type finishedRequest struct {
	req *request
	err error
}

// Scheduler drives features of one proxy to a terminal status, in dependency
// order, sharing in-flight work between overlapping requests.
//
// All state changes happen on the proxy's loop. Status queries may be made
// from any goroutine.
type Scheduler struct {
	loop  *loop.Loop
	graph *Graph
	opts  Options
	log   *telemetry.Logger

	mu          sync.RWMutex
	status      map[Feature]Status
	reasons     map[Feature]error
	interfaces  map[string]bool
	known       bool
	invalidated error
	requests    []*request

	// unusable lists Failed and Inapplicable features in the order they
	// reached that status.
	unusable []Feature

	statusChanged signals.List[StatusChange]
}

// NewScheduler creates a scheduler for graph whose state lives on l.
// Nothing is introspected until SetInterfaces is called.
func NewScheduler(l *loop.Loop, graph *Graph, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}

	s := &Scheduler{
		loop:       l,
		graph:      graph,
		opts:       opts,
		log:        opts.Logger.NewComponentLogger("readiness").WithObjectPath(opts.Source),
		status:     make(map[Feature]Status, len(graph.specs)),
		reasons:    make(map[Feature]error),
		interfaces: make(map[string]bool),
	}
	for f := range graph.specs {
		s.status[f] = StatusPending
	}
	return s
}

// Graph returns the feature graph.
func (s *Scheduler) Graph() *Graph {
	return s.graph
}

// RequestReady asks for features, plus the core feature, to become ready.
// The result finishes with nil once all of them and their prerequisites are
// Ready, or with an *AggregatedError as soon as one of them cannot be.
func (s *Scheduler) RequestReady(features ...Feature) *loop.Pending[struct{}] {
	requested := uniqueFeatures(append([]Feature{s.graph.core}, features...))
	id := uuid.New().String()

	closure, err := s.graph.Closure(requested...)
	if err != nil {
		s.log.WithRequestID(id).WithError(err).Warn("Readiness request names an unknown feature")
		s.opts.Metrics.RecordReadinessRequest("failed")
		return loop.Finished(struct{}{}, error(&AggregatedError{RequestID: id, Requested: requested, First: err}))
	}

	r := &request{
		id:        id,
		requested: requested,
		members:   make(map[Feature]bool, len(closure)),
		pending:   loop.NewPending[struct{}](),
		started:   time.Now(),
	}
	for _, f := range closure {
		r.members[f] = true
	}

	if !s.loop.Post(func() { s.addRequest(r) }) {
		s.finish([]finishedRequest{{req: r, err: s.aggregate(r, NewInvalidatedError(loop.ErrClosed))}})
	}
	return r.pending
}

func (s *Scheduler) addRequest(r *request) {
	s.mu.Lock()
	if s.invalidated != nil {
		err := s.invalidated
		s.mu.Unlock()
		s.finish([]finishedRequest{{req: r, err: s.aggregate(r, err)}})
		return
	}
	s.requests = append(s.requests, r)
	s.mu.Unlock()

	s.log.WithRequestID(r.id).Debugf("Readiness requested for %v", r.requested)
	s.drive()
}

// SetInterfaces records the interfaces the remote object implements. Only
// the first call has an effect.
func (s *Scheduler) SetInterfaces(interfaces []string) {
	list := append([]string(nil), interfaces...)
	s.loop.Post(func() {
		s.mu.Lock()
		if s.known {
			s.mu.Unlock()
			s.log.Warn("Interfaces already known, ignoring update")
			return
		}
		for _, iface := range list {
			s.interfaces[iface] = true
		}
		s.known = true
		s.mu.Unlock()

		s.log.Debugf("Interfaces known: %v", list)
		s.drive()
	})
}

// Invalidate fails every outstanding and future request with an
// invalidated error wrapping reason.
func (s *Scheduler) Invalidate(reason error) {
	s.loop.Post(func() {
		s.mu.Lock()
		if s.invalidated != nil {
			s.mu.Unlock()
			return
		}
		s.invalidated = NewInvalidatedError(reason)
		outstanding := s.requests
		s.requests = nil
		s.mu.Unlock()

		s.log.WithError(reason).Info("Proxy invalidated")

		finished := make([]finishedRequest, 0, len(outstanding))
		for _, r := range outstanding {
			finished = append(finished, finishedRequest{req: r, err: s.aggregate(r, s.invalidated)})
		}
		s.finish(finished)
	})
}

// Status returns the status of f, or "" if f is not declared.
func (s *Scheduler) Status(f Feature) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[f]
}

// Reason returns the error that made f Failed or Inapplicable.
func (s *Scheduler) Reason(f Feature) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reasons[f]
}

// IsReady reports whether all of fs are Ready.
func (s *Scheduler) IsReady(fs ...Feature) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range fs {
		if s.status[f] != StatusReady {
			return false
		}
	}
	return true
}

// IsInvalidated reports whether Invalidate has taken effect.
func (s *Scheduler) IsInvalidated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invalidated != nil
}

// HasInterface reports whether iface is known to be implemented.
func (s *Scheduler) HasInterface(iface string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interfaces[iface]
}

// Snapshot returns the status of every feature.
func (s *Scheduler) Snapshot() map[Feature]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[Feature]Status, len(s.status))
	for f, st := range s.status {
		out[f] = st
	}
	return out
}

// OnStatusChanged subscribes to feature status changes. fn runs on the loop.
func (s *Scheduler) OnStatusChanged(fn func(StatusChange)) (cancel func()) {
	return s.statusChanged.Subscribe(fn)
}

// drive propagates failures, settles requests and starts every feature
// whose prerequisites are ready.
func (s *Scheduler) drive() {
	s.mu.Lock()
	changes := s.propagateLocked()
	finished := s.resolveLocked()
	starting := s.startableLocked()
	for _, f := range starting {
		changes = append(changes, s.setLocked(f, StatusInProgress, nil))
	}
	s.mu.Unlock()

	s.notify(changes)
	s.finish(finished)
	for _, f := range starting {
		s.start(f)
	}
}

// propagateLocked marks Pending features that can no longer start. One pass
// in prerequisite order reaches the fixed point.
func (s *Scheduler) propagateLocked() []StatusChange {
	var changes []StatusChange

	for _, f := range s.graph.order {
		if s.status[f] != StatusPending {
			continue
		}
		spec := s.graph.specs[f]

		if s.known {
			if iface, missing := s.missingLocked(spec); missing {
				changes = append(changes, s.setLocked(f, StatusInapplicable, NewInapplicableError(f, iface)))
				continue
			}
		}

		for _, dep := range spec.DependsOn {
			switch s.status[dep] {
			case StatusFailed:
				changes = append(changes, s.setLocked(f, StatusFailed, NewDependencyFailedError(f, dep, s.reasons[dep])))
			case StatusInapplicable:
				changes = append(changes, s.setLocked(f, StatusInapplicable, NewDependencyInapplicableError(f, dep, s.reasons[dep])))
			default:
				continue
			}
			break
		}
	}
	return changes
}

func (s *Scheduler) missingLocked(spec *Spec) (string, bool) {
	for _, iface := range spec.Interfaces {
		if !s.interfaces[iface] {
			return iface, true
		}
	}
	return "", false
}

// resolveLocked removes and returns every request that can be settled.
func (s *Scheduler) resolveLocked() []finishedRequest {
	var finished []finishedRequest

	remaining := s.requests[:0]
	for _, r := range s.requests {
		if err := s.firstFailureLocked(r); err != nil {
			finished = append(finished, finishedRequest{req: r, err: s.aggregate(r, err)})
			continue
		}
		if s.allReadyLocked(r) {
			finished = append(finished, finishedRequest{req: r})
			continue
		}
		remaining = append(remaining, r)
	}
	for i := len(remaining); i < len(s.requests); i++ {
		s.requests[i] = nil
	}
	s.requests = remaining
	return finished
}

func (s *Scheduler) firstFailureLocked(r *request) error {
	for _, f := range s.unusable {
		if r.members[f] {
			return s.reasons[f]
		}
	}
	return nil
}

func (s *Scheduler) allReadyLocked(r *request) bool {
	for f := range r.members {
		if s.status[f] != StatusReady {
			return false
		}
	}
	return true
}

// startableLocked returns Pending features wanted by an outstanding request
// whose prerequisites are all Ready. Nothing starts before the interface set
// is known.
func (s *Scheduler) startableLocked() []Feature {
	if !s.known || s.invalidated != nil {
		return nil
	}

	wanted := make(map[Feature]bool)
	for _, r := range s.requests {
		for f := range r.members {
			wanted[f] = true
		}
	}

	var out []Feature
	for _, f := range s.graph.order {
		if !wanted[f] || s.status[f] != StatusPending {
			continue
		}
		ready := true
		for _, dep := range s.graph.specs[f].DependsOn {
			if s.status[dep] != StatusReady {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, f)
		}
	}
	return out
}

func (s *Scheduler) setLocked(f Feature, to Status, reason error) StatusChange {
	from := s.status[f]
	s.status[f] = to
	if reason != nil {
		s.reasons[f] = reason
	}
	if to.IsUnusable() {
		s.unusable = append(s.unusable, f)
	}
	return StatusChange{Feature: f, From: from, To: to, Err: reason}
}

// start invokes the introspection routine of f.
func (s *Scheduler) start(f Feature) {
	spec := s.graph.specs[f]
	ctx, span := s.opts.Tracer.StartFeatureSpan(s.opts.Context, s.opts.Source, string(f))
	began := time.Now()

	var once sync.Once
	done := func(err error) {
		once.Do(func() {
			s.loop.Post(func() {
				telemetry.EndSpan(span, err)
				s.complete(f, began, err)
			})
		})
	}

	if spec.Introspect == nil {
		done(nil)
		return
	}
	spec.Introspect(ctx, done)
}

func (s *Scheduler) complete(f Feature, began time.Time, err error) {
	s.mu.Lock()
	if s.status[f] != StatusInProgress {
		s.mu.Unlock()
		return
	}
	var change StatusChange
	result := "ready"
	if err == nil {
		change = s.setLocked(f, StatusReady, nil)
	} else {
		change = s.setLocked(f, StatusFailed, NewFailedError(f, err))
		result = "failed"
	}
	s.mu.Unlock()

	s.opts.Metrics.RecordFeatureIntrospection(string(f), result, time.Since(began))
	s.notify([]StatusChange{change})
	s.drive()
}

func (s *Scheduler) notify(changes []StatusChange) {
	for _, c := range changes {
		log := s.log.WithFeature(string(c.Feature))
		switch c.To {
		case StatusInProgress:
			log.Debug("Starting feature introspection")
		case StatusReady:
			log.Info("Feature ready")
		case StatusFailed:
			log.WithError(c.Err).Warn("Feature failed")
			s.opts.Metrics.RecordError(string(ErrorClassFailed), errorCode(c.Err))
		case StatusInapplicable:
			log.WithError(c.Err).Info("Feature inapplicable")
		}

		if err := s.opts.Events.PublishFeatureStatus(s.opts.Source, string(c.Feature), string(c.From), string(c.To), c.Err); err != nil {
			log.WithError(err).Debug("Failed to publish feature status")
		}
		s.statusChanged.Emit(c)
	}
}

func (s *Scheduler) finish(finished []finishedRequest) {
	for _, fr := range finished {
		r := fr.req
		if !r.pending.Finish(struct{}{}, fr.err) {
			continue
		}

		names := make([]string, len(r.requested))
		for i, f := range r.requested {
			names[i] = string(f)
		}

		log := s.log.WithRequestID(r.id)
		if fr.err != nil {
			log.WithError(fr.err).Debug("Readiness request failed")
			s.opts.Metrics.RecordReadinessRequest("failed")
		} else {
			log.Debug("Readiness request completed")
			s.opts.Metrics.RecordReadinessRequest("success")
		}
		_ = s.opts.Events.PublishReadiness(s.opts.Source, r.id, names, fr.err, time.Since(r.started))
	}
}

func (s *Scheduler) aggregate(r *request, first error) error {
	return &AggregatedError{RequestID: r.id, Requested: r.requested, First: first}
}

func errorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func uniqueFeatures(fs []Feature) []Feature {
	seen := make(map[Feature]bool, len(fs))
	out := make([]Feature, 0, len(fs))
	for _, f := range fs {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
