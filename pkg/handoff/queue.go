// Package handoff serializes replacements of a proxy's live resource. Targets
// are processed strictly in enqueue order with at most one build in flight;
// the live resource is always the result of the most recently completed
// build.
package handoff

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/busproxy/pkg/bus"
	"github.com/openfroyo/busproxy/pkg/loop"
	"github.com/openfroyo/busproxy/pkg/signals"
	"github.com/openfroyo/busproxy/pkg/telemetry"
)

// Resource is anything built for a target path.
type Resource interface {
	ObjectPath() bus.ObjectPath
}

// Builder constructs the resource for target. It runs on its own goroutine.
type Builder[R Resource] func(ctx context.Context, target bus.ObjectPath) (R, error)

// Options configures a Queue.
type Options[R Resource] struct {
	// Release is called for every resource the queue stops holding, after
	// its replacement is in place.
	Release func(R)

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher

	// Source identifies the owning proxy in logs, spans and events.
	Source string

	// Context is passed to the builder. Defaults to context.Background.
	Context context.Context
}

// Change reports a transition of the live resource.
type Change[R Resource] struct {
	Previous    R
	HadPrevious bool
	Current     R
	HasCurrent  bool

	// Target is the entry that caused the change.
	Target bus.ObjectPath

	// Err is set when the build of Target failed.
	Err error
}

// Queue is a FIFO of target paths feeding a single-flight builder.
type Queue[R Resource] struct {
	loop  *loop.Loop
	build Builder[R]
	opts  Options[R]
	log   *telemetry.Logger

	mu       sync.RWMutex
	entries  []bus.ObjectPath
	building bool
	target   bus.ObjectPath
	live     R
	hasLive  bool
	closed   bool
	waiters  []func()

	changed signals.List[Change[R]]
}

// New creates an idle queue with no live resource.
func New[R Resource](l *loop.Loop, build Builder[R], opts Options[R]) *Queue[R] {
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Queue[R]{
		loop:  l,
		build: build,
		opts:  opts,
		log:   opts.Logger.NewComponentLogger("handoff").WithObjectPath(opts.Source),
	}
}

// Enqueue appends target. An empty path, or "/", drops the live resource
// when its turn comes.
func (q *Queue[R]) Enqueue(target bus.ObjectPath) {
	target = target.Normalize()
	q.loop.Post(func() {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.entries = append(q.entries, target)
		depth := len(q.entries)
		q.mu.Unlock()

		q.opts.Metrics.SetHandoffQueueDepth(depth)
		q.process()
	})
}

// NotifyDrained calls fn on the loop once nothing is building and no entry
// is pending. If the queue is already drained fn runs on the next loop turn.
func (q *Queue[R]) NotifyDrained(fn func()) {
	q.loop.Post(func() {
		q.mu.Lock()
		if !q.building && len(q.entries) == 0 {
			q.mu.Unlock()
			fn()
			return
		}
		q.waiters = append(q.waiters, fn)
		q.mu.Unlock()
	})
}

// OnChanged subscribes to live resource transitions. fn runs on the loop.
func (q *Queue[R]) OnChanged(fn func(Change[R])) (cancel func()) {
	return q.changed.Subscribe(fn)
}

// Live returns the live resource.
func (q *Queue[R]) Live() (R, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.live, q.hasLive
}

// Pending returns the entries waiting behind the current build.
func (q *Queue[R]) Pending() []bus.ObjectPath {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]bus.ObjectPath(nil), q.entries...)
}

// Building returns the target being built, if any.
func (q *Queue[R]) Building() (bus.ObjectPath, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.target, q.building
}

// Close discards pending entries and releases the live resource without
// emitting a change. A build in flight is released when it completes.
func (q *Queue[R]) Close() {
	q.loop.Post(func() {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.closed = true
		q.entries = nil
		q.waiters = nil
		live, had := q.live, q.hasLive
		var zero R
		q.live, q.hasLive = zero, false
		q.mu.Unlock()

		if had {
			q.release(live)
		}
	})
}

// process dequeues entries until a build is started or the queue is empty.
func (q *Queue[R]) process() {
	for {
		q.mu.Lock()
		if q.building || q.closed || len(q.entries) == 0 {
			var waiters []func()
			if !q.building && len(q.entries) == 0 {
				waiters, q.waiters = q.waiters, nil
			}
			depth := len(q.entries)
			q.mu.Unlock()

			q.opts.Metrics.SetHandoffQueueDepth(depth)
			for _, fn := range waiters {
				fn()
			}
			return
		}

		target := q.entries[0]
		q.entries = q.entries[1:]

		if target.IsNone() {
			q.mu.Unlock()
			q.drop()
			continue
		}

		if q.hasLive && q.live.ObjectPath() == target {
			q.mu.Unlock()
			q.log.WithTarget(string(target)).Debug("Target already live, skipping build")
			continue
		}

		q.building = true
		q.target = target
		q.mu.Unlock()

		q.startBuild(target)
	}
}

// drop releases the live resource, if any.
func (q *Queue[R]) drop() {
	q.mu.Lock()
	if !q.hasLive {
		q.mu.Unlock()
		return
	}
	prev := q.live
	var zero R
	q.live, q.hasLive = zero, false
	q.mu.Unlock()

	q.log.WithTarget(string(prev.ObjectPath())).Info("Live resource dropped")
	_ = q.opts.Events.PublishConnectionDropped(q.opts.Source, string(prev.ObjectPath()))
	q.release(prev)
	q.changed.Emit(Change[R]{Previous: prev, HadPrevious: true, Target: bus.NoObject})
}

func (q *Queue[R]) startBuild(target bus.ObjectPath) {
	log := q.log.WithTarget(string(target))
	log.Debug("Building resource")

	ctx, span := q.opts.Tracer.StartHandoffSpan(q.opts.Context, q.opts.Source, string(target))
	began := time.Now()

	loop.Go(q.loop, ctx, func(ctx context.Context) (R, error) {
		return q.build(ctx, target)
	}, func(r R, err error) {
		telemetry.EndSpan(span, err)
		q.finishBuild(target, r, err, time.Since(began))
	})
}

func (q *Queue[R]) finishBuild(target bus.ObjectPath, r R, err error, took time.Duration) {
	log := q.log.WithTarget(string(target))

	q.mu.Lock()
	q.building = false
	q.target = bus.NoObject
	if q.closed {
		q.mu.Unlock()
		if err == nil {
			q.release(r)
		}
		return
	}

	prev, hadPrev := q.live, q.hasLive
	var zero R
	change := Change[R]{Previous: prev, HadPrevious: hadPrev, Target: target}
	if err != nil {
		q.live, q.hasLive = zero, false
		change.Err = err
	} else {
		q.live, q.hasLive = r, true
		change.Current, change.HasCurrent = r, true
	}
	q.mu.Unlock()

	if err != nil {
		log.WithError(err).Warn("Resource build failed")
		q.opts.Metrics.RecordHandoffBuild("failed")
		_ = q.opts.Events.PublishConnectionFailed(q.opts.Source, string(target), err)
	} else {
		log.Infof("Resource built in %s", took)
		q.opts.Metrics.RecordHandoffBuild("built")
		_ = q.opts.Events.PublishConnectionBuilt(q.opts.Source, string(target), took)
	}

	if hadPrev {
		q.release(prev)
	}
	q.changed.Emit(change)
	q.process()
}

func (q *Queue[R]) release(r R) {
	if q.opts.Release != nil {
		q.opts.Release(r)
	}
}
