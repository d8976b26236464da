package bus

import (
	"context"
	"fmt"
	"sync"
)

// Channel dispatcher coordinates used for the request hints lookup.
const (
	DispatcherPath      ObjectPath = "/org/freedesktop/Telepathy/ChannelDispatcher"
	DispatcherInterface            = "org.freedesktop.Telepathy.ChannelDispatcher"
)

// SharedContexts hands out one SharedContext per bus. A context lives as long
// as its longest holder: it is dropped when the last holder releases it.
type SharedContexts struct {
	mu       sync.Mutex
	contexts map[string]*SharedContext
}

// NewSharedContexts creates an empty registry.
func NewSharedContexts() *SharedContexts {
	return &SharedContexts{contexts: make(map[string]*SharedContext)}
}

// Acquire returns the context for client's bus and takes a reference on it.
func (r *SharedContexts) Acquire(client Client) *SharedContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := client.ID()
	sc, ok := r.contexts[id]
	if !ok {
		sc = &SharedContext{busID: id, client: client}
		r.contexts[id] = sc
	}
	sc.refs++
	return sc
}

// Release drops one reference. It returns an error if sc is not held.
func (r *SharedContexts) Release(sc *SharedContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.contexts[sc.busID]
	if !ok || current != sc || sc.refs == 0 {
		return fmt.Errorf("shared context for bus %s is not held", sc.busID)
	}

	sc.refs--
	if sc.refs == 0 {
		delete(r.contexts, sc.busID)
	}
	return nil
}

// Len returns the number of live contexts.
func (r *SharedContexts) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// SharedContext caches per-bus facts shared by all proxies on that bus.
type SharedContext struct {
	busID  string
	client Client
	refs   int // guarded by SharedContexts.mu

	mu            sync.Mutex
	hintsDone     chan struct{}
	supportsHints bool
	hintsErr      error
}

// BusID returns the bus identity.
func (sc *SharedContext) BusID() string {
	return sc.busID
}

// SupportsRequestHints asks the channel dispatcher whether it accepts
// request hints. The lookup runs once per bus; concurrent callers wait for
// the same answer.
//
// A dispatcher that does not implement the property answers false with no
// error. Other failures also answer false, and the error is returned to
// every caller so it can be logged.
func (sc *SharedContext) SupportsRequestHints(ctx context.Context) (bool, error) {
	sc.mu.Lock()
	if sc.hintsDone == nil {
		sc.hintsDone = make(chan struct{})
		go sc.lookupHints()
	}
	done := sc.hintsDone
	sc.mu.Unlock()

	select {
	case <-done:
		return sc.supportsHints, sc.hintsErr
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (sc *SharedContext) lookupHints() {
	defer close(sc.hintsDone)

	props, err := sc.client.FetchProperties(context.Background(), DispatcherPath, DispatcherInterface)
	if err != nil {
		if IsNotImplemented(err) {
			return
		}
		sc.hintsErr = fmt.Errorf("channel dispatcher request hints lookup: %w", err)
		return
	}

	if v, ok := props["SupportsRequestHints"].(bool); ok {
		sc.supportsHints = v
	}
}
