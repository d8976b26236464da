// Package properties mirrors the remote properties of one proxy. Updates
// arrive as partial maps; the cache stores what changed, recomputes derived
// values and reports changes to subscribers once the whole batch is applied.
package properties

import (
	"reflect"
	"sort"
	"sync"

	"github.com/openfroyo/busproxy/pkg/signals"
	"github.com/openfroyo/busproxy/pkg/telemetry"
)

type unknown struct{}

func (unknown) String() string { return "<unknown>" }

// Unknown is the value of a property that has not been fetched.
var Unknown any = unknown{}

// IsUnknown reports whether v is Unknown.
func IsUnknown(v any) bool {
	_, ok := v.(unknown)
	return ok
}

// Kind tells raw remote properties from locally derived ones.
type Kind string

const (
	KindRaw     Kind = "raw"
	KindDerived Kind = "derived"
	KindSticky  Kind = "sticky"
)

// Change describes one property whose value changed.
type Change struct {
	Name string
	Old  any
	New  any
	Kind Kind
}

// DerivedRule computes a property from other properties. Compute runs
// whenever one of Inputs changes; a change event fires only if the result
// differs from the previous one.
type DerivedRule struct {
	Name    string
	Inputs  []string
	Compute func(get func(name string) any) any
}

// Hook runs inside a batch after all raw values are stored and before
// derived rules. It may rewrite raw values through the Batch. Hooks run with
// the cache locked and must not call Cache methods.
type Hook func(b *Batch)

// Options configures a Cache.
type Options struct {
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher

	// Source identifies the proxy in logs and events.
	Source string
}

type stickyFlag struct {
	gate func() bool
}

// Cache holds the property values of one proxy. It is mutated only through
// ApplyDiff; reads are safe from any goroutine.
type Cache struct {
	opts Options
	log  *telemetry.Logger

	mu      sync.RWMutex
	values  map[string]any
	derived []DerivedRule
	hooks   []Hook
	sticky  map[string]*stickyFlag

	changed     signals.List[Change]
	stickyFired signals.List[string]
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}
	return &Cache{
		opts:   opts,
		log:    opts.Logger.NewComponentLogger("properties").WithObjectPath(opts.Source),
		values: make(map[string]any),
		sticky: make(map[string]*stickyFlag),
	}
}

// AddDerived registers a derived rule. Rules run in registration order, so a
// rule may use the output of an earlier one.
func (c *Cache) AddDerived(rule DerivedRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.derived = append(c.derived, rule)
}

// AddHook registers a batch hook.
func (c *Cache) AddHook(h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// AddSticky makes the boolean property name sticky: once true it never
// returns to false. The first false to true transition fires OnSticky if
// gate returns true at that moment.
func (c *Cache) AddSticky(name string, gate func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sticky[name] = &stickyFlag{gate: gate}
}

// Get returns the value of name, or Unknown.
func (c *Cache) Get(name string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[name]; ok {
		return v
	}
	return Unknown
}

// Lookup returns the value of name and whether it is known.
func (c *Cache) Lookup(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

// Snapshot returns a copy of every known value.
func (c *Cache) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// OnChanged subscribes to property changes.
func (c *Cache) OnChanged(fn func(Change)) (cancel func()) {
	return c.changed.Subscribe(fn)
}

// OnSticky subscribes to the one-time transition of sticky flags.
func (c *Cache) OnSticky(fn func(name string)) (cancel func()) {
	return c.stickyFired.Subscribe(fn)
}

// ApplyDiff stores the values in partial and returns the names of raw
// properties whose value changed, sorted. Re-delivering identical values is a
// no-op. Change events fire after the whole batch is applied: raw changes by
// name, then derived changes in rule order, then sticky transitions.
func (c *Cache) ApplyDiff(partial map[string]any) []string {
	c.mu.Lock()

	b := &Batch{cache: c, old: make(map[string]any)}
	names := make([]string, 0, len(partial))
	for name := range partial {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := partial[name]
		if _, ok := c.sticky[name]; ok && isTrue(c.values[name]) && !isTrue(v) {
			continue
		}
		b.Set(name, v)
	}

	for _, h := range c.hooks {
		h(b)
	}

	raw := b.effective()

	derivedChanged := make(map[string]bool)
	var derived []Change
	for _, rule := range c.derived {
		if !anyChanged(rule.Inputs, b, derivedChanged) {
			continue
		}
		old, had := c.values[rule.Name]
		if !had {
			old = Unknown
		}
		v := rule.Compute(c.getLocked)
		if had && reflect.DeepEqual(old, v) {
			continue
		}
		c.values[rule.Name] = v
		derivedChanged[rule.Name] = true
		derived = append(derived, Change{Name: rule.Name, Old: old, New: v, Kind: KindDerived})
	}

	var stickies []string
	for _, ch := range raw {
		flag, ok := c.sticky[ch.Name]
		if !ok || isTrue(ch.Old) || !isTrue(ch.New) {
			continue
		}
		if flag.gate == nil || flag.gate() {
			stickies = append(stickies, ch.Name)
		}
	}
	c.mu.Unlock()

	rawNames := make([]string, len(raw))
	for i, ch := range raw {
		rawNames[i] = ch.Name
	}

	if len(raw)+len(derived) > 0 {
		c.log.Debugf("Applied property batch: %d raw, %d derived changed", len(raw), len(derived))
	}
	c.opts.Metrics.RecordPropertyChanges(string(KindRaw), len(raw))
	c.opts.Metrics.RecordPropertyChanges(string(KindDerived), len(derived))
	c.opts.Metrics.RecordPropertyChanges(string(KindSticky), len(stickies))

	for _, ch := range raw {
		c.emit(ch)
	}
	for _, ch := range derived {
		c.emit(ch)
	}
	for _, name := range stickies {
		c.log.WithField("property", name).Info("Sticky flag set")
		c.stickyFired.Emit(name)
	}

	return rawNames
}

func (c *Cache) emit(ch Change) {
	if err := c.opts.Events.PublishPropertyChanged(c.opts.Source, ch.Name, string(ch.Kind), ch.New); err != nil {
		c.log.WithError(err).Debug("Failed to publish property change")
	}
	c.changed.Emit(ch)
}

func (c *Cache) getLocked(name string) any {
	if v, ok := c.values[name]; ok {
		return v
	}
	return Unknown
}

func anyChanged(inputs []string, b *Batch, derived map[string]bool) bool {
	for _, in := range inputs {
		if b.Changed(in) || derived[in] {
			return true
		}
	}
	return false
}

func isTrue(v any) bool {
	t, ok := v.(bool)
	return ok && t
}

// Batch is the set of raw changes being applied by one ApplyDiff call.
type Batch struct {
	cache *Cache
	order []string
	old   map[string]any
}

// Changed reports whether name was written in this batch.
func (b *Batch) Changed(name string) bool {
	_, ok := b.old[name]
	return ok
}

// Get returns the current value of name, or Unknown.
func (b *Batch) Get(name string) any {
	return b.cache.getLocked(name)
}

// Old returns the value name had before this batch, or Unknown.
func (b *Batch) Old(name string) any {
	if old, ok := b.old[name]; ok {
		return old
	}
	return b.Get(name)
}

// Set stores a raw value as part of the batch.
func (b *Batch) Set(name string, v any) {
	current, had := b.cache.values[name]
	if had && reflect.DeepEqual(current, v) {
		return
	}
	if _, seen := b.old[name]; !seen {
		if !had {
			current = Unknown
		}
		b.old[name] = current
		b.order = append(b.order, name)
	}
	b.cache.values[name] = v
}

// effective returns the raw changes that survived the batch, sorted by name.
func (b *Batch) effective() []Change {
	out := make([]Change, 0, len(b.order))
	for _, name := range b.order {
		old := b.old[name]
		v := b.cache.values[name]
		if !IsUnknown(old) && reflect.DeepEqual(old, v) {
			continue
		}
		out = append(out, Change{Name: name, Old: old, New: v, Kind: KindRaw})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
