// Package memory implements an in-process bus for tests and offline runs.
// Remote objects, their property groups, connections and scheduled signals
// are described by a Scenario or set up programmatically.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/busproxy/pkg/bus"
	"github.com/openfroyo/busproxy/pkg/capabilities"
	"github.com/openfroyo/busproxy/pkg/signals"
)

type object struct {
	interfaces []string
	groups     map[string]bus.PropertyMap
	errors     map[string]*bus.RemoteError
}

type connSpec struct {
	status bus.ConnectionStatus
	caps   capabilities.Set
	err    *bus.RemoteError
}

type subKey struct {
	path  bus.ObjectPath
	iface string
}

// Bus is an in-memory implementation of bus.Client and bus.ConnectionBuilder.
type Bus struct {
	id string

	mu       sync.Mutex
	latency  time.Duration
	objects  map[bus.ObjectPath]*object
	conns    map[bus.ObjectPath]*connSpec
	subs     map[subKey]map[uint64]bus.SignalHandler
	nextSub  uint64
	holds    map[string]chan struct{}
	builds   []bus.ObjectPath
	fetches  []string
	built    map[bus.ObjectPath][]*Connection
	schedule []SignalSpec
}

// New creates an empty bus with the given identity.
func New(id string) *Bus {
	return &Bus{
		id:      id,
		objects: make(map[bus.ObjectPath]*object),
		conns:   make(map[bus.ObjectPath]*connSpec),
		subs:    make(map[subKey]map[uint64]bus.SignalHandler),
		holds:   make(map[string]chan struct{}),
		built:   make(map[bus.ObjectPath][]*Connection),
	}
}

// ID implements bus.Client.
func (b *Bus) ID() string {
	return b.id
}

// SetLatency delays every fetch and build by d.
func (b *Bus) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// AddObject registers a remote object implementing interfaces.
func (b *Bus) AddObject(path bus.ObjectPath, interfaces ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj := b.objectLocked(path)
	obj.interfaces = append([]string(nil), interfaces...)
}

// SetGroup sets the properties returned for iface on path.
func (b *Bus) SetGroup(path bus.ObjectPath, iface string, props bus.PropertyMap) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj := b.objectLocked(path)
	obj.groups[iface] = props.Clone()
	delete(obj.errors, iface)
}

// FailGroup makes fetches of iface on path fail with err.
func (b *Bus) FailGroup(path bus.ObjectPath, iface string, err *bus.RemoteError) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj := b.objectLocked(path)
	obj.errors[iface] = err
}

func (b *Bus) objectLocked(path bus.ObjectPath) *object {
	obj, ok := b.objects[path]
	if !ok {
		obj = &object{
			groups: make(map[string]bus.PropertyMap),
			errors: make(map[string]*bus.RemoteError),
		}
		b.objects[path] = obj
	}
	return obj
}

// AddConnection registers a connection that Build can construct.
func (b *Bus) AddConnection(path bus.ObjectPath, status bus.ConnectionStatus, caps capabilities.Set) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[path] = &connSpec{status: status, caps: caps.Clone()}
}

// FailConnection makes builds of path fail with err.
func (b *Bus) FailConnection(path bus.ObjectPath, err *bus.RemoteError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[path] = &connSpec{err: err}
}

// Hold blocks fetches of iface on path, or builds of path when iface is "",
// until release is called.
func (b *Bus) Hold(path bus.ObjectPath, iface string) (release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := holdKey(path, iface)
	ch := make(chan struct{})
	b.holds[key] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.holds[key] == ch {
				delete(b.holds, key)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

func holdKey(path bus.ObjectPath, iface string) string {
	return string(path) + "|" + iface
}

// wait applies latency and any hold for key.
func (b *Bus) wait(ctx context.Context, key string) error {
	b.mu.Lock()
	latency := b.latency
	hold := b.holds[key]
	b.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// FetchProperties implements bus.Client.
func (b *Bus) FetchProperties(ctx context.Context, path bus.ObjectPath, iface string) (bus.PropertyMap, error) {
	b.mu.Lock()
	b.fetches = append(b.fetches, holdKey(path, iface))
	b.mu.Unlock()

	if err := b.wait(ctx, holdKey(path, iface)); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[path]
	if !ok {
		return nil, bus.NewRemoteError(bus.ErrorServiceUnknown, fmt.Sprintf("no object at %s", path))
	}
	if err, ok := obj.errors[iface]; ok {
		return nil, err
	}
	props, ok := obj.groups[iface]
	if !ok {
		return nil, bus.NewRemoteError(bus.ErrorUnknownInterface, fmt.Sprintf("%s does not implement %s", path, iface))
	}
	return props.Clone(), nil
}

// DiscoverInterfaces implements bus.Client.
func (b *Bus) DiscoverInterfaces(ctx context.Context, path bus.ObjectPath) ([]string, error) {
	if err := b.wait(ctx, holdKey(path, "#interfaces")); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[path]
	if !ok {
		return nil, bus.NewRemoteError(bus.ErrorServiceUnknown, fmt.Sprintf("no object at %s", path))
	}
	return append([]string(nil), obj.interfaces...), nil
}

// Subscribe implements bus.Client.
func (b *Bus) Subscribe(path bus.ObjectPath, iface string, handler bus.SignalHandler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := subKey{path: path, iface: iface}
	if b.subs[key] == nil {
		b.subs[key] = make(map[uint64]bus.SignalHandler)
	}
	b.nextSub++
	id := b.nextSub
	b.subs[key][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[key], id)
	}
}

// Emit delivers a signal to subscribers, in subscription order, on the
// caller's goroutine.
func (b *Bus) Emit(sig bus.Signal) {
	b.mu.Lock()
	handlers := b.subs[subKey{path: sig.Path, iface: sig.Interface}]
	ids := make([]uint64, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ordered := make([]bus.SignalHandler, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, handlers[id])
	}
	b.mu.Unlock()

	for _, h := range ordered {
		h(bus.Signal{
			Path:      sig.Path,
			Interface: sig.Interface,
			Member:    sig.Member,
			Body:      sig.Body.Clone(),
		})
	}
}

// Build implements bus.ConnectionBuilder. Every call returns a new object.
func (b *Bus) Build(ctx context.Context, path bus.ObjectPath) (bus.Connection, error) {
	b.mu.Lock()
	b.builds = append(b.builds, path)
	b.mu.Unlock()

	if err := b.wait(ctx, holdKey(path, "")); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	spec, ok := b.conns[path]
	if !ok {
		return nil, bus.NewRemoteError(bus.ErrorServiceUnknown, fmt.Sprintf("no connection at %s", path))
	}
	if spec.err != nil {
		return nil, spec.err
	}

	conn := &Connection{path: path, status: spec.status, caps: spec.caps.Clone()}
	b.built[path] = append(b.built[path], conn)
	return conn, nil
}

// Builds returns every path passed to Build, in call order.
func (b *Bus) Builds() []bus.ObjectPath {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.ObjectPath(nil), b.builds...)
}

// Fetches returns "path|iface" for every FetchProperties call, in call order.
func (b *Bus) Fetches() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.fetches...)
}

// LastBuilt returns the most recent connection built for path.
func (b *Bus) LastBuilt(path bus.ObjectPath) *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.built[path]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Connection is an in-memory connection object.
type Connection struct {
	path bus.ObjectPath

	mu       sync.Mutex
	status   bus.ConnectionStatus
	caps     capabilities.Set
	released bool

	statusChanged signals.List[bus.ConnectionStatus]
}

// ObjectPath implements bus.Connection.
func (c *Connection) ObjectPath() bus.ObjectPath {
	return c.path
}

// Status implements bus.Connection.
func (c *Connection) Status() bus.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Capabilities implements bus.Connection.
func (c *Connection) Capabilities() capabilities.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps.Clone()
}

// OnStatusChanged implements bus.Connection.
func (c *Connection) OnStatusChanged(fn func(bus.ConnectionStatus)) (cancel func()) {
	return c.statusChanged.Subscribe(fn)
}

// Release implements bus.Connection.
func (c *Connection) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
}

// Released reports whether the proxy released this connection.
func (c *Connection) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// SetStatus changes the status and notifies subscribers.
func (c *Connection) SetStatus(s bus.ConnectionStatus) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	c.statusChanged.Emit(s)
}

// SetCapabilities replaces the connection's capabilities. Call SetStatus
// afterwards to make proxies notice.
func (c *Connection) SetCapabilities(caps capabilities.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps = caps.Clone()
}
