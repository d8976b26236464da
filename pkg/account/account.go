// Package account implements the account proxy: a local mirror of a remote
// account object whose state becomes readable feature by feature.
//
// An Account ties together the readiness scheduler, the property cache, the
// connection handoff queue and the capability resolver. All of them live on
// one loop; every remote completion and signal is posted there.
package account

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/openfroyo/busproxy/pkg/bus"
	"github.com/openfroyo/busproxy/pkg/capabilities"
	"github.com/openfroyo/busproxy/pkg/handoff"
	"github.com/openfroyo/busproxy/pkg/loop"
	"github.com/openfroyo/busproxy/pkg/profile"
	"github.com/openfroyo/busproxy/pkg/properties"
	"github.com/openfroyo/busproxy/pkg/readiness"
	"github.com/openfroyo/busproxy/pkg/signals"
	"github.com/openfroyo/busproxy/pkg/telemetry"
)

// Options configures an Account.
type Options struct {
	// Loop runs the proxy's state changes. When nil the account creates its
	// own loop and closes it in Close.
	Loop *loop.Loop

	// Client reaches the remote objects.
	Client bus.Client

	// Builder constructs connection objects named by the Connection property.
	Builder bus.ConnectionBuilder

	// Contexts hands out the per-bus shared context. When nil a private
	// registry is used.
	Contexts *bus.SharedContexts

	// Profiles looks up service profiles. When nil every service has an
	// empty denylist.
	Profiles profile.Source

	Telemetry *telemetry.Telemetry

	// Context is passed to collaborator calls. Defaults to
	// context.Background.
	Context context.Context
}

// Account is the proxy for one remote account object.
type Account struct {
	path     bus.ObjectPath
	cmName   string
	protocol string

	loop     *loop.Loop
	ownsLoop bool
	ctx      context.Context

	client   bus.Client
	contexts *bus.SharedContexts
	shared   *bus.SharedContext
	profiles profile.Source
	tel      *telemetry.Telemetry
	log      *telemetry.Logger

	sched    *readiness.Scheduler
	cache    *properties.Cache
	queue    *handoff.Queue[bus.Connection]
	resolver *capabilities.Resolver

	hints atomic.Bool

	// Loop-owned.
	subs          []func()
	avatarSub     func()
	connStatusSub func()
	removed       bool
	closed        bool

	firstOnline       signals.List[struct{}]
	connectionChanged signals.List[ConnectionChange]
	removedSignal     signals.List[struct{}]
}

// New creates the proxy for the account at path and starts discovering its
// interfaces. Nothing else is fetched until BecomeReady is called.
func New(path bus.ObjectPath, opts Options) (*Account, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("account %s: bus client is required", path)
	}
	if opts.Builder == nil {
		return nil, fmt.Errorf("account %s: connection builder is required", path)
	}
	cmName, protocol, _, err := ParseAccountPath(path)
	if err != nil {
		return nil, err
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	contexts := opts.Contexts
	if contexts == nil {
		contexts = bus.NewSharedContexts()
	}

	a := &Account{
		path:     path,
		cmName:   cmName,
		protocol: protocol,
		loop:     opts.Loop,
		ctx:      ctx,
		client:   opts.Client,
		contexts: contexts,
		profiles: opts.Profiles,
		tel:      tel,
		log:      tel.Logger.NewComponentLogger("account").WithObjectPath(string(path)),
	}
	if a.loop == nil {
		a.loop = loop.New()
		a.ownsLoop = true
	}
	a.shared = contexts.Acquire(opts.Client)
	source := string(path)

	a.cache = properties.New(properties.Options{
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
		Events:  tel.Events,
		Source:  source,
	})
	a.cache.AddHook(statusHook)
	a.cache.AddDerived(properties.DerivedRule{
		Name:    PropServiceName,
		Inputs:  []string{PropService, PropProtocolName},
		Compute: computeServiceName,
	})
	a.cache.AddDerived(properties.DerivedRule{
		Name:    PropIconName,
		Inputs:  []string{PropIcon, PropProfileIcon, PropProtocolIcon, PropProtocolName},
		Compute: computeIconName,
	})

	graph, err := readiness.NewGraph(FeatureCore, a.featureSpecs()...)
	if err != nil {
		_ = contexts.Release(a.shared)
		return nil, fmt.Errorf("account %s: %w", path, err)
	}
	a.sched = readiness.NewScheduler(a.loop, graph, readiness.Options{
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
		Tracer:  tel.Tracer,
		Events:  tel.Events,
		Source:  source,
		Context: ctx,
	})
	a.cache.AddSticky(PropHasBeenOnline, func() bool { return a.sched.IsReady(FeatureCore) })

	a.queue = handoff.New[bus.Connection](a.loop, opts.Builder.Build, handoff.Options[bus.Connection]{
		Release: func(c bus.Connection) { c.Release() },
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
		Tracer:  tel.Tracer,
		Events:  tel.Events,
		Source:  source,
		Context: ctx,
	})
	a.queue.OnChanged(a.onHandoff)

	a.resolver = capabilities.NewResolver(capabilities.ResolverOptions{
		Gate:    func() bool { return a.sched.IsReady(FeatureCapabilities) },
		Logger:  a.log,
		Metrics: tel.Metrics,
	})
	a.resolver.OnChanged(func(set capabilities.Set) {
		if err := tel.Events.PublishCapabilitiesChanged(source, classNames(set)); err != nil {
			a.log.WithError(err).Debug("Failed to publish capabilities change")
		}
	})

	a.cache.OnSticky(func(name string) {
		if name == PropHasBeenOnline {
			a.firstOnline.Emit(struct{}{})
		}
	})

	// Locally known facts are part of the cache from the start.
	a.cache.ApplyDiff(map[string]any{
		PropConnectionManagerName: cmName,
		PropProtocolName:          protocol,
	})

	a.subs = append(a.subs, a.client.Subscribe(path, Interface, a.onAccountSignal))

	loop.Go(a.loop, ctx, func(ctx context.Context) ([]string, error) {
		return a.client.DiscoverInterfaces(ctx, path)
	}, func(ifaces []string, err error) {
		if err != nil {
			a.log.WithError(err).Warn("Interface discovery failed")
			a.sched.Invalidate(err)
			return
		}
		a.sched.SetInterfaces(ifaces)
	})

	tel.Metrics.ProxyOpened()
	a.log.Debug("Account proxy created")
	return a, nil
}

// onAccountSignal runs on the transport goroutine.
func (a *Account) onAccountSignal(sig bus.Signal) {
	switch sig.Member {
	case "AccountPropertyChanged":
		props := sig.Body.Clone()
		a.loop.Post(func() { a.applyProperties(props) })
	case "Removed":
		a.loop.Post(a.onRemoved)
	}
}

// applyProperties merges a partial property map into the cache. It runs on
// the loop.
func (a *Account) applyProperties(props bus.PropertyMap) {
	if a.removed || a.closed {
		return
	}

	partial := make(map[string]any, len(props))
	for name, v := range props {
		switch name {
		case PropAutomaticPresence, PropCurrentPresence, PropRequestedPresence:
			p, err := decodePresence(v)
			if err != nil {
				a.log.WithField("property", name).WithError(err).Warn("Ignoring malformed presence")
				continue
			}
			partial[name] = p
		case PropConnection:
			partial[name] = string(objectPathValue(v))
		case PropConnectionStatus:
			if s, ok := statusValue(v); ok {
				partial[name] = s
			}
		case PropConnectionStatusReason:
			if n, ok := uintValue(v); ok {
				partial[name] = bus.ConnectionStatusReason(n)
			}
		default:
			partial[name] = v
		}
	}

	changed := a.cache.ApplyDiff(partial)

	if _, ok := partial[PropConnection]; ok {
		a.queue.Enqueue(objectPathValue(partial[PropConnection]))
	}

	for _, name := range changed {
		switch name {
		case PropConnectionStatus:
			a.resolver.Invalidate()
		case PropService:
			if a.sched.IsReady(FeatureProfile) {
				a.loadProfile(a.ctx, a.ServiceName(), func(err error) {
					if err != nil {
						a.log.WithError(err).Warn("Profile reload failed")
					}
				})
			}
		}
	}
}

func (a *Account) onRemoved() {
	if a.removed {
		return
	}
	a.removed = true

	a.log.Info("Account removed")
	a.cache.ApplyDiff(map[string]any{
		PropValid:   false,
		PropEnabled: false,
	})
	a.sched.Invalidate(bus.NewRemoteError(bus.ErrorObjectRemoved, "Account removed from AccountManager"))
	if err := a.tel.Events.PublishProxyRemoved(string(a.path)); err != nil {
		a.log.WithError(err).Debug("Failed to publish removal")
	}
	a.removedSignal.Emit(struct{}{})
}

// ProfileUpdated replaces the profile of service. It is meant for profile
// watchers; updates for other services are ignored. A nil profile means the
// service no longer has one.
func (a *Account) ProfileUpdated(service string, p *profile.Profile) {
	a.loop.Post(func() {
		if a.closed || service != a.ServiceName() || !a.sched.IsReady(FeatureProfile) {
			return
		}
		a.log.WithField("service", service).Info("Profile updated")
		a.useProfile(p)
	})
}

// BecomeReady requests features, plus FeatureCore.
func (a *Account) BecomeReady(features ...readiness.Feature) *loop.Pending[struct{}] {
	return a.sched.RequestReady(features...)
}

// IsReady reports whether all of features are Ready.
func (a *Account) IsReady(features ...readiness.Feature) bool {
	return a.sched.IsReady(features...)
}

// FeatureStatus returns the status of f.
func (a *Account) FeatureStatus(f readiness.Feature) readiness.Status {
	return a.sched.Status(f)
}

// FeatureReason returns the error that made f Failed or Inapplicable.
func (a *Account) FeatureReason(f readiness.Feature) error {
	return a.sched.Reason(f)
}

// Features returns the status of every feature.
func (a *Account) Features() map[readiness.Feature]readiness.Status {
	return a.sched.Snapshot()
}

// Graph returns the account's feature graph.
func (a *Account) Graph() *readiness.Graph {
	return a.sched.Graph()
}

// ObjectPath returns the account's object path.
func (a *Account) ObjectPath() bus.ObjectPath {
	return a.path
}

// Loop returns the loop the account runs on.
func (a *Account) Loop() *loop.Loop {
	return a.loop
}

// HasInterface reports whether the remote object implements iface.
func (a *Account) HasInterface(iface string) bool {
	return a.sched.HasInterface(iface)
}

// SupportsRequestHints reports whether the channel dispatcher accepts
// request hints. It is known once FeatureCore is Ready.
func (a *Account) SupportsRequestHints() bool {
	return a.hints.Load()
}

// Property returns the cached value of name, or properties.Unknown while
// the feature that provides it is not Ready.
func (a *Account) Property(name string) any {
	if !a.sched.IsReady(owner(name)) {
		return properties.Unknown
	}
	return a.cache.Get(name)
}

// Properties returns every readable property.
func (a *Account) Properties() map[string]any {
	all := a.cache.Snapshot()
	out := make(map[string]any, len(all))
	for name, v := range all {
		if a.sched.IsReady(owner(name)) {
			out[name] = v
		}
	}
	return out
}

// OnPropertyChanged subscribes to changes of name. fn runs on the loop.
func (a *Account) OnPropertyChanged(name string, fn func(properties.Change)) (cancel func()) {
	return a.cache.OnChanged(func(ch properties.Change) {
		if ch.Name == name {
			fn(ch)
		}
	})
}

// OnAnyPropertyChanged subscribes to every property change.
func (a *Account) OnAnyPropertyChanged(fn func(properties.Change)) (cancel func()) {
	return a.cache.OnChanged(fn)
}

// OnFirstOnline fires once, the first time HasBeenOnline becomes true while
// FeatureCore is Ready.
func (a *Account) OnFirstOnline(fn func()) (cancel func()) {
	return a.firstOnline.Subscribe(func(struct{}) { fn() })
}

// OnCapabilitiesChanged fires when the effective capabilities change after
// FeatureCapabilities is Ready.
func (a *Account) OnCapabilitiesChanged(fn func(capabilities.Set)) (cancel func()) {
	return a.resolver.OnChanged(fn)
}

// OnConnectionChanged fires after every change of the live connection.
func (a *Account) OnConnectionChanged(fn func(ConnectionChange)) (cancel func()) {
	return a.connectionChanged.Subscribe(fn)
}

// OnFeatureStatus fires on every feature status transition.
func (a *Account) OnFeatureStatus(fn func(readiness.StatusChange)) (cancel func()) {
	return a.sched.OnStatusChanged(fn)
}

// OnRemoved fires once when the remote account is removed.
func (a *Account) OnRemoved(fn func()) (cancel func()) {
	return a.removedSignal.Subscribe(func(struct{}) { fn() })
}

// Close stops listening to the bus and releases the live connection and the
// shared context. Outstanding and later readiness requests fail with an
// invalidated error. It must not be called from the loop goroutine.
func (a *Account) Close() {
	done := make(chan struct{})
	posted := a.loop.Post(func() {
		defer close(done)
		if a.closed {
			return
		}
		a.closed = true
		for _, cancel := range a.subs {
			cancel()
		}
		a.subs = nil
		if a.avatarSub != nil {
			a.avatarSub()
			a.avatarSub = nil
		}
		if a.connStatusSub != nil {
			a.connStatusSub()
			a.connStatusSub = nil
		}
		a.sched.Invalidate(loop.ErrClosed)
		a.queue.Close()
		if err := a.contexts.Release(a.shared); err != nil {
			a.log.WithError(err).Warn("Failed to release shared context")
		}
		a.tel.Metrics.ProxyClosed()
	})
	if !posted {
		return
	}
	<-done

	if a.ownsLoop {
		a.loop.Close()
	}
}

// Typed getters. Each returns the zero value while its feature is not Ready.

// Service returns the raw Service property.
func (a *Account) Service() string {
	return stringValue(a.Property(PropService))
}

// ServiceName returns Service, or the protocol name when Service is empty.
// It is available before FeatureCore is Ready.
func (a *Account) ServiceName() string {
	return stringValue(a.cache.Get(PropServiceName))
}

// IconName returns the icon to show for the account.
func (a *Account) IconName() string {
	return stringValue(a.Property(PropIconName))
}

// ConnectionManagerName returns the connection manager named in the path.
func (a *Account) ConnectionManagerName() string {
	return a.cmName
}

// ProtocolName returns the protocol named in the path.
func (a *Account) ProtocolName() string {
	return a.protocol
}

// DisplayName returns the user-visible name of the account.
func (a *Account) DisplayName() string {
	return stringValue(a.Property(PropDisplayName))
}

// Nickname returns the nickname to publish to contacts.
func (a *Account) Nickname() string {
	return stringValue(a.Property(PropNickname))
}

// NormalizedName returns the account's own contact identifier.
func (a *Account) NormalizedName() string {
	return stringValue(a.Property(PropNormalizedName))
}

// IsValid reports whether the account parameters are usable.
func (a *Account) IsValid() bool {
	return boolValue(a.Property(PropValid))
}

// IsEnabled reports whether the account may be connected.
func (a *Account) IsEnabled() bool {
	return boolValue(a.Property(PropEnabled))
}

// ConnectsAutomatically reports whether the account goes online on startup.
func (a *Account) ConnectsAutomatically() bool {
	return boolValue(a.Property(PropConnectAutomatically))
}

// HasBeenOnline reports whether the account was ever online. It never reverts to false.
func (a *Account) HasBeenOnline() bool {
	return boolValue(a.Property(PropHasBeenOnline))
}

// Parameters returns a copy of the account parameters.
func (a *Account) Parameters() map[string]any {
	params, _ := a.Property(PropParameters).(map[string]any)
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// AutomaticPresence returns the presence set when the account connects automatically.
func (a *Account) AutomaticPresence() Presence {
	p, _ := a.Property(PropAutomaticPresence).(Presence)
	return p
}

// CurrentPresence returns the presence the account has now.
func (a *Account) CurrentPresence() Presence {
	p, _ := a.Property(PropCurrentPresence).(Presence)
	return p
}

// RequestedPresence returns the presence last asked for.
func (a *Account) RequestedPresence() Presence {
	p, _ := a.Property(PropRequestedPresence).(Presence)
	return p
}

// IsChangingPresence reports whether a presence change is in progress.
func (a *Account) IsChangingPresence() bool {
	return boolValue(a.Property(PropChangingPresence))
}

// IsOnline reports whether the current presence is an online one.
func (a *Account) IsOnline() bool {
	return a.CurrentPresence().IsOnline()
}

// ConnectionObjectPath returns the path of the account's connection as last
// reported, or bus.NoObject.
func (a *Account) ConnectionObjectPath() bus.ObjectPath {
	return objectPathValue(a.Property(PropConnection))
}

// Connection returns the live connection, or nil.
func (a *Account) Connection() bus.Connection {
	conn, ok := a.queue.Live()
	if !ok {
		return nil
	}
	return conn
}

// ConnectionStatus returns the status of the account's connection.
// Disconnected is returned while FeatureCore is not Ready.
func (a *Account) ConnectionStatus() bus.ConnectionStatus {
	s, ok := statusValue(a.Property(PropConnectionStatus))
	if !ok {
		return bus.ConnectionStatusDisconnected
	}
	return s
}

// ConnectionStatusReason returns why the connection status last changed.
func (a *Account) ConnectionStatusReason() bus.ConnectionStatusReason {
	n, _ := uintValue(a.Property(PropConnectionStatusReason))
	return bus.ConnectionStatusReason(n)
}

// ConnectionError returns the error name of the last disconnection, if any.
func (a *Account) ConnectionError() string {
	return stringValue(a.Property(PropConnectionError))
}

// ConnectionErrorDetails returns a copy of the details of the last connection error.
func (a *Account) ConnectionErrorDetails() map[string]any {
	details, _ := a.Property(PropConnectionErrorDetails).(map[string]any)
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}

// Avatar returns the avatar. ok is false until FeatureAvatar is Ready.
func (a *Account) Avatar() (avatar Avatar, ok bool) {
	avatar, ok = a.Property(PropAvatar).(Avatar)
	return avatar, ok
}

// ProtocolEnglishName returns the protocol's display name.
func (a *Account) ProtocolEnglishName() string {
	return stringValue(a.Property(PropProtocolEnglishName))
}

// ProfileName returns the name from the service profile.
func (a *Account) ProfileName() string {
	return stringValue(a.Property(PropProfileName))
}

// Capabilities returns the effective capabilities. The set is empty until
// FeatureCapabilities is Ready.
func (a *Account) Capabilities() capabilities.Set {
	if !a.sched.IsReady(FeatureCapabilities) {
		return capabilities.Set{}
	}
	return a.resolver.Effective()
}

// CapabilitiesFromConnection reports whether Capabilities comes from the
// live connection rather than the protocol and profile.
func (a *Account) CapabilitiesFromConnection() bool {
	return a.resolver.UsingLive()
}

func computeServiceName(get func(string) any) any {
	if s := stringValue(get(PropService)); s != "" {
		return s
	}
	return stringValue(get(PropProtocolName))
}

func computeIconName(get func(string) any) any {
	for _, name := range []string{PropIcon, PropProfileIcon, PropProtocolIcon} {
		if s := stringValue(get(name)); s != "" {
			return s
		}
	}
	return "im-" + stringValue(get(PropProtocolName))
}

func classNames(set capabilities.Set) []string {
	out := make([]string, 0, len(set))
	for _, c := range set {
		out = append(out, c.String())
	}
	sort.Strings(out)
	return out
}
