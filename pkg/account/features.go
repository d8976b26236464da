package account

import (
	"context"
	"errors"

	"github.com/openfroyo/busproxy/pkg/bus"
	"github.com/openfroyo/busproxy/pkg/capabilities"
	"github.com/openfroyo/busproxy/pkg/loop"
	"github.com/openfroyo/busproxy/pkg/profile"
	"github.com/openfroyo/busproxy/pkg/readiness"
	"github.com/openfroyo/busproxy/pkg/telemetry"
)

// Remote interfaces used by the account proxy.
const (
	Interface         = "org.freedesktop.Telepathy.Account"
	InterfaceAvatar   = "org.freedesktop.Telepathy.Account.Interface.Avatar"
	ProtocolInterface = "org.freedesktop.Telepathy.Protocol"
)

// Account features.
const (
	FeatureCore         readiness.Feature = "core"
	FeatureAvatar       readiness.Feature = "avatar"
	FeatureProtocolInfo readiness.Feature = "protocol-info"
	FeatureProfile      readiness.Feature = "profile"
	FeatureCapabilities readiness.Feature = "capabilities"
)

// AllFeatures lists every account feature in dependency order.
func AllFeatures() []readiness.Feature {
	return []readiness.Feature{FeatureCore, FeatureAvatar, FeatureProtocolInfo, FeatureProfile, FeatureCapabilities}
}

// featureSpecs is the account's feature table.
func (a *Account) featureSpecs() []readiness.Spec {
	return []readiness.Spec{
		{
			Name:       FeatureCore,
			Introspect: a.introspectCore,
		},
		{
			Name:       FeatureAvatar,
			DependsOn:  []readiness.Feature{FeatureCore},
			Interfaces: []string{InterfaceAvatar},
			Introspect: a.introspectAvatar,
		},
		{
			Name:       FeatureProtocolInfo,
			DependsOn:  []readiness.Feature{FeatureCore},
			Introspect: a.introspectProtocolInfo,
		},
		{
			Name:       FeatureProfile,
			DependsOn:  []readiness.Feature{FeatureCore},
			Introspect: a.introspectProfile,
		},
		{
			Name:       FeatureCapabilities,
			DependsOn:  []readiness.Feature{FeatureCore, FeatureProtocolInfo, FeatureProfile},
			Introspect: a.introspectCapabilities,
		},
	}
}

// introspectCore fetches the main property group. It completes once the
// connection named by that group has been handed off.
func (a *Account) introspectCore(ctx context.Context, done func(error)) {
	loop.Go(a.loop, ctx, func(ctx context.Context) (bus.PropertyMap, error) {
		hints, err := a.shared.SupportsRequestHints(ctx)
		if err != nil {
			a.log.WithError(err).Warn("Request hints lookup failed")
		}
		a.hints.Store(hints)
		return a.client.FetchProperties(ctx, a.path, Interface)
	}, func(props bus.PropertyMap, err error) {
		if err != nil {
			done(err)
			return
		}
		a.applyProperties(props)
		a.queue.NotifyDrained(func() { done(nil) })
	})
}

func (a *Account) introspectAvatar(ctx context.Context, done func(error)) {
	if a.avatarSub == nil {
		a.avatarSub = a.client.Subscribe(a.path, InterfaceAvatar, func(sig bus.Signal) {
			if sig.Member != "AvatarChanged" {
				return
			}
			a.loop.Post(a.refreshAvatar)
		})
	}
	a.fetchAvatar(ctx, done)
}

func (a *Account) fetchAvatar(ctx context.Context, done func(error)) {
	loop.Go(a.loop, ctx, func(ctx context.Context) (bus.PropertyMap, error) {
		return a.client.FetchProperties(ctx, a.path, InterfaceAvatar)
	}, func(props bus.PropertyMap, err error) {
		if err != nil {
			done(err)
			return
		}
		avatar, err := decodeAvatar(props[PropAvatar])
		if err != nil {
			done(err)
			return
		}
		a.cache.ApplyDiff(map[string]any{PropAvatar: avatar})
		done(nil)
	})
}

// refreshAvatar refetches the avatar after an AvatarChanged signal.
func (a *Account) refreshAvatar() {
	if !a.sched.IsReady(FeatureAvatar) {
		return
	}
	a.fetchAvatar(a.ctx, func(err error) {
		if err != nil {
			a.log.WithError(err).Warn("Avatar refresh failed")
		}
	})
}

func (a *Account) introspectProtocolInfo(ctx context.Context, done func(error)) {
	path := ProtocolObjectPath(a.cmName, a.protocol)
	loop.Go(a.loop, ctx, func(ctx context.Context) (bus.PropertyMap, error) {
		return a.client.FetchProperties(ctx, path, ProtocolInterface)
	}, func(props bus.PropertyMap, err error) {
		if err != nil {
			done(err)
			return
		}
		set, err := capabilities.Decode(props["RequestableChannelClasses"])
		if err != nil {
			done(err)
			return
		}
		a.cache.ApplyDiff(map[string]any{
			PropProtocolIcon:        stringValue(props["Icon"]),
			PropProtocolEnglishName: stringValue(props["EnglishName"]),
		})
		a.resolver.SetProtocol(set, true)
		done(nil)
	})
}

func (a *Account) introspectProfile(ctx context.Context, done func(error)) {
	a.loadProfile(ctx, a.ServiceName(), done)
}

// loadProfile looks up the profile for service and makes its denylist
// current. A service with no profile has an empty denylist.
func (a *Account) loadProfile(ctx context.Context, service string, done func(error)) {
	loop.Go(a.loop, ctx, func(ctx context.Context) (*profile.Profile, error) {
		if a.profiles == nil {
			return nil, profile.ErrNotFound
		}
		op := telemetry.StartOperation(a.tel.WithContext(ctx), "profile.load",
			telemetry.AttrObjectPath.String(string(a.path)),
			telemetry.AttrService.String(service))
		p, err := a.profiles.Profile(op.Ctx, service)
		if errors.Is(err, profile.ErrNotFound) {
			op.End(nil)
		} else {
			op.End(err)
		}
		return p, err
	}, func(p *profile.Profile, err error) {
		if err != nil && !errors.Is(err, profile.ErrNotFound) {
			done(err)
			return
		}
		if err != nil {
			a.log.WithField("service", service).Debug("No profile for service")
			p = nil
		}
		a.useProfile(p)
		done(nil)
	})
}

func (a *Account) useProfile(p *profile.Profile) {
	var (
		name, icon string
		deny       capabilities.Set
	)
	if p != nil {
		name, icon = p.Name, p.Icon
		deny = p.UnsupportedChannelClasses
	}
	a.cache.ApplyDiff(map[string]any{
		PropProfileName: name,
		PropProfileIcon: icon,
	})
	a.resolver.SetDenylist(deny.Clone(), true)
}

// introspectCapabilities waits for pending handoffs, then records the
// current effective set as the reference for change notifications.
func (a *Account) introspectCapabilities(ctx context.Context, done func(error)) {
	a.queue.NotifyDrained(func() {
		a.resolver.Baseline()
		done(nil)
	})
}
