package account

import (
	"github.com/openfroyo/busproxy/pkg/bus"
	"github.com/openfroyo/busproxy/pkg/capabilities"
	"github.com/openfroyo/busproxy/pkg/handoff"
)

// ConnectionChange reports a replacement of the account's live connection.
type ConnectionChange struct {
	// Previous and Current are nil when there was, or is, no connection.
	Previous bus.Connection
	Current  bus.Connection

	// Target is the path whose handoff caused the change.
	Target bus.ObjectPath

	// Err is set when building Target failed.
	Err error
}

// liveConnection adapts a bus.Connection to the resolver.
type liveConnection struct {
	conn bus.Connection
}

func (l liveConnection) Connected() bool {
	return l.conn.Status() == bus.ConnectionStatusConnected
}

func (l liveConnection) Capabilities() capabilities.Set {
	return l.conn.Capabilities()
}

// onHandoff runs on the loop after every change of the live connection.
func (a *Account) onHandoff(ch handoff.Change[bus.Connection]) {
	if a.connStatusSub != nil {
		a.connStatusSub()
		a.connStatusSub = nil
	}

	out := ConnectionChange{Target: ch.Target, Err: ch.Err}
	if ch.HadPrevious {
		out.Previous = ch.Previous
	}

	if ch.HasCurrent {
		conn := ch.Current
		out.Current = conn
		a.connStatusSub = conn.OnStatusChanged(func(bus.ConnectionStatus) {
			a.loop.Post(a.resolver.Invalidate)
		})
		a.resolver.SetLive(liveConnection{conn: conn})
	} else {
		a.resolver.SetLive(nil)
	}

	if ch.Err != nil {
		a.log.WithTarget(ch.Target.String()).WithError(ch.Err).Warn("Connection handoff failed")
	}
	a.connectionChanged.Emit(out)
}
