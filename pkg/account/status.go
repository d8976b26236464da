package account

import (
	"github.com/openfroyo/busproxy/pkg/bus"
	"github.com/openfroyo/busproxy/pkg/properties"
)

// statusHook keeps ConnectionError consistent with ConnectionStatus. It runs
// after the whole batch is stored, so the order in which the remote side
// listed the fields does not matter.
//
// Leaving Disconnected clears the error and its details. Entering
// Disconnected without an error names one after the status reason.
func statusHook(b *properties.Batch) {
	if !b.Changed(PropConnectionStatus) {
		return
	}

	current, ok := statusValue(b.Get(PropConnectionStatus))
	if !ok {
		return
	}
	old, ok := statusValue(b.Old(PropConnectionStatus))
	if !ok {
		old = bus.ConnectionStatusDisconnected
	}
	if current == old {
		return
	}

	if current != bus.ConnectionStatusDisconnected {
		b.Set(PropConnectionError, "")
		b.Set(PropConnectionErrorDetails, map[string]any{})
		return
	}

	if stringValue(b.Get(PropConnectionError)) == "" {
		reason, _ := uintValue(b.Get(PropConnectionStatusReason))
		b.Set(PropConnectionError, bus.StatusReasonToErrorName(bus.ConnectionStatusReason(reason), old))
	}
}

func statusValue(v any) (bus.ConnectionStatus, bool) {
	n, ok := uintValue(v)
	if !ok {
		return bus.ConnectionStatusDisconnected, false
	}
	return bus.ConnectionStatus(n), true
}
