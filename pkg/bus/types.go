// Package bus defines the contracts between the proxy engine and the
// message bus transport: property fetches, interface discovery, change
// signals and connection construction. The transport itself lives elsewhere.
package bus

import (
	"context"
	"fmt"
	"sort"

	"github.com/openfroyo/busproxy/pkg/capabilities"
)

// ObjectPath names a remote object. "" and "/" both mean no object.
type ObjectPath string

// NoObject is the canonical empty path.
const NoObject ObjectPath = ""

// IsNone reports whether p refers to no object.
func (p ObjectPath) IsNone() bool {
	return p == "" || p == "/"
}

// Normalize maps every spelling of "no object" to NoObject.
func (p ObjectPath) Normalize() ObjectPath {
	if p.IsNone() {
		return NoObject
	}
	return p
}

// String returns the path, or "none".
func (p ObjectPath) String() string {
	if p.IsNone() {
		return "none"
	}
	return string(p)
}

// PropertyMap maps property names to values.
type PropertyMap map[string]any

// Clone returns a shallow copy.
func (m PropertyMap) Clone() PropertyMap {
	if m == nil {
		return nil
	}
	out := make(PropertyMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Names returns the property names in sorted order.
func (m PropertyMap) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Signal is a change notification received from a remote object.
type Signal struct {
	Path      ObjectPath
	Interface string
	Member    string
	Body      PropertyMap
}

// SignalHandler receives signals. It is called on the transport's goroutine.
type SignalHandler func(Signal)

// Client is the transport the engine consumes.
type Client interface {
	// ID identifies the bus connection. Proxies on the same bus share a
	// SharedContext keyed by this value.
	ID() string

	// FetchProperties returns all properties of iface on path.
	FetchProperties(ctx context.Context, path ObjectPath, iface string) (PropertyMap, error)

	// DiscoverInterfaces returns the interfaces implemented by path.
	DiscoverInterfaces(ctx context.Context, path ObjectPath) ([]string, error)

	// Subscribe delivers signals emitted by path on iface until cancel is called.
	Subscribe(path ObjectPath, iface string, handler SignalHandler) (cancel func())
}

// ConnectionStatus is the status of a connection object.
type ConnectionStatus uint32

const (
	ConnectionStatusConnected    ConnectionStatus = 0
	ConnectionStatusConnecting   ConnectionStatus = 1
	ConnectionStatusDisconnected ConnectionStatus = 2
)

// String returns a readable status name.
func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionStatusConnected:
		return "connected"
	case ConnectionStatusConnecting:
		return "connecting"
	case ConnectionStatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// ParseConnectionStatus parses the names returned by String.
func ParseConnectionStatus(s string) (ConnectionStatus, error) {
	switch s {
	case "connected":
		return ConnectionStatusConnected, nil
	case "connecting":
		return ConnectionStatusConnecting, nil
	case "disconnected", "":
		return ConnectionStatusDisconnected, nil
	default:
		return ConnectionStatusDisconnected, fmt.Errorf("invalid connection status: %s", s)
	}
}

// ConnectionStatusReason explains the latest connection status change.
type ConnectionStatusReason uint32

const (
	ReasonNoneSpecified           ConnectionStatusReason = 0
	ReasonRequested               ConnectionStatusReason = 1
	ReasonNetworkError            ConnectionStatusReason = 2
	ReasonAuthenticationFailed    ConnectionStatusReason = 3
	ReasonEncryptionError         ConnectionStatusReason = 4
	ReasonNameInUse               ConnectionStatusReason = 5
	ReasonCertNotProvided         ConnectionStatusReason = 6
	ReasonCertUntrusted           ConnectionStatusReason = 7
	ReasonCertExpired             ConnectionStatusReason = 8
	ReasonCertNotActivated        ConnectionStatusReason = 9
	ReasonCertHostnameMismatch    ConnectionStatusReason = 10
	ReasonCertFingerprintMismatch ConnectionStatusReason = 11
	ReasonCertSelfSigned          ConnectionStatusReason = 12
	ReasonCertOtherError          ConnectionStatusReason = 13
	ReasonCertRevoked             ConnectionStatusReason = 14
	ReasonCertInsecure            ConnectionStatusReason = 15
	ReasonCertLimitExceeded       ConnectionStatusReason = 16
)

// Connection is a built connection object, the live resource of an account.
type Connection interface {
	ObjectPath() ObjectPath
	Status() ConnectionStatus
	Capabilities() capabilities.Set

	// OnStatusChanged subscribes to status changes until cancel is called.
	OnStatusChanged(fn func(ConnectionStatus)) (cancel func())

	// Release tells the connection its proxy no longer uses it.
	Release()
}

// ConnectionBuilder constructs connection objects.
type ConnectionBuilder interface {
	Build(ctx context.Context, path ObjectPath) (Connection, error)
}

// BuilderFunc adapts a function to ConnectionBuilder.
type BuilderFunc func(ctx context.Context, path ObjectPath) (Connection, error)

// Build calls f.
func (f BuilderFunc) Build(ctx context.Context, path ObjectPath) (Connection, error) {
	return f(ctx, path)
}
