package account

import (
	"fmt"
	"strings"

	"github.com/openfroyo/busproxy/pkg/bus"
)

// Well-known object path prefixes.
const (
	AccountPathPrefix           = "/org/freedesktop/Telepathy/Account/"
	ConnectionManagerPathPrefix = "/org/freedesktop/Telepathy/ConnectionManager/"
)

// ParseAccountPath splits /org/freedesktop/Telepathy/Account/<cm>/<proto>/<id>
// into its parts. Underscores in the protocol segment stand for dashes.
func ParseAccountPath(path bus.ObjectPath) (cmName, protocol, id string, err error) {
	s := string(path)
	if !strings.HasPrefix(s, AccountPathPrefix) {
		return "", "", "", fmt.Errorf("invalid account path %q: missing prefix %s", s, AccountPathPrefix)
	}

	parts := strings.Split(strings.TrimPrefix(s, AccountPathPrefix), "/")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid account path %q: want <cm>/<protocol>/<id>", s)
	}
	for _, p := range parts {
		if p == "" {
			return "", "", "", fmt.Errorf("invalid account path %q: empty segment", s)
		}
	}

	return parts[0], strings.ReplaceAll(parts[1], "_", "-"), parts[2], nil
}

// ProtocolObjectPath returns the path of protocol's object on connection
// manager cmName.
func ProtocolObjectPath(cmName, protocol string) bus.ObjectPath {
	return bus.ObjectPath(ConnectionManagerPathPrefix + cmName + "/" + strings.ReplaceAll(protocol, "-", "_"))
}
