package account

import (
	"fmt"

	"github.com/openfroyo/busproxy/pkg/bus"
	"github.com/openfroyo/busproxy/pkg/readiness"
)

// Remote account properties.
const (
	PropInterfaces             = "Interfaces"
	PropService                = "Service"
	PropDisplayName            = "DisplayName"
	PropIcon                   = "Icon"
	PropNickname               = "Nickname"
	PropNormalizedName         = "NormalizedName"
	PropValid                  = "Valid"
	PropEnabled                = "Enabled"
	PropConnectAutomatically   = "ConnectAutomatically"
	PropHasBeenOnline          = "HasBeenOnline"
	PropParameters             = "Parameters"
	PropAutomaticPresence      = "AutomaticPresence"
	PropCurrentPresence        = "CurrentPresence"
	PropRequestedPresence      = "RequestedPresence"
	PropChangingPresence       = "ChangingPresence"
	PropConnection             = "Connection"
	PropConnectionStatus       = "ConnectionStatus"
	PropConnectionStatusReason = "ConnectionStatusReason"
	PropConnectionError        = "ConnectionError"
	PropConnectionErrorDetails = "ConnectionErrorDetails"
	PropAvatar                 = "Avatar"
)

// Locally maintained properties.
const (
	PropConnectionManagerName = "ConnectionManagerName"
	PropProtocolName          = "ProtocolName"
	PropProtocolIcon          = "Protocol.Icon"
	PropProtocolEnglishName   = "Protocol.EnglishName"
	PropProfileName           = "Profile.Name"
	PropProfileIcon           = "Profile.Icon"
	PropServiceName           = "ServiceName"
	PropIconName              = "IconName"
)

// owner returns the feature whose readiness makes name readable.
func owner(name string) readiness.Feature {
	switch name {
	case PropAvatar:
		return FeatureAvatar
	case PropProtocolIcon, PropProtocolEnglishName:
		return FeatureProtocolInfo
	case PropProfileName, PropProfileIcon:
		return FeatureProfile
	default:
		return FeatureCore
	}
}

// PresenceType is the kind of a presence.
type PresenceType uint32

const (
	PresenceUnset        PresenceType = 0
	PresenceOffline      PresenceType = 1
	PresenceAvailable    PresenceType = 2
	PresenceAway         PresenceType = 3
	PresenceExtendedAway PresenceType = 4
	PresenceHidden       PresenceType = 5
	PresenceBusy         PresenceType = 6
	PresenceUnknown      PresenceType = 7
	PresenceError        PresenceType = 8
)

// Presence is a (type, status, message) triple.
type Presence struct {
	Type    PresenceType `json:"type" yaml:"type"`
	Status  string       `json:"status" yaml:"status"`
	Message string       `json:"message,omitempty" yaml:"message,omitempty"`
}

// IsOnline reports whether the presence means the account is connected and
// visible in some form.
func (p Presence) IsOnline() bool {
	switch p.Type {
	case PresenceUnset, PresenceOffline, PresenceUnknown, PresenceError:
		return false
	default:
		return true
	}
}

// Avatar is the account's avatar image.
type Avatar struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
}

// decodePresence accepts a Presence, a [type, status, message] list, or a
// map with type/status/message keys.
func decodePresence(v any) (Presence, error) {
	switch val := v.(type) {
	case nil:
		return Presence{}, nil
	case Presence:
		return val, nil
	case []any:
		if len(val) != 3 {
			return Presence{}, fmt.Errorf("presence must have 3 fields, got %d", len(val))
		}
		t, ok := uintValue(val[0])
		if !ok {
			return Presence{}, fmt.Errorf("presence type must be a number, got %T", val[0])
		}
		return Presence{Type: PresenceType(t), Status: stringValue(val[1]), Message: stringValue(val[2])}, nil
	case map[string]any:
		t, _ := uintValue(val["type"])
		return Presence{Type: PresenceType(t), Status: stringValue(val["status"]), Message: stringValue(val["message"])}, nil
	default:
		return Presence{}, fmt.Errorf("unsupported presence type %T", v)
	}
}

// decodeAvatar accepts an Avatar, a [data, mime] list, or a map with
// data/mime_type keys.
func decodeAvatar(v any) (Avatar, error) {
	switch val := v.(type) {
	case nil:
		return Avatar{}, nil
	case Avatar:
		return val, nil
	case []any:
		if len(val) != 2 {
			return Avatar{}, fmt.Errorf("avatar must have 2 fields, got %d", len(val))
		}
		return Avatar{Data: bytesValue(val[0]), MimeType: stringValue(val[1])}, nil
	case map[string]any:
		return Avatar{Data: bytesValue(val["data"]), MimeType: stringValue(val["mime_type"])}, nil
	default:
		return Avatar{}, fmt.Errorf("unsupported avatar type %T", v)
	}
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bus.ObjectPath:
		return string(val)
	case []byte:
		return string(val)
	default:
		return ""
	}
}

func bytesValue(v any) []byte {
	switch val := v.(type) {
	case []byte:
		return val
	case string:
		return []byte(val)
	default:
		return nil
	}
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

// uintValue converts the numeric types produced by bus transports and by
// YAML or JSON decoding.
func uintValue(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case bus.ConnectionStatus:
		return uint64(n), true
	case bus.ConnectionStatusReason:
		return uint64(n), true
	default:
		return 0, false
	}
}

func objectPathValue(v any) bus.ObjectPath {
	return bus.ObjectPath(stringValue(v)).Normalize()
}
