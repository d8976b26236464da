// Package capabilities models requestable channel classes and derives the
// effective capability set of an account from its live connection, its
// protocol and its profile.
package capabilities

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Well-known channel class property names and values.
const (
	PropChannelType      = "org.freedesktop.Telepathy.Channel.ChannelType"
	PropTargetHandleType = "org.freedesktop.Telepathy.Channel.TargetHandleType"

	ChannelTypeText          = "org.freedesktop.Telepathy.Channel.Type.Text"
	ChannelTypeCall          = "org.freedesktop.Telepathy.Channel.Type.Call1"
	ChannelTypeStreamedMedia = "org.freedesktop.Telepathy.Channel.Type.StreamedMedia"

	PropInitialAudio    = "org.freedesktop.Telepathy.Channel.Type.Call1.InitialAudio"
	PropInitialVideo    = "org.freedesktop.Telepathy.Channel.Type.Call1.InitialVideo"
	PropMutableContents = "org.freedesktop.Telepathy.Channel.Type.Call1.MutableContents"

	HandleTypeContact uint32 = 1
	HandleTypeRoom    uint32 = 2
)

// ChannelClass describes one kind of channel that can be requested.
// Fixed properties must match exactly; Allowed names the properties a
// request may additionally set.
type ChannelClass struct {
	Fixed   map[string]any `json:"fixed" yaml:"fixed"`
	Allowed []string       `json:"allowed,omitempty" yaml:"allowed,omitempty"`
}

// NewClass builds a class with the given channel type and target handle type.
func NewClass(channelType string, handleType uint32, allowed ...string) ChannelClass {
	return ChannelClass{
		Fixed: map[string]any{
			PropChannelType:      channelType,
			PropTargetHandleType: handleType,
		},
		Allowed: allowed,
	}
}

// ChannelType returns the fixed channel type, or "".
func (c ChannelClass) ChannelType() string {
	s, _ := c.Fixed[PropChannelType].(string)
	return s
}

// TargetHandleType returns the fixed target handle type, or 0.
func (c ChannelClass) TargetHandleType() uint32 {
	return toUint32(c.Fixed[PropTargetHandleType])
}

// HasFixed reports whether every fixed property of c equals the one in other.
// Both classes must carry the same set of fixed properties.
func (c ChannelClass) HasFixed(other ChannelClass) bool {
	if len(c.Fixed) != len(other.Fixed) {
		return false
	}
	for k, v := range c.Fixed {
		ov, ok := other.Fixed[k]
		if !ok || !valuesEqual(v, ov) {
			return false
		}
	}
	return true
}

// Equal reports whether both the fixed and allowed properties match.
// Allowed properties are compared as a set.
func (c ChannelClass) Equal(other ChannelClass) bool {
	if !c.HasFixed(other) {
		return false
	}
	return reflect.DeepEqual(sortedCopy(c.Allowed), sortedCopy(other.Allowed))
}

// Allows reports whether prop is among the allowed properties.
func (c ChannelClass) Allows(prop string) bool {
	for _, a := range c.Allowed {
		if a == prop {
			return true
		}
	}
	return false
}

// String renders the class for logs and CLI output.
func (c ChannelClass) String() string {
	keys := make([]string, 0, len(c.Fixed))
	for k := range c.Fixed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", shortName(k), c.Fixed[k]))
	}

	allowed := make([]string, 0, len(c.Allowed))
	for _, a := range sortedCopy(c.Allowed) {
		allowed = append(allowed, shortName(a))
	}
	return fmt.Sprintf("{%s} allowed=[%s]", strings.Join(parts, ", "), strings.Join(allowed, ", "))
}

func shortName(prop string) string {
	if i := strings.LastIndex(prop, "."); i >= 0 {
		return prop[i+1:]
	}
	return prop
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// valuesEqual compares property values, treating integer kinds as equal
// when they hold the same number. Decoded YAML produces int where the bus
// produces uint32.
func valuesEqual(a, b any) bool {
	if ai, ok := asInt64(a); ok {
		if bi, ok := asInt64(b); ok {
			return ai == bi
		}
	}
	return reflect.DeepEqual(a, b)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toUint32(v any) uint32 {
	n, ok := asInt64(v)
	if !ok || n < 0 {
		return 0
	}
	return uint32(n)
}
