package capabilities

import (
	"fmt"
)

// Set is an ordered collection of channel classes.
type Set []ChannelClass

// Contains reports whether an equal class is in the set.
func (s Set) Contains(c ChannelClass) bool {
	for _, x := range s {
		if x.Equal(c) {
			return true
		}
	}
	return false
}

// Equal reports whether both sets hold the same classes, ignoring order.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	used := make([]bool, len(other))
	for _, c := range s {
		found := false
		for i, o := range other {
			if !used[i] && c.Equal(o) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Clone returns a copy of the set. Class property maps are shared.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	copy(out, s)
	return out
}

// Subtract removes from protocol every class blocked by deny.
//
// A deny entry without allowed properties is a coarse block: it removes every
// class whose fixed properties match it, whatever those classes allow. A deny
// entry with allowed properties only removes a class equal to it.
func Subtract(protocol, deny Set) Set {
	out := make(Set, 0, len(protocol))
	for _, c := range protocol {
		if !blocked(c, deny) {
			out = append(out, c)
		}
	}
	return out
}

func blocked(c ChannelClass, deny Set) bool {
	for _, d := range deny {
		if len(d.Allowed) == 0 {
			if d.HasFixed(c) {
				return true
			}
			continue
		}
		if d.Equal(c) {
			return true
		}
	}
	return false
}

// TextChats reports whether one-to-one text chats can be requested.
func (s Set) TextChats() bool {
	for _, c := range s {
		if len(c.Fixed) == 2 &&
			c.ChannelType() == ChannelTypeText &&
			c.TargetHandleType() == HandleTypeContact {
			return true
		}
	}
	return false
}

// AudioCalls reports whether audio calls to contacts can be requested.
func (s Set) AudioCalls() bool {
	return s.anyCall(func(c ChannelClass) bool { return c.Allows(PropInitialAudio) })
}

// VideoCalls reports whether video calls to contacts can be requested.
func (s Set) VideoCalls() bool {
	return s.anyCall(func(c ChannelClass) bool { return c.Allows(PropInitialVideo) })
}

// VideoCallsWithAudio reports whether calls starting with both audio and
// video can be requested.
func (s Set) VideoCallsWithAudio() bool {
	return s.anyCall(func(c ChannelClass) bool {
		return c.Allows(PropInitialAudio) && c.Allows(PropInitialVideo)
	})
}

// UpgradingCalls reports whether media can be added to a call after it starts.
func (s Set) UpgradingCalls() bool {
	return s.anyCall(func(c ChannelClass) bool { return c.Allows(PropMutableContents) })
}

func (s Set) anyCall(pred func(ChannelClass) bool) bool {
	for _, c := range s {
		if c.ChannelType() == ChannelTypeCall &&
			c.TargetHandleType() == HandleTypeContact &&
			pred(c) {
			return true
		}
	}
	return false
}

// Decode converts a RequestableChannelClasses property value into a Set.
// It accepts a Set, a []ChannelClass, or a generic list of maps with
// "fixed" and "allowed" keys as produced by YAML or JSON decoding.
func Decode(v any) (Set, error) {
	switch val := v.(type) {
	case nil:
		return Set{}, nil
	case Set:
		return val.Clone(), nil
	case []ChannelClass:
		return Set(val).Clone(), nil
	case []any:
		out := make(Set, 0, len(val))
		for i, item := range val {
			c, err := decodeClass(item)
			if err != nil {
				return nil, fmt.Errorf("channel class %d: %w", i, err)
			}
			out = append(out, c)
		}
		return out, nil
	case []map[string]any:
		out := make(Set, 0, len(val))
		for i, item := range val {
			c, err := decodeClass(item)
			if err != nil {
				return nil, fmt.Errorf("channel class %d: %w", i, err)
			}
			out = append(out, c)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported channel class list type %T", v)
	}
}

func decodeClass(v any) (ChannelClass, error) {
	switch val := v.(type) {
	case ChannelClass:
		return val, nil
	case map[string]any:
		c := ChannelClass{Fixed: map[string]any{}}
		if fixed, ok := val["fixed"]; ok {
			m, ok := fixed.(map[string]any)
			if !ok {
				return ChannelClass{}, fmt.Errorf("fixed properties must be a map, got %T", fixed)
			}
			for k, fv := range m {
				c.Fixed[k] = fv
			}
		}
		if allowed, ok := val["allowed"]; ok {
			list, err := toStrings(allowed)
			if err != nil {
				return ChannelClass{}, fmt.Errorf("allowed properties: %w", err)
			}
			c.Allowed = list
		}
		return c, nil
	default:
		return ChannelClass{}, fmt.Errorf("unsupported channel class type %T", v)
	}
}

func toStrings(v any) ([]string, error) {
	switch val := v.(type) {
	case []string:
		return append([]string(nil), val...), nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", v)
	}
}
