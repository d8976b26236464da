package capabilities

import (
	"testing"
)

var (
	audioCall      = NewClass(ChannelTypeCall, HandleTypeContact, PropInitialAudio)
	videoCall      = NewClass(ChannelTypeCall, HandleTypeContact, PropInitialVideo)
	videoAudioCall = NewClass(ChannelTypeCall, HandleTypeContact, PropInitialAudio, PropInitialVideo)
	textChat       = NewClass(ChannelTypeText, HandleTypeContact)
)

type fakeLive struct {
	connected bool
	caps      Set
}

func (f *fakeLive) Connected() bool   { return f.connected }
func (f *fakeLive) Capabilities() Set { return f.caps }

func TestSubtract_FineGrainedBlock(t *testing.T) {
	protocol := Set{audioCall, videoCall, videoAudioCall}
	deny := Set{videoAudioCall}

	got := Subtract(protocol, deny)
	want := Set{audioCall, videoCall}

	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if !got.VideoCalls() {
		t.Error("Video-only calls should remain")
	}
	if got.VideoCallsWithAudio() {
		t.Error("Video calls with audio should be removed")
	}
}

func TestSubtract_CoarseBlock(t *testing.T) {
	protocol := Set{audioCall, videoCall}
	deny := Set{{Fixed: map[string]any{
		PropChannelType:      ChannelTypeCall,
		PropTargetHandleType: HandleTypeContact,
	}}}

	got := Subtract(protocol, deny)
	if len(got) != 0 {
		t.Errorf("Expected coarse block to remove all calls, got %v", got)
	}
}

func TestSubtract_CoarseBlockKeepsOtherTypes(t *testing.T) {
	protocol := Set{textChat, audioCall}
	deny := Set{NewClass(ChannelTypeCall, HandleTypeContact)}

	got := Subtract(protocol, deny)
	if !got.Equal(Set{textChat}) {
		t.Errorf("Expected only text chats to remain, got %v", got)
	}
}

func TestSubtract_FixedMustMatchExactly(t *testing.T) {
	roomCall := NewClass(ChannelTypeCall, HandleTypeRoom, PropInitialAudio)
	protocol := Set{audioCall, roomCall}
	deny := Set{{Fixed: map[string]any{PropChannelType: ChannelTypeCall}}}

	got := Subtract(protocol, deny)
	if !got.Equal(protocol) {
		t.Errorf("Entry with fewer fixed properties must not match, got %v", got)
	}
}

func TestChannelClass_EqualIgnoresAllowedOrder(t *testing.T) {
	a := NewClass(ChannelTypeCall, HandleTypeContact, PropInitialAudio, PropInitialVideo)
	b := NewClass(ChannelTypeCall, HandleTypeContact, PropInitialVideo, PropInitialAudio)
	if !a.Equal(b) {
		t.Error("Allowed properties should compare as a set")
	}

	c := ChannelClass{Fixed: map[string]any{
		PropChannelType:      ChannelTypeCall,
		PropTargetHandleType: 1,
	}, Allowed: []string{PropInitialAudio}}
	if !c.Equal(audioCall) {
		t.Error("Integer kinds holding the same number should be equal")
	}
}

func TestSet_Helpers(t *testing.T) {
	s := Set{textChat, audioCall, NewClass(ChannelTypeCall, HandleTypeContact, PropMutableContents)}

	if !s.TextChats() {
		t.Error("Expected text chats")
	}
	if !s.AudioCalls() {
		t.Error("Expected audio calls")
	}
	if s.VideoCalls() {
		t.Error("Did not expect video calls")
	}
	if !s.UpgradingCalls() {
		t.Error("Expected upgrading calls")
	}
}

func TestDecode(t *testing.T) {
	raw := []any{
		map[string]any{
			"fixed": map[string]any{
				PropChannelType:      ChannelTypeCall,
				PropTargetHandleType: 1,
			},
			"allowed": []any{PropInitialAudio},
		},
	}

	set, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !set.Equal(Set{audioCall}) {
		t.Errorf("Expected audio call class, got %v", set)
	}

	if _, err := Decode("nope"); err == nil {
		t.Error("Expected error for unsupported type")
	}
	if _, err := Decode([]any{map[string]any{"fixed": "x"}}); err == nil {
		t.Error("Expected error for malformed fixed properties")
	}
}

func TestResolver_MissingStaticInputYieldsEmpty(t *testing.T) {
	r := NewResolver(ResolverOptions{})

	if got := r.Effective(); len(got) != 0 {
		t.Errorf("Expected empty set with no inputs, got %v", got)
	}

	r.SetProtocol(Set{audioCall}, true)
	if got := r.Effective(); len(got) != 0 {
		t.Errorf("Expected empty set without denylist, got %v", got)
	}

	r.SetDenylist(Set{}, true)
	if got := r.Effective(); !got.Equal(Set{audioCall}) {
		t.Errorf("Expected protocol caps, got %v", got)
	}
}

func TestResolver_ConnectedLiveWins(t *testing.T) {
	r := NewResolver(ResolverOptions{})
	r.SetProtocol(Set{audioCall, videoCall}, true)
	r.SetDenylist(Set{videoCall}, true)

	live := &fakeLive{connected: false, caps: Set{textChat}}
	r.SetLive(live)
	if got := r.Effective(); !got.Equal(Set{audioCall}) {
		t.Errorf("Disconnected live should fall back to protocol caps, got %v", got)
	}

	live.connected = true
	r.Invalidate()
	if got := r.Effective(); !got.Equal(Set{textChat}) {
		t.Errorf("Connected live should win, got %v", got)
	}

	r.SetLive(nil)
	if got := r.Effective(); !got.Equal(Set{audioCall}) {
		t.Errorf("Expected fallback after live removed, got %v", got)
	}
}

func TestResolver_MemoizesUntilInvalidated(t *testing.T) {
	r := NewResolver(ResolverOptions{})
	live := &fakeLive{connected: true, caps: Set{textChat}}
	r.SetLive(live)

	first := r.Effective()
	live.caps = Set{audioCall}
	if got := r.Effective(); !got.Equal(first) {
		t.Errorf("Expected memoized result, got %v", got)
	}

	r.Invalidate()
	if got := r.Effective(); !got.Equal(Set{audioCall}) {
		t.Errorf("Expected recomputed result, got %v", got)
	}
}

func TestResolver_OnChangedOnlyWhenResultDiffers(t *testing.T) {
	open := false
	r := NewResolver(ResolverOptions{Gate: func() bool { return open }})

	var events []Set
	r.OnChanged(func(s Set) { events = append(events, s) })

	r.SetProtocol(Set{audioCall, videoCall}, true)
	r.SetDenylist(Set{}, true)
	if len(events) != 0 {
		t.Fatalf("No events expected while gate is closed, got %d", len(events))
	}

	open = true
	r.Baseline()

	r.SetDenylist(Set{}, true)
	if len(events) != 0 {
		t.Fatalf("Unchanged result should not emit, got %d events", len(events))
	}

	r.SetDenylist(Set{videoCall}, true)
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if !events[0].Equal(Set{audioCall}) {
		t.Errorf("Expected {audio}, got %v", events[0])
	}
}
