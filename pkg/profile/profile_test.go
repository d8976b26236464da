package profile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/busproxy/pkg/capabilities"
)

const googleTalk = `name: Google Talk
icon: im-google-talk
provider: google
unsupported_channel_classes:
  - fixed:
      org.freedesktop.Telepathy.Channel.ChannelType: org.freedesktop.Telepathy.Channel.Type.Call1
      org.freedesktop.Telepathy.Channel.TargetHandleType: 1
    allowed:
      - org.freedesktop.Telepathy.Channel.Type.Call1.InitialAudio
      - org.freedesktop.Telepathy.Channel.Type.Call1.InitialVideo
`

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write profile: %v", err)
	}
}

func TestLoader_Profile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "google-talk.yaml", googleTalk)

	loader := NewLoader(dir, zerolog.Nop())
	p, err := loader.Profile(context.Background(), "google-talk")
	if err != nil {
		t.Fatalf("Failed to load profile: %v", err)
	}

	if p.ServiceName != "google-talk" || p.Name != "Google Talk" || p.Icon != "im-google-talk" {
		t.Errorf("Unexpected profile %+v", p)
	}
	if len(p.UnsupportedChannelClasses) != 1 {
		t.Fatalf("Expected one unsupported class, got %d", len(p.UnsupportedChannelClasses))
	}

	want := capabilities.NewClass(capabilities.ChannelTypeCall, capabilities.HandleTypeContact,
		capabilities.PropInitialAudio, capabilities.PropInitialVideo)
	if !p.UnsupportedChannelClasses[0].Equal(want) {
		t.Errorf("Expected %v, got %v", want, p.UnsupportedChannelClasses[0])
	}
}

func TestLoader_NotFoundAndInvalid(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "broken.yaml", "name: [unterminated")
	loader := NewLoader(dir, zerolog.Nop())

	if _, err := loader.Profile(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := loader.Profile(context.Background(), "broken"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Expected parse error, got %v", err)
	}
	if _, err := loader.Profile(context.Background(), "../etc/passwd"); err == nil {
		t.Error("Expected path traversal to be rejected")
	}
}

func TestLoader_LoadAllSkipsBroken(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "google-talk.yaml", googleTalk)
	writeProfile(t, dir, "jabber.yml", "name: Jabber\n")
	writeProfile(t, dir, "broken.yaml", "name: [unterminated")
	writeProfile(t, dir, "README.txt", "not a profile")

	profiles, err := NewLoader(dir, zerolog.Nop()).LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(profiles) != 2 || profiles["jabber"] == nil || profiles["google-talk"] == nil {
		t.Errorf("Expected jabber and google-talk, got %v", profiles)
	}
}

func TestLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "jabber.yaml", "name: Jabber\n")

	loader := NewLoader(dir, zerolog.Nop())
	if _, err := loader.Profile(context.Background(), "jabber"); err != nil {
		t.Fatalf("Initial load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Profile, 4)
	if err := loader.Watch(ctx, func(service string, p *Profile) {
		if service == "jabber" {
			reloaded <- p
		}
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeProfile(t, dir, "jabber.yaml", "name: Jabber Renamed\n")

	select {
	case p := <-reloaded:
		if p == nil || p.Name != "Jabber Renamed" {
			t.Errorf("Expected reloaded profile, got %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Profile was not reloaded")
	}
}

func TestStatic(t *testing.T) {
	s := Static{"jabber": {Name: "Jabber"}}
	if p, err := s.Profile(context.Background(), "jabber"); err != nil || p.Name != "Jabber" {
		t.Errorf("Unexpected result %v, %v", p, err)
	}
	if _, err := s.Profile(context.Background(), "irc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
