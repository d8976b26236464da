package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/busproxy/pkg/capabilities"
	"github.com/openfroyo/busproxy/pkg/profile"
	"github.com/openfroyo/busproxy/pkg/telemetry"
)

const testAccount = "/org/freedesktop/Telepathy/Account/gabble/jabber/acc0"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewLoader().Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestLoadFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "busproxy.yaml", `
bus:
  id: test-bus
  scenario_path: scenario.yaml
profiles:
  dir: profiles
  watch: true
store:
  enabled: true
  path: /tmp/history.db
  keep_snapshots: 5
telemetry:
  logging:
    level: debug
accounts:
  - `+testAccount+`
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Bus.ID != "test-bus" {
		t.Errorf("expected bus id test-bus, got %s", cfg.Bus.ID)
	}
	if want := filepath.Join(dir, "scenario.yaml"); cfg.Bus.ScenarioPath != want {
		t.Errorf("expected scenario path %s, got %s", want, cfg.Bus.ScenarioPath)
	}
	if want := filepath.Join(dir, "profiles"); cfg.Profiles.Dir != want || !cfg.Profiles.Watch {
		t.Errorf("unexpected profiles config %+v", cfg.Profiles)
	}
	if !cfg.Store.Enabled || cfg.Store.KeepSnapshots != 5 {
		t.Errorf("unexpected store config %+v", cfg.Store)
	}
	if opts := cfg.Store.StoreOptions(); opts.Path != "/tmp/history.db" {
		t.Errorf("unexpected store options %+v", opts)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("expected debug logging, got %s", cfg.Telemetry.Logging.Level)
	}
	// Unset values keep their defaults.
	if cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("expected default log format, got %s", cfg.Telemetry.Logging.Format)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0] != testAccount {
		t.Errorf("unexpected accounts %v", cfg.Accounts)
	}
}

func TestLoadFile_EmptyYAMLUsesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.yml", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Bus.ID != "session" || cfg.Store.Enabled {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		wantPath string
	}{
		{
			name:    "unknown field",
			file:    "c.yaml",
			content: "bogus: true\n",
		},
		{
			name:     "bad account path",
			file:     "c.yaml",
			content:  "accounts:\n  - /not/an/account\n",
			wantPath: "accounts[0]",
		},
		{
			name:     "store enabled without path",
			file:     "c.yaml",
			content:  "store:\n  enabled: true\n  path: \"\"\n",
			wantPath: "store.path",
		},
		{
			name:     "watch without profile dir",
			file:     "c.yaml",
			content:  "profiles:\n  watch: true\n",
			wantPath: "profiles.watch",
		},
		{
			name:     "empty bus id",
			file:     "c.yaml",
			content:  "bus:\n  id: \"\"\n",
			wantPath: "bus.id",
		},
		{
			name:     "scenario file and inline scenario",
			file:     "c.yaml",
			content:  "bus:\n  id: x\n  scenario_path: s.yaml\n  scenario:\n    objects: []\n",
			wantPath: "bus.scenario_path",
		},
		{
			name:     "invalid inline scenario object",
			file:     "c.yaml",
			content:  "bus:\n  id: x\n  scenario:\n    objects:\n      - path: relative\n",
			wantPath: "bus.scenario.objects[0].path",
		},
		{
			name:     "unknown recorded event type",
			file:     "c.yaml",
			content:  "store:\n  record_events: [proxy.created]\n",
			wantPath: "store.record_events[0]",
		},
		{
			name:     "unknown record level",
			file:     "c.yaml",
			content:  "store:\n  record_level: debug\n",
			wantPath: "store.record_level",
		},
		{
			name:    "cue unknown record level",
			file:    "c.cue",
			content: "store: {record_level: \"debug\"}\n",
		},
		{
			name:     "bad log level",
			file:     "c.yaml",
			content:  "telemetry:\n  logging:\n    level: loud\n",
			wantPath: "telemetry",
		},
		{
			name:    "cue syntax error",
			file:    "c.cue",
			content: "bus: {id: \n",
		},
		{
			name:    "cue closed schema",
			file:    "c.cue",
			content: "bogus: 1\n",
		},
		{
			name:    "cue bad account path",
			file:    "c.cue",
			content: "accounts: [\"/nope\"]\n",
		},
		{
			name:    "cue wrong type",
			file:    "c.cue",
			content: "store: {keep_snapshots: -1}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)

			_, err := Load(path)
			if err == nil {
				t.Fatal("expected an error")
			}

			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
			}
			if tt.wantPath == "" {
				return
			}
			for _, ve := range verrs {
				if ve.Path == tt.wantPath {
					return
				}
			}
			t.Errorf("expected an error at %s, got %v", tt.wantPath, verrs)
		})
	}
}

func TestLoadFile_UnsupportedFormat(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", "")
	if _, err := Load(path); err == nil {
		t.Error("expected unsupported format error")
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFile_CUE(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "busproxy.cue", `
bus: {
	id: "cue-bus"
	scenario: {
		objects: [{
			path: "`+testAccount+`"
			interfaces: ["org.freedesktop.Telepathy.Account"]
			properties: {
				"org.freedesktop.Telepathy.Account": {DisplayName: "Alice"}
			}
		}]
		connections: [{path: "/conn", status: "connected"}]
	}
}
store: {enabled: true, path: "history.db"}
accounts: ["`+testAccount+`"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Bus.ID != "cue-bus" || !cfg.Store.Enabled || cfg.Store.Path != "history.db" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Store.KeepSnapshots != 50 {
		t.Errorf("expected default keep_snapshots, got %d", cfg.Store.KeepSnapshots)
	}

	sc, err := cfg.Scenario()
	if err != nil {
		t.Fatalf("failed to get scenario: %v", err)
	}
	if sc == nil || len(sc.Objects) != 1 || len(sc.Connections) != 1 {
		t.Fatalf("unexpected scenario %+v", sc)
	}
	if got := sc.Objects[0].Properties["org.freedesktop.Telepathy.Account"]["DisplayName"]; got != "Alice" {
		t.Errorf("expected DisplayName Alice, got %v", got)
	}
}

func TestConfigScenario(t *testing.T) {
	dir := t.TempDir()
	scenario := writeFile(t, dir, "scenario.yaml", `
objects:
  - path: `+testAccount+`
    interfaces: [org.freedesktop.Telepathy.Account]
`)

	cfg := DefaultConfig()
	sc, err := cfg.Scenario()
	if err != nil || sc != nil {
		t.Fatalf("expected no scenario, got %v, %v", sc, err)
	}

	cfg.Bus.ScenarioPath = scenario
	sc, err = cfg.Scenario()
	if err != nil {
		t.Fatalf("failed to load scenario: %v", err)
	}
	if sc.BusID != "session" {
		t.Errorf("expected bus id from config, got %q", sc.BusID)
	}
	if len(sc.Objects) != 1 || sc.Objects[0].Path != testAccount {
		t.Errorf("unexpected objects %+v", sc.Objects)
	}

	cfg.Bus.ScenarioPath = filepath.Join(dir, "missing.yaml")
	if _, err := cfg.Scenario(); err == nil {
		t.Error("expected error for missing scenario file")
	}
}

func TestValidateProfile(t *testing.T) {
	l := NewLoader()
	p := &profile.Profile{
		ServiceName: "google-talk",
		Name:        "Google Talk",
		UnsupportedChannelClasses: capabilities.Set{
			capabilities.NewClass("org.freedesktop.Telepathy.Channel.Type.StreamedMedia", 1),
		},
	}

	if err := l.ValidateProfile(context.Background(), p); err != nil {
		t.Errorf("expected valid profile, got %v", err)
	}
}

func TestValidationErrorsMessage(t *testing.T) {
	err := ValidationErrors{
		{File: "c.cue", Line: 3, Column: 5, Path: "bus.id", Message: "invalid value"},
		{Path: "store.path", Message: "is required"},
	}

	msg := err.Error()
	for _, want := range []string{"c.cue:3:5", "bus.id: invalid value", "store.path: is required"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func TestStoreRecordFilter(t *testing.T) {
	path := writeFile(t, t.TempDir(), "c.yaml", `
store:
  enabled: true
  record_events: [connection.failed, proxy.removed]
  record_level: warning
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	filter := cfg.Store.RecordFilter()
	if filter == nil {
		t.Fatal("expected a record filter")
	}
	tests := []struct {
		event telemetry.Event
		want  bool
	}{
		{telemetry.Event{Type: telemetry.EventTypeConnectionFailed, Level: telemetry.EventLevelError}, true},
		{telemetry.Event{Type: telemetry.EventTypeProxyRemoved, Level: telemetry.EventLevelWarning}, true},
		{telemetry.Event{Type: telemetry.EventTypeProxyRemoved, Level: telemetry.EventLevelInfo}, false},
		{telemetry.Event{Type: telemetry.EventTypeConnectionBuilt, Level: telemetry.EventLevelError}, false},
	}
	for _, tt := range tests {
		if got := filter(tt.event); got != tt.want {
			t.Errorf("filter(%s/%s) = %v, want %v", tt.event.Type, tt.event.Level, got, tt.want)
		}
	}

	if DefaultConfig().Store.RecordFilter() != nil {
		t.Error("expected the default config to record every event")
	}
}
