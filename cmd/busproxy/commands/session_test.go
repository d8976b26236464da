package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/busproxy/pkg/account"
	"github.com/openfroyo/busproxy/pkg/bus"
	"github.com/openfroyo/busproxy/pkg/readiness"
	"github.com/openfroyo/busproxy/pkg/stores"
	"github.com/openfroyo/busproxy/pkg/telemetry"
)

const exampleAccount = "/org/freedesktop/Telepathy/Account/gabble/jabber/acc0"

// useExampleConfig writes a config that runs the example scenario and
// profiles with a store in a temp dir, and points the global flag at it.
func useExampleConfig(t *testing.T) string {
	t.Helper()

	examples, err := filepath.Abs(filepath.Join("..", "..", "..", "examples"))
	if err != nil {
		t.Fatalf("failed to resolve examples: %v", err)
	}
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")

	content := fmt.Sprintf(`bus: {id: test, scenario_path: %q}
profiles: {dir: %q}
store: {enabled: true, path: %q}
telemetry:
  logging: {level: error}
  events: {enabled: true, enable_async: false}
accounts: [%q]
`, filepath.Join(examples, "scenario.yaml"), filepath.Join(examples, "profiles"), dbPath, exampleAccount)

	path := filepath.Join(dir, "busproxy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })
	return dbPath
}

func TestSession_InspectExampleAccount(t *testing.T) {
	useExampleConfig(t)
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	defer s.close()

	if err := s.openAccounts(ctx, nil); err != nil {
		t.Fatalf("failed to open accounts: %v", err)
	}
	s.becomeReady(ctx, 5*time.Second)

	a := s.accounts[0]
	for _, f := range []readiness.Feature{account.FeatureCore, account.FeatureProtocolInfo, account.FeatureProfile, account.FeatureCapabilities} {
		if st := a.FeatureStatus(f); st != readiness.StatusReady {
			t.Errorf("expected %s ready, got %s (%v)", f, st, a.FeatureReason(f))
		}
	}
	if st := a.FeatureStatus(account.FeatureAvatar); st != readiness.StatusInapplicable {
		t.Errorf("expected avatar inapplicable, got %s", st)
	}

	r := reportAccount(a)
	if r.Path != exampleAccount {
		t.Errorf("unexpected path %s", r.Path)
	}
	if r.Properties[account.PropIconName] != "im-google-talk" {
		t.Errorf("expected profile icon, got %v", r.Properties[account.PropIconName])
	}
	if r.Properties[account.PropProfileName] != "Google Talk" {
		t.Errorf("expected profile name, got %v", r.Properties[account.PropProfileName])
	}
	if !r.SupportsRequestHints {
		t.Error("expected request hints support")
	}
	if r.CapabilitiesFromConnection {
		t.Error("expected protocol capabilities without a connection")
	}

	caps := a.Capabilities()
	if !caps.TextChats() || caps.AudioCalls() || caps.VideoCalls() {
		t.Errorf("expected text chats only, got %v", r.Capabilities)
	}
	if r.Features[string(account.FeatureAvatar)].Reason == "" {
		t.Error("expected a reason for the inapplicable avatar feature")
	}
}

func TestSession_RecordsHistory(t *testing.T) {
	useExampleConfig(t)
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	defer s.close()

	if err := s.openAccounts(ctx, []string{exampleAccount}); err != nil {
		t.Fatalf("failed to open accounts: %v", err)
	}
	s.becomeReady(ctx, 5*time.Second)
	s.snapshot(ctx, s.accounts[0])

	snap, err := s.store.LatestSnapshot(ctx, exampleAccount)
	if err != nil {
		t.Fatalf("expected a snapshot: %v", err)
	}
	if snap.Features == "" || snap.Properties == "" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	typ := telemetry.EventTypeFeatureStatusChanged
	events, err := s.store.GetEvents(ctx, stores.EventQuery{Type: &typ})
	if err != nil {
		t.Fatalf("failed to read events: %v", err)
	}
	if len(events) == 0 {
		t.Error("expected recorded feature status events")
	}
}

func TestSession_NoAccounts(t *testing.T) {
	useExampleConfig(t)
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	defer s.close()

	s.cfg.Accounts = nil
	if err := s.openAccounts(ctx, nil); err == nil {
		t.Error("expected error without accounts")
	}
}

func TestSession_RequiresScenario(t *testing.T) {
	old := configPath
	configPath = ""
	t.Cleanup(func() { configPath = old })

	if _, err := openSession(context.Background()); err == nil {
		t.Error("expected error without a bus scenario")
	}
}

func TestSnapshotValues(t *testing.T) {
	in := map[string]any{
		"Connection": bus.ObjectPath("/conn"),
		"Avatar":     account.Avatar{Data: []byte("png"), MimeType: "image/png"},
		"Status":     bus.ConnectionStatus(0),
		"Enabled":    true,
	}

	out := snapshotValues(in)
	if out["Connection"] != "/conn" {
		t.Errorf("expected path string, got %v", out["Connection"])
	}
	avatar, ok := out["Avatar"].(map[string]any)
	if !ok || avatar["size"] != 3 || avatar["mime_type"] != "image/png" {
		t.Errorf("unexpected avatar %v", out["Avatar"])
	}
	if _, ok := out["Status"].(string); !ok {
		t.Errorf("expected status string, got %T", out["Status"])
	}
	if out["Enabled"] != true {
		t.Errorf("expected bool kept, got %v", out["Enabled"])
	}
}

func TestSession_ScenarioFlag(t *testing.T) {
	scenario, err := filepath.Abs(filepath.Join("..", "..", "..", "examples", "scenario.yaml"))
	if err != nil {
		t.Fatalf("failed to resolve scenario: %v", err)
	}
	oldConfig, oldScenario := configPath, scenarioPath
	configPath, scenarioPath = "", scenario
	t.Cleanup(func() { configPath, scenarioPath = oldConfig, oldScenario })

	ctx := context.Background()
	s, err := openSession(ctx)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	defer s.close()

	if s.store != nil || s.profiles != nil {
		t.Error("expected no store or profiles with the default config")
	}
	if err := s.openAccounts(ctx, []string{exampleAccount}); err != nil {
		t.Fatalf("failed to open accounts: %v", err)
	}
	s.becomeReady(ctx, 5*time.Second)

	// Without a profile source the denylist is empty, so calls stay.
	a := s.accounts[0]
	if st := a.FeatureStatus(account.FeatureCapabilities); st != readiness.StatusReady {
		t.Fatalf("expected capabilities ready, got %s (%v)", st, a.FeatureReason(account.FeatureCapabilities))
	}
	if !a.Capabilities().AudioCalls() {
		t.Error("expected audio calls without a profile denylist")
	}
}
