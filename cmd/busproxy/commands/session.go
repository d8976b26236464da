package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/busproxy/pkg/account"
	"github.com/openfroyo/busproxy/pkg/bus"
	"github.com/openfroyo/busproxy/pkg/bus/memory"
	"github.com/openfroyo/busproxy/pkg/config"
	"github.com/openfroyo/busproxy/pkg/profile"
	"github.com/openfroyo/busproxy/pkg/stores"
	"github.com/openfroyo/busproxy/pkg/telemetry"
)

// session holds everything a command needs to open account proxies.
type session struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	bus      *memory.Bus
	contexts *bus.SharedContexts
	profiles *profile.Loader
	store    *stores.SQLiteStore
	recorder *stores.Recorder
	accounts []*account.Account
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(configPath)
}

// openSession builds telemetry, the in-memory bus, the profile loader and,
// when enabled, the history store.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if scenarioPath != "" {
		cfg.Bus.ScenarioPath = scenarioPath
		cfg.Bus.Scenario = nil
	}

	s := &session{cfg: cfg, contexts: bus.NewSharedContexts()}

	s.tel, err = telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := s.tel.StartMetricsServer(); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	sc, err := cfg.Scenario()
	if err != nil {
		s.close()
		return nil, err
	}
	if sc == nil {
		s.close()
		return nil, errors.New("no bus scenario configured (set bus.scenario_path or bus.scenario)")
	}
	if sc.BusID == "" {
		sc.BusID = cfg.Bus.ID
	}
	s.bus, err = memory.FromScenario(sc)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to build bus: %w", err)
	}

	if cfg.Profiles.Dir != "" {
		s.profiles = profile.NewLoader(cfg.Profiles.Dir, s.tel.Logger.NewComponentLogger("profiles").Zerolog())
		if err := s.checkProfiles(ctx); err != nil {
			s.close()
			return nil, err
		}
	}

	if cfg.Store.Enabled {
		if err := s.openStore(ctx); err != nil {
			s.close()
			return nil, err
		}
	}

	return s, nil
}

func (s *session) checkProfiles(ctx context.Context) error {
	all, err := s.profiles.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}
	loader := config.NewLoader()
	for _, p := range all {
		if err := loader.ValidateProfile(ctx, p); err != nil {
			return err
		}
	}
	log.Debug().Int("count", len(all)).Str("dir", s.profiles.Dir()).Msg("Profiles loaded")
	return nil
}

func (s *session) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(s.cfg.Store.StoreOptions())
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	s.store = store
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	s.recorder = stores.NewRecorder(store, s.cfg.Bus.ID, s.tel.Logger)
	s.recorder.Attach(s.tel.Events, s.cfg.Store.RecordFilter())
	return nil
}

// openAccounts creates a proxy for each path, or for the configured
// accounts when paths is empty.
func (s *session) openAccounts(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		paths = s.cfg.Accounts
	}
	if len(paths) == 0 {
		return errors.New("no accounts given")
	}

	var source profile.Source
	if s.profiles != nil {
		source = s.profiles
	}

	for _, p := range paths {
		a, err := account.New(bus.ObjectPath(p), account.Options{
			Client:    s.bus,
			Builder:   s.bus,
			Contexts:  s.contexts,
			Profiles:  source,
			Telemetry: s.tel,
			Context:   ctx,
		})
		if err != nil {
			return err
		}
		s.accounts = append(s.accounts, a)
	}
	return nil
}

// becomeReady requests every account feature and waits up to timeout.
// Features that fail are reported by the caller from the feature table.
func (s *session) becomeReady(ctx context.Context, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, a := range s.accounts {
		pending := a.BecomeReady(account.AllFeatures()...)
		if _, err := pending.Wait(ctx); err != nil {
			log.Warn().Err(err).Str("account", a.ObjectPath().String()).Msg("Account not fully ready")
		}
	}
}

// snapshot records the readable state of a when the store is enabled.
func (s *session) snapshot(ctx context.Context, a *account.Account) {
	if s.recorder == nil {
		return
	}
	features := make(map[string]string)
	for f, st := range a.Features() {
		features[string(f)] = string(st)
	}
	saved, err := s.recorder.Snapshot(ctx, a.ObjectPath().String(), snapshotValues(a.Properties()), features)
	if err != nil {
		log.Warn().Err(err).Str("account", a.ObjectPath().String()).Msg("Failed to record snapshot")
		return
	}
	if saved && s.cfg.Store.KeepSnapshots > 0 {
		if _, err := s.store.PruneSnapshots(ctx, a.ObjectPath().String(), s.cfg.Store.KeepSnapshots); err != nil {
			log.Warn().Err(err).Msg("Failed to prune snapshots")
		}
	}
}

func (s *session) close() {
	for _, a := range s.accounts {
		a.Close()
	}
	s.accounts = nil

	if s.profiles != nil {
		_ = s.profiles.StopWatching()
	}

	if s.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.tel.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
		cancel()
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

// snapshotValues makes property values JSON friendly.
func snapshotValues(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for name, v := range props {
		switch v := v.(type) {
		case bus.ObjectPath:
			out[name] = v.String()
		case account.Avatar:
			out[name] = map[string]any{"mime_type": v.MimeType, "size": len(v.Data)}
		case fmt.Stringer:
			out[name] = v.String()
		default:
			out[name] = v
		}
	}
	return out
}
