// Package profile loads service profiles: per-service presentation data and
// the channel classes a service is known not to support.
package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/busproxy/pkg/capabilities"
)

// reloadDelay debounces bursts of file events.
const reloadDelay = 500 * time.Millisecond

// ErrNotFound is returned when no profile exists for a service.
var ErrNotFound = errors.New("profile not found")

// Profile describes one service.
type Profile struct {
	// ServiceName is taken from the file name.
	ServiceName string `yaml:"-" json:"service_name"`

	Name     string `yaml:"name" json:"name"`
	Icon     string `yaml:"icon,omitempty" json:"icon,omitempty"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`

	// UnsupportedChannelClasses is the capability denylist.
	UnsupportedChannelClasses capabilities.Set `yaml:"unsupported_channel_classes,omitempty" json:"unsupported_channel_classes,omitempty"`
}

// Source looks up profiles by service name.
type Source interface {
	Profile(ctx context.Context, service string) (*Profile, error)
}

// Static is an in-memory Source.
type Static map[string]*Profile

// Profile implements Source.
func (s Static) Profile(ctx context.Context, service string) (*Profile, error) {
	p, ok := s[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, service)
	}
	return p, nil
}

// Loader reads profiles from <dir>/<service>.yaml.
type Loader struct {
	dir     string
	logger  zerolog.Logger
	cache   map[string]*Profile
	mu      sync.RWMutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader for dir.
func NewLoader(dir string, logger zerolog.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: logger.With().Str("component", "profile-loader").Logger(),
		cache:  make(map[string]*Profile),
	}
}

// Dir returns the profile directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Profile implements Source. It returns an error wrapping ErrNotFound if the
// service has no profile file.
func (l *Loader) Profile(ctx context.Context, service string) (*Profile, error) {
	if err := validateService(service); err != nil {
		return nil, err
	}

	l.mu.RLock()
	if cached, exists := l.cache[service]; exists {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	for _, ext := range []string{".yaml", ".yml"} {
		p, err := l.loadFromFile(filepath.Join(l.dir, service+ext))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.cache[service] = p
		l.mu.Unlock()
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, service)
}

// LoadAll loads every profile in the directory. Files that fail to parse are
// logged and skipped.
func (l *Loader) LoadAll(ctx context.Context) (map[string]*Profile, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile directory: %w", err)
	}

	out := make(map[string]*Profile)
	for _, e := range entries {
		service, ok := serviceFromFile(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		p, err := l.Profile(ctx, service)
		if err != nil {
			l.logger.Warn().Err(err).Str("service", service).Msg("Failed to load profile")
			continue
		}
		out[service] = p
	}

	l.logger.Debug().Int("count", len(out)).Str("dir", l.dir).Msg("Profiles loaded")
	return out, nil
}

func (l *Loader) loadFromFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	p.ServiceName, _ = serviceFromFile(filepath.Base(path))

	l.logger.Debug().
		Str("path", path).
		Str("profile", p.Name).
		Int("unsupported", len(p.UnsupportedChannelClasses)).
		Msg("Profile loaded from file")

	return &p, nil
}

// Watch reloads profiles when their files change and calls reloadFn with
// the new profile, or nil if the file was removed. Reloads are debounced per
// service.
func (l *Loader) Watch(ctx context.Context, reloadFn func(service string, p *Profile)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}
	l.watcher = watcher

	go l.processEvents(ctx, watcher, reloadFn)

	l.logger.Info().Str("dir", l.dir).Msg("Started watching profiles")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, reloadFn func(string, *Profile)) {
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			service, ok := serviceFromFile(filepath.Base(event.Name))
			if !ok {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Profile file changed")

			l.forget(service)

			if t, exists := timers[service]; exists {
				t.Stop()
			}
			timers[service] = time.AfterFunc(reloadDelay, func() {
				l.triggerReload(ctx, service, reloadFn)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) triggerReload(ctx context.Context, service string, reloadFn func(string, *Profile)) {
	p, err := l.Profile(ctx, service)
	switch {
	case errors.Is(err, ErrNotFound):
		l.logger.Info().Str("service", service).Msg("Profile removed")
		reloadFn(service, nil)
	case err != nil:
		l.logger.Error().Err(err).Str("service", service).Msg("Failed to reload profile")
	default:
		l.logger.Info().Str("service", service).Msg("Profile reloaded")
		reloadFn(service, p)
	}
}

func (l *Loader) forget(service string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, service)
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ClearCache clears the profile cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string]*Profile)
	l.logger.Debug().Msg("Profile cache cleared")
}

func serviceFromFile(name string) (string, bool) {
	for _, ext := range []string{".yaml", ".yml"} {
		if strings.HasSuffix(name, ext) {
			service := strings.TrimSuffix(name, ext)
			return service, service != ""
		}
	}
	return "", false
}

func validateService(service string) error {
	if service == "" || strings.ContainsAny(service, `/\`) || strings.Contains(service, "..") {
		return fmt.Errorf("invalid service name %q", service)
	}
	return nil
}
