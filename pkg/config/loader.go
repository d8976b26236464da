package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/busproxy/pkg/account"
	"github.com/openfroyo/busproxy/pkg/bus"
	"github.com/openfroyo/busproxy/pkg/bus/memory"
	"github.com/openfroyo/busproxy/pkg/profile"
	"github.com/openfroyo/busproxy/pkg/telemetry"
)

// DefaultConfig returns a configuration that runs without a store or
// profiles on a bus named "session".
func DefaultConfig() *Config {
	return &Config{
		Telemetry: *telemetry.DefaultConfig(),
		Store: StoreConfig{
			Path:          "busproxy.db",
			KeepSnapshots: 50,
		},
		Bus: BusConfig{
			ID: "session",
		},
	}
}

// Loader reads and validates configuration files.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("accountpath", func(fl validator.FieldLevel) bool {
		_, _, _, err := account.ParseAccountPath(bus.ObjectPath(fl.Field().String()))
		return err == nil
	})

	_ = v.RegisterValidation("eventtype", func(fl validator.FieldLevel) bool {
		return telemetry.ValidEventType(fl.Field().String())
	})
	_ = v.RegisterValidation("eventlevel", func(fl validator.FieldLevel) bool {
		return telemetry.ValidEventLevel(fl.Field().String())
	})

	return &Loader{
		schemas:   NewSchemaRegistry(),
		validator: v,
	}
}

// Load reads path with a new Loader.
func Load(path string) (*Config, error) {
	return NewLoader().LoadFile(path)
}

// LoadFile reads a YAML (.yaml, .yml) or CUE (.cue) configuration file,
// applies it over DefaultConfig and validates the result.
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = l.ParseYAML(data, path)
	case ".cue":
		cfg, err = l.ParseCUE(data, path)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, err
	}

	if p := cfg.Bus.ScenarioPath; p != "" && !filepath.IsAbs(p) {
		cfg.Bus.ScenarioPath = filepath.Join(filepath.Dir(path), p)
	}
	if d := cfg.Profiles.Dir; d != "" && !filepath.IsAbs(d) {
		cfg.Profiles.Dir = filepath.Join(filepath.Dir(path), d)
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML decodes YAML over DefaultConfig. Unknown fields are rejected.
func (l *Loader) ParseYAML(data []byte, filename string) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}
	return cfg, nil
}

// ParseCUE evaluates CUE source against the #Config schema and decodes it
// over DefaultConfig.
func (l *Loader) ParseCUE(data []byte, filename string) (*Config, error) {
	val := l.schemas.Compile(data, filename)
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified, err := l.schemas.Unify("config", val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}
	return cfg, nil
}

// Validate checks struct constraints and the telemetry section.
func (l *Loader) Validate(cfg *Config) error {
	var out ValidationErrors

	if err := l.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			out = append(out, ValidationError{
				Path:    trimRoot(fe.Namespace()),
				Message: describe(fe),
			})
		}
	}

	if err := cfg.Telemetry.Validate(); err != nil {
		out = append(out, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	if len(out) > 0 {
		return out
	}
	return nil
}

// ValidateProfile checks a loaded profile against the #Profile schema.
func (l *Loader) ValidateProfile(ctx context.Context, p *profile.Profile) error {
	if err := l.schemas.ValidateAgainstSchema(ctx, "profile", p); err != nil {
		return fmt.Errorf("profile %s: %w", p.ServiceName, err)
	}
	return nil
}

// Scenario returns the configured in-memory bus scenario, loading it from
// ScenarioPath when it is not inline. It returns nil when neither is set.
func (c *Config) Scenario() (*memory.Scenario, error) {
	if c.Bus.Scenario != nil {
		return c.Bus.Scenario, nil
	}
	if c.Bus.ScenarioPath == "" {
		return nil, nil
	}
	sc, err := memory.LoadScenario(c.Bus.ScenarioPath)
	if err != nil {
		return nil, err
	}
	if sc.BusID == "" {
		sc.BusID = c.Bus.ID
	}
	return sc, nil
}

func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "accountpath":
		return fmt.Sprintf("%q is not an account object path", fe.Value())
	case "eventtype":
		return fmt.Sprintf("%q is not an event type", fe.Value())
	case "eventlevel":
		return fmt.Sprintf("%q is not an event level (info, warning, error)", fe.Value())
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "excluded_with":
		return fmt.Sprintf("cannot be combined with %s", fe.Param())
	case "excluded_without":
		return fmt.Sprintf("requires %s", fe.Param())
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		}
		return "failed " + fe.Tag()
	}
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors

	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}

	return out
}
