package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/busproxy/pkg/bus/memory"
	"github.com/openfroyo/busproxy/pkg/stores"
	"github.com/openfroyo/busproxy/pkg/telemetry"
)

// Config is the busproxy configuration.
type Config struct {
	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Store configures the history database.
	Store StoreConfig `yaml:"store" json:"store"`

	// Profiles configures service profile loading.
	Profiles ProfilesConfig `yaml:"profiles" json:"profiles"`

	// Bus selects the bus the proxies talk to.
	Bus BusConfig `yaml:"bus" json:"bus"`

	// Accounts lists the account object paths to open.
	Accounts []string `yaml:"accounts,omitempty" json:"accounts,omitempty" validate:"dive,accountpath"`
}

// StoreConfig configures the SQLite history store.
type StoreConfig struct {
	// Enabled turns on event and snapshot recording.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Path is the database file.
	Path string `yaml:"path" json:"path" validate:"required_if=Enabled true"`

	MaxOpenConns    int           `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitempty" validate:"gte=0"`

	// KeepSnapshots is how many snapshots per proxy survive pruning. Zero
	// disables pruning.
	KeepSnapshots int `yaml:"keep_snapshots,omitempty" json:"keep_snapshots,omitempty" validate:"gte=0"`

	// RecordEvents limits recording to these event types. Empty records all.
	RecordEvents []string `yaml:"record_events,omitempty" json:"record_events,omitempty" validate:"dive,eventtype"`

	// RecordLevel is the lowest event level recorded.
	RecordLevel string `yaml:"record_level,omitempty" json:"record_level,omitempty" validate:"omitempty,eventlevel"`
}

// ProfilesConfig configures where service profiles are read from.
type ProfilesConfig struct {
	// Dir holds <service>.yaml profile files. Empty means no profiles.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// Watch reloads profiles when files in Dir change.
	Watch bool `yaml:"watch,omitempty" json:"watch,omitempty" validate:"excluded_without=Dir"`
}

// BusConfig selects the bus.
type BusConfig struct {
	// ID names the bus in history records.
	ID string `yaml:"id" json:"id" validate:"required"`

	// ScenarioPath is a YAML scenario file for the in-memory bus. Relative
	// paths are resolved against the configuration file.
	ScenarioPath string `yaml:"scenario_path,omitempty" json:"scenario_path,omitempty" validate:"excluded_with=Scenario"`

	// Scenario is an inline in-memory bus scenario.
	Scenario *memory.Scenario `yaml:"scenario,omitempty" json:"scenario,omitempty"`
}

// StoreOptions converts the store section to store options.
func (c *StoreConfig) StoreOptions() stores.Config {
	return stores.Config{
		Path:            c.Path,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

// RecordFilter returns the event filter for the history recorder, or nil
// when every event is recorded.
func (c *StoreConfig) RecordFilter() telemetry.EventFilter {
	var filters []telemetry.EventFilter
	if len(c.RecordEvents) > 0 {
		filters = append(filters, telemetry.FilterByType(c.RecordEvents...))
	}
	if c.RecordLevel != "" {
		filters = append(filters, telemetry.FilterByLevel(c.RecordLevel))
	}
	return telemetry.AllOf(filters...)
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path to the error (e.g., "store.path").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a configuration fails validation.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
