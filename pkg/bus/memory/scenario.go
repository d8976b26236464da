package memory

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/busproxy/pkg/bus"
	"github.com/openfroyo/busproxy/pkg/capabilities"
)

// Scenario describes the contents of an in-memory bus.
type Scenario struct {
	BusID       string           `yaml:"bus_id" json:"bus_id"`
	Latency     time.Duration    `yaml:"latency,omitempty" json:"latency,omitempty"`
	Objects     []ObjectSpec     `yaml:"objects" json:"objects" validate:"dive"`
	Connections []ConnectionSpec `yaml:"connections,omitempty" json:"connections,omitempty" validate:"dive"`
	Signals     []SignalSpec     `yaml:"signals,omitempty" json:"signals,omitempty" validate:"dive"`
}

// ObjectSpec describes one remote object.
type ObjectSpec struct {
	Path       string                    `yaml:"path" json:"path" validate:"required,startswith=/"`
	Interfaces []string                  `yaml:"interfaces" json:"interfaces"`
	Properties map[string]map[string]any `yaml:"properties,omitempty" json:"properties,omitempty"`
	Errors     map[string]ErrorSpec      `yaml:"errors,omitempty" json:"errors,omitempty"`
}

// ErrorSpec describes a remote error.
type ErrorSpec struct {
	Name    string `yaml:"name" json:"name" validate:"required"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// ConnectionSpec describes a connection that can be built.
type ConnectionSpec struct {
	Path         string                      `yaml:"path" json:"path" validate:"required,startswith=/"`
	Status       string                      `yaml:"status,omitempty" json:"status,omitempty" validate:"omitempty,oneof=connected connecting disconnected"`
	Capabilities []capabilities.ChannelClass `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Fail         *ErrorSpec                  `yaml:"fail,omitempty" json:"fail,omitempty"`
}

// SignalSpec is a signal played After the scenario starts.
type SignalSpec struct {
	After     time.Duration  `yaml:"after" json:"after"`
	Path      string         `yaml:"path" json:"path" validate:"required,startswith=/"`
	Interface string         `yaml:"interface" json:"interface" validate:"required"`
	Member    string         `yaml:"member" json:"member" validate:"required"`
	Body      map[string]any `yaml:"body,omitempty" json:"body,omitempty"`
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}
	return &sc, nil
}

// FromScenario builds a bus populated from sc.
func FromScenario(sc *Scenario) (*Bus, error) {
	id := sc.BusID
	if id == "" {
		id = "memory"
	}
	b := New(id)
	b.SetLatency(sc.Latency)

	for _, o := range sc.Objects {
		path := bus.ObjectPath(o.Path)
		b.AddObject(path, o.Interfaces...)
		for iface, props := range o.Properties {
			b.SetGroup(path, iface, bus.PropertyMap(props))
		}
		for iface, e := range o.Errors {
			b.FailGroup(path, iface, bus.NewRemoteError(e.Name, e.Message))
		}
	}

	for _, c := range sc.Connections {
		path := bus.ObjectPath(c.Path)
		if c.Fail != nil {
			b.FailConnection(path, bus.NewRemoteError(c.Fail.Name, c.Fail.Message))
			continue
		}
		status, err := bus.ParseConnectionStatus(c.Status)
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", c.Path, err)
		}
		b.AddConnection(path, status, capabilities.Set(c.Capabilities))
	}

	b.mu.Lock()
	b.schedule = append([]SignalSpec(nil), sc.Signals...)
	b.mu.Unlock()

	return b, nil
}

// Play emits the scenario's scheduled signals relative to now. It returns
// when all signals are emitted or ctx is done.
func (b *Bus) Play(ctx context.Context) error {
	b.mu.Lock()
	schedule := append([]SignalSpec(nil), b.schedule...)
	b.mu.Unlock()

	start := time.Now()
	for _, s := range schedule {
		wait := time.Until(start.Add(s.After))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		b.Emit(bus.Signal{
			Path:      bus.ObjectPath(s.Path),
			Interface: s.Interface,
			Member:    s.Member,
			Body:      bus.PropertyMap(s.Body),
		})
	}
	return nil
}
