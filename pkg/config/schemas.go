package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.registerBuiltInSchemas(); err != nil {
		panic(fmt.Sprintf("built-in schemas: %v", err))
	}

	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() error {
	builtins := []struct{ name, def string }{
		{"config", "#Config"},
		{"scenario", "#Scenario"},
		{"profile", "#Profile"},
	}
	for _, b := range builtins {
		if err := sr.RegisterSchema(b.name, b.def, builtinSchemas); err != nil {
			return err
		}
	}
	return nil
}

// RegisterSchema compiles source and registers its definition (e.g.
// "#Config") under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, definition)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify applies the named schema to val. val must come from this registry's
// context (see Compile).
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// Compile compiles CUE source in the registry's context.
func (sr *SchemaRegistry) Compile(data []byte, filename string) cue.Value {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.ctx.CompileBytes(data, cue.Filename(filename))
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	sr.mu.Lock()
	dataVal := sr.ctx.Encode(data)
	sr.mu.Unlock()
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions. Durations are integer nanoseconds.
const builtinSchemas = `
#EventType: "feature.status_changed" | "readiness.completed" | "readiness.failed" |
	"property.changed" | "connection.built" | "connection.failed" |
	"connection.dropped" | "capabilities.changed" | "proxy.removed"

#Config: {
	telemetry?: {...}
	store?: {
		enabled?:           bool
		path?:              string
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: int & >=0
		keep_snapshots?:    int & >=0
		record_events?: [...#EventType]
		record_level?:  "info" | "warning" | "error"
	}
	profiles?: {
		dir?:   string
		watch?: bool
	}
	bus?: {
		id?:            string & !=""
		scenario_path?: string
		scenario?:      #Scenario
	}
	accounts?: [...#AccountPath]
}

#AccountPath: =~"^/org/freedesktop/Telepathy/Account/[^/]+/[^/]+/[^/]+$"

#ObjectPath: =~"^/"

#RemoteError: {
	name:     string & !=""
	message?: string
}

#ChannelClass: {
	fixed?: {[string]: _}
	allowed?: [...string]
}

#Scenario: {
	bus_id?:  string
	latency?: int & >=0
	objects?: [...{
		path:        #ObjectPath
		interfaces?: [...string]
		properties?: {[string]: {[string]: _}}
		errors?: {[string]: #RemoteError}
	}]
	connections?: [...{
		path:          #ObjectPath
		status?:       "connected" | "connecting" | "disconnected"
		capabilities?: [...#ChannelClass]
		fail?:         #RemoteError
	}]
	signals?: [...{
		after?:    int & >=0
		path:      #ObjectPath
		interface: string & !=""
		member:    string & !=""
		body?: {[string]: _}
	}]
}

#Profile: {
	service_name?: string
	name?: string
	icon?: string
	provider?: string
	unsupported_channel_classes?: [...#ChannelClass]
}
`
