package stores

import (
	"context"
	"database/sql"
	"time"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Proxy is a remote object the recorder has seen
type Proxy struct {
	ObjectPath string     `json:"object_path"`
	BusID      string     `json:"bus_id"`
	FirstSeen  time.Time  `json:"first_seen"`
	LastSeen   time.Time  `json:"last_seen"`
	RemovedAt  *time.Time `json:"removed_at,omitempty"`
}

// Snapshot is the readable state of a proxy at one point in time
type Snapshot struct {
	ID         string    `json:"id"`
	ObjectPath string    `json:"object_path"`
	Properties string    `json:"properties"` // JSON object
	Features   string    `json:"features"`   // JSON object, feature -> status
	Hash       string    `json:"hash"`       // SHA256 of Properties and Features
	TakenAt    time.Time `json:"taken_at"`
}

// Event represents an append-only log event
type Event struct {
	ID         int64      `json:"id"`
	EventID    string     `json:"event_id"`
	ObjectPath string     `json:"object_path"`
	Type       string     `json:"type"`
	Feature    string     `json:"feature,omitempty"`
	Level      EventLevel `json:"level"`
	Message    string     `json:"message"`
	Details    *string    `json:"details,omitempty"` // JSON blob
	Timestamp  time.Time  `json:"timestamp"`
}

// EventQuery filters GetEvents. Nil fields match everything.
type EventQuery struct {
	ObjectPath *string
	Type       *string
	Level      *EventLevel
	Since      *time.Time
	Limit      int
	Offset     int
}

// Store defines the interface for the history layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Proxy operations
	UpsertProxy(ctx context.Context, proxy *Proxy) error
	GetProxy(ctx context.Context, objectPath string) (*Proxy, error)
	ListProxies(ctx context.Context, limit, offset int) ([]*Proxy, error)
	MarkProxyRemoved(ctx context.Context, objectPath string, at time.Time) error

	// Snapshot operations
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) (bool, error)
	LatestSnapshot(ctx context.Context, objectPath string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, objectPath string, limit, offset int) ([]*Snapshot, error)
	PruneSnapshots(ctx context.Context, objectPath string, keep int) (int64, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, q EventQuery) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
