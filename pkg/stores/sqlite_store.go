package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a looked up record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

const upsertProxyQuery = `
	INSERT INTO proxies (object_path, bus_id, first_seen, last_seen, removed_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(object_path) DO UPDATE SET
		bus_id = CASE WHEN excluded.bus_id = '' THEN proxies.bus_id ELSE excluded.bus_id END,
		last_seen = excluded.last_seen,
		removed_at = COALESCE(excluded.removed_at, proxies.removed_at)
`

const touchProxyQuery = `
	INSERT INTO proxies (object_path, bus_id, first_seen, last_seen)
	VALUES (?, '', ?, ?)
	ON CONFLICT(object_path) DO UPDATE SET
		last_seen = excluded.last_seen
`

// UpsertProxy inserts a proxy or refreshes its last_seen time. A recorded
// removal time is never cleared.
func (s *SQLiteStore) UpsertProxy(ctx context.Context, proxy *Proxy) error {
	_, err := s.db.ExecContext(ctx, upsertProxyQuery,
		proxy.ObjectPath,
		proxy.BusID,
		proxy.FirstSeen.UTC(),
		proxy.LastSeen.UTC(),
		utcPtr(proxy.RemovedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert proxy: %w", err)
	}
	return nil
}

// GetProxy retrieves a proxy by object path
func (s *SQLiteStore) GetProxy(ctx context.Context, objectPath string) (*Proxy, error) {
	query := `
		SELECT object_path, bus_id, first_seen, last_seen, removed_at
		FROM proxies
		WHERE object_path = ?
	`

	proxy := &Proxy{}
	err := s.db.QueryRowContext(ctx, query, objectPath).Scan(
		&proxy.ObjectPath,
		&proxy.BusID,
		&proxy.FirstSeen,
		&proxy.LastSeen,
		&proxy.RemovedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("proxy %s: %w", objectPath, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proxy: %w", err)
	}

	return proxy, nil
}

// ListProxies lists proxies, most recently seen first
func (s *SQLiteStore) ListProxies(ctx context.Context, limit, offset int) ([]*Proxy, error) {
	query := `
		SELECT object_path, bus_id, first_seen, last_seen, removed_at
		FROM proxies
		ORDER BY last_seen DESC, object_path
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}
	defer rows.Close()

	proxies := []*Proxy{}
	for rows.Next() {
		proxy := &Proxy{}
		err := rows.Scan(
			&proxy.ObjectPath,
			&proxy.BusID,
			&proxy.FirstSeen,
			&proxy.LastSeen,
			&proxy.RemovedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proxy: %w", err)
		}
		proxies = append(proxies, proxy)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proxies: %w", err)
	}

	return proxies, nil
}

// MarkProxyRemoved records the removal time of a proxy
func (s *SQLiteStore) MarkProxyRemoved(ctx context.Context, objectPath string, at time.Time) error {
	query := `UPDATE proxies SET removed_at = ?, last_seen = ? WHERE object_path = ?`

	result, err := s.db.ExecContext(ctx, query, at.UTC(), at.UTC(), objectPath)
	if err != nil {
		return fmt.Errorf("failed to mark proxy removed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("proxy %s: %w", objectPath, ErrNotFound)
	}

	return nil
}

// SaveSnapshot stores snapshot unless it has the same hash as the latest
// snapshot of its proxy. It reports whether a row was written. The proxy row
// is created or refreshed in the same transaction.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) (saved bool, err error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = s.RollbackTx(tx)
		}
	}()

	takenAt := snapshot.TakenAt.UTC()
	if _, err = tx.ExecContext(ctx, touchProxyQuery, snapshot.ObjectPath, takenAt, takenAt); err != nil {
		return false, fmt.Errorf("failed to upsert proxy: %w", err)
	}

	var latest string
	err = tx.QueryRowContext(ctx, `
		SELECT hash FROM property_snapshots
		WHERE object_path = ?
		ORDER BY taken_at DESC, rowid DESC
		LIMIT 1
	`, snapshot.ObjectPath).Scan(&latest)
	switch {
	case err == sql.ErrNoRows:
		err = nil
	case err != nil:
		return false, fmt.Errorf("failed to read latest snapshot: %w", err)
	}

	if latest != snapshot.Hash {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO property_snapshots (id, object_path, properties, features, hash, taken_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			snapshot.ID,
			snapshot.ObjectPath,
			snapshot.Properties,
			snapshot.Features,
			snapshot.Hash,
			takenAt,
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert snapshot: %w", err)
		}
		saved = true
	}

	if err = s.CommitTx(tx); err != nil {
		return false, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return saved, nil
}

// LatestSnapshot returns the most recent snapshot of a proxy
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, objectPath string) (*Snapshot, error) {
	list, err := s.ListSnapshots(ctx, objectPath, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("snapshot of %s: %w", objectPath, ErrNotFound)
	}
	return list[0], nil
}

// ListSnapshots lists the snapshots of a proxy, newest first
func (s *SQLiteStore) ListSnapshots(ctx context.Context, objectPath string, limit, offset int) ([]*Snapshot, error) {
	query := `
		SELECT id, object_path, properties, features, hash, taken_at
		FROM property_snapshots
		WHERE object_path = ?
		ORDER BY taken_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, objectPath, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []*Snapshot{}
	for rows.Next() {
		snapshot := &Snapshot{}
		err := rows.Scan(
			&snapshot.ID,
			&snapshot.ObjectPath,
			&snapshot.Properties,
			&snapshot.Features,
			&snapshot.Hash,
			&snapshot.TakenAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return snapshots, nil
}

// PruneSnapshots deletes all but the newest keep snapshots of a proxy
func (s *SQLiteStore) PruneSnapshots(ctx context.Context, objectPath string, keep int) (int64, error) {
	query := `
		DELETE FROM property_snapshots
		WHERE object_path = ?
		  AND id NOT IN (
			SELECT id FROM property_snapshots
			WHERE object_path = ?
			ORDER BY taken_at DESC, rowid DESC
			LIMIT ?
		  )
	`

	result, err := s.db.ExecContext(ctx, query, objectPath, objectPath, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// AppendEvent appends a new event to the log. Events already recorded under
// the same EventID are ignored.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, object_path, type, feature, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.ObjectPath,
		event.Type,
		event.Feature,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination, newest
// first
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	query := `
		SELECT id, event_id, object_path, type, feature, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR object_path = ?)
		  AND (? IS NULL OR type = ?)
		  AND (? IS NULL OR level = ?)
		  AND (? IS NULL OR timestamp >= ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	since := utcPtr(q.Since)

	rows, err := s.db.QueryContext(ctx, query,
		q.ObjectPath, q.ObjectPath,
		q.Type, q.Type,
		q.Level, q.Level,
		since, since,
		limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.ObjectPath,
			&event.Type,
			&event.Feature,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
