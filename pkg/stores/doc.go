// Package stores persists the history of proxies: the event log published by
// proxies and snapshots of their readable properties. SQLite is used in WAL
// mode with embedded migrations.
package stores
