package readiness

import (
	"encoding/json"
	"fmt"
)

// Feature names an optional capability of a proxy that must be introspected
// before its state may be read.
type Feature string

// Status represents the readiness status of a feature.
type Status string

const (
	// StatusPending indicates the feature has not been started.
	StatusPending Status = "pending"

	// StatusInProgress indicates the feature's introspection is running.
	StatusInProgress Status = "in_progress"

	// StatusReady indicates introspection succeeded.
	StatusReady Status = "ready"

	// StatusFailed indicates introspection, or a prerequisite, failed.
	StatusFailed Status = "failed"

	// StatusInapplicable indicates the remote object lacks a required interface.
	StatusInapplicable Status = "inapplicable"
)

// IsTerminal returns true if the status never changes again.
func (s Status) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed || s == StatusInapplicable
}

// IsUnusable returns true if a request including the feature cannot succeed.
func (s Status) IsUnusable() bool {
	return s == StatusFailed || s == StatusInapplicable
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusInProgress, StatusReady, StatusFailed, StatusInapplicable:
		return nil
	default:
		return fmt.Errorf("invalid feature status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// StatusChange is emitted whenever a feature moves to a new status.
type StatusChange struct {
	Feature Feature
	From    Status
	To      Status

	// Err is set for Failed and Inapplicable.
	Err error
}
