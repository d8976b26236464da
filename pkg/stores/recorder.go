package stores

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/busproxy/pkg/telemetry"
)

// Recorder writes proxy events and property snapshots to a Store.
type Recorder struct {
	store   Store
	busID   string
	log     *telemetry.Logger
	timeout time.Duration
}

// NewRecorder creates a recorder for proxies on bus busID.
func NewRecorder(store Store, busID string, logger *telemetry.Logger) *Recorder {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Recorder{
		store:   store,
		busID:   busID,
		log:     logger.NewComponentLogger("recorder"),
		timeout: 5 * time.Second,
	}
}

// Attach subscribes the recorder to the events of ep that pass filter. A nil
// filter records everything.
func (r *Recorder) Attach(ep *telemetry.EventPublisher, filter telemetry.EventFilter) {
	ep.Subscribe(r.Record, filter)
}

// Record stores ev. Failures are logged, not returned, since it runs as an
// event subscriber.
func (r *Recorder) Record(ev telemetry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.RecordEvent(ctx, ev); err != nil {
		r.log.WithError(err).WithField("event_type", ev.Type).Warn("Failed to record event")
	}
}

// RecordEvent stores ev and keeps the proxy table current.
func (r *Recorder) RecordEvent(ctx context.Context, ev telemetry.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}

	if ev.ObjectPath != "" {
		if err := r.store.UpsertProxy(ctx, &Proxy{
			ObjectPath: ev.ObjectPath,
			BusID:      r.busID,
			FirstSeen:  ts,
			LastSeen:   ts,
		}); err != nil {
			return err
		}
	}

	var details *string
	if len(ev.Data) > 0 {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		s := string(data)
		details = &s
	}

	if err := r.store.AppendEvent(ctx, &Event{
		EventID:    id,
		ObjectPath: ev.ObjectPath,
		Type:       ev.Type,
		Feature:    ev.Feature,
		Level:      eventLevel(ev.Level),
		Message:    ev.Message,
		Details:    details,
		Timestamp:  ts,
	}); err != nil {
		return err
	}

	if ev.Type == telemetry.EventTypeProxyRemoved && ev.ObjectPath != "" {
		return r.store.MarkProxyRemoved(ctx, ev.ObjectPath, ts)
	}
	return nil
}

// Snapshot stores the readable properties and feature statuses of the proxy
// at objectPath. It reports whether the state differed from the last
// snapshot.
func (r *Recorder) Snapshot(ctx context.Context, objectPath string, properties map[string]any, features map[string]string) (bool, error) {
	props, err := json.Marshal(properties)
	if err != nil {
		return false, fmt.Errorf("failed to marshal properties: %w", err)
	}
	if features == nil {
		features = map[string]string{}
	}
	feats, err := json.Marshal(features)
	if err != nil {
		return false, fmt.Errorf("failed to marshal features: %w", err)
	}

	sum := sha256.New()
	sum.Write(props)
	sum.Write([]byte{0})
	sum.Write(feats)

	saved, err := r.store.SaveSnapshot(ctx, &Snapshot{
		ID:         uuid.New().String(),
		ObjectPath: objectPath,
		Properties: string(props),
		Features:   string(feats),
		Hash:       hex.EncodeToString(sum.Sum(nil)),
		TakenAt:    time.Now(),
	})
	if err != nil {
		return false, err
	}
	if saved {
		r.log.WithObjectPath(objectPath).Debug("Snapshot recorded")
	}
	return saved, nil
}

func eventLevel(level string) EventLevel {
	switch level {
	case telemetry.EventLevelWarning:
		return EventLevelWarning
	case telemetry.EventLevelError:
		return EventLevelError
	case "debug":
		return EventLevelDebug
	default:
		return EventLevelInfo
	}
}
