// Package writer appends events to the store as loose objects. Each write
// lands two objects: the payload under a chronologically sortable loose
// key, and a small per-event pointer used for id lookups.
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/metrics"
	"github.com/gftdcojp/floodgate/internal/store"
	"github.com/gftdcojp/floodgate/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WriteError wraps a store failure on the write path with the key that
// could not be written.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing %s: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer appends events as loose objects.
type Writer struct {
	store  store.ObjectStore
	logger *zap.Logger

	now   func() time.Time
	newID func() string
}

func New(st store.ObjectStore, logger *zap.Logger) *Writer {
	return &Writer{
		store:  st,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// Put appends one event. An empty eventID gets a generated UUID; a zero
// ts gets the current time. The returned event carries the values actually
// written, with the timestamp truncated to the key encoding's microsecond
// resolution.
func (w *Writer) Put(ctx context.Context, eventID string, payload []byte, ts time.Time) (types.Event, error) {
	if eventID == "" {
		eventID = w.newID()
	}
	if err := keys.ValidateEventID(eventID); err != nil {
		return types.Event{}, err
	}
	if ts.IsZero() {
		ts = w.now()
	}
	ts = ts.UTC().Truncate(time.Microsecond)

	looseKey := keys.LooseKey(ts, eventID)
	if err := w.store.Put(ctx, looseKey, payload); err != nil {
		metrics.WriteErrors.Inc()
		return types.Event{}, &WriteError{Key: looseKey, Err: err}
	}

	// The pointer body is the canonical timestamp string, enough to
	// reconstruct the loose key or find the covering journal.
	idxKey := keys.EventIndexKey(eventID)
	if err := w.store.Put(ctx, idxKey, []byte(keys.FormatTimestamp(ts))); err != nil {
		metrics.WriteErrors.Inc()
		return types.Event{}, &WriteError{Key: idxKey, Err: err}
	}

	metrics.EventsWritten.Inc()
	w.logger.Debug("event written",
		zap.String("event_id", eventID),
		zap.Time("timestamp", ts),
		zap.Int("bytes", len(payload)),
	)
	return types.Event{ID: eventID, Timestamp: ts, Payload: payload}, nil
}
