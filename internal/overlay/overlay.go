// Package overlay records updates and deletes as small, independently
// keyed objects referencing the original event id. Journals and loose
// objects are never rewritten; overlays are merged at read time, with the
// most recently written overlay per event winning.
package overlay

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

// Decision is the resolved overlay state for one event id: which kind of
// overlay applies and where its record lives. The update payload is
// fetched separately so that resolving many events stays cheap.
type Decision struct {
	EventID   string
	Kind      keys.OverlayKind
	Key       string
	WriteTime time.Time
}

// Manager writes and resolves overlay records. Overlays targeting ids that
// were never written are accepted and stored; they resolve against nothing
// until (unless) a matching event appears, and tombstones for such ids
// still report the event as deleted.
type Manager struct {
	store  store.ObjectStore
	logger *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewManager(st store.ObjectStore, logger *zap.Logger) *Manager {
	return &Manager{
		store:  st,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// Update records a replacement payload for an event.
func (m *Manager) Update(ctx context.Context, eventID string, payload []byte) error {
	return m.write(ctx, eventID, keys.OverlayUpdate, payload)
}

// Delete records a tombstone for an event.
func (m *Manager) Delete(ctx context.Context, eventID string) error {
	return m.write(ctx, eventID, keys.OverlayDelete, nil)
}

func (m *Manager) write(ctx context.Context, eventID string, kind keys.OverlayKind, payload []byte) error {
	if err := keys.ValidateEventID(eventID); err != nil {
		return err
	}
	key := keys.OverlayKey(eventID, m.now().UTC(), m.newID(), kind)
	if err := m.store.Put(ctx, key, payload); err != nil {
		return fmt.Errorf("writing %s overlay for %s: %w", kind, eventID, err)
	}
	metrics.OverlaysWritten.WithLabelValues(string(kind)).Inc()
	m.logger.Debug("overlay written",
		zap.String("event_id", eventID),
		zap.String("kind", string(kind)),
	)
	return nil
}

// Resolve returns the winning overlay for an event id, or nil when none
// exists. Overlay keys embed write time, so the lexicographically last key
// under the event's prefix is the most recent write.
func (m *Manager) Resolve(ctx context.Context, eventID string) (*Decision, error) {
	if err := keys.ValidateEventID(eventID); err != nil {
		return nil, err
	}

	var last string
	err := m.store.List(ctx, keys.OverlayEventPrefix(eventID), "", func(key string) error {
		last = key
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing overlays for %s: %w", eventID, err)
	}
	if last == "" {
		return nil, nil
	}
	d, err := decisionFromKey(last)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ResolveAll returns the winning overlay per event id across the whole
// overlay namespace. Replay calls this once per run instead of paying a
// per-event listing.
func (m *Manager) ResolveAll(ctx context.Context) (map[string]Decision, error) {
	decisions := make(map[string]Decision)
	err := m.store.List(ctx, keys.OverlayPrefix, "", func(key string) error {
		d, err := decisionFromKey(key)
		if err != nil {
			return err
		}
		// Keys under one event prefix arrive in write-time order, so a
		// later key simply replaces the earlier decision.
		decisions[d.EventID] = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolving overlays: %w", err)
	}
	return decisions, nil
}

// Fetch materializes the replacement payload of an update decision.
func (m *Manager) Fetch(ctx context.Context, d Decision) ([]byte, error) {
	if d.Kind != keys.OverlayUpdate {
		return nil, fmt.Errorf("overlay for %s is %s, not an update", d.EventID, d.Kind)
	}
	data, err := m.store.Get(ctx, d.Key, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching update payload for %s: %w", d.EventID, err)
	}
	return data, nil
}

func decisionFromKey(key string) (Decision, error) {
	eventID, writeTS, _, kind, err := keys.ParseOverlayKey(key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{EventID: eventID, Kind: kind, Key: key, WriteTime: writeTS}, nil
}

// DecisionType maps a resolved decision to its externally visible form.
func DecisionType(d *Decision) types.OverlayDecision {
	if d == nil {
		return types.DecisionNone
	}
	switch d.Kind {
	case keys.OverlayUpdate:
		return types.DecisionUpdate
	case keys.OverlayDelete:
		return types.DecisionDelete
	default:
		return types.DecisionNone
	}
}
