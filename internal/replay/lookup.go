package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/overlay"
	"github.com/gftdcojp/floodgate/internal/store"
	"github.com/gftdcojp/floodgate/internal/types"
)

// Manifest plans a replay and returns presigned locators instead of event
// bytes, letting the caller fetch payloads directly from the store.
// Updated events point at their overlay object; deleted events are listed
// with no locator so consumers can apply tombstones.
func (e *Engine) Manifest(ctx context.Context, from, to time.Time) ([]types.ManifestEntry, error) {
	p, err := e.plan(ctx, from, to)
	if err != nil {
		return nil, err
	}

	entries := make([]types.ManifestEntry, 0, len(p.items))
	for _, it := range p.items {
		me := types.ManifestEntry{
			EventID:   it.id,
			Timestamp: it.ts,
			JournalID: it.jid,
			Decision:  types.DecisionNone,
		}

		if d, ok := p.decisions[it.id]; ok {
			me.Decision = overlay.DecisionType(&d)
			if d.Kind == keys.OverlayDelete {
				entries = append(entries, me)
				continue
			}
			me.JournalID = ""
			me.Locator, err = e.store.Presign(ctx, d.Key, nil, e.presignExpiry)
			if err != nil {
				return nil, fmt.Errorf("presigning overlay for %s: %w", it.id, err)
			}
			entries = append(entries, me)
			continue
		}

		if it.fromJournal() {
			me.Range = types.ByteRange{Offset: it.entry.Offset, Length: it.entry.Length}
			me.Locator, err = e.store.Presign(ctx, keys.JournalKey(it.jid), &me.Range, e.presignExpiry)
		} else {
			me.Locator, err = e.store.Presign(ctx, it.looseKy, nil, e.presignExpiry)
		}
		if err != nil {
			return nil, fmt.Errorf("presigning locator for %s: %w", it.id, err)
		}
		entries = append(entries, me)
	}
	return entries, nil
}

// GetEvent fetches one event by id, applying overlays. A tombstone wins
// over everything, including an event that was never written.
func (e *Engine) GetEvent(ctx context.Context, eventID string) (types.Event, error) {
	if err := keys.ValidateEventID(eventID); err != nil {
		return types.Event{}, err
	}

	d, err := e.overlays.Resolve(ctx, eventID)
	if err != nil {
		return types.Event{}, err
	}
	if d != nil && d.Kind == keys.OverlayDelete {
		return types.Event{}, fmt.Errorf("%s: %w", eventID, ErrDeleted)
	}

	ts, err := e.lookupTimestamp(ctx, eventID)
	if err != nil {
		return types.Event{}, err
	}

	if d != nil {
		payload, err := e.overlays.Fetch(ctx, *d)
		if err != nil {
			return types.Event{}, err
		}
		return types.Event{ID: eventID, Timestamp: ts, Payload: payload}, nil
	}

	payload, err := e.basePayload(ctx, eventID, ts)
	if err != nil {
		return types.Event{}, err
	}
	return types.Event{ID: eventID, Timestamp: ts, Payload: payload}, nil
}

// EventExists reports whether an id resolves to a live event.
func (e *Engine) EventExists(ctx context.Context, eventID string) (bool, error) {
	_, err := e.GetEvent(ctx, eventID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDeleted):
		return false, nil
	default:
		return false, err
	}
}

// lookupTimestamp reads the per-event pointer written alongside the loose
// object.
func (e *Engine) lookupTimestamp(ctx context.Context, eventID string) (time.Time, error) {
	body, err := e.store.Get(ctx, keys.EventIndexKey(eventID), nil)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return time.Time{}, fmt.Errorf("%s: %w", eventID, ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("reading event pointer for %s: %w", eventID, err)
	}
	ts, err := keys.ParseTimestamp(string(body))
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed event pointer for %s: %w", eventID, err)
	}
	return ts, nil
}

// basePayload fetches the original payload: the loose object if it still
// exists, otherwise a ranged read from the covering journal.
func (e *Engine) basePayload(ctx context.Context, eventID string, ts time.Time) ([]byte, error) {
	payload, err := e.store.Get(ctx, keys.LooseKey(ts, eventID), nil)
	if err == nil {
		return payload, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	entries, err := e.idx.Query(ctx, ts, ts)
	if err != nil {
		return nil, err
	}
	for _, reg := range entries {
		jidx, err := e.journalIndex(ctx, reg.JournalID)
		if err != nil {
			return nil, err
		}
		en, ok := jidx.Lookup(eventID)
		if !ok || !en.Timestamp.Equal(ts) {
			continue
		}
		rng := types.ByteRange{Offset: en.Offset, Length: en.Length}
		payload, err := e.store.Get(ctx, keys.JournalKey(reg.JournalID), &rng)
		if err != nil {
			return nil, fmt.Errorf("reading journal %s: %w", reg.JournalID, err)
		}
		return payload, nil
	}
	return nil, fmt.Errorf("%s: %w", eventID, ErrNotFound)
}
