// Package keyindex maintains the registry of journals and the timestamp
// ranges they cover. Each journal gets one small entry object under a
// dedicated prefix; range queries scan that prefix only, so lookup cost
// grows with journal count rather than with total object count.
package keyindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/store"
	"go.uber.org/zap"
)

// Entry describes one registered journal. Min/max covered timestamps are
// carried by the journal id itself; the body adds bookkeeping counts.
type Entry struct {
	JournalID keys.JournalID `json:"journal_id"`
	Events    int            `json:"events"`
	Size      int64          `json:"size"`
}

// MinTime returns the minimum timestamp the journal covers.
func (e Entry) MinTime() time.Time { return e.JournalID.MinTime() }

// MaxTime returns the maximum timestamp the journal covers.
func (e Entry) MaxTime() time.Time { return e.JournalID.MaxTime() }

// Index is the journal registry. Register is called only by the collator;
// Query and Last are read-only and safe for any number of readers.
type Index struct {
	store  store.ObjectStore
	logger *zap.Logger
}

func New(st store.ObjectStore, logger *zap.Logger) *Index {
	return &Index{store: st, logger: logger}
}

// Register appends a journal to the registry. Called immediately after the
// journal and its offset index are durably written.
func (idx *Index) Register(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding key index entry: %w", err)
	}
	if err := idx.store.Put(ctx, keys.KeyIndexKey(e.JournalID), body); err != nil {
		return fmt.Errorf("registering journal %s: %w", e.JournalID, err)
	}
	idx.logger.Debug("journal registered",
		zap.String("journal_id", string(e.JournalID)),
		zap.Int("events", e.Events),
		zap.Int64("size", e.Size),
	)
	return nil
}

// Query returns the journals whose covered range intersects [from, to],
// in ascending journal id order. Journal ids sort by min timestamp, so the
// scan stops at the first journal starting after the window.
func (idx *Index) Query(ctx context.Context, from, to time.Time) ([]Entry, error) {
	var entries []Entry
	err := idx.store.List(ctx, keys.KeyIndexPrefix, "", func(key string) error {
		id, err := keys.JournalIDFromKey(key)
		if err != nil {
			return fmt.Errorf("unreadable key index entry: %w", err)
		}
		if id.MinTime().After(to) {
			return store.ErrStopListing
		}
		if id.MaxTime().Before(from) {
			return nil
		}
		e, err := idx.get(ctx, id)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Last returns the most recently registered journal, or nil when no
// journal exists yet.
func (idx *Index) Last(ctx context.Context) (*Entry, error) {
	var lastID keys.JournalID
	err := idx.store.List(ctx, keys.KeyIndexPrefix, "", func(key string) error {
		id, err := keys.JournalIDFromKey(key)
		if err != nil {
			return fmt.Errorf("unreadable key index entry: %w", err)
		}
		lastID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lastID == "" {
		return nil, nil
	}
	e, err := idx.get(ctx, lastID)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Count returns the number of registered journals.
func (idx *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := idx.store.List(ctx, keys.KeyIndexPrefix, "", func(string) error {
		n++
		return nil
	})
	return n, err
}

func (idx *Index) get(ctx context.Context, id keys.JournalID) (Entry, error) {
	body, err := idx.store.Get(ctx, keys.KeyIndexKey(id), nil)
	if err != nil {
		return Entry{}, fmt.Errorf("reading key index entry %s: %w", id, err)
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return Entry{}, fmt.Errorf("decoding key index entry %s: %w", id, err)
	}
	return e, nil
}
