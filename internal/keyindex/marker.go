package keyindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/store"
)

// Marker is the collator's persisted position: the last loose key folded
// into a journal, the journal that folded it, and the next journal
// sequence number. It is read at the start of a collation run and advanced
// only after the folded loose objects have been deleted, so crash recovery
// is a matter of re-running collation from the stored position.
type Marker struct {
	LastLooseKey string         `json:"last_loose_key,omitempty"`
	LastJournal  keys.JournalID `json:"last_journal,omitempty"`
	NextSeq      uint64         `json:"next_seq"`
}

// ReadMarker loads the marker, returning the initial position when none
// has been written yet.
func ReadMarker(ctx context.Context, st store.ObjectStore) (Marker, error) {
	body, err := st.Get(ctx, keys.MarkerKey, nil)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Marker{NextSeq: 1}, nil
		}
		return Marker{}, fmt.Errorf("reading collation marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(body, &m); err != nil {
		return Marker{}, fmt.Errorf("decoding collation marker: %w", err)
	}
	if m.NextSeq == 0 {
		m.NextSeq = 1
	}
	return m, nil
}

// WriteMarker persists the marker.
func WriteMarker(ctx context.Context, st store.ObjectStore, m Marker) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding collation marker: %w", err)
	}
	if err := st.Put(ctx, keys.MarkerKey, body); err != nil {
		return fmt.Errorf("writing collation marker: %w", err)
	}
	return nil
}
