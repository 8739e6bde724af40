package types

import (
	"time"

	"github.com/gftdcojp/floodgate/internal/keys"
)

// Event is a single appended record: an opaque id, its creation timestamp
// (the ordering key), and the payload bytes.
type Event struct {
	ID        string
	Timestamp time.Time
	Payload   []byte
}

// OverlayDecision records which overlay, if any, applies to an event at
// read time.
type OverlayDecision string

const (
	DecisionNone   OverlayDecision = "none"
	DecisionUpdate OverlayDecision = "update"
	DecisionDelete OverlayDecision = "delete"
)

// ByteRange selects a slice of an object, expressed as offset and length.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// ManifestEntry is one element of a replay manifest: where to fetch an
// event's bytes and the overlay decision already resolved for it. For an
// updated event the locator points at the overlay object; for a deleted
// event no locator is issued.
type ManifestEntry struct {
	EventID   string          `json:"event_id"`
	Timestamp time.Time       `json:"timestamp"`
	JournalID keys.JournalID  `json:"journal_id,omitempty"`
	Locator   string          `json:"locator,omitempty"`
	Range     ByteRange       `json:"range"`
	Decision  OverlayDecision `json:"decision"`
}

// CollationResult reports the outcome of one collation run. EventsFolded
// is zero and JournalID empty when there was nothing to do.
type CollationResult struct {
	EventsFolded int            `json:"events_folded"`
	JournalID    keys.JournalID `json:"journal_id,omitempty"`
}

// NothingToDo reports whether the run produced no journal.
func (r CollationResult) NothingToDo() bool {
	return r.EventsFolded == 0
}
