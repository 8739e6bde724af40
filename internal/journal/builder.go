package journal

import (
	"fmt"

	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/types"
)

// Builder accumulates events into a journal. Events must be added in
// ascending (timestamp, event id) order; the builder rejects violations so
// a journal can never be created with nondeterministic internal order.
type Builder struct {
	entries []Entry
	data    []byte
}

func NewBuilder() *Builder {
	return &Builder{entries: make([]Entry, 0, 64)}
}

// Add appends an event. The payload is copied into the journal data.
func (b *Builder) Add(ev types.Event) error {
	if err := keys.ValidateEventID(ev.ID); err != nil {
		return err
	}
	if n := len(b.entries); n > 0 {
		prev := b.entries[n-1]
		if ev.Timestamp.Before(prev.Timestamp) ||
			(ev.Timestamp.Equal(prev.Timestamp) && ev.ID <= prev.EventID) {
			return fmt.Errorf("event %s@%s added out of order after %s@%s",
				ev.ID, keys.FormatTimestamp(ev.Timestamp), prev.EventID, keys.FormatTimestamp(prev.Timestamp))
		}
	}

	b.entries = append(b.entries, Entry{
		EventID:   ev.ID,
		Timestamp: ev.Timestamp.UTC(),
		Offset:    int64(len(b.data)),
		Length:    int64(len(ev.Payload)),
	})
	b.data = append(b.data, ev.Payload...)
	return nil
}

// Count returns the number of accumulated events.
func (b *Builder) Count() int {
	return len(b.entries)
}

// Size returns the accumulated data bytes.
func (b *Builder) Size() int64 {
	return int64(len(b.data))
}

// Seal finalizes the journal, assigning it an id derived from the covered
// timestamp range and the given sequence counter.
func (b *Builder) Seal(seq uint64) (*Journal, error) {
	if len(b.entries) == 0 {
		return nil, fmt.Errorf("cannot seal a journal with no events")
	}

	id := keys.MakeJournalID(b.entries[0].Timestamp, b.entries[len(b.entries)-1].Timestamp, seq)
	idx := &Index{
		JournalID: id,
		DataSize:  int64(len(b.data)),
		Entries:   b.entries,
	}
	if err := idx.Validate(); err != nil {
		return nil, err
	}

	return &Journal{ID: id, Data: b.data, Index: idx}, nil
}
