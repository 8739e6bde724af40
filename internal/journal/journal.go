// Package journal implements the immutable compacted batch format: a data
// object holding concatenated event payloads and a sidecar offset index
// that maps (event id, timestamp) to byte ranges inside it.
package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"time"

	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/types"
)

const (
	// IndexMagic identifies the index format.
	IndexMagic = uint32(0x46474A58) // "FGJX"

	indexVersion = 1

	// indexHeaderSize: [4 magic][4 version][4 entry_count][8 data_size]
	indexHeaderSize = 20

	// entryFixedSize: [2 id_len][8 timestamp_us][8 offset][8 length]
	entryFixedSize = 26

	checksumSize = 4
)

// Entry locates one event inside the journal data object.
type Entry struct {
	EventID   string
	Timestamp time.Time
	Offset    int64
	Length    int64
}

// Index is the offset index for one journal. Entries are ordered by
// (timestamp, event id), which is the journal's internal event order.
type Index struct {
	JournalID keys.JournalID
	// DataSize is the length of the journal data object the index
	// describes; used to detect index/content mismatch.
	DataSize int64
	Entries  []Entry
}

// CorruptError reports a journal whose index is inconsistent with its
// content. Replay fails closed on it rather than truncating the stream.
type CorruptError struct {
	JournalID keys.JournalID
	Reason    string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("journal %s corrupt: %s", e.JournalID, e.Reason)
}

// MinTime returns the timestamp of the first event.
func (idx *Index) MinTime() time.Time {
	if len(idx.Entries) == 0 {
		return time.Time{}
	}
	return idx.Entries[0].Timestamp
}

// MaxTime returns the timestamp of the last event.
func (idx *Index) MaxTime() time.Time {
	if len(idx.Entries) == 0 {
		return time.Time{}
	}
	return idx.Entries[len(idx.Entries)-1].Timestamp
}

// Lookup finds the entry for an event id.
func (idx *Index) Lookup(eventID string) (Entry, bool) {
	for _, e := range idx.Entries {
		if e.EventID == eventID {
			return e, true
		}
	}
	return Entry{}, false
}

// EntriesInWindow returns the contiguous run of entries with timestamps in
// [from, to].
func (idx *Index) EntriesInWindow(from, to time.Time) []Entry {
	lo := sort.Search(len(idx.Entries), func(i int) bool {
		return !idx.Entries[i].Timestamp.Before(from)
	})
	hi := sort.Search(len(idx.Entries), func(i int) bool {
		return idx.Entries[i].Timestamp.After(to)
	})
	if lo >= hi {
		return nil
	}
	return idx.Entries[lo:hi]
}

// Validate checks internal consistency: contiguous offsets starting at
// zero, nondecreasing (timestamp, event id) order, and a final extent
// matching DataSize.
func (idx *Index) Validate() error {
	var pos int64
	for i, e := range idx.Entries {
		if e.Offset != pos {
			return &CorruptError{idx.JournalID, fmt.Sprintf("entry %d offset %d, expected %d", i, e.Offset, pos)}
		}
		if e.Length < 0 {
			return &CorruptError{idx.JournalID, fmt.Sprintf("entry %d has negative length", i)}
		}
		if i > 0 {
			prev := idx.Entries[i-1]
			if e.Timestamp.Before(prev.Timestamp) ||
				(e.Timestamp.Equal(prev.Timestamp) && e.EventID <= prev.EventID) {
				return &CorruptError{idx.JournalID, fmt.Sprintf("entry %d out of order", i)}
			}
		}
		pos += e.Length
	}
	if pos != idx.DataSize {
		return &CorruptError{idx.JournalID, fmt.Sprintf("entries cover %d bytes, data size is %d", pos, idx.DataSize)}
	}
	return nil
}

// Encode serializes the index to its binary sidecar format.
func (idx *Index) Encode() []byte {
	size := indexHeaderSize
	for _, e := range idx.Entries {
		size += entryFixedSize + len(e.EventID)
	}
	size += checksumSize

	buf := make([]byte, 0, size)

	hdr := make([]byte, indexHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], IndexMagic)
	binary.BigEndian.PutUint32(hdr[4:8], indexVersion)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(idx.Entries)))
	binary.BigEndian.PutUint64(hdr[12:20], uint64(idx.DataSize))
	buf = append(buf, hdr...)

	for _, e := range idx.Entries {
		fixed := make([]byte, entryFixedSize)
		binary.BigEndian.PutUint16(fixed[0:2], uint16(len(e.EventID)))
		binary.BigEndian.PutUint64(fixed[2:10], uint64(e.Timestamp.UnixMicro()))
		binary.BigEndian.PutUint64(fixed[10:18], uint64(e.Offset))
		binary.BigEndian.PutUint64(fixed[18:26], uint64(e.Length))
		buf = append(buf, fixed...)
		buf = append(buf, e.EventID...)
	}

	crc := crc32.ChecksumIEEE(buf)
	crcBuf := make([]byte, checksumSize)
	binary.BigEndian.PutUint32(crcBuf, crc)
	return append(buf, crcBuf...)
}

// DecodeIndex parses a binary index sidecar for the given journal id.
func DecodeIndex(id keys.JournalID, data []byte) (*Index, error) {
	if len(data) < indexHeaderSize+checksumSize {
		return nil, &CorruptError{id, fmt.Sprintf("index too small: %d bytes", len(data))}
	}

	body := data[:len(data)-checksumSize]
	expectedCRC := binary.BigEndian.Uint32(data[len(data)-checksumSize:])
	if actual := crc32.ChecksumIEEE(body); actual != expectedCRC {
		return nil, &CorruptError{id, fmt.Sprintf("index checksum mismatch: expected 0x%08X, got 0x%08X", expectedCRC, actual)}
	}

	magic := binary.BigEndian.Uint32(body[0:4])
	if magic != IndexMagic {
		return nil, &CorruptError{id, fmt.Sprintf("invalid index magic: 0x%08X", magic)}
	}
	version := binary.BigEndian.Uint32(body[4:8])
	if version != indexVersion {
		return nil, &CorruptError{id, fmt.Sprintf("unsupported index version: %d", version)}
	}

	count := int(binary.BigEndian.Uint32(body[8:12]))
	idx := &Index{
		JournalID: id,
		DataSize:  int64(binary.BigEndian.Uint64(body[12:20])),
		Entries:   make([]Entry, 0, count),
	}

	pos := indexHeaderSize
	for i := 0; i < count; i++ {
		if pos+entryFixedSize > len(body) {
			return nil, &CorruptError{id, fmt.Sprintf("truncated entry %d", i)}
		}
		idLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
		tsMicro := int64(binary.BigEndian.Uint64(body[pos+2 : pos+10]))
		offset := int64(binary.BigEndian.Uint64(body[pos+10 : pos+18]))
		length := int64(binary.BigEndian.Uint64(body[pos+18 : pos+26]))
		pos += entryFixedSize

		if pos+idLen > len(body) {
			return nil, &CorruptError{id, fmt.Sprintf("truncated event id in entry %d", i)}
		}
		eventID := string(body[pos : pos+idLen])
		pos += idLen

		idx.Entries = append(idx.Entries, Entry{
			EventID:   eventID,
			Timestamp: time.UnixMicro(tsMicro).UTC(),
			Offset:    offset,
			Length:    length,
		})
	}
	if pos != len(body) {
		return nil, &CorruptError{id, fmt.Sprintf("%d trailing bytes after entries", len(body)-pos)}
	}

	return idx, nil
}

// Journal couples a sealed data object with its index.
type Journal struct {
	ID    keys.JournalID
	Data  []byte
	Index *Index
}

// Events reconstructs the journal's events from data and index.
func (j *Journal) Events() ([]types.Event, error) {
	if err := j.Index.Validate(); err != nil {
		return nil, err
	}
	if int64(len(j.Data)) != j.Index.DataSize {
		return nil, &CorruptError{j.ID, fmt.Sprintf("data is %d bytes, index says %d", len(j.Data), j.Index.DataSize)}
	}
	events := make([]types.Event, 0, len(j.Index.Entries))
	for _, e := range j.Index.Entries {
		events = append(events, types.Event{
			ID:        e.EventID,
			Timestamp: e.Timestamp,
			Payload:   j.Data[e.Offset : e.Offset+e.Length],
		})
	}
	return events, nil
}
