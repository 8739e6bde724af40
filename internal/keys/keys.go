// Package keys encodes logical identities (event id, timestamp, journal id,
// overlay id) into object store keys whose lexicographic byte order matches
// the intended logical order. This is the only ordering mechanism the store
// provides, so every composed key here must sort the way replay expects.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidEventID marks event id validation failures.
var ErrInvalidEventID = errors.New("invalid event id")

// TimestampFormat is a fixed-width UTC layout. Zero-padded fields and a
// microsecond suffix keep lexicographic order equal to chronological order.
const TimestampFormat = "2006-01-02T150405.000000Z"

// Delimiter separates the parts of composed ids. Event ids must not
// contain it.
const Delimiter = "--"

// Namespace prefixes within the configured root prefix.
const (
	LoosePrefix        = "loose/"
	JournalPrefix      = "journal/"
	JournalIndexPrefix = "journal-index/"
	KeyIndexPrefix     = "key-index/"
	OverlayPrefix      = "overlay/"
	EventIndexPrefix   = "event-index/"
	MarkerKey          = "marker"
)

var (
	// DistantPast and FarFuture bound open-ended replay windows.
	DistantPast = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	FarFuture   = time.Date(5000, 1, 1, 0, 0, 0, 0, time.UTC)
)

// FormatTimestamp renders t in the canonical sortable form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp parses a canonical timestamp string.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimestampFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// ValidateEventID rejects ids that would corrupt composed keys.
func ValidateEventID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: must not be empty", ErrInvalidEventID)
	}
	if strings.Contains(id, Delimiter) {
		return fmt.Errorf("%w: %q must not contain %q", ErrInvalidEventID, id, Delimiter)
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("%w: %q must not contain %q", ErrInvalidEventID, id, "/")
	}
	return nil
}

// LooseKey composes the key for a not-yet-collated event object. Keys sort
// by (timestamp, event id), which is the replay order.
func LooseKey(ts time.Time, eventID string) string {
	return LoosePrefix + FormatTimestamp(ts) + Delimiter + eventID
}

// ParseLooseKey splits a loose key back into timestamp and event id.
func ParseLooseKey(key string) (time.Time, string, error) {
	rest, ok := strings.CutPrefix(key, LoosePrefix)
	if !ok {
		return time.Time{}, "", fmt.Errorf("not a loose key: %q", key)
	}
	tsPart, id, ok := strings.Cut(rest, Delimiter)
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("malformed loose key: %q", key)
	}
	ts, err := ParseTimestamp(tsPart)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed loose key %q: %w", key, err)
	}
	return ts, id, nil
}

// EventIndexKey composes the per-event pointer key used for id lookups.
func EventIndexKey(eventID string) string {
	return EventIndexPrefix + eventID
}

// JournalID identifies a journal. The encoded form is
// <minTS>--<maxTS>--<seq>, so journal ids sort by (min timestamp, sequence)
// and a key index listing comes back in registration order.
type JournalID string

// MakeJournalID composes a journal id from the covered timestamp range and
// a disambiguating sequence counter.
func MakeJournalID(minTS, maxTS time.Time, seq uint64) JournalID {
	return JournalID(FormatTimestamp(minTS) + Delimiter + FormatTimestamp(maxTS) + Delimiter + fmt.Sprintf("%010d", seq))
}

// ParseJournalID validates and returns the id's parts.
func ParseJournalID(id JournalID) (minTS, maxTS time.Time, seq uint64, err error) {
	parts := strings.Split(string(id), Delimiter)
	if len(parts) != 3 {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("malformed journal id %q", id)
	}
	if minTS, err = ParseTimestamp(parts[0]); err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("malformed journal id %q: %w", id, err)
	}
	if maxTS, err = ParseTimestamp(parts[1]); err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("malformed journal id %q: %w", id, err)
	}
	if seq, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("malformed journal id %q: %w", id, err)
	}
	return minTS, maxTS, seq, nil
}

// MinTime returns the minimum covered timestamp, or the zero time when the
// id is malformed.
func (id JournalID) MinTime() time.Time {
	minTS, _, _, err := ParseJournalID(id)
	if err != nil {
		return time.Time{}
	}
	return minTS
}

// MaxTime returns the maximum covered timestamp.
func (id JournalID) MaxTime() time.Time {
	_, maxTS, _, err := ParseJournalID(id)
	if err != nil {
		return time.Time{}
	}
	return maxTS
}

// Seq returns the sequence counter.
func (id JournalID) Seq() uint64 {
	_, _, seq, _ := ParseJournalID(id)
	return seq
}

// JournalKey is the object key holding a journal's concatenated payloads.
func JournalKey(id JournalID) string {
	return JournalPrefix + string(id)
}

// JournalIndexKey is the object key holding a journal's offset index.
func JournalIndexKey(id JournalID) string {
	return JournalIndexPrefix + string(id)
}

// KeyIndexKey is the registry entry key for a journal.
func KeyIndexKey(id JournalID) string {
	return KeyIndexPrefix + string(id)
}

// JournalIDFromKey strips any of the journal-related prefixes.
func JournalIDFromKey(key string) (JournalID, error) {
	for _, pfx := range []string{JournalPrefix, JournalIndexPrefix, KeyIndexPrefix} {
		if rest, ok := strings.CutPrefix(key, pfx); ok {
			id := JournalID(rest)
			if _, _, _, err := ParseJournalID(id); err != nil {
				return "", err
			}
			return id, nil
		}
	}
	return "", fmt.Errorf("not a journal key: %q", key)
}

// OverlayKind distinguishes update and delete overlay records.
type OverlayKind string

const (
	OverlayUpdate OverlayKind = "UPDATE"
	OverlayDelete OverlayKind = "DELETE"
)

// OverlayKey composes the key for an overlay record. The event id leads so
// that one prefix listing returns all overlays for an event; write time and
// a unique suffix follow so the lexicographically last entry is the most
// recent write.
func OverlayKey(eventID string, writeTS time.Time, uid string, kind OverlayKind) string {
	return OverlayPrefix + eventID + Delimiter + FormatTimestamp(writeTS) + Delimiter + uid + Delimiter + string(kind)
}

// OverlayEventPrefix is the listing prefix covering all overlays that
// target eventID.
func OverlayEventPrefix(eventID string) string {
	return OverlayPrefix + eventID + Delimiter
}

// ParseOverlayKey splits an overlay key into its parts.
func ParseOverlayKey(key string) (eventID string, writeTS time.Time, uid string, kind OverlayKind, err error) {
	rest, ok := strings.CutPrefix(key, OverlayPrefix)
	if !ok {
		return "", time.Time{}, "", "", fmt.Errorf("not an overlay key: %q", key)
	}
	parts := strings.Split(rest, Delimiter)
	if len(parts) != 4 {
		return "", time.Time{}, "", "", fmt.Errorf("malformed overlay key: %q", key)
	}
	writeTS, err = ParseTimestamp(parts[1])
	if err != nil {
		return "", time.Time{}, "", "", fmt.Errorf("malformed overlay key %q: %w", key, err)
	}
	switch OverlayKind(parts[3]) {
	case OverlayUpdate, OverlayDelete:
	default:
		return "", time.Time{}, "", "", fmt.Errorf("unknown overlay kind in key %q", key)
	}
	return parts[0], writeTS, parts[2], OverlayKind(parts[3]), nil
}
