// Package replay reconstructs the chronological event stream from
// journals, not-yet-collated loose objects, and overlay records. Planning
// happens once per replay: the journal registry is queried for the window,
// offset indexes are loaded (cache first), the loose namespace is listed,
// and overlays are resolved. Streaming then emits events in ascending
// (timestamp, event id) order, fetching each journal's window span with a
// single ranged read.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gftdcojp/floodgate/internal/cache"
	"github.com/gftdcojp/floodgate/internal/journal"
	"github.com/gftdcojp/floodgate/internal/keyindex"
	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/metrics"
	"github.com/gftdcojp/floodgate/internal/overlay"
	"github.com/gftdcojp/floodgate/internal/store"
	"github.com/gftdcojp/floodgate/internal/types"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by lookups for ids that were never written.
	ErrNotFound = errors.New("event not found")

	// ErrDeleted is returned by lookups for ids covered by a tombstone.
	ErrDeleted = errors.New("event deleted")
)

// Engine plans and executes replays against one store prefix.
type Engine struct {
	store    store.ObjectStore
	idx      *keyindex.Index
	overlays *overlay.Manager
	cache    *cache.Cache
	logger   *zap.Logger

	presignExpiry time.Duration
}

func New(st store.ObjectStore, idx *keyindex.Index, ov *overlay.Manager, c *cache.Cache, presignExpiry time.Duration, logger *zap.Logger) *Engine {
	if presignExpiry <= 0 {
		presignExpiry = time.Hour
	}
	return &Engine{
		store:         st,
		idx:           idx,
		overlays:      ov,
		cache:         c,
		logger:        logger,
		presignExpiry: presignExpiry,
	}
}

// item is one planned event: where its base payload lives. Journal items
// carry their index entry; loose items carry their object key.
type item struct {
	id      string
	ts      time.Time
	jid     keys.JournalID
	entry   journal.Entry
	looseKy string
}

func (it item) fromJournal() bool { return it.jid != "" }

// span is the contiguous byte run of one journal that a replay window
// touches. Data is fetched on first use with a single ranged read.
type span struct {
	first, last journal.Entry
	data        []byte
}

func (s *span) byteRange() types.ByteRange {
	return types.ByteRange{
		Offset: s.first.Offset,
		Length: s.last.Offset + s.last.Length - s.first.Offset,
	}
}

type plan struct {
	items     []item
	spans     map[keys.JournalID]*span
	decisions map[string]overlay.Decision
}

// Replay opens a stream over [from, to]. Zero bounds default to an
// unbounded window.
func (e *Engine) Replay(ctx context.Context, from, to time.Time) (*Stream, error) {
	p, err := e.plan(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return &Stream{engine: e, ctx: ctx, plan: p, pos: -1}, nil
}

func (e *Engine) plan(ctx context.Context, from, to time.Time) (*plan, error) {
	start := time.Now()
	if from.IsZero() {
		from = keys.DistantPast
	}
	if to.IsZero() {
		to = keys.FarFuture
	}
	if to.Before(from) {
		return nil, fmt.Errorf("replay window end %s before start %s",
			keys.FormatTimestamp(to), keys.FormatTimestamp(from))
	}

	p := &plan{spans: make(map[keys.JournalID]*span)}

	entries, err := e.idx.Query(ctx, from, to)
	if err != nil {
		return nil, err
	}

	// Ids already emitted from a journal; loose duplicates left behind by
	// an interrupted collation are skipped by key.
	journaled := make(map[string]struct{})

	for _, reg := range entries {
		jidx, err := e.journalIndex(ctx, reg.JournalID)
		if err != nil {
			return nil, err
		}
		window := jidx.EntriesInWindow(from, to)
		if len(window) == 0 {
			continue
		}
		p.spans[reg.JournalID] = &span{first: window[0], last: window[len(window)-1]}
		for _, en := range window {
			p.items = append(p.items, item{id: en.EventID, ts: en.Timestamp, jid: reg.JournalID, entry: en})
			journaled[keys.LooseKey(en.Timestamp, en.EventID)] = struct{}{}
		}
	}

	err = e.store.List(ctx, keys.LoosePrefix, keys.LoosePrefix+keys.FormatTimestamp(from), func(key string) error {
		ts, id, err := keys.ParseLooseKey(key)
		if err != nil {
			return err
		}
		if ts.After(to) {
			return store.ErrStopListing
		}
		if _, dup := journaled[key]; dup {
			return nil
		}
		p.items = append(p.items, item{id: id, ts: ts, looseKy: key})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing loose events: %w", err)
	}

	// Journals cover ascending ranges but a late writer can land an old
	// timestamp in a newer journal, so a global sort is still required.
	sort.Slice(p.items, func(i, j int) bool {
		a, b := p.items[i], p.items[j]
		if !a.ts.Equal(b.ts) {
			return a.ts.Before(b.ts)
		}
		return a.id < b.id
	})

	p.decisions, err = e.overlays.ResolveAll(ctx)
	if err != nil {
		return nil, err
	}

	metrics.ReplayOpenDuration.Observe(time.Since(start).Seconds())
	e.logger.Debug("replay planned",
		zap.Int("events", len(p.items)),
		zap.Int("journals", len(p.spans)),
		zap.Int("overlays", len(p.decisions)),
	)
	return p, nil
}

// journalIndex loads a journal's offset index, preferring the local cache.
func (e *Engine) journalIndex(ctx context.Context, id keys.JournalID) (*journal.Index, error) {
	if idx := e.cache.GetIndex(id); idx != nil {
		return idx, nil
	}
	body, err := e.store.Get(ctx, keys.JournalIndexKey(id), nil)
	if err != nil {
		return nil, fmt.Errorf("reading journal index %s: %w", id, err)
	}
	idx, err := journal.DecodeIndex(id, body)
	if err != nil {
		return nil, err
	}
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	e.cache.PutIndex(idx)
	return idx, nil
}

// Stream iterates a planned replay in chronological order.
//
//	stream, err := engine.Replay(ctx, from, to)
//	...
//	for stream.Next() {
//		ev := stream.Event()
//		...
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream struct {
	engine *Engine
	ctx    context.Context
	plan   *plan
	pos    int
	cur    types.Event
	err    error
}

// Next advances to the next surviving event. It returns false at the end
// of the window or on the first error.
func (s *Stream) Next() bool {
	if s.err != nil {
		return false
	}
	for {
		s.pos++
		if s.pos >= len(s.plan.items) {
			return false
		}
		it := s.plan.items[s.pos]

		d, hasOverlay := s.plan.decisions[it.id]
		if hasOverlay && d.Kind == keys.OverlayDelete {
			continue
		}

		var payload []byte
		var source string
		var err error
		if hasOverlay {
			payload, err = s.engine.overlays.Fetch(s.ctx, d)
			source = "overlay"
		} else if it.fromJournal() {
			payload, err = s.journalPayload(it)
			source = "journal"
		} else {
			payload, err = s.engine.store.Get(s.ctx, it.looseKy, nil)
			source = "loose"
		}
		if err != nil {
			s.err = err
			return false
		}

		metrics.EventsReplayed.WithLabelValues(source).Inc()
		s.cur = types.Event{ID: it.id, Timestamp: it.ts, Payload: payload}
		return true
	}
}

// Event returns the event positioned by the last successful Next.
func (s *Stream) Event() types.Event { return s.cur }

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error { return s.err }

// journalPayload slices one event out of its journal span, fetching the
// span bytes on first use.
func (s *Stream) journalPayload(it item) ([]byte, error) {
	sp := s.plan.spans[it.jid]
	if sp.data == nil {
		rng := sp.byteRange()
		data, err := s.engine.store.Get(s.ctx, keys.JournalKey(it.jid), &rng)
		if err != nil {
			return nil, fmt.Errorf("reading journal %s: %w", it.jid, err)
		}
		if int64(len(data)) != rng.Length {
			return nil, &journal.CorruptError{
				JournalID: it.jid,
				Reason:    fmt.Sprintf("span read returned %d bytes, index says %d", len(data), rng.Length),
			}
		}
		sp.data = data
	}
	off := it.entry.Offset - sp.first.Offset
	if off < 0 || off+it.entry.Length > int64(len(sp.data)) {
		return nil, &journal.CorruptError{
			JournalID: it.jid,
			Reason:    fmt.Sprintf("entry for %s outside fetched span", it.id),
		}
	}
	return sp.data[off : off+it.entry.Length], nil
}
