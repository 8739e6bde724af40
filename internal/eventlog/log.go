// Package eventlog wires the write, collation, overlay, and replay
// components into one Log facade. The daemon, the HTTP API, and the ingest
// bridge all talk to a Log; nothing outside this package constructs the
// underlying components.
package eventlog

import (
	"context"
	"time"

	"github.com/gftdcojp/floodgate/internal/cache"
	"github.com/gftdcojp/floodgate/internal/collate"
	"github.com/gftdcojp/floodgate/internal/config"
	"github.com/gftdcojp/floodgate/internal/keyindex"
	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/overlay"
	"github.com/gftdcojp/floodgate/internal/replay"
	"github.com/gftdcojp/floodgate/internal/store"
	"github.com/gftdcojp/floodgate/internal/types"
	"github.com/gftdcojp/floodgate/internal/writer"
	"go.uber.org/zap"
)

// Re-exported lookup sentinels so callers depend on the facade only.
var (
	ErrNotFound = replay.ErrNotFound
	ErrDeleted  = replay.ErrDeleted
)

// Log is the event log facade over one store prefix.
type Log struct {
	store    store.ObjectStore
	writer   *writer.Writer
	collator *collate.Collator
	overlays *overlay.Manager
	engine   *replay.Engine
	idx      *keyindex.Index
	logger   *zap.Logger
}

// Options carries the tunables a Log needs beyond its store.
type Options struct {
	Collator      config.CollatorConfig
	Cache         *cache.Cache
	PresignExpiry time.Duration
}

func New(st store.ObjectStore, opts Options, logger *zap.Logger) *Log {
	idx := keyindex.New(st, logger.Named("keyindex"))
	ov := overlay.NewManager(st, logger.Named("overlay"))
	return &Log{
		store:    st,
		writer:   writer.New(st, logger.Named("writer")),
		collator: collate.New(st, idx, opts.Collator, logger.Named("collate")),
		overlays: ov,
		engine:   replay.New(st, idx, ov, opts.Cache, opts.PresignExpiry, logger.Named("replay")),
		idx:      idx,
		logger:   logger,
	}
}

// Put appends an event. Empty id and zero timestamp get defaults.
func (l *Log) Put(ctx context.Context, eventID string, payload []byte, ts time.Time) (types.Event, error) {
	return l.writer.Put(ctx, eventID, payload, ts)
}

// Update records a replacement payload for an event.
func (l *Log) Update(ctx context.Context, eventID string, payload []byte) error {
	return l.overlays.Update(ctx, eventID, payload)
}

// Delete records a tombstone for an event.
func (l *Log) Delete(ctx context.Context, eventID string) error {
	return l.overlays.Delete(ctx, eventID)
}

// Collate runs one collation pass. minBatch overrides the configured
// minimum when positive.
func (l *Log) Collate(ctx context.Context, minBatch int) (types.CollationResult, error) {
	return l.collator.Collate(ctx, minBatch)
}

// Replay opens a chronological stream over [from, to]. Zero bounds mean an
// unbounded window.
func (l *Log) Replay(ctx context.Context, from, to time.Time) (*replay.Stream, error) {
	return l.engine.Replay(ctx, from, to)
}

// ReplayManifest plans a replay and returns presigned locators.
func (l *Log) ReplayManifest(ctx context.Context, from, to time.Time) ([]types.ManifestEntry, error) {
	return l.engine.Manifest(ctx, from, to)
}

// GetEvent fetches one event by id with overlays applied.
func (l *Log) GetEvent(ctx context.Context, eventID string) (types.Event, error) {
	return l.engine.GetEvent(ctx, eventID)
}

// EventExists reports whether an id resolves to a live event.
func (l *Log) EventExists(ctx context.Context, eventID string) (bool, error) {
	return l.engine.EventExists(ctx, eventID)
}

// Status summarizes the log's persisted state.
type Status struct {
	Journals    int            `json:"journals"`
	LooseEvents int            `json:"loose_events"`
	Overlays    int            `json:"overlays"`
	LastJournal keys.JournalID `json:"last_journal,omitempty"`
	NextSeq     uint64         `json:"next_seq"`
}

// Status reports journal, loose, and overlay counts plus the collator
// position.
func (l *Log) Status(ctx context.Context) (Status, error) {
	var st Status
	n, err := l.idx.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Journals = n

	err = l.store.List(ctx, keys.LoosePrefix, "", func(string) error {
		st.LooseEvents++
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	err = l.store.List(ctx, keys.OverlayPrefix, "", func(string) error {
		st.Overlays++
		return nil
	})
	if err != nil {
		return Status{}, err
	}

	m, err := keyindex.ReadMarker(ctx, l.store)
	if err != nil {
		return Status{}, err
	}
	st.LastJournal = m.LastJournal
	st.NextSeq = m.NextSeq
	return st, nil
}
