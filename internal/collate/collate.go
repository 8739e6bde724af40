// Package collate folds loose event objects into journals. One run lists
// the loose objects written since the previous run, concatenates their
// payloads into a journal with an offset index, registers the journal, and
// only then deletes the loose originals. A marker object records progress
// so an interrupted run is finished, not repeated, by the next one.
package collate

import (
	"context"
	"fmt"
	"time"

	"github.com/gftdcojp/floodgate/internal/config"
	"github.com/gftdcojp/floodgate/internal/journal"
	"github.com/gftdcojp/floodgate/internal/keyindex"
	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/metrics"
	"github.com/gftdcojp/floodgate/internal/store"
	"github.com/gftdcojp/floodgate/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const fetchConcurrency = 8

// ConflictError reports a registry ahead of or behind the marker in a way
// recovery cannot reconcile, which means a second collator has been
// running against the same prefix. The deployment guarantees a single
// collator; this error is the tripwire for a violated guarantee.
type ConflictError struct {
	MarkerJournal   keys.JournalID
	RegistryJournal keys.JournalID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("collation conflict: marker says last journal %q, registry says %q",
		e.MarkerJournal, e.RegistryJournal)
}

// Collator runs collation against one store prefix. It is not safe to run
// two collators against the same prefix.
type Collator struct {
	store  store.ObjectStore
	idx    *keyindex.Index
	cfg    config.CollatorConfig
	logger *zap.Logger
}

func New(st store.ObjectStore, idx *keyindex.Index, cfg config.CollatorConfig, logger *zap.Logger) *Collator {
	return &Collator{store: st, idx: idx, cfg: cfg, logger: logger}
}

// Collate runs one collation pass. minBatch overrides the configured
// minimum when positive. Fewer loose events than the minimum is not an
// error; the run reports nothing to do and leaves the store untouched.
func (c *Collator) Collate(ctx context.Context, minBatch int) (types.CollationResult, error) {
	start := time.Now()
	if minBatch <= 0 {
		minBatch = c.cfg.MinBatchSize
	}
	if minBatch <= 0 {
		minBatch = config.DefaultMinBatchSize
	}

	marker, err := keyindex.ReadMarker(ctx, c.store)
	if err != nil {
		return types.CollationResult{}, err
	}
	marker, err = c.recover(ctx, marker)
	if err != nil {
		return types.CollationResult{}, err
	}

	looseKeys, err := c.listLoose(ctx, marker.LastLooseKey)
	if err != nil {
		return types.CollationResult{}, err
	}
	if len(looseKeys) < minBatch {
		metrics.CollationNothingToDo.Inc()
		c.logger.Debug("nothing to collate",
			zap.Int("loose", len(looseKeys)),
			zap.Int("min_batch", minBatch),
		)
		return types.CollationResult{}, nil
	}

	payloads, err := c.fetchPayloads(ctx, looseKeys)
	if err != nil {
		return types.CollationResult{}, err
	}

	// Loose keys sort by (timestamp, event id), which is exactly the order
	// the builder requires. The byte cap truncates the batch; the leftover
	// tail stays loose for the next run.
	builder := journal.NewBuilder()
	folded := 0
	for i, key := range looseKeys {
		ts, id, err := keys.ParseLooseKey(key)
		if err != nil {
			return types.CollationResult{}, err
		}
		if folded > 0 && builder.Size()+int64(len(payloads[i])) > int64(c.cfg.MaxJournalBytes) {
			break
		}
		if err := builder.Add(types.Event{ID: id, Timestamp: ts, Payload: payloads[i]}); err != nil {
			return types.CollationResult{}, err
		}
		folded++
	}

	j, err := builder.Seal(marker.NextSeq)
	if err != nil {
		return types.CollationResult{}, err
	}

	if err := c.store.Put(ctx, keys.JournalKey(j.ID), j.Data); err != nil {
		return types.CollationResult{}, fmt.Errorf("writing journal %s: %w", j.ID, err)
	}
	if err := c.store.Put(ctx, keys.JournalIndexKey(j.ID), j.Index.Encode()); err != nil {
		return types.CollationResult{}, fmt.Errorf("writing journal index %s: %w", j.ID, err)
	}
	if err := c.idx.Register(ctx, keyindex.Entry{JournalID: j.ID, Events: folded, Size: builder.Size()}); err != nil {
		return types.CollationResult{}, err
	}

	// The journal is durable and registered; from here on a crash is
	// repaired by recover on the next run.
	if err := c.deleteLoose(ctx, looseKeys[:folded]); err != nil {
		return types.CollationResult{}, err
	}

	marker = keyindex.Marker{
		LastLooseKey: looseKeys[folded-1],
		LastJournal:  j.ID,
		NextSeq:      marker.NextSeq + 1,
	}
	if err := keyindex.WriteMarker(ctx, c.store, marker); err != nil {
		return types.CollationResult{}, err
	}

	metrics.JournalsCollated.Inc()
	metrics.EventsFolded.Add(float64(folded))
	metrics.CollationDuration.Observe(time.Since(start).Seconds())
	c.logger.Info("collation complete",
		zap.String("journal_id", string(j.ID)),
		zap.Int("events", folded),
		zap.Int64("bytes", builder.Size()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return types.CollationResult{EventsFolded: folded, JournalID: j.ID}, nil
}

// recover reconciles the marker with the registry. A registry entry newer
// than the marker means the previous run crashed between registering the
// journal and advancing the marker; its loose originals are deleted again
// (deletes are idempotent) and the marker is rewritten.
func (c *Collator) recover(ctx context.Context, marker keyindex.Marker) (keyindex.Marker, error) {
	last, err := c.idx.Last(ctx)
	if err != nil {
		return keyindex.Marker{}, err
	}
	switch {
	case last == nil && marker.LastJournal == "":
		return marker, nil
	case last == nil:
		return keyindex.Marker{}, &ConflictError{MarkerJournal: marker.LastJournal}
	case last.JournalID == marker.LastJournal:
		return marker, nil
	case last.JournalID < marker.LastJournal:
		return keyindex.Marker{}, &ConflictError{MarkerJournal: marker.LastJournal, RegistryJournal: last.JournalID}
	}

	c.logger.Warn("finishing interrupted collation",
		zap.String("journal_id", string(last.JournalID)),
		zap.String("marker_journal", string(marker.LastJournal)),
	)

	body, err := c.store.Get(ctx, keys.JournalIndexKey(last.JournalID), nil)
	if err != nil {
		return keyindex.Marker{}, fmt.Errorf("reading index of interrupted journal %s: %w", last.JournalID, err)
	}
	idx, err := journal.DecodeIndex(last.JournalID, body)
	if err != nil {
		return keyindex.Marker{}, err
	}

	looseKeys := make([]string, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		looseKeys = append(looseKeys, keys.LooseKey(e.Timestamp, e.EventID))
	}
	if err := c.deleteLoose(ctx, looseKeys); err != nil {
		return keyindex.Marker{}, err
	}

	repaired := keyindex.Marker{
		LastLooseKey: looseKeys[len(looseKeys)-1],
		LastJournal:  last.JournalID,
		NextSeq:      last.JournalID.Seq() + 1,
	}
	if err := keyindex.WriteMarker(ctx, c.store, repaired); err != nil {
		return keyindex.Marker{}, err
	}
	return repaired, nil
}

func (c *Collator) listLoose(ctx context.Context, startAfter string) ([]string, error) {
	maxBatch := c.cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = config.DefaultMaxBatchSize
	}
	var looseKeys []string
	err := c.store.List(ctx, keys.LoosePrefix, startAfter, func(key string) error {
		looseKeys = append(looseKeys, key)
		if len(looseKeys) >= maxBatch {
			return store.ErrStopListing
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing loose events: %w", err)
	}
	return looseKeys, nil
}

func (c *Collator) fetchPayloads(ctx context.Context, looseKeys []string) ([][]byte, error) {
	payloads := make([][]byte, len(looseKeys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, key := range looseKeys {
		g.Go(func() error {
			data, err := c.store.Get(gctx, key, nil)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", key, err)
			}
			payloads[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return payloads, nil
}

func (c *Collator) deleteLoose(ctx context.Context, looseKeys []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, key := range looseKeys {
		g.Go(func() error {
			if err := c.store.Delete(gctx, key); err != nil {
				return fmt.Errorf("deleting %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}
