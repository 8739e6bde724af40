// Package cache keeps journal offset indexes in a local bbolt file.
// Journals are immutable, so a cached index never goes stale; the cache
// exists to spare replay one store round trip per journal.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gftdcojp/floodgate/internal/journal"
	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/metrics"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var bucketIndexes = []byte("journal_indexes")

// Cache is a local store of encoded journal indexes. A nil *Cache is valid
// and behaves as an always-miss cache that drops writes.
type Cache struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens or creates the cache file.
func Open(path string, logger *zap.Logger) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening index cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndexes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing index cache: %w", err)
	}
	return &Cache{db: db, logger: logger}, nil
}

// GetIndex returns the cached index for a journal, or nil on a miss. A
// record that fails to decode is treated as a miss and evicted.
func (c *Cache) GetIndex(id keys.JournalID) *journal.Index {
	if c == nil {
		return nil
	}
	var body []byte
	c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketIndexes).Get([]byte(id)); v != nil {
			body = make([]byte, len(v))
			copy(body, v)
		}
		return nil
	})
	if body == nil {
		metrics.IndexCacheHits.WithLabelValues("miss").Inc()
		return nil
	}
	idx, err := journal.DecodeIndex(id, body)
	if err != nil {
		c.logger.Warn("evicting undecodable cached index",
			zap.String("journal_id", string(id)),
			zap.Error(err),
		)
		c.evict(id)
		metrics.IndexCacheHits.WithLabelValues("miss").Inc()
		return nil
	}
	metrics.IndexCacheHits.WithLabelValues("hit").Inc()
	return idx
}

// PutIndex stores a journal index. Failures are logged, not returned;
// the cache is an optimization and the caller already has the index.
func (c *Cache) PutIndex(idx *journal.Index) {
	if c == nil {
		return
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexes).Put([]byte(idx.JournalID), idx.Encode())
	})
	if err != nil {
		c.logger.Warn("caching journal index failed",
			zap.String("journal_id", string(idx.JournalID)),
			zap.Error(err),
		)
	}
}

func (c *Cache) evict(id keys.JournalID) {
	c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexes).Delete([]byte(id))
	})
}

// Len returns the number of cached indexes.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	var n int
	c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketIndexes).Stats().KeyN
		return nil
	})
	return n
}

// Ping verifies the database file is still usable.
func (c *Cache) Ping(context.Context) error {
	if c == nil {
		return nil
	}
	return c.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketIndexes) == nil {
			return fmt.Errorf("index bucket missing")
		}
		return nil
	})
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
