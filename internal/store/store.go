// Package store defines the object store capability the log is layered on:
// durable key/blob storage with byte-range reads, lexicographically ordered
// prefix listing, and presigned time-limited URLs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/floodgate/internal/types"
)

// ErrNotFound is returned by Get when no object exists at the key.
var ErrNotFound = errors.New("object not found")

// ErrStopListing can be returned from a List callback to end the listing
// early without error.
var ErrStopListing = errors.New("stop listing")

// ObjectStore is the storage capability consumed by the log. List results
// are strictly lexicographically ordered by key, and a caller's own writes
// are visible to its subsequent reads and listings.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get reads an object, or a byte range of it when rng is non-nil.
	Get(ctx context.Context, key string, rng *types.ByteRange) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List walks keys under prefix in ascending order, starting strictly
	// after startAfter when it is non-empty. The callback may return
	// ErrStopListing to stop early.
	List(ctx context.Context, prefix, startAfter string, fn func(key string) error) error
	// Presign issues a time-limited GET URL for an object or a range of it.
	Presign(ctx context.Context, key string, rng *types.ByteRange, expiry time.Duration) (string, error)
	Ping(ctx context.Context) error
}

func rangeHeader(rng *types.ByteRange) string {
	return fmt.Sprintf("bytes=%d-%d", rng.Offset, rng.Offset+rng.Length-1)
}
