package store

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gftdcojp/floodgate/internal/types"
)

// MemStore is an in-memory ObjectStore with immediate consistency. It backs
// the "memory" config backend and the test suites.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (m *MemStore) Put(_ context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.objects[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Get(_ context.Context, key string, rng *types.ByteRange) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if rng == nil {
		cp := make([]byte, len(data))
		copy(cp, data)
		return cp, nil
	}
	if rng.Offset < 0 || rng.Length < 0 || rng.Offset+rng.Length > int64(len(data)) {
		return nil, fmt.Errorf("range %d+%d out of bounds for %s (%d bytes)", rng.Offset, rng.Length, key, len(data))
	}
	cp := make([]byte, rng.Length)
	copy(cp, data[rng.Offset:rng.Offset+rng.Length])
	return cp, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) List(_ context.Context, prefix, startAfter string, fn func(key string) error) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && k > startAfter {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k); err != nil {
			if err == ErrStopListing {
				return nil
			}
			return err
		}
	}
	return nil
}

// Presign returns a mem:// pseudo URL. ResolveURL fetches it back; real
// deployments use the S3 backend's HTTP URLs instead.
func (m *MemStore) Presign(_ context.Context, key string, rng *types.ByteRange, _ time.Duration) (string, error) {
	u := url.URL{Scheme: "mem", Host: "store", Path: "/" + key}
	if rng != nil {
		q := url.Values{}
		q.Set("offset", strconv.FormatInt(rng.Offset, 10))
		q.Set("length", strconv.FormatInt(rng.Length, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ResolveURL materializes the bytes a Presign URL refers to.
func (m *MemStore) ResolveURL(ctx context.Context, raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing locator %q: %w", raw, err)
	}
	if u.Scheme != "mem" {
		return nil, fmt.Errorf("unsupported locator scheme %q", u.Scheme)
	}
	key := u.Path[1:]
	var rng *types.ByteRange
	if u.Query().Has("offset") {
		offset, err := strconv.ParseInt(u.Query().Get("offset"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing locator %q: %w", raw, err)
		}
		length, err := strconv.ParseInt(u.Query().Get("length"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing locator %q: %w", raw, err)
		}
		rng = &types.ByteRange{Offset: offset, Length: length}
	}
	return m.Get(ctx, key, rng)
}

func (m *MemStore) Ping(_ context.Context) error {
	return nil
}

// Len reports the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
