package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/opencontainers/go-digest"

	"CredProof/internal/fingerprint"
)

// MemoryCache is the in-process L1 tier backed by fastcache. Entries are
// evicted by fastcache when the configured capacity fills up.
type MemoryCache struct {
	cache *fastcache.Cache
}

// NewMemoryCache allocates an L1 cache of roughly maxBytes.
func NewMemoryCache(maxBytes int) *MemoryCache {
	return &MemoryCache{cache: fastcache.New(maxBytes)}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, ref string) (*ProofRecord, error) {
	raw := c.cache.GetBig(nil, []byte(ref))
	if len(raw) == 0 {
		return nil, nil
	}
	var rec ProofRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.cache.Del([]byte(ref))
		return nil, fmt.Errorf("decode cached proof %s: %w", ref, err)
	}
	return &rec, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, rec *ProofRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode proof %s: %w", rec.Reference, err)
	}
	c.cache.SetBig([]byte(rec.Reference), raw)
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, refs ...string) error {
	for _, ref := range refs {
		c.cache.Del([]byte(ref))
	}
	return nil
}

// Reset drops every entry.
func (c *MemoryCache) Reset() {
	c.cache.Reset()
}

// MemoryBackend keeps records in a map. It is used in tests and for
// single-process development setups.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*ProofRecord
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*ProofRecord)}
}

// Put implements Backend.
func (b *MemoryBackend) Put(ctx context.Context, rec *ProofRecord) (*ProofRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.records[rec.Reference]; ok {
		if existing.ManifestDigest != rec.ManifestDigest {
			return nil, ErrConflict
		}
		return existing.Clone(), nil
	}
	b.records[rec.Reference] = rec.Clone()
	return rec.Clone(), nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(ctx context.Context, ref string) (*ProofRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// FindByContentHash implements Backend.
func (b *MemoryBackend) FindByContentHash(ctx context.Context, hash digest.Digest) (*ProofRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best *ProofRecord
	for _, rec := range b.records {
		if rec.Fingerprint.ContentHash != hash {
			continue
		}
		if best == nil || rec.StoredAt.After(best.StoredAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

// FindNear implements Backend.
func (b *MemoryBackend) FindNear(ctx context.Context, perceptual uint64, maxDistance int) (*ProofRecord, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var best *ProofRecord
	bestDistance := 0
	for _, rec := range b.records {
		d := fingerprint.Distance(perceptual, rec.Fingerprint.Perceptual)
		if d > maxDistance {
			continue
		}
		if closer(rec, d, best, bestDistance) {
			best, bestDistance = rec, d
		}
	}
	if best == nil {
		return nil, 0, ErrNotFound
	}
	return best.Clone(), bestDistance, nil
}

// DeleteBefore implements Backend.
func (b *MemoryBackend) DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var removed []string
	for ref, rec := range b.records {
		if rec.StoredAt.Before(cutoff) {
			delete(b.records, ref)
			removed = append(removed, ref)
		}
	}
	return removed, nil
}

// Len returns the number of stored records.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Close implements Backend.
func (b *MemoryBackend) Close() error { return nil }
