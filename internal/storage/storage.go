// Package storage keeps signed manifests retrievable by proof reference,
// content hash and perceptual hash. Records flow through an in-process L1,
// an optional distributed L2 and one or two durable backends.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"regexp"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/crypto/blake2b"

	"CredProof/internal/fingerprint"
	"CredProof/internal/manifest"
)

// ReferencePrefix starts every proof reference.
const ReferencePrefix = "pr_"

var (
	// ErrNotFound 表示后端中不存在该证明。
	ErrNotFound = errors.New("proof not found")
	// ErrConflict 表示同一引用下已存在内容不同的记录。
	ErrConflict = errors.New("proof reference already bound to a different manifest")
)

var referencePattern = regexp.MustCompile(`^pr_[0-9a-f]{32}$`)

// ProofRecord is the durable unit of storage.
type ProofRecord struct {
	Reference      string                  `json:"reference"`
	Fingerprint    fingerprint.Fingerprint `json:"fingerprint"`
	Manifest       *manifest.Manifest      `json:"manifest"`
	ManifestDigest digest.Digest           `json:"manifest_digest"`
	StoredAt       time.Time               `json:"stored_at"`
}

// Clone returns a deep copy of r.
func (r *ProofRecord) Clone() *ProofRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Manifest = r.Manifest.Clone()
	return &out
}

// Backend is a durable proof store.
type Backend interface {
	// Put stores rec. Storing the same reference again returns the existing
	// record; a different manifest digest under that reference is ErrConflict.
	Put(ctx context.Context, rec *ProofRecord) (*ProofRecord, error)
	// Get returns ErrNotFound when ref is absent.
	Get(ctx context.Context, ref string) (*ProofRecord, error)
	// FindByContentHash returns the newest record for hash or ErrNotFound.
	FindByContentHash(ctx context.Context, hash digest.Digest) (*ProofRecord, error)
	// FindNear returns the record whose perceptual hash is closest to
	// perceptual, provided the distance is at most maxDistance.
	FindNear(ctx context.Context, perceptual uint64, maxDistance int) (*ProofRecord, int, error)
	// DeleteBefore removes records stored before cutoff and returns their
	// references.
	DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}

// Cache is a non-authoritative tier. Get returns nil, nil on a miss.
type Cache interface {
	Get(ctx context.Context, ref string) (*ProofRecord, error)
	Set(ctx context.Context, rec *ProofRecord) error
	Delete(ctx context.Context, refs ...string) error
}

// ReferenceFor derives the proof reference from the content hash and the
// manifest digest. The same pair always maps to the same reference.
func ReferenceFor(contentHash, manifestDigest digest.Digest) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(contentHash))
	h.Write([]byte{0})
	h.Write([]byte(manifestDigest))
	return ReferencePrefix + hex.EncodeToString(h.Sum(nil))
}

// ValidReference reports whether ref is well formed.
func ValidReference(ref string) bool {
	return referencePattern.MatchString(ref)
}

// closer picks the better near-duplicate candidate: smaller distance first,
// newer record on ties.
func closer(candidate *ProofRecord, distance int, best *ProofRecord, bestDistance int) bool {
	if best == nil {
		return true
	}
	if distance != bestDistance {
		return distance < bestDistance
	}
	return candidate.StoredAt.After(best.StoredAt)
}
