package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"

	xerrors "CredProof/internal/errors"
	"CredProof/internal/fingerprint"
	"CredProof/internal/manifest"
	"CredProof/internal/observability/metrics"
	"CredProof/pkg/logger"
)

// Tier names used in logs and metrics.
const (
	TierL1        = "l1"
	TierL2        = "l2"
	TierPrimary   = "primary"
	TierSecondary = "secondary"
)

// Option customises a Manager.
type Option func(*Manager)

// WithL1 sets the in-process cache.
func WithL1(c Cache) Option {
	return func(m *Manager) { m.l1 = c }
}

// WithL2 sets the distributed cache.
func WithL2(c Cache) Option {
	return func(m *Manager) { m.l2 = c }
}

// WithSecondary sets the failover durable backend.
func WithSecondary(b Backend) Option {
	return func(m *Manager) { m.secondary = b }
}

// WithRetention sets how long proofs are kept; 0 keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager coordinates the cache tiers and the durable backends.
type Manager struct {
	primary   Backend
	secondary Backend
	l1        Cache
	l2        Cache
	retention time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewManager returns a manager writing to primary.
func NewManager(primary Backend, opts ...Option) (*Manager, error) {
	if primary == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "primary proof backend is required")
	}
	m := &Manager{
		primary: primary,
		now:     time.Now,
		log:     logger.Named("storage"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// StoreProof persists m for the content identified by fp and returns its
// reference. The durable write happens before any cache is filled, and
// storing the same pair twice yields the same reference.
func (m *Manager) StoreProof(ctx context.Context, man *manifest.Manifest, fp fingerprint.Fingerprint) (string, error) {
	if !man.Signed() {
		return "", xerrors.New(xerrors.CodeValidation, "only signed manifests can be stored")
	}
	if fp.ContentHash == "" {
		return "", xerrors.New(xerrors.CodeValidation, "fingerprint has no content hash")
	}
	manifestDigest, err := manifest.Digest(man)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeValidation, err, "digest manifest")
	}
	rec := &ProofRecord{
		Reference:      ReferenceFor(fp.ContentHash, manifestDigest),
		Fingerprint:    fp,
		Manifest:       man.Clone(),
		ManifestDigest: manifestDigest,
		StoredAt:       m.now().UTC(),
	}

	var stored *ProofRecord
	err = m.durable(ctx, "put", func(b Backend) error {
		out, err := b.Put(ctx, rec)
		if err != nil {
			return err
		}
		stored = out
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return "", xerrors.Wrap(xerrors.CodeConflict, err, "store proof", xerrors.WithMetadata("reference", rec.Reference))
	}
	if err != nil {
		return "", err
	}
	m.fill(ctx, stored, m.l2, m.l1)
	m.log.Debug("证明已保存", slog.String("reference", stored.Reference))
	return stored.Reference, nil
}

// Record returns the stored record for ref, or nil, nil when no tier knows
// it.
func (m *Manager) Record(ctx context.Context, ref string) (*ProofRecord, error) {
	if !ValidReference(ref) {
		return nil, xerrors.New(xerrors.CodeValidation, "malformed proof reference", xerrors.WithMetadata("reference", ref))
	}
	if rec := m.fromCache(ctx, TierL1, m.l1, ref); rec != nil {
		return rec, nil
	}
	if rec := m.fromCache(ctx, TierL2, m.l2, ref); rec != nil {
		m.fill(ctx, rec, m.l1)
		return rec, nil
	}

	var found *ProofRecord
	err := m.durable(ctx, "get", func(b Backend) error {
		rec, err := b.Get(ctx, ref)
		if err != nil {
			return err
		}
		found = rec
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.fill(ctx, found, m.l2, m.l1)
	return found, nil
}

// RetrieveProof returns the manifest stored under ref, or nil, nil.
func (m *Manager) RetrieveProof(ctx context.Context, ref string) (*manifest.Manifest, error) {
	rec, err := m.Record(ctx, ref)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Manifest, nil
}

// Lookup returns the newest record for an exact content hash, or nil, nil.
func (m *Manager) Lookup(ctx context.Context, hash digest.Digest) (*ProofRecord, error) {
	var found *ProofRecord
	err := m.durable(ctx, "lookup", func(b Backend) error {
		rec, err := b.FindByContentHash(ctx, hash)
		if err != nil {
			return err
		}
		found = rec
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.fill(ctx, found, m.l1)
	return found, nil
}

// FindNear returns the closest record within maxDistance of perceptual
// together with its distance, or nil when nothing is close enough. A near
// match is a different rendition, never an identical one.
func (m *Manager) FindNear(ctx context.Context, perceptual uint64, maxDistance int) (*ProofRecord, int, error) {
	var (
		found    *ProofRecord
		distance int
	)
	err := m.durable(ctx, "near", func(b Backend) error {
		rec, d, err := b.FindNear(ctx, perceptual, maxDistance)
		if err != nil {
			return err
		}
		found, distance = rec, d
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return found, distance, nil
}

// Sweep deletes proofs stored before olderThan from every tier and returns
// how many durable records were removed.
func (m *Manager) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	var removed []string
	var errs []error
	for _, b := range []Backend{m.primary, m.secondary} {
		if b == nil {
			continue
		}
		refs, err := b.DeleteBefore(ctx, olderThan)
		removed = append(removed, refs...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, cache := range []Cache{m.l1, m.l2} {
		if cache == nil || len(removed) == 0 {
			continue
		}
		if err := cache.Delete(ctx, removed...); err != nil {
			m.log.Warn("清理缓存失败", slog.Any("error", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return len(removed), xerrors.Wrap(xerrors.CodeStorage, err, "sweep proofs")
	}
	if len(removed) > 0 {
		logger.Audit().Info("proofs_swept", slog.Int("count", len(removed)), slog.Time("cutoff", olderThan))
	}
	return len(removed), nil
}

// SweepExpired applies the configured retention. It is a no-op when
// retention is disabled.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	if m.retention <= 0 {
		return 0, nil
	}
	return m.Sweep(ctx, m.now().Add(-m.retention))
}

// Run sweeps expired proofs every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, every time.Duration) {
	if m.retention <= 0 {
		return
	}
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil {
				m.log.Error("证明清理失败", slog.Any("error", err))
			}
		}
	}
}

// Close releases every tier.
func (m *Manager) Close() error {
	var errs []error
	for _, b := range []Backend{m.primary, m.secondary} {
		if b != nil {
			errs = append(errs, b.Close())
		}
	}
	return errors.Join(errs...)
}

// durable runs fn against the primary backend and, when that fails, once
// against the secondary. ErrNotFound and ErrConflict are returned as-is;
// any other failure of every configured backend becomes a StorageError.
func (m *Manager) durable(ctx context.Context, op string, fn func(b Backend) error) error {
	err := fn(m.primary)
	m.observe(TierPrimary, err)
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if m.secondary == nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return m.storageError(op, err)
	}
	if !errors.Is(err, ErrNotFound) {
		m.log.Warn("主存储失败，切换到备用存储", slog.String("op", op), slog.Any("error", err))
	}

	secondaryErr := fn(m.secondary)
	m.observe(TierSecondary, secondaryErr)
	switch {
	case secondaryErr == nil, errors.Is(secondaryErr, ErrConflict):
		return secondaryErr
	case errors.Is(err, ErrNotFound) && errors.Is(secondaryErr, ErrNotFound):
		return ErrNotFound
	case errors.Is(secondaryErr, ErrNotFound):
		// 主存储故障且备用存储没有该记录，无法判断记录是否存在。
		return m.storageError(op, err)
	default:
		return m.storageError(op, errors.Join(err, secondaryErr))
	}
}

func (m *Manager) storageError(op string, err error) error {
	return xerrors.Wrap(xerrors.CodeStorage, err, "proof storage unavailable", xerrors.WithMetadata("op", op))
}

func (m *Manager) fromCache(ctx context.Context, tier string, cache Cache, ref string) *ProofRecord {
	if cache == nil {
		return nil
	}
	rec, err := cache.Get(ctx, ref)
	if err != nil {
		metrics.ObserveStorage(tier, metrics.OutcomeError)
		m.log.Warn("读取缓存失败", slog.String("tier", tier), slog.Any("error", err))
		return nil
	}
	if rec == nil {
		metrics.ObserveStorage(tier, metrics.OutcomeMiss)
		return nil
	}
	metrics.ObserveStorage(tier, metrics.OutcomeHit)
	return rec
}

// fill writes rec through to caches. Cache failures are logged only.
func (m *Manager) fill(ctx context.Context, rec *ProofRecord, caches ...Cache) {
	for _, cache := range caches {
		if cache == nil || rec == nil {
			continue
		}
		if err := cache.Set(ctx, rec); err != nil {
			m.log.Warn("写入缓存失败", slog.String("reference", rec.Reference), slog.Any("error", err))
		}
	}
}

func (m *Manager) observe(tier string, err error) {
	switch {
	case err == nil:
		metrics.ObserveStorage(tier, metrics.OutcomeHit)
	case errors.Is(err, ErrNotFound):
		metrics.ObserveStorage(tier, metrics.OutcomeMiss)
	default:
		metrics.ObserveStorage(tier, metrics.OutcomeError)
	}
}
