package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "CredProof/internal/errors"
	"CredProof/internal/fingerprint"
	"CredProof/internal/manifest"
	"CredProof/internal/observability/metrics"
)

var baseTime = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func signedManifest(instance string) *manifest.Manifest {
	return &manifest.Manifest{
		Version:       manifest.FormatVersion,
		InstanceID:    instance,
		Generator:     "test/1.0",
		CreatedAt:     baseTime,
		CertificateID: "cert-1",
		Claims:        []manifest.Claim{{Label: manifest.LabelFormat, Value: "image/png"}},
		Signature:     &manifest.Signature{Algorithm: "ES256", Value: []byte{1, 2, 3}},
	}
}

func testFingerprint(content string, perceptual uint64) fingerprint.Fingerprint {
	return fingerprint.Fingerprint{
		ContentHash: digest.SHA256.FromString(content),
		Perceptual:  perceptual,
		Kind:        fingerprint.KindBytes,
	}
}

// failingBackend fails every call with err.
type failingBackend struct{ err error }

func (f failingBackend) Put(context.Context, *ProofRecord) (*ProofRecord, error) { return nil, f.err }
func (f failingBackend) Get(context.Context, string) (*ProofRecord, error)       { return nil, f.err }
func (f failingBackend) FindByContentHash(context.Context, digest.Digest) (*ProofRecord, error) {
	return nil, f.err
}
func (f failingBackend) FindNear(context.Context, uint64, int) (*ProofRecord, int, error) {
	return nil, 0, f.err
}
func (f failingBackend) DeleteBefore(context.Context, time.Time) ([]string, error) { return nil, f.err }
func (f failingBackend) Close() error                                               { return nil }

func TestReferenceIsDeterministic(t *testing.T) {
	a := ReferenceFor("sha256:aa", "sha256:bb")
	assert.Equal(t, a, ReferenceFor("sha256:aa", "sha256:bb"))
	assert.NotEqual(t, a, ReferenceFor("sha256:aa", "sha256:bc"))
	assert.True(t, ValidReference(a))
	assert.False(t, ValidReference("pr_../../etc"))
}

func testBackends(t *testing.T) map[string]Backend {
	file, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   file,
	}
}

func TestBackendContract(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			fp := testFingerprint("content-a", 0xF0F0F0F0F0F0F0F0)
			rec := &ProofRecord{
				Reference:      ReferenceFor(fp.ContentHash, "sha256:m1"),
				Fingerprint:    fp,
				Manifest:       signedManifest("urn:uuid:1"),
				ManifestDigest: "sha256:m1",
				StoredAt:       baseTime,
			}
			stored, err := backend.Put(ctx, rec)
			require.NoError(t, err)
			assert.Equal(t, rec.Reference, stored.Reference)

			again, err := backend.Put(ctx, rec)
			require.NoError(t, err)
			assert.Equal(t, rec.ManifestDigest, again.ManifestDigest)

			conflicting := rec.Clone()
			conflicting.ManifestDigest = "sha256:other"
			_, err = backend.Put(ctx, conflicting)
			assert.ErrorIs(t, err, ErrConflict)

			got, err := backend.Get(ctx, rec.Reference)
			require.NoError(t, err)
			assert.Equal(t, "urn:uuid:1", got.Manifest.InstanceID)
			assert.True(t, got.StoredAt.Equal(baseTime))

			byHash, err := backend.FindByContentHash(ctx, fp.ContentHash)
			require.NoError(t, err)
			assert.Equal(t, rec.Reference, byHash.Reference)

			near, distance, err := backend.FindNear(ctx, fp.Perceptual^0b111, 10)
			require.NoError(t, err)
			assert.Equal(t, rec.Reference, near.Reference)
			assert.Equal(t, 3, distance)

			_, _, err = backend.FindNear(ctx, ^fp.Perceptual, 10)
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = backend.Get(ctx, ReferenceFor("sha256:none", "sha256:none"))
			assert.ErrorIs(t, err, ErrNotFound)

			removed, err := backend.DeleteBefore(ctx, baseTime.Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, []string{rec.Reference}, removed)
			_, err = backend.Get(ctx, rec.Reference)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileBackendReplaysIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first, err := NewFileBackend(dir)
	require.NoError(t, err)

	keep := testFingerprint("keep", 1)
	drop := testFingerprint("drop", 2)
	for _, item := range []struct {
		fp fingerprint.Fingerprint
		at time.Time
	}{{keep, baseTime}, {drop, baseTime.Add(-48 * time.Hour)}} {
		_, err := first.Put(ctx, &ProofRecord{
			Reference:      ReferenceFor(item.fp.ContentHash, "sha256:m"),
			Fingerprint:    item.fp,
			Manifest:       signedManifest("urn:uuid:x"),
			ManifestDigest: "sha256:m",
			StoredAt:       item.at,
		})
		require.NoError(t, err)
	}
	_, err = first.DeleteBefore(ctx, baseTime.Add(-time.Hour))
	require.NoError(t, err)

	second, err := NewFileBackend(dir)
	require.NoError(t, err)
	_, err = second.FindByContentHash(ctx, keep.ContentHash)
	assert.NoError(t, err)
	_, err = second.FindByContentHash(ctx, drop.ContentHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func fileRecord(fp fingerprint.Fingerprint, at time.Time) *ProofRecord {
	return &ProofRecord{
		Reference:      ReferenceFor(fp.ContentHash, "sha256:m"),
		Fingerprint:    fp,
		Manifest:       signedManifest("urn:uuid:x"),
		ManifestDigest: "sha256:m",
		StoredAt:       at,
	}
}

func TestFileBackendRebuildsIndexFromObjects(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first, err := NewFileBackend(dir)
	require.NoError(t, err)

	kept := testFingerprint("kept", 7)
	gone := testFingerprint("gone", 9)
	keptRec, goneRec := fileRecord(kept, baseTime), fileRecord(gone, baseTime)
	for _, rec := range []*ProofRecord{keptRec, goneRec} {
		_, err := first.Put(ctx, rec)
		require.NoError(t, err)
	}

	// 索引丢失，另有一个对象在索引之外被删除。
	require.NoError(t, os.Remove(filepath.Join(dir, indexFile)))
	require.NoError(t, os.Remove(first.objectPath(goneRec.Reference)))

	second, err := NewFileBackend(dir)
	require.NoError(t, err)
	got, err := second.FindByContentHash(ctx, kept.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, keptRec.Reference, got.Reference)
	near, distance, err := second.FindNear(ctx, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, keptRec.Reference, near.Reference)
	assert.Zero(t, distance)
	_, err = second.FindByContentHash(ctx, gone.ContentHash)
	assert.ErrorIs(t, err, ErrNotFound)

	third, err := NewFileBackend(dir)
	require.NoError(t, err)
	assert.Len(t, third.index, 1)
}

func TestFileBackendDropsIndexEntriesWithoutObjects(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first, err := NewFileBackend(dir)
	require.NoError(t, err)

	fp := testFingerprint("orphan", 3)
	rec := fileRecord(fp, baseTime)
	_, err = first.Put(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, os.Remove(first.objectPath(rec.Reference)))

	second, err := NewFileBackend(dir)
	require.NoError(t, err)
	_, err = second.FindByContentHash(ctx, fp.ContentHash)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = second.FindNear(ctx, 3, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackendRecoversFromInterruptedWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	require.NoError(t, err)

	rec := fileRecord(testFingerprint("crash", 5), baseTime)
	// 旧版本崩溃后留下的空对象与半写临时文件。
	require.NoError(t, os.WriteFile(backend.objectPath(rec.Reference), nil, 0o644))
	leftover := filepath.Join(dir, "objects", rec.Reference+".123"+tmpSuffix)
	require.NoError(t, os.WriteFile(leftover, []byte(`{"refer`), 0o644))

	reopened, err := NewFileBackend(dir)
	require.NoError(t, err)
	_, err = os.Stat(leftover)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = reopened.Get(ctx, rec.Reference)
	require.Error(t, err)

	stored, err := reopened.Put(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, rec.ManifestDigest, stored.ManifestDigest)
	got, err := reopened.Get(ctx, rec.Reference)
	require.NoError(t, err)
	assert.Equal(t, rec.Reference, got.Reference)

	entries, err := os.ReadDir(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestManagerStoresAndReadsThroughTiers(t *testing.T) {
	ctx := context.Background()
	metrics.Reset()
	primary := NewMemoryBackend()
	l1 := NewMemoryCache(1 << 20)
	l2 := NewMemoryCache(1 << 20)
	m, err := NewManager(primary, WithL1(l1), WithL2(l2), WithClock(func() time.Time { return baseTime }))
	require.NoError(t, err)

	fp := testFingerprint("content", 42)
	man := signedManifest("urn:uuid:abc")
	ref, err := m.StoreProof(ctx, man, fp)
	require.NoError(t, err)

	again, err := m.StoreProof(ctx, man, fp)
	require.NoError(t, err)
	assert.Equal(t, ref, again, "re-storing must not create a new reference")
	assert.Equal(t, 1, primary.Len())

	got, err := m.RetrieveProof(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, man.InstanceID, got.InstanceID)
	assert.EqualValues(t, 1, metrics.StorageCount(TierL1, metrics.OutcomeHit))

	// Caches dropped: the read falls through to the durable tier and refills.
	l1.Reset()
	l2.Reset()
	_, err = m.RetrieveProof(ctx, ref)
	require.NoError(t, err)
	cached, err := l1.Get(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, cached)

	missing, err := m.RetrieveProof(ctx, ReferenceFor("sha256:x", "sha256:y"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = m.RetrieveProof(ctx, "not-a-reference")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))

	byHash, err := m.Lookup(ctx, fp.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, ref, byHash.Reference)

	near, distance, err := m.FindNear(ctx, 43, 4)
	require.NoError(t, err)
	require.NotNil(t, near)
	assert.Equal(t, 1, distance)
}

func TestManagerRejectsUnsigned(t *testing.T) {
	m, err := NewManager(NewMemoryBackend())
	require.NoError(t, err)
	unsigned := signedManifest("urn:uuid:1")
	unsigned.Signature = nil
	_, err = m.StoreProof(context.Background(), unsigned, testFingerprint("c", 1))
	assert.True(t, xerrors.IsCode(err, xerrors.CodeValidation))
}

func TestManagerFailsOverToSecondary(t *testing.T) {
	ctx := context.Background()
	secondary := NewMemoryBackend()
	m, err := NewManager(failingBackend{err: errors.New("connection refused")}, WithSecondary(secondary))
	require.NoError(t, err)

	fp := testFingerprint("content", 7)
	ref, err := m.StoreProof(ctx, signedManifest("urn:uuid:1"), fp)
	require.NoError(t, err)
	assert.Equal(t, 1, secondary.Len())

	got, err := m.RetrieveProof(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestManagerReadsSecondaryOnPrimaryMiss(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryBackend()
	secondary := NewMemoryBackend()
	fp := testFingerprint("content", 7)
	rec := &ProofRecord{
		Reference:      ReferenceFor(fp.ContentHash, "sha256:m"),
		Fingerprint:    fp,
		Manifest:       signedManifest("urn:uuid:2"),
		ManifestDigest: "sha256:m",
		StoredAt:       baseTime,
	}
	_, err := secondary.Put(ctx, rec)
	require.NoError(t, err)

	m, err := NewManager(primary, WithSecondary(secondary))
	require.NoError(t, err)
	got, err := m.Record(ctx, rec.Reference)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "urn:uuid:2", got.Manifest.InstanceID)
}

func TestManagerSurfacesStorageErrorWhenBothFail(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(
		failingBackend{err: errors.New("primary down")},
		WithSecondary(failingBackend{err: errors.New("secondary down")}),
	)
	require.NoError(t, err)

	_, err = m.StoreProof(ctx, signedManifest("urn:uuid:1"), testFingerprint("c", 1))
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeStorage))
	assert.ErrorContains(t, err, "secondary down")

	_, err = m.Lookup(ctx, "sha256:abc")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeStorage))
}

func TestManagerSweepsExpired(t *testing.T) {
	ctx := context.Background()
	now := baseTime
	primary := NewMemoryBackend()
	l1 := NewMemoryCache(1 << 20)
	m, err := NewManager(primary, WithL1(l1), WithRetention(24*time.Hour), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	ref, err := m.StoreProof(ctx, signedManifest("urn:uuid:old"), testFingerprint("old", 1))
	require.NoError(t, err)

	n, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	now = now.Add(25 * time.Hour)
	n, err = m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cached, err := l1.Get(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, cached, "sweep must evict cached copies")
	got, err := m.RetrieveProof(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, got)
}
