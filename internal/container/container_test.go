package container

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "CredProof/internal/errors"
	"CredProof/internal/fingerprint"
	"CredProof/internal/manifest"
	"CredProof/internal/testutil"
)

func signedSample(t *testing.T, content []byte, extra ...manifest.Claim) *manifest.Manifest {
	t.Helper()
	m, err := manifest.NewBuilder("container-test", 0).Build(content, fingerprint.Compute(content), time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC), extra)
	require.NoError(t, err)
	m.CertificateID = "cert-under-test"
	m.Signature = &manifest.Signature{Algorithm: "EdDSA", Value: bytes.Repeat([]byte{0xAB}, 64)}
	return m
}

type fakeProofs struct {
	byRef  map[string]*ProofMatch
	byHash map[digest.Digest]*ProofMatch
	near   *ProofMatch
}

func (f *fakeProofs) ProofByReference(_ context.Context, ref string) (*ProofMatch, error) {
	return f.byRef[ref], nil
}

func (f *fakeProofs) ProofByContentHash(_ context.Context, hash digest.Digest) (*ProofMatch, error) {
	return f.byHash[hash], nil
}

func (f *fakeProofs) ProofByPerceptual(context.Context, uint64, int) (*ProofMatch, error) {
	return f.near, nil
}

func fixtures(t *testing.T) map[Kind][]byte {
	return map[Kind][]byte{
		KindJPEG:    testutil.JPEG(t, testutil.BlockImage(), 90),
		KindPNG:     testutil.PNG(t, testutil.BlockImage()),
		KindGeneric: []byte(strings.Repeat("plain text body\n", 64)),
	}
}

func TestEmbedExtractRoundTrip(t *testing.T) {
	for kind, original := range fixtures(t) {
		t.Run(string(kind), func(t *testing.T) {
			m := signedSample(t, original, manifest.Claim{Label: "org.example.caption", Value: "harbour at dawn"})
			res, err := NewEmbedder(0, 0).Embed(original, m, "pr_0123456789abcdef0123456789abcdef")
			require.NoError(t, err)
			assert.Equal(t, StatusFull, res.Status)
			assert.Equal(t, kind, res.Format)
			assert.False(t, res.Compressed)

			assert.Equal(t, original, Strip(res.Content), "strip must restore the original bytes")

			fp := fingerprint.Compute(Strip(res.Content))
			out, err := NewExtractor(nil).Extract(context.Background(), res.Content, fp)
			require.NoError(t, err)
			assert.Equal(t, MethodStructured, out.Method)
			assert.False(t, out.Partial)
			assert.False(t, out.Tampered)
			assert.Equal(t, "pr_0123456789abcdef0123456789abcdef", out.ProofReference)
			assert.InDelta(t, 1-(0.1*0.4), out.Confidence, 1e-9)
			assert.Equal(t, m.InstanceID, out.Manifest.InstanceID)
			assert.Equal(t, m.Signature.Value, out.Manifest.Signature.Value)

			want, _ := manifest.Canonical(m)
			got, _ := manifest.Canonical(out.Manifest)
			assert.Equal(t, string(want), string(got))
		})
	}
}

func TestEmbedReplacesPreviousProvenance(t *testing.T) {
	for kind, original := range fixtures(t) {
		t.Run(string(kind), func(t *testing.T) {
			e := NewEmbedder(0, 0)
			first, err := e.Embed(original, signedSample(t, original), "pr_first")
			require.NoError(t, err)
			second := signedSample(t, original)
			res, err := e.Embed(first.Content, second, "pr_second")
			require.NoError(t, err)

			assert.Equal(t, original, Strip(res.Content))
			out, err := NewExtractor(nil).Extract(context.Background(), res.Content, fingerprint.Compute(original))
			require.NoError(t, err)
			assert.Equal(t, "pr_second", out.ProofReference)
			assert.Equal(t, second.InstanceID, out.Manifest.InstanceID)
			assert.Equal(t, 1, bytes.Count(res.Content, []byte("credproof:v1")))
		})
	}
}

func TestJPEGKeepsForeignSegmentsInPlace(t *testing.T) {
	plain := testutil.JPEG(t, testutil.BlockImage(), 85)
	var exif bytes.Buffer
	writeSegment(&exif, 0xE1, []byte("Exif\x00\x00fake-tiff-header"))
	var comment bytes.Buffer
	writeSegment(&comment, markerCOM, []byte("shot on a phone"))
	original := splice(splice(plain, 2, exif.Bytes()), 2+exif.Len(), comment.Bytes())

	res, err := NewEmbedder(0, 0).Embed(original, signedSample(t, original), "pr_x")
	require.NoError(t, err)
	require.Equal(t, StatusFull, res.Status)

	segments, _, err := parseJPEG(res.Content)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(segments), 4)
	assert.Equal(t, byte(0xE1), segments[0].marker)
	assert.True(t, isOurAPP11(segments[1]))
	assert.True(t, isOurCOM(segments[2]))
	assert.Equal(t, "shot on a phone", string(segments[3].data))
	assert.Equal(t, original, Strip(res.Content))
}

func TestEmbedCompressesLargeManifests(t *testing.T) {
	original := testutil.PNG(t, testutil.BlockImage())
	m := signedSample(t, original, manifest.Claim{Label: "org.example.notes", Value: strings.Repeat("repetitive field notes ", 200)})
	encoded, _ := manifest.Encode(m)

	res, err := NewEmbedder(len(encoded)/2, 0).Embed(original, m, "pr_big")
	require.NoError(t, err)
	assert.Equal(t, StatusFull, res.Status)
	assert.True(t, res.Compressed)

	out, err := NewExtractor(nil).Extract(context.Background(), res.Content, fingerprint.Compute(original))
	require.NoError(t, err)
	v, _ := out.Manifest.Claim("org.example.notes")
	assert.Equal(t, strings.Repeat("repetitive field notes ", 200), v)
}

func TestEmbedFallsBackToReferenceTag(t *testing.T) {
	original := testutil.JPEG(t, testutil.BlockImage(), 90)
	m := signedSample(t, original)

	res, err := NewEmbedder(64, 160).Embed(original, m, "pr_ref_only")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.True(t, res.ReferenceOnly)
	assert.NotEmpty(t, res.Reason)

	raw, found, err := Detect(res.Content).ReadLightweight(res.Content)
	require.NoError(t, err)
	require.True(t, found)
	tag, err := ParseTag(raw)
	require.NoError(t, err)
	assert.Empty(t, tag.Manifest)

	proofs := &fakeProofs{byRef: map[string]*ProofMatch{"pr_ref_only": {Reference: "pr_ref_only", Manifest: m}}}
	out, err := NewExtractor(proofs).Extract(context.Background(), res.Content, fingerprint.Compute(original))
	require.NoError(t, err)
	assert.Equal(t, MethodRemoteReference, out.Method)
	assert.Equal(t, "pr_ref_only", out.ProofReference)
	assert.InDelta(t, 0.45, out.Confidence, 1e-9)
}

func TestCorruptEnvelopeYieldsPartialResult(t *testing.T) {
	original := []byte(strings.Repeat("log line\n", 100))
	m := signedSample(t, original, manifest.Claim{Label: "org.example.source", Value: "ABCDEFGH"})
	encoded, _ := manifest.Encode(m)
	env, err := encodeEnvelope(envelope{Reference: "pr_corrupt", Payload: encoded})
	require.NoError(t, err)
	content, err := genericFormat{}.EmbedRobust(original, env)
	require.NoError(t, err)

	idx := bytes.Index(content, []byte("ABCDEFGH"))
	require.Positive(t, idx)
	content[idx] = 'Z'

	out, err := NewExtractor(nil).Extract(context.Background(), content, fingerprint.Compute(original))
	require.NoError(t, err)
	assert.True(t, out.Partial)
	assert.True(t, out.Tampered)
	assert.InDelta(t, 0.45, out.Confidence, 1e-9)
	v, _ := out.Manifest.Claim("org.example.source")
	assert.Equal(t, "ZBCDEFGH", v)
}

func TestEditedRobustCopyIsFlaggedDespiteIntactTag(t *testing.T) {
	original := testutil.JPEG(t, testutil.BlockImage(), 90)
	m := signedSample(t, original, manifest.Claim{Label: "org.example.author", Value: "Desk A"})
	res, err := NewEmbedder(0, 0).Embed(original, m, "")
	require.NoError(t, err)
	require.Equal(t, StatusFull, res.Status)

	// 标签是压缩后的 base64，明文只出现在 APP11 副本里。
	content := bytes.Clone(res.Content)
	idx := bytes.Index(content, []byte("Desk A"))
	require.Positive(t, idx)
	content[idx+5] = 'B'

	out, err := NewExtractor(nil).Extract(context.Background(), content, fingerprint.Compute(original))
	require.NoError(t, err)
	assert.Equal(t, MethodLightweight, out.Method)
	assert.True(t, out.Tampered)
	author, _ := out.Manifest.Claim("org.example.author")
	assert.Equal(t, "Desk A", author)
	for _, src := range out.Sources {
		assert.Equal(t, src.Method == MethodStructured, src.Corrupted, src.Method)
	}
}

func TestExtractFromProofStoreOnly(t *testing.T) {
	original := testutil.JPEG(t, testutil.BlockImage(), 90)
	m := signedSample(t, original)
	reencoded := testutil.Reencode(t, original, 50)
	fp := fingerprint.Compute(reencoded)

	proofs := &fakeProofs{near: &ProofMatch{Reference: "pr_near", Manifest: m, Distance: 2}}
	out, err := NewExtractor(proofs).Extract(context.Background(), reencoded, fp)
	require.NoError(t, err)
	assert.Equal(t, MethodRemotePerceptual, out.Method)
	assert.True(t, out.NearDuplicate)
	assert.Equal(t, 2, out.Distance)
	assert.InDelta(t, 0.25, out.Confidence, 1e-9)

	proofs.byHash = map[digest.Digest]*ProofMatch{fp.ContentHash: {Reference: "pr_exact", Manifest: m}}
	proofs.near = &ProofMatch{Reference: "pr_exact", Manifest: m}
	out, err = NewExtractor(proofs).Extract(context.Background(), reencoded, fp)
	require.NoError(t, err)
	assert.Equal(t, MethodRemoteHash, out.Method)
	assert.InDelta(t, 1-(0.6*0.75), out.Confidence, 1e-9)
}

func TestExtractReportsNothingFound(t *testing.T) {
	content := []byte("no provenance here")
	out, err := NewExtractor(&fakeProofs{}).Extract(context.Background(), content, fingerprint.Compute(content))
	assert.Nil(t, out)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeExtraction))
}

func TestExtractHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	content := []byte("anything")
	_, err := NewExtractor(&fakeProofs{}).Extract(ctx, content, fingerprint.Compute(content))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMergePrecedence(t *testing.T) {
	base := func(id string, claims ...manifest.Claim) *manifest.Manifest {
		return &manifest.Manifest{InstanceID: id, Claims: claims, Signature: &manifest.Signature{Algorithm: "ES256", Value: []byte{1}}}
	}
	cands := []candidate{
		{method: MethodStructured, manifest: base("a", manifest.Claim{Label: "x", Value: "structured"}), completeness: 0.5},
		{method: MethodLightweight, manifest: base("a", manifest.Claim{Label: "x", Value: "tag"}, manifest.Claim{Label: "y", Value: "tag"}), completeness: 1},
		{method: MethodRemoteHash, manifest: base("a", manifest.Claim{Label: "z", Value: "remote"}), completeness: 1},
		{method: MethodRemotePerceptual, manifest: base("other"), completeness: 1},
	}
	res, err := merge(cands, fingerprint.Fingerprint{})
	require.NoError(t, err)

	assert.Equal(t, MethodLightweight, res.Method, "complete candidates outrank partial ones")
	assert.False(t, res.Partial)
	assert.True(t, res.Tampered, "copies of instance a disagree on claim x")
	x, _ := res.Manifest.Claim("x")
	assert.Equal(t, "tag", x)
	z, _ := res.Manifest.Claim("z")
	assert.Equal(t, "remote", z)
	assert.True(t, manifest.ClaimsCanonical(res.Manifest.Claims))
	// other instance ids do not add confidence
	assert.InDelta(t, 1-(0.4*0.55*0.6), res.Confidence, 1e-9)
	assert.Len(t, res.Sources, 4)
}

func TestMergeKeepsConsistentCopiesClean(t *testing.T) {
	m := &manifest.Manifest{
		InstanceID: "a",
		Claims:     []manifest.Claim{{Label: "x", Value: "1"}},
		Signature:  &manifest.Signature{Algorithm: "ES256", Value: []byte{1}},
	}
	other := m.Clone()
	other.Signature.Value = []byte{2}
	res, err := merge([]candidate{
		{method: MethodStructured, manifest: m, completeness: 1},
		{method: MethodRemoteHash, manifest: m.Clone(), completeness: 1},
	}, fingerprint.Fingerprint{})
	require.NoError(t, err)
	assert.False(t, res.Tampered)

	res, err = merge([]candidate{
		{method: MethodStructured, manifest: m, completeness: 1},
		{method: MethodRemoteHash, manifest: other, completeness: 1},
	}, fingerprint.Fingerprint{})
	require.NoError(t, err)
	assert.True(t, res.Tampered, "same instance with a different signature")
}

func TestTagRoundTrip(t *testing.T) {
	tag := Tag{Reference: "pr_1", Digest: "sha256:abc", Manifest: []byte(`{"k":"v"}`)}
	parsed, err := ParseTag(tag.String())
	require.NoError(t, err)
	assert.Equal(t, tag, parsed)

	_, err = ParseTag("credproof:v9;ref=x")
	assert.ErrorIs(t, err, ErrMalformed)
}
