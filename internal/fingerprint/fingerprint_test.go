package fingerprint

import (
	"bytes"
	"testing"

	"CredProof/internal/testutil"
)

func TestComputeIsDeterministic(t *testing.T) {
	content := testutil.PNG(t, testutil.BlockImage())

	a := Compute(content)
	b := Compute(append([]byte(nil), content...))
	if a != b {
		t.Fatalf("fingerprints differ for identical bytes: %v vs %v", a, b)
	}
	if a.Kind != KindImage {
		t.Fatalf("kind = %s, want image", a.Kind)
	}
	if err := a.ContentHash.Validate(); err != nil {
		t.Fatalf("invalid digest: %v", err)
	}
}

func TestPerceptualHashSurvivesReencoding(t *testing.T) {
	original := testutil.JPEG(t, testutil.BlockImage(), 92)
	degraded := testutil.Reencode(t, original, 40)

	a, b := Compute(original), Compute(degraded)
	if a.ContentHash == b.ContentHash {
		t.Fatalf("re-encoded content must not share the exact hash")
	}
	if d := Distance(a.Perceptual, b.Perceptual); d > 4 {
		t.Fatalf("perceptual distance %d too large after re-encoding", d)
	}
}

func TestNonImageContentUsesBlockHash(t *testing.T) {
	content := append(bytes.Repeat([]byte{0x10}, 4096), bytes.Repeat([]byte{0xf0}, 4096)...)
	fp := Compute(content)
	if fp.Kind != KindBytes {
		t.Fatalf("kind = %s, want bytes", fp.Kind)
	}
	if fp.Perceptual != 0x00000000ffffffff {
		t.Fatalf("perceptual = %s", fp.PerceptualHex())
	}
}

func TestPerceptualRoundTrip(t *testing.T) {
	const p = uint64(0x0123456789abcdef)
	parsed, err := ParsePerceptual(FormatPerceptual(p))
	if err != nil || parsed != p {
		t.Fatalf("parsed %x (%v)", parsed, err)
	}
	if Distance(p, p^0b1011) != 3 {
		t.Fatalf("unexpected distance")
	}
}
