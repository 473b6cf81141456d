// Package fingerprint derives the exact and perceptual identity of a piece of
// content. Callers compute a fingerprint once per request and pass it down.
package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	"math/bits"
	"strconv"

	// Decoders registered for perceptual hashing.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/opencontainers/go-digest"
)

// Kind records how the perceptual hash was derived.
type Kind string

const (
	KindImage Kind = "image"
	KindBytes Kind = "bytes"
)

// Fingerprint pairs a cryptographic content hash with a 64-bit perceptual hash.
type Fingerprint struct {
	ContentHash digest.Digest `json:"content_hash"`
	Perceptual  uint64        `json:"perceptual"`
	Kind        Kind          `json:"kind"`
}

// Compute fingerprints content. Identical bytes always yield identical
// fingerprints.
func Compute(content []byte) Fingerprint {
	fp := Fingerprint{ContentHash: digest.SHA256.FromBytes(content)}
	if img, _, err := image.Decode(bytes.NewReader(content)); err == nil {
		fp.Perceptual = differenceHash(img)
		fp.Kind = KindImage
		return fp
	}
	fp.Perceptual = blockHash(content)
	fp.Kind = KindBytes
	return fp
}

// PerceptualHex renders the perceptual hash as fixed-width hex.
func (f Fingerprint) PerceptualHex() string {
	return FormatPerceptual(f.Perceptual)
}

// String implements fmt.Stringer.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s/%s", f.ContentHash, f.PerceptualHex())
}

// FormatPerceptual renders a perceptual hash as 16 hex digits.
func FormatPerceptual(p uint64) string {
	return fmt.Sprintf("%016x", p)
}

// ParsePerceptual parses the output of FormatPerceptual.
func ParsePerceptual(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

// Distance returns the Hamming distance between two perceptual hashes.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// differenceHash computes a 64-bit dHash over a 9x8 grayscale reduction.
func differenceHash(img image.Image) uint64 {
	const cols, rows = 9, 8
	cells := reduce(img, cols, rows)
	var hash uint64
	for y := 0; y < rows; y++ {
		for x := 0; x < cols-1; x++ {
			hash <<= 1
			if cells[y*cols+x] > cells[y*cols+x+1] {
				hash |= 1
			}
		}
	}
	return hash
}

// reduce box-averages luminance into a cols x rows grid.
func reduce(img image.Image, cols, rows int) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	sums := make([]float64, cols*rows)
	counts := make([]int, cols*rows)
	if w == 0 || h == 0 {
		return sums
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		cy := (y - b.Min.Y) * rows / h
		for x := b.Min.X; x < b.Max.X; x++ {
			cx := (x - b.Min.X) * cols / w
			r, g, bl, _ := img.At(x, y).RGBA()
			lum := (299*float64(r) + 587*float64(g) + 114*float64(bl)) / 1000
			sums[cy*cols+cx] += lum
			counts[cy*cols+cx]++
		}
	}
	for i := range sums {
		if counts[i] > 0 {
			sums[i] /= float64(counts[i])
		}
	}
	return sums
}

// blockHash is the fallback for content that does not decode as an image:
// one bit per block, set when the block mean exceeds the global mean.
func blockHash(content []byte) uint64 {
	const blocks = 64
	if len(content) == 0 {
		return 0
	}
	var total float64
	for _, c := range content {
		total += float64(c)
	}
	mean := total / float64(len(content))

	var hash uint64
	for i := 0; i < blocks; i++ {
		start := i * len(content) / blocks
		end := (i + 1) * len(content) / blocks
		hash <<= 1
		if end <= start {
			continue
		}
		var sum float64
		for _, c := range content[start:end] {
			sum += float64(c)
		}
		if sum/float64(end-start) > mean {
			hash |= 1
		}
	}
	return hash
}
