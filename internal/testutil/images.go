// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

const blockSize = 32

var levels = [...]uint8{32, 96, 160, 224}

// BlockImage returns a 288x256 grayscale test card made of 9x8 flat blocks
// with mild texture. Horizontally adjacent blocks always differ by at least
// one level, which keeps the difference hash stable under lossy re-encoding.
func BlockImage() *image.RGBA {
	const cols, rows = 9, 8
	img := image.NewRGBA(image.Rect(0, 0, cols*blockSize, rows*blockSize))
	for by := 0; by < rows; by++ {
		prev := -1
		for bx := 0; bx < cols; bx++ {
			idx := (bx*3 + by*5 + (bx*by)%3) % len(levels)
			if idx == prev {
				idx = (idx + 1) % len(levels)
			}
			prev = idx
			base := int(levels[idx])
			for y := by * blockSize; y < (by+1)*blockSize; y++ {
				for x := bx * blockSize; x < (bx+1)*blockSize; x++ {
					v := uint8(base + (x*7919+y*104729)%17 - 8)
					img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 0xff})
				}
			}
		}
	}
	return img
}

// JPEG encodes img at the given quality.
func JPEG(tb testing.TB, img image.Image, quality int) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		tb.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// PNG encodes img losslessly.
func PNG(tb testing.TB, img image.Image) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// Reencode decodes content and writes it back as a JPEG at quality, which
// drops every metadata segment the original carried.
func Reencode(tb testing.TB, content []byte, quality int) []byte {
	tb.Helper()
	img, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		tb.Fatalf("decode for re-encode: %v", err)
	}
	return JPEG(tb, img, quality)
}
