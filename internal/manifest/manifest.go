// Package manifest defines the provenance manifest, its canonical encoding
// and the builder that produces unsigned manifests for content.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/opencontainers/go-digest"

	xerrors "CredProof/internal/errors"
)

// FormatVersion is the manifest format produced by this build.
const FormatVersion = "1.0.0"

// ReservedPrefix marks claim labels owned by the builder.
const ReservedPrefix = "credproof."

// Standard claim labels.
const (
	LabelContentHash    = ReservedPrefix + "hash.content"
	LabelPerceptualHash = ReservedPrefix + "hash.perceptual"
	LabelFormat         = ReservedPrefix + "format"
	LabelGenerator      = ReservedPrefix + "generator"
	LabelSize           = ReservedPrefix + "size"
	LabelDimensions     = ReservedPrefix + "dimensions"
)

// Claim is a single labelled assertion about the content.
type Claim struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Signature carries the algorithm identifier and raw signature bytes.
type Signature struct {
	Algorithm string `json:"algorithm"`
	Value     []byte `json:"value"`
}

// Manifest is the signed claim structure describing a piece of content.
type Manifest struct {
	Version       string     `json:"version"`
	InstanceID    string     `json:"instance_id"`
	Generator     string     `json:"generator"`
	CreatedAt     time.Time  `json:"created_at"`
	CertificateID string     `json:"certificate_id"`
	Claims        []Claim    `json:"claims"`
	Signature     *Signature `json:"signature,omitempty"`
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Claims = append([]Claim(nil), m.Claims...)
	if m.Signature != nil {
		sig := *m.Signature
		sig.Value = append([]byte(nil), m.Signature.Value...)
		out.Signature = &sig
	}
	return &out
}

// Claim returns the value stored under label.
func (m *Manifest) Claim(label string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, c := range m.Claims {
		if c.Label == label {
			return c.Value, true
		}
	}
	return "", false
}

// Signed reports whether the manifest carries signature bytes.
func (m *Manifest) Signed() bool {
	return m != nil && m.Signature != nil && len(m.Signature.Value) > 0
}

// SortClaims stable-sorts claims by label.
func SortClaims(claims []Claim) {
	sort.SliceStable(claims, func(i, j int) bool { return claims[i].Label < claims[j].Label })
}

// ClaimsCanonical reports whether claims are already in canonical order.
func ClaimsCanonical(claims []Claim) bool {
	return sort.SliceIsSorted(claims, func(i, j int) bool { return claims[i].Label < claims[j].Label })
}

// Canonical returns the RFC 8785 encoding of m without its signature block.
// It is the exact byte sequence that gets signed and verified.
func Canonical(m *Manifest) ([]byte, error) {
	if m == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "manifest is nil")
	}
	unsigned := *m
	unsigned.Signature = nil
	unsigned.CreatedAt = m.CreatedAt.UTC()
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return out, nil
}

// Digest returns the sha256 digest of the canonical form.
func Digest(m *Manifest) (digest.Digest, error) {
	canonical, err := Canonical(m)
	if err != nil {
		return "", err
	}
	return digest.SHA256.FromBytes(canonical), nil
}

// Encode serializes a signed manifest for embedding and storage.
func Encode(m *Manifest) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return jcs.Transform(raw)
}

// IsReserved reports whether label is owned by the builder.
func IsReserved(label string) bool {
	return strings.HasPrefix(label, ReservedPrefix)
}
