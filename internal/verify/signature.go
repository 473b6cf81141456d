// Package verify checks manifest signatures and certificate chains.
package verify

import (
	"fmt"
	"time"

	"CredProof/internal/certs"
	"CredProof/internal/manifest"
)

// SignatureResult is the outcome of a manifest signature check. Matches
// reports the cryptographic check alone; Valid also requires a plausible
// timestamp.
type SignatureResult struct {
	Valid          bool   `json:"valid"`
	Matches        bool   `json:"matches"`
	Algorithm      string `json:"algorithm,omitempty"`
	TimestampValid bool   `json:"timestamp_valid"`
	Details        string `json:"details,omitempty"`
}

// SignatureVerifier verifies manifest signatures against a signing
// certificate.
type SignatureVerifier struct {
	maxSkew time.Duration
	now     func() time.Time
}

// NewSignatureVerifier builds a verifier tolerating maxSkew of future
// timestamps. A nil now defaults to time.Now.
func NewSignatureVerifier(maxSkew time.Duration, now func() time.Time) *SignatureVerifier {
	if now == nil {
		now = time.Now
	}
	return &SignatureVerifier{maxSkew: maxSkew, now: now}
}

// Verify checks m's signature with cert. It never returns an error; every
// failure is described in the result.
func (v *SignatureVerifier) Verify(m *manifest.Manifest, cert *certs.Certificate) SignatureResult {
	if !m.Signed() {
		return SignatureResult{Details: "manifest is unsigned"}
	}
	res := SignatureResult{Algorithm: m.Signature.Algorithm}
	if cert == nil {
		res.Details = "signing certificate unavailable"
		return res
	}
	if m.CertificateID != cert.ID {
		res.Details = fmt.Sprintf("manifest names certificate %s, got %s", m.CertificateID, cert.ID)
		return res
	}
	if !manifest.ClaimsCanonical(m.Claims) {
		res.Details = "claims are not in canonical order"
		return res
	}
	if certs.Algorithm(m.Signature.Algorithm) != cert.KeyAlgorithm {
		res.Details = fmt.Sprintf("signature algorithm %s does not match certificate key %s", m.Signature.Algorithm, cert.KeyAlgorithm)
		return res
	}

	canonical, err := manifest.Canonical(m)
	if err != nil {
		res.Details = err.Error()
		return res
	}
	if err := cert.Verify(canonical, m.Signature.Value); err != nil {
		res.Details = "signature does not match manifest: " + err.Error()
		return res
	}
	res.Matches = true

	created := m.CreatedAt
	switch {
	case created.Before(cert.NotBefore):
		res.Details = "manifest created before certificate validity"
	case created.After(cert.NotAfter):
		res.Details = "manifest created after certificate expiry"
	case created.After(v.now().Add(v.maxSkew)):
		res.Details = "manifest timestamp is in the future"
	default:
		res.TimestampValid = true
	}
	res.Valid = res.TimestampValid
	return res
}
