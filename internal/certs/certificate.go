// Package certs manages the signing certificate hierarchy: a self-signed
// root, rotating leaf signing certificates, sealed private keys and the
// revocation list.
package certs

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// KeyUsage captures what a certificate's key may be used for.
type KeyUsage struct {
	DigitalSignature bool `json:"digital_signature,omitempty"`
	CertSign         bool `json:"cert_sign,omitempty"`
	CRLSign          bool `json:"crl_sign,omitempty"`
}

// Certificate is the X.509-like record binding a public key to a subject.
type Certificate struct {
	ID                 string    `json:"id"`
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	IssuerID           string    `json:"issuer_id"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	KeyUsage           KeyUsage  `json:"key_usage"`
	IsCA               bool      `json:"is_ca"`
	KeyAlgorithm       Algorithm `json:"key_algorithm"`
	PublicKey          []byte    `json:"public_key"`
	StatusURL          string    `json:"status_url,omitempty"`
	SignatureAlgorithm Algorithm `json:"signature_algorithm"`
	Signature          []byte    `json:"signature,omitempty"`
}

// TBS returns the canonical to-be-signed encoding of the certificate.
func (c *Certificate) TBS() ([]byte, error) {
	unsigned := *c
	unsigned.Signature = nil
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encode certificate: %w", err)
	}
	return jcs.Transform(raw)
}

// SelfSigned reports whether the certificate names itself as issuer.
func (c *Certificate) SelfSigned() bool {
	return c.IssuerID == c.ID
}

// ValidAt reports whether t falls inside the validity window.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

// Verify checks sig over payload with the certificate's public key.
func (c *Certificate) Verify(payload, sig []byte) error {
	return VerifySignature(c.KeyAlgorithm, c.PublicKey, payload, sig)
}

// CheckSignatureFrom verifies that issuer signed c.
func (c *Certificate) CheckSignatureFrom(issuer *Certificate) error {
	if issuer == nil {
		return fmt.Errorf("issuer certificate missing")
	}
	if c.SignatureAlgorithm != issuer.KeyAlgorithm {
		return fmt.Errorf("signature algorithm %s does not match issuer key %s", c.SignatureAlgorithm, issuer.KeyAlgorithm)
	}
	tbs, err := c.TBS()
	if err != nil {
		return err
	}
	return issuer.Verify(tbs, c.Signature)
}

// Clone returns a deep copy.
func (c *Certificate) Clone() *Certificate {
	if c == nil {
		return nil
	}
	out := *c
	out.PublicKey = append([]byte(nil), c.PublicKey...)
	out.Signature = append([]byte(nil), c.Signature...)
	return &out
}

// EncodeCertificate renders a certificate as base64 JSON, the form used by
// trust store files.
func EncodeCertificate(c *Certificate) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeCertificate parses the output of EncodeCertificate.
func DecodeCertificate(s string) (*Certificate, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	var c Certificate
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	return &c, nil
}
