package certs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Status is the revocation state reported for a certificate.
type Status string

const (
	StatusGood    Status = "good"
	StatusRevoked Status = "revoked"
	StatusUnknown Status = "unknown"
)

// RevokedEntry records a single revocation.
type RevokedEntry struct {
	CertificateID string    `json:"certificate_id"`
	RevokedAt     time.Time `json:"revoked_at"`
	Reason        string    `json:"reason,omitempty"`
}

// RevocationList is the offline revocation list, signed by the root.
type RevocationList struct {
	IssuerID           string         `json:"issuer_id"`
	Number             uint64         `json:"number"`
	ThisUpdate         time.Time      `json:"this_update"`
	NextUpdate         time.Time      `json:"next_update"`
	Entries            []RevokedEntry `json:"entries"`
	SignatureAlgorithm Algorithm      `json:"signature_algorithm"`
	Signature          []byte         `json:"signature,omitempty"`
}

// TBS returns the canonical to-be-signed encoding.
func (l *RevocationList) TBS() ([]byte, error) {
	unsigned := *l
	unsigned.Signature = nil
	if unsigned.Entries == nil {
		unsigned.Entries = []RevokedEntry{}
	}
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encode revocation list: %w", err)
	}
	return jcs.Transform(raw)
}

// Lookup returns the entry for id, if revoked.
func (l *RevocationList) Lookup(id string) (RevokedEntry, bool) {
	if l == nil {
		return RevokedEntry{}, false
	}
	for _, e := range l.Entries {
		if e.CertificateID == id {
			return e, true
		}
	}
	return RevokedEntry{}, false
}

// Fresh reports whether the list is still inside its update window at t.
func (l *RevocationList) Fresh(t time.Time) bool {
	return l != nil && !t.Before(l.ThisUpdate) && t.Before(l.NextUpdate)
}

// CheckSignatureFrom verifies that issuer signed the list.
func (l *RevocationList) CheckSignatureFrom(issuer *Certificate) error {
	if issuer == nil || issuer.ID != l.IssuerID {
		return fmt.Errorf("revocation list not issued by %v", issuerID(issuer))
	}
	if !issuer.KeyUsage.CRLSign {
		return fmt.Errorf("certificate %s may not sign revocation lists", issuer.ID)
	}
	tbs, err := l.TBS()
	if err != nil {
		return err
	}
	return issuer.Verify(tbs, l.Signature)
}

func (l *RevocationList) clone() *RevocationList {
	out := *l
	out.Entries = append([]RevokedEntry(nil), l.Entries...)
	out.Signature = append([]byte(nil), l.Signature...)
	return &out
}

func issuerID(c *Certificate) string {
	if c == nil {
		return "<nil>"
	}
	return c.ID
}

// StatusResponse is served by the online status endpoint. It is signed by
// the root, the same key that signs the revocation list.
type StatusResponse struct {
	CertificateID      string     `json:"certificate_id"`
	Status             Status     `json:"status"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	ProducedAt         time.Time  `json:"produced_at"`
	IssuerID           string     `json:"issuer_id"`
	SignatureAlgorithm Algorithm  `json:"signature_algorithm"`
	Signature          []byte     `json:"signature,omitempty"`
}

// TBS returns the canonical to-be-signed encoding.
func (r *StatusResponse) TBS() ([]byte, error) {
	unsigned := *r
	unsigned.Signature = nil
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encode status response: %w", err)
	}
	return jcs.Transform(raw)
}

// CheckSignatureFrom verifies that issuer signed the response.
func (r *StatusResponse) CheckSignatureFrom(issuer *Certificate) error {
	if issuer == nil || issuer.ID != r.IssuerID {
		return fmt.Errorf("status response not issued by %v", issuerID(issuer))
	}
	if !issuer.KeyUsage.CRLSign {
		return fmt.Errorf("certificate %s may not sign status responses", issuer.ID)
	}
	if len(r.Signature) == 0 {
		return fmt.Errorf("status response for %s is unsigned", r.CertificateID)
	}
	tbs, err := r.TBS()
	if err != nil {
		return err
	}
	return issuer.Verify(tbs, r.Signature)
}

// FreshAt reports whether the response was produced no more than maxAge
// before t and not after t.
func (r *StatusResponse) FreshAt(t time.Time, maxAge time.Duration) bool {
	return !r.ProducedAt.After(t) && t.Sub(r.ProducedAt) <= maxAge
}
