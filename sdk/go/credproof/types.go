package credproof

import "time"

// Assertion is a custom claim attached to a manifest at signing time.
type Assertion struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Fingerprint identifies signed content. Responses also carry its compact
// "<content hash>/<perceptual hex>" form as a plain string.
type Fingerprint struct {
	ContentHash string `json:"content_hash"`
	Perceptual  uint64 `json:"perceptual"`
	Kind        string `json:"kind"`
}

// Embedding reports how the manifest was written into the content.
type Embedding struct {
	Status        string `json:"status"`
	Format        string `json:"format"`
	Compressed    bool   `json:"compressed"`
	ReferenceOnly bool   `json:"reference_only"`
	Reason        string `json:"reason,omitempty"`
}

// Signature is the manifest signature.
type Signature struct {
	Algorithm string `json:"algorithm"`
	Value     []byte `json:"value"`
}

// Manifest is the signed provenance record.
type Manifest struct {
	Version       string      `json:"version"`
	InstanceID    string      `json:"instance_id"`
	Generator     string      `json:"generator"`
	CreatedAt     time.Time   `json:"created_at"`
	CertificateID string      `json:"certificate_id"`
	Claims        []Assertion `json:"claims"`
	Signature     *Signature  `json:"signature,omitempty"`
}

// Claim returns the value of the first claim with label.
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

// SignResult is returned by Sign.
type SignResult struct {
	SignedContent     []byte      `json:"signed_content"`
	ProofReference    string      `json:"proof_reference"`
	Fingerprint       string      `json:"fingerprint"`
	EmbeddingStatus   string      `json:"embedding_status"`
	Manifest          *Manifest   `json:"manifest"`
	FingerprintDetail Fingerprint `json:"fingerprint_detail"`
	Embedding         Embedding   `json:"embedding"`
}

// Factor is one component of the trust score.
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Earned float64 `json:"earned"`
	Passed bool    `json:"passed"`
	Detail string  `json:"detail,omitempty"`
}

// ChainSummary is the certificate chain outcome.
type ChainSummary struct {
	Valid       bool     `json:"valid"`
	RootTrusted bool     `json:"root_trusted"`
	Degraded    bool     `json:"degraded"`
	Revoked     bool     `json:"revoked"`
	Expired     bool     `json:"expired"`
	Warnings    []string `json:"warnings,omitempty"`
}

// VerifyResult is the trust assessment returned by Verify.
type VerifyResult struct {
	TrustScore        int          `json:"trust_score"`
	Level             string       `json:"level"`
	Factors           []Factor     `json:"factors"`
	Recommendations   []string     `json:"recommendations,omitempty"`
	Warnings          []string     `json:"warnings,omitempty"`
	ProofReference    string       `json:"proof_reference,omitempty"`
	Manifest          *Manifest    `json:"manifest,omitempty"`
	Binding           string       `json:"binding"`
	Fingerprint       string       `json:"fingerprint"`
	FingerprintDetail Fingerprint  `json:"fingerprint_detail"`
	Chain             ChainSummary `json:"chain"`
}

// Failed returns the names of factors that did not pass.
func (v *VerifyResult) Failed() []string {
	var out []string
	for _, f := range v.Factors {
		if !f.Passed {
			out = append(out, f.Name)
		}
	}
	return out
}

// Certificate is a signing or root certificate.
type Certificate struct {
	ID                 string    `json:"id"`
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	IssuerID           string    `json:"issuer_id"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	IsCA               bool      `json:"is_ca"`
	KeyAlgorithm       string    `json:"key_algorithm"`
	PublicKey          []byte    `json:"public_key"`
	StatusURL          string    `json:"status_url,omitempty"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
}

// CertificateStatus is the online revocation answer for one certificate,
// signed by the same root that signs the revocation list.
type CertificateStatus struct {
	CertificateID      string     `json:"certificate_id"`
	Status             string     `json:"status"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	ProducedAt         time.Time  `json:"produced_at"`
	IssuerID           string     `json:"issuer_id"`
	SignatureAlgorithm string     `json:"signature_algorithm"`
	Signature          []byte     `json:"signature,omitempty"`
}

// RevokedEntry is one revoked certificate.
type RevokedEntry struct {
	CertificateID string    `json:"certificate_id"`
	RevokedAt     time.Time `json:"revoked_at"`
	Reason        string    `json:"reason,omitempty"`
}

// RevocationList is the published offline revocation list.
type RevocationList struct {
	IssuerID   string         `json:"issuer_id"`
	Number     uint64         `json:"number"`
	ThisUpdate time.Time      `json:"this_update"`
	NextUpdate time.Time      `json:"next_update"`
	Entries    []RevokedEntry `json:"entries"`
}

// Job kinds.
const (
	JobKindVerify = "verify"
	JobKindSign   = "sign"
)

// JobItem is one piece of content in a batch job. Assertions apply to sign
// jobs only.
type JobItem struct {
	Name       string      `json:"name,omitempty"`
	Content    []byte      `json:"content"`
	Assertions []Assertion `json:"assertions,omitempty"`
}

// JobSubmission creates a batch job. An empty Kind means JobKindVerify.
type JobSubmission struct {
	ID       string            `json:"id,omitempty"`
	Kind     string            `json:"kind,omitempty"`
	Items    []JobItem         `json:"items"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InclusionProof shows a manifest digest is a leaf of a batch Merkle root.
type InclusionProof struct {
	Leaf      string   `json:"leaf"`
	LeafIndex uint64   `json:"leaf_index"`
	TreeSize  uint64   `json:"tree_size"`
	AuditPath []string `json:"audit_path"`
	Root      string   `json:"root"`
}

// BatchSummary is the Merkle root over every manifest signed by a job.
type BatchSummary struct {
	Root string `json:"root"`
	Size uint64 `json:"size"`
}

// JobItemResult is the outcome for one item. Verify jobs fill the scoring
// fields; sign jobs fill the signing output and Inclusion.
type JobItemResult struct {
	Name            string          `json:"name,omitempty"`
	TrustScore      int             `json:"trust_score,omitempty"`
	Level           string          `json:"level,omitempty"`
	ProofReference  string          `json:"proof_reference,omitempty"`
	Failed          []string        `json:"failed_factors,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	Fingerprint     string          `json:"fingerprint,omitempty"`
	EmbeddingStatus string          `json:"embedding_status,omitempty"`
	ManifestDigest  string          `json:"manifest_digest,omitempty"`
	Inclusion       *InclusionProof `json:"inclusion,omitempty"`
	SignedContent   []byte          `json:"signed_content,omitempty"`
}

// JobResult aggregates item outcomes.
type JobResult struct {
	Items  []JobItemResult `json:"items"`
	Levels map[string]int  `json:"levels,omitempty"`
	Batch  *BatchSummary   `json:"batch,omitempty"`
}

// Job is the state of a batch job.
type Job struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	ItemCount  int               `json:"item_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *JobResult        `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Finished reports whether the job succeeded or will not be retried.
func (j *Job) Finished() bool {
	return j.Status == "succeeded" || (j.Status == "failed" && j.Attempts >= j.MaxRetries)
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Statuses   []string
	ErrorCodes []string
	Query      string
	Limit      int
	Offset     int
}

// JobStats aggregates job counts by status.
type JobStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Exhausted       int   `json:"exhausted"`
	Items           int   `json:"items"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Health is the server health report.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
