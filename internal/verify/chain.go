package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"CredProof/internal/certs"
	"CredProof/pkg/logger"
)

// StatusChecker queries an online revocation responder. issuer is the root
// that must have signed the answer.
type StatusChecker interface {
	CheckStatus(ctx context.Context, cert, issuer *certs.Certificate) (certs.Status, error)
}

// RevocationSource supplies the offline revocation list.
type RevocationSource interface {
	RevocationList(ctx context.Context) (*certs.RevocationList, error)
}

// RevocationSourceFunc adapts a function to RevocationSource.
type RevocationSourceFunc func(ctx context.Context) (*certs.RevocationList, error)

// RevocationList implements RevocationSource.
func (f RevocationSourceFunc) RevocationList(ctx context.Context) (*certs.RevocationList, error) {
	return f(ctx)
}

// CertResult describes the checks for a single certificate.
type CertResult struct {
	ID         string       `json:"id"`
	Subject    string       `json:"subject"`
	Valid      bool         `json:"valid"`
	Status     certs.Status `json:"status"`
	StatusFrom string       `json:"status_from,omitempty"`
	Errors     []string     `json:"errors,omitempty"`
}

// ChainResult is the outcome of a chain validation.
type ChainResult struct {
	Valid             bool         `json:"valid"`
	RootTrusted       bool         `json:"root_trusted"`
	StructurallyValid bool         `json:"structurally_valid"`
	Degraded          bool         `json:"degraded"`
	Revoked           bool         `json:"revoked"`
	Expired           bool         `json:"expired"`
	PerCert           []CertResult `json:"certificates"`
	Warnings          []string     `json:"warnings,omitempty"`
}

// ChainOption customises a ChainValidator.
type ChainOption func(*ChainValidator)

// WithStatusChecker enables online revocation checks.
func WithStatusChecker(c StatusChecker) ChainOption {
	return func(v *ChainValidator) { v.status = c }
}

// WithRevocationSource enables offline revocation checks.
func WithRevocationSource(s RevocationSource) ChainOption {
	return func(v *ChainValidator) { v.crl = s }
}

// WithRevocationTimeout bounds each revocation lookup.
func WithRevocationTimeout(d time.Duration) ChainOption {
	return func(v *ChainValidator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithClock overrides the verification time source.
func WithClock(now func() time.Time) ChainOption {
	return func(v *ChainValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// ChainValidator validates certificate chains against a trust store.
type ChainValidator struct {
	trust   *certs.TrustStore
	status  StatusChecker
	crl     RevocationSource
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// NewChainValidator constructs a validator.
func NewChainValidator(trust *certs.TrustStore, opts ...ChainOption) *ChainValidator {
	v := &ChainValidator{
		trust:   trust,
		timeout: 2 * time.Second,
		now:     time.Now,
		log:     logger.Named("verify"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateChain checks chain, ordered leaf first and root last.
func (v *ChainValidator) ValidateChain(ctx context.Context, chain []*certs.Certificate) ChainResult {
	var res ChainResult
	if len(chain) == 0 {
		res.Warnings = append(res.Warnings, "certificate chain is empty")
		return res
	}

	now := v.now()
	root := chain[len(chain)-1]
	structural := true
	res.PerCert = make([]CertResult, len(chain))

	for i, cert := range chain {
		cr := CertResult{ID: cert.ID, Subject: cert.Subject, Status: certs.StatusUnknown}
		fail := func(format string, args ...any) {
			cr.Errors = append(cr.Errors, fmt.Sprintf(format, args...))
		}

		if !cert.ValidAt(now) {
			res.Expired = true
			fail("certificate outside validity window (%s to %s)", cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
		}
		if i == 0 && !cert.KeyUsage.DigitalSignature {
			structural = false
			fail("leaf certificate not permitted for digital signatures")
		}

		if i < len(chain)-1 {
			issuer := chain[i+1]
			if cert.IssuerID != issuer.ID || cert.Issuer != issuer.Subject {
				structural = false
				fail("issuer %s does not match next certificate %s", cert.IssuerID, issuer.ID)
			}
			if !issuer.IsCA || !issuer.KeyUsage.CertSign {
				structural = false
				fail("issuer %s may not sign certificates", issuer.ID)
			}
			if err := cert.CheckSignatureFrom(issuer); err != nil {
				structural = false
				fail("issuer signature invalid: %v", err)
			}

			status, from, warning := v.revocation(ctx, cert, root, now)
			cr.Status, cr.StatusFrom = status, from
			switch {
			case status == certs.StatusRevoked:
				res.Revoked = true
				fail("certificate revoked")
			case warning != "":
				res.Degraded = true
				res.Warnings = append(res.Warnings, warning)
			}
		} else {
			if !cert.SelfSigned() || !cert.IsCA {
				structural = false
				fail("chain does not end in a self-signed CA")
			} else if err := cert.CheckSignatureFrom(cert); err != nil {
				structural = false
				fail("root self-signature invalid: %v", err)
			}
			cr.Status = certs.StatusGood
		}

		cr.Valid = len(cr.Errors) == 0
		res.PerCert[i] = cr
	}

	res.StructurallyValid = structural
	res.RootTrusted = v.trust.Trusted(root)
	res.Valid = structural && res.RootTrusted && !res.Revoked && !res.Expired
	if !res.RootTrusted {
		res.Warnings = append(res.Warnings, fmt.Sprintf("root %s is not in the trust store", root.ID))
	}
	return res
}

// revocation resolves a certificate's status: a fresh, root-signed online
// response first, then a fresh, root-signed revocation list. An empty warning means the
// status is authoritative.
func (v *ChainValidator) revocation(ctx context.Context, cert, root *certs.Certificate, now time.Time) (certs.Status, string, string) {
	if v.status != nil && cert.StatusURL != "" {
		lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
		status, err := v.status.CheckStatus(lookupCtx, cert, root)
		cancel()
		if err == nil && status != certs.StatusUnknown {
			return status, "online", ""
		}
		if err != nil {
			v.log.Debug("在线吊销查询失败", "certificate_id", cert.ID, "error", err)
		}
	}

	if v.crl != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
		list, err := v.crl.RevocationList(lookupCtx)
		cancel()
		switch {
		case err != nil:
			v.log.Debug("离线吊销列表不可用", "certificate_id", cert.ID, "error", err)
		case list == nil || !list.Fresh(now):
			v.log.Debug("离线吊销列表已过期", "certificate_id", cert.ID)
		case list.CheckSignatureFrom(root) != nil:
			v.log.Debug("离线吊销列表签名无效", "certificate_id", cert.ID)
		default:
			if _, revoked := list.Lookup(cert.ID); revoked {
				return certs.StatusRevoked, "offline", ""
			}
			return certs.StatusGood, "offline", ""
		}
	}
	return certs.StatusUnknown, "", fmt.Sprintf("revocation status unavailable for certificate %s", cert.ID)
}
