package authenticity

import (
	"context"
	"log/slog"
	"time"

	"CredProof/internal/certs"
	"CredProof/internal/confidence"
	"CredProof/internal/container"
	xerrors "CredProof/internal/errors"
	"CredProof/internal/fingerprint"
	"CredProof/internal/manifest"
	"CredProof/internal/observability/metrics"
	"CredProof/internal/verify"
)

// VerifyResult is the trust assessment for a piece of content together with
// the evidence it was derived from.
type VerifyResult struct {
	confidence.Assessment
	ProofReference string                      `json:"proof_reference,omitempty"`
	Manifest       *manifest.Manifest          `json:"manifest,omitempty"`
	Binding        confidence.Binding          `json:"binding"`
	Fingerprint    fingerprint.Fingerprint     `json:"fingerprint_detail"`
	Extraction     *container.ExtractionResult `json:"extraction,omitempty"`
	Signature      verify.SignatureResult      `json:"signature"`
	Chain          verify.ChainResult          `json:"chain"`
}

var remoteMethods = map[container.Method]bool{
	container.MethodRemoteReference:  true,
	container.MethodRemoteHash:       true,
	container.MethodRemotePerceptual: true,
}

// Verify assesses content. Unsigned, stripped or corrupted content yields a
// low score rather than an error; only the caller's cancellation is
// returned.
func (s *Service) Verify(ctx context.Context, content []byte) (*VerifyResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fp := fingerprint.Compute(container.Strip(content))
	res := &VerifyResult{Fingerprint: fp, Binding: confidence.BindingNone}

	extraction, err := s.extractor.Extract(ctx, content, fp)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !xerrors.IsCode(err, xerrors.CodeExtraction) {
			s.log.Warn("提取清单失败", slog.Any("error", err))
		}
		extraction = nil
	}
	res.Extraction = extraction

	hasRemote := false
	if extraction != nil {
		res.Manifest = extraction.Manifest
		res.ProofReference = extraction.ProofReference
		for _, src := range extraction.Sources {
			if src.Found && remoteMethods[src.Method] {
				hasRemote = true
			}
		}
	}

	if m := res.Manifest; m != nil {
		var cert *certs.Certificate
		chain, err := s.authority.Chain(ctx, m.CertificateID)
		switch {
		case err != nil || len(chain) == 0:
			res.Chain = verify.ChainResult{Warnings: []string{"signing certificate " + m.CertificateID + " is unknown"}}
		default:
			cert = chain[0]
			res.Chain = s.chains.ValidateChain(ctx, chain)
		}
		res.Signature = s.signatures.Verify(m, cert)
		if extraction.Tampered {
			// 校验通过的只是完好的那份副本，嵌入数据已被改动。
			res.Signature.Valid = false
			res.Signature.Details = "embedded manifest copies failed integrity checks"
		}
		res.Binding = s.binding(m, fp)
	} else {
		res.Signature = verify.SignatureResult{Details: "no manifest found"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Assessment = confidence.Score(extraction, res.Signature, res.Chain, hasRemote, res.Binding)

	metrics.ObserveVerifyLevel(string(res.Level))
	metrics.ObserveOperation("verify", metrics.OutcomeSuccess, time.Since(start))
	s.log.Debug("内容验证完成",
		slog.String("content_hash", fp.ContentHash.String()),
		slog.Int("score", res.Score),
		slog.String("level", string(res.Level)),
		slog.String("proof_reference", res.ProofReference),
	)
	return res, nil
}

// binding reports how the manifest's hash claims relate to fp.
func (s *Service) binding(m *manifest.Manifest, fp fingerprint.Fingerprint) confidence.Binding {
	if hash, ok := m.Claim(manifest.LabelContentHash); ok && hash == fp.ContentHash.String() {
		return confidence.BindingExact
	}
	if raw, ok := m.Claim(manifest.LabelPerceptualHash); ok {
		if p, err := fingerprint.ParsePerceptual(raw); err == nil && fingerprint.Distance(p, fp.Perceptual) <= s.opts.NearDuplicateDistance {
			return confidence.BindingPerceptual
		}
	}
	return confidence.BindingNone
}
