package authenticity

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"CredProof/internal/container"
	xerrors "CredProof/internal/errors"
	"CredProof/internal/fingerprint"
	"CredProof/internal/manifest"
	"CredProof/internal/observability/metrics"
	"CredProof/pkg/logger"
)

// SignResult is returned by Sign.
type SignResult struct {
	Content        []byte                  `json:"-"`
	ProofReference string                  `json:"proof_reference"`
	Manifest       *manifest.Manifest      `json:"manifest"`
	Fingerprint    fingerprint.Fingerprint `json:"fingerprint_detail"`
	Embedding      container.EmbedResult   `json:"embedding"`
}

// Sign builds, signs, stores and embeds a manifest for content. Assertions
// are added as custom claims. Once the signature has been produced the
// caller's cancellation no longer applies, so a proof is never half stored.
func (s *Service) Sign(ctx context.Context, content []byte, assertions []manifest.Claim) (res *SignResult, err error) {
	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeFailure
			s.alert(ctx, "sign", "", err)
		}
		metrics.ObserveOperation("sign", outcome, time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "content is empty")
	}
	if uint64(len(content)) > s.builder.MaxSize() {
		return nil, xerrors.New(xerrors.CodeValidation, "content exceeds maximum size",
			xerrors.WithMetadata("size", humanize.Bytes(uint64(len(content)))),
			xerrors.WithMetadata("limit", humanize.Bytes(s.builder.MaxSize())))
	}

	// 去掉旧的溯源数据后再计算指纹，重复签名得到同一内容哈希。
	original := container.Strip(content)
	fp := fingerprint.Compute(original)

	key, err := s.authority.SigningKey()
	if err != nil {
		return nil, err
	}
	m, err := s.builder.Build(original, fp, s.opts.Now(), assertions)
	if err != nil {
		return nil, err
	}
	m.CertificateID = key.Certificate().ID
	canonical, err := manifest.Canonical(m)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigning, err, "canonicalize manifest")
	}
	sig, err := key.Sign(canonical)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigning, err, "sign manifest",
			xerrors.WithMetadata("certificate_id", m.CertificateID))
	}
	m.Signature = &manifest.Signature{Algorithm: string(key.Algorithm()), Value: sig}

	persistCtx := context.WithoutCancel(ctx)
	ref, err := s.proofs.StoreProof(persistCtx, m, fp)
	if err != nil {
		return nil, err
	}

	embedded, err := s.embedder.Embed(original, m, ref)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigning, err, "embed manifest",
			xerrors.WithMetadata("proof_reference", ref))
	}

	logger.Audit().Info("content_signed",
		slog.String("proof_reference", ref),
		slog.String("instance_id", m.InstanceID),
		slog.String("certificate_id", m.CertificateID),
		slog.String("content_hash", fp.ContentHash.String()),
		slog.String("embedding", string(embedded.Status)),
	)
	return &SignResult{
		Content:        embedded.Content,
		ProofReference: ref,
		Manifest:       m,
		Fingerprint:    fp,
		Embedding:      embedded,
	}, nil
}
