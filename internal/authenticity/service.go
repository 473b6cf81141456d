package authenticity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"

	"CredProof/internal/certs"
	"CredProof/internal/container"
	xerrors "CredProof/internal/errors"
	"CredProof/internal/fingerprint"
	"CredProof/internal/manifest"
	"CredProof/internal/observability/alerting"
	"CredProof/internal/storage"
	"CredProof/internal/verify"
	"CredProof/pkg/logger"
)

// CertificateAuthority hands out signing keys and resolves certificate
// chains. *certs.Manager satisfies it.
type CertificateAuthority interface {
	SigningKey() (*certs.SigningKey, error)
	Chain(ctx context.Context, id string) ([]*certs.Certificate, error)
}

// ProofStore persists and resolves signed manifests. *storage.Manager
// satisfies it.
type ProofStore interface {
	StoreProof(ctx context.Context, m *manifest.Manifest, fp fingerprint.Fingerprint) (string, error)
	Record(ctx context.Context, ref string) (*storage.ProofRecord, error)
	Lookup(ctx context.Context, hash digest.Digest) (*storage.ProofRecord, error)
	FindNear(ctx context.Context, perceptual uint64, maxDistance int) (*storage.ProofRecord, int, error)
}

// Options 控制签名与验证流程的参数，零值使用默认配置。
type Options struct {
	Generator             string
	MaxContentSize        uint64
	MaxRobustSize         int
	MaxLightweightSize    int
	MaxClockSkew          time.Duration
	RemoteProofTimeout    time.Duration
	NearDuplicateDistance int
	Now                   func() time.Time
	Alerts                alerting.Dispatcher
	Logger                *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Generator == "" {
		o.Generator = "CredProof/1.0"
	}
	if o.MaxClockSkew <= 0 {
		o.MaxClockSkew = 5 * time.Minute
	}
	if o.RemoteProofTimeout <= 0 {
		o.RemoteProofTimeout = 3 * time.Second
	}
	if o.NearDuplicateDistance <= 0 {
		o.NearDuplicateDistance = 10
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logger.Named("authenticity")
	}
}

// Service 提供 Sign 与 Verify 两个入口，单次请求之间不共享可变状态。
type Service struct {
	authority  CertificateAuthority
	proofs     ProofStore
	chains     *verify.ChainValidator
	signatures *verify.SignatureVerifier
	builder    *manifest.Builder
	embedder   *container.Embedder
	extractor  *container.Extractor
	opts       Options
	log        *slog.Logger
}

// NewService 组装签名与验证所需的各个组件。
func NewService(authority CertificateAuthority, proofs ProofStore, chains *verify.ChainValidator, opts Options) (*Service, error) {
	if authority == nil {
		return nil, errors.New("certificate authority is required")
	}
	if proofs == nil {
		return nil, errors.New("proof store is required")
	}
	if chains == nil {
		return nil, errors.New("chain validator is required")
	}
	opts.applyDefaults()
	extractor := container.NewExtractor(proofSource{store: proofs},
		container.WithRemoteTimeout(opts.RemoteProofTimeout),
		container.WithNearDistance(opts.NearDuplicateDistance))
	return &Service{
		authority:  authority,
		proofs:     proofs,
		chains:     chains,
		signatures: verify.NewSignatureVerifier(opts.MaxClockSkew, opts.Now),
		builder:    manifest.NewBuilder(opts.Generator, opts.MaxContentSize),
		embedder:   container.NewEmbedder(opts.MaxRobustSize, opts.MaxLightweightSize),
		extractor:  extractor,
		opts:       opts,
		log:        opts.Logger,
	}, nil
}

// alert forwards alertable errors to the dispatcher. Delivery failures are
// only logged.
func (s *Service) alert(ctx context.Context, source, subject string, err error) {
	if s.opts.Alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if notifyErr := s.opts.Alerts.Notify(alertCtx, alerting.FromError(source, subject, err)); notifyErr != nil {
		s.log.Warn("告警发送失败", slog.String("source", source), slog.Any("error", notifyErr))
	}
}

// proofSource adapts the proof store to the extractor's lookups. Absent
// proofs come back as nil, nil.
type proofSource struct {
	store ProofStore
}

func (p proofSource) ProofByReference(ctx context.Context, ref string) (*container.ProofMatch, error) {
	if !storage.ValidReference(ref) {
		return nil, nil
	}
	rec, err := p.store.Record(ctx, ref)
	if err != nil || rec == nil {
		return nil, err
	}
	return &container.ProofMatch{Reference: rec.Reference, Manifest: rec.Manifest}, nil
}

func (p proofSource) ProofByContentHash(ctx context.Context, hash digest.Digest) (*container.ProofMatch, error) {
	rec, err := p.store.Lookup(ctx, hash)
	if err != nil || rec == nil {
		return nil, err
	}
	return &container.ProofMatch{Reference: rec.Reference, Manifest: rec.Manifest}, nil
}

func (p proofSource) ProofByPerceptual(ctx context.Context, perceptual uint64, maxDistance int) (*container.ProofMatch, error) {
	rec, distance, err := p.store.FindNear(ctx, perceptual, maxDistance)
	if err != nil || rec == nil {
		return nil, err
	}
	return &container.ProofMatch{Reference: rec.Reference, Manifest: rec.Manifest, Distance: distance}, nil
}
