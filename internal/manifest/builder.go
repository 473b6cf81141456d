package manifest

import (
	"bytes"
	"image"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	xerrors "CredProof/internal/errors"
	"CredProof/internal/fingerprint"
)

// DefaultMaxContentSize mirrors the configuration default.
const DefaultMaxContentSize = 100 * 1000 * 1000

// Option customises a Builder.
type Option func(*Builder)

// WithInstanceIDs overrides the instance id generator, mainly for tests.
func WithInstanceIDs(next func() string) Option {
	return func(b *Builder) {
		if next != nil {
			b.newID = next
		}
	}
}

// Builder produces unsigned manifests for content.
type Builder struct {
	generator string
	maxSize   uint64
	newID     func() string
}

// NewBuilder constructs a builder. A zero maxSize falls back to
// DefaultMaxContentSize.
func NewBuilder(generator string, maxSize uint64, opts ...Option) *Builder {
	if maxSize == 0 {
		maxSize = DefaultMaxContentSize
	}
	b := &Builder{
		generator: generator,
		maxSize:   maxSize,
		newID:     func() string { return "urn:uuid:" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// MaxSize returns the largest content the builder accepts.
func (b *Builder) MaxSize() uint64 { return b.maxSize }

// Build returns an unsigned manifest describing content. The fingerprint is
// computed by the caller and reused here.
func (b *Builder) Build(content []byte, fp fingerprint.Fingerprint, ts time.Time, custom []Claim) (*Manifest, error) {
	if len(content) == 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "content is empty")
	}
	if uint64(len(content)) > b.maxSize {
		return nil, xerrors.New(xerrors.CodeValidation, "content exceeds maximum size",
			xerrors.WithMetadata("size", humanize.Bytes(uint64(len(content)))),
			xerrors.WithMetadata("limit", humanize.Bytes(b.maxSize)))
	}

	claims := make([]Claim, 0, 6+len(custom))
	claims = append(claims,
		Claim{Label: LabelContentHash, Value: fp.ContentHash.String()},
		Claim{Label: LabelPerceptualHash, Value: fp.PerceptualHex()},
		Claim{Label: LabelFormat, Value: http.DetectContentType(content)},
		Claim{Label: LabelGenerator, Value: b.generator},
		Claim{Label: LabelSize, Value: strconv.Itoa(len(content))},
	)
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(content)); err == nil {
		claims = append(claims, Claim{Label: LabelDimensions, Value: strconv.Itoa(cfg.Width) + "x" + strconv.Itoa(cfg.Height)})
	}

	seen := make(map[string]struct{}, len(custom))
	for _, c := range custom {
		label := strings.TrimSpace(c.Label)
		if label == "" {
			return nil, xerrors.New(xerrors.CodeValidation, "assertion label is required")
		}
		if IsReserved(label) {
			return nil, xerrors.New(xerrors.CodeValidation, "assertion label uses reserved prefix",
				xerrors.WithMetadata("label", label))
		}
		if _, dup := seen[label]; dup {
			return nil, xerrors.New(xerrors.CodeValidation, "duplicate assertion label",
				xerrors.WithMetadata("label", label))
		}
		seen[label] = struct{}{}
		claims = append(claims, Claim{Label: label, Value: c.Value})
	}
	SortClaims(claims)

	return &Manifest{
		Version:    FormatVersion,
		InstanceID: b.newID(),
		Generator:  b.generator,
		CreatedAt:  ts.UTC().Truncate(time.Millisecond),
		Claims:     claims,
	}, nil
}
