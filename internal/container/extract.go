package container

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	xerrors "CredProof/internal/errors"
	"CredProof/internal/fingerprint"
	"CredProof/internal/manifest"
	"CredProof/pkg/logger"
)

// Method identifies an extraction channel.
type Method string

const (
	MethodStructured       Method = "structured"
	MethodLightweight      Method = "lightweight"
	MethodRemoteReference  Method = "remote_reference"
	MethodRemoteHash       Method = "remote_hash"
	MethodRemotePerceptual Method = "remote_perceptual"
)

// methodOrder breaks weight ties, strongest first.
var methodOrder = []Method{
	MethodStructured,
	MethodLightweight,
	MethodRemoteReference,
	MethodRemoteHash,
	MethodRemotePerceptual,
}

var methodWeights = map[Method]float64{
	MethodStructured:       0.90,
	MethodLightweight:      0.60,
	MethodRemoteReference:  0.45,
	MethodRemoteHash:       0.40,
	MethodRemotePerceptual: 0.25,
}

// Weight returns the base confidence weight of a method.
func Weight(m Method) float64 { return methodWeights[m] }

// ProofMatch is a stored proof located by a remote method.
type ProofMatch struct {
	Reference string
	Manifest  *manifest.Manifest
	// Distance is the perceptual Hamming distance for near matches.
	Distance int
}

// ProofSource resolves stored proofs. Lookups return nil, nil when nothing
// matches.
type ProofSource interface {
	ProofByReference(ctx context.Context, ref string) (*ProofMatch, error)
	ProofByContentHash(ctx context.Context, hash digest.Digest) (*ProofMatch, error)
	ProofByPerceptual(ctx context.Context, perceptual uint64, maxDistance int) (*ProofMatch, error)
}

// Source reports the outcome of one method.
type Source struct {
	Method    Method  `json:"method"`
	Weight    float64 `json:"weight"`
	Found     bool    `json:"found"`
	Partial   bool    `json:"partial,omitempty"`
	Corrupted bool    `json:"corrupted,omitempty"`
	Reference string  `json:"reference,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// ExtractionResult is the merged view over every successful method.
// Tampered 表示某个嵌入副本未通过完整性校验，或与同一实例的其他副本不一致。
type ExtractionResult struct {
	Manifest       *manifest.Manifest `json:"manifest"`
	Method         Method             `json:"method"`
	Confidence     float64            `json:"confidence"`
	Partial        bool               `json:"partial"`
	ProofReference string             `json:"proof_reference,omitempty"`
	NearDuplicate  bool               `json:"near_duplicate"`
	Distance       int                `json:"distance,omitempty"`
	Tampered       bool               `json:"tampered"`
	Sources        []Source           `json:"sources"`
}

type candidate struct {
	method       Method
	manifest     *manifest.Manifest
	completeness float64
	reference    string
	distance     int
	corrupted    bool // 嵌入副本校验和或摘要不符
	err          error
}

func (c candidate) weight() float64 { return methodWeights[c.method] * c.completeness }

// ExtractorOption customises an Extractor.
type ExtractorOption func(*Extractor)

// WithRemoteTimeout bounds each remote lookup.
func WithRemoteTimeout(d time.Duration) ExtractorOption {
	return func(x *Extractor) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithNearDistance sets the maximum perceptual distance for near matches.
func WithNearDistance(d int) ExtractorOption {
	return func(x *Extractor) {
		if d >= 0 {
			x.nearDistance = d
		}
	}
}

// Extractor recovers manifests from content and the proof store.
type Extractor struct {
	proofs       ProofSource
	timeout      time.Duration
	nearDistance int
	log          *slog.Logger
}

// NewExtractor returns an extractor. proofs may be nil, which disables the
// remote methods.
func NewExtractor(proofs ProofSource, opts ...ExtractorOption) *Extractor {
	x := &Extractor{
		proofs:       proofs,
		timeout:      3 * time.Second,
		nearDistance: 10,
		log:          logger.Named("extract"),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract runs every method concurrently and merges the results. Bad
// content never produces an error; an ExtractionError is returned only when
// no method yields a manifest, and the caller's context error when it is
// cancelled.
func (x *Extractor) Extract(ctx context.Context, content []byte, fp fingerprint.Fingerprint) (*ExtractionResult, error) {
	results := make(map[Method]candidate, len(methodOrder))
	var mu sync.Mutex
	record := func(c candidate) {
		mu.Lock()
		results[c.method] = c
		mu.Unlock()
	}

	format := Detect(content)
	var local sync.WaitGroup
	local.Add(2)
	localDone := make(chan struct{})
	go func() {
		local.Wait()
		close(localDone)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer local.Done()
		record(x.structured(content, format))
		return nil
	})
	g.Go(func() error {
		defer local.Done()
		record(x.lightweight(content, format))
		return nil
	})
	g.Go(func() error {
		select {
		case <-localDone:
		case <-gctx.Done():
			return gctx.Err()
		}
		mu.Lock()
		ref := firstReference(results[MethodStructured], results[MethodLightweight])
		mu.Unlock()
		record(x.remote(gctx, MethodRemoteReference, func(ctx context.Context) (*ProofMatch, error) {
			if ref == "" {
				return nil, nil
			}
			return x.proofs.ProofByReference(ctx, ref)
		}))
		return nil
	})
	g.Go(func() error {
		record(x.remote(gctx, MethodRemoteHash, func(ctx context.Context) (*ProofMatch, error) {
			return x.proofs.ProofByContentHash(ctx, fp.ContentHash)
		}))
		return nil
	})
	g.Go(func() error {
		record(x.remote(gctx, MethodRemotePerceptual, func(ctx context.Context) (*ProofMatch, error) {
			return x.proofs.ProofByPerceptual(ctx, fp.Perceptual, x.nearDistance)
		}))
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ordered := make([]candidate, 0, len(methodOrder))
	for _, m := range methodOrder {
		ordered = append(ordered, results[m])
	}
	return merge(ordered, fp)
}

func firstReference(cands ...candidate) string {
	for _, c := range cands {
		if c.reference != "" {
			return c.reference
		}
	}
	return ""
}

func (x *Extractor) structured(content []byte, format Format) candidate {
	c := candidate{method: MethodStructured}
	raw, found, err := format.ReadRobust(content)
	if !found && format.Kind() != KindGeneric {
		// 解析失败或未找到时再检查通用尾部块。
		if gRaw, gFound, _ := (genericFormat{}).ReadRobust(content); gFound {
			raw, found, err = gRaw, true, nil
		}
	}
	if !found {
		c.err = err
		return c
	}
	partial := err != nil

	env, envErr := decodeEnvelope(raw)
	c.reference = env.Reference
	switch {
	case errors.Is(envErr, ErrChecksum):
		partial = true
		c.corrupted = true
	case envErr != nil:
		c.err = envErr
		return c
	}
	body, err := env.manifestBytes()
	if err != nil {
		c.err = err
		return c
	}
	m, completeness, err := manifest.Decode(body)
	if m == nil {
		c.err = err
		return c
	}
	if err != nil || partial {
		completeness = min(completeness, 0.5)
		if err != nil {
			c.err = err
		}
	}
	c.manifest, c.completeness = m, completeness
	return c
}

func (x *Extractor) lightweight(content []byte, format Format) candidate {
	c := candidate{method: MethodLightweight}
	raw, found, err := format.ReadLightweight(content)
	if !found && format.Kind() != KindGeneric {
		if gRaw, gFound, _ := (genericFormat{}).ReadLightweight(content); gFound {
			raw, found, err = gRaw, true, nil
		}
	}
	if !found {
		c.err = err
		return c
	}
	tag, err := ParseTag(raw)
	c.reference = tag.Reference
	if err != nil || len(tag.Manifest) == 0 {
		c.err = err
		return c
	}
	m, completeness, err := manifest.Decode(tag.Manifest)
	if m == nil {
		c.err = err
		return c
	}
	if d, derr := manifest.Digest(m); derr != nil || d.String() != tag.Digest {
		completeness *= 0.5
		c.corrupted = true
	}
	if err != nil {
		completeness = min(completeness, 0.5)
		c.err = err
	}
	c.manifest, c.completeness = m, completeness
	return c
}

func (x *Extractor) remote(ctx context.Context, method Method, lookup func(context.Context) (*ProofMatch, error)) candidate {
	c := candidate{method: method}
	if x.proofs == nil {
		return c
	}
	lookupCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	match, err := lookup(lookupCtx)
	if err != nil {
		x.log.Debug("远程证明查询失败", "method", method, "error", err)
		c.err = err
		return c
	}
	if match == nil || match.Manifest == nil {
		return c
	}
	c.manifest = match.Manifest
	c.reference = match.Reference
	c.distance = match.Distance
	c.completeness = 1
	return c
}

// merge combines candidates. The primary candidate is the highest-weight
// complete one (falling back to the highest-weight partial one); ties go to
// the earlier method. Only candidates describing the same manifest instance
// contribute claims and confidence.
func merge(cands []candidate, fp fingerprint.Fingerprint) (*ExtractionResult, error) {
	res := &ExtractionResult{}
	var found []candidate
	for _, c := range cands {
		src := Source{Method: c.method, Weight: methodWeights[c.method], Reference: c.reference}
		if c.manifest != nil {
			src.Found = true
			src.Partial = c.completeness < 1
			found = append(found, c)
		}
		if c.corrupted {
			src.Corrupted = true
			res.Tampered = true
		}
		if c.err != nil {
			src.Error = c.err.Error()
		}
		res.Sources = append(res.Sources, src)
	}
	if len(found) == 0 {
		return nil, xerrors.New(xerrors.CodeExtraction, "no provenance data found")
	}

	rank := func(list []candidate) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].weight() > list[j].weight() })
	}
	var complete []candidate
	for _, c := range found {
		if c.completeness >= 1 {
			complete = append(complete, c)
		}
	}
	rank(complete)
	rank(found)
	primary := found[0]
	if len(complete) > 0 {
		primary = complete[0]
	}

	merged := primary.manifest.Clone()
	present := make(map[string]struct{}, len(merged.Claims))
	for _, cl := range merged.Claims {
		present[cl.Label] = struct{}{}
	}
	miss := 1.0
	for _, c := range found {
		if c.manifest.InstanceID != primary.manifest.InstanceID {
			continue
		}
		if diverges(c.manifest, primary.manifest) {
			res.Tampered = true
		}
		miss *= 1 - c.weight()
		for _, cl := range c.manifest.Claims {
			if _, ok := present[cl.Label]; ok {
				continue
			}
			present[cl.Label] = struct{}{}
			merged.Claims = append(merged.Claims, cl)
		}
	}
	manifest.SortClaims(merged.Claims)

	res.Manifest = merged
	res.Method = primary.method
	res.Confidence = 1 - miss
	res.Partial = primary.completeness < 1
	res.ProofReference = primary.reference
	if res.ProofReference == "" {
		for _, c := range cands {
			if c.reference != "" {
				res.ProofReference = c.reference
				break
			}
		}
	}
	if primary.method == MethodRemotePerceptual {
		if hash, _ := merged.Claim(manifest.LabelContentHash); hash != fp.ContentHash.String() {
			res.NearDuplicate = true
			res.Distance = primary.distance
		}
	}
	return res, nil
}

// diverges reports whether two copies of the same manifest instance carry
// different values for a shared claim, or different signatures.
func diverges(a, b *manifest.Manifest) bool {
	if a.Signed() && b.Signed() && !bytes.Equal(a.Signature.Value, b.Signature.Value) {
		return true
	}
	values := make(map[string]string, len(b.Claims))
	for _, cl := range b.Claims {
		values[cl.Label] = cl.Value
	}
	for _, cl := range a.Claims {
		if v, ok := values[cl.Label]; ok && v != cl.Value {
			return true
		}
	}
	return false
}
