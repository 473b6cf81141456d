// Package confidence turns the individual verification outcomes into a
// single 0-100 trust score with a per-factor rationale.
package confidence

import (
	"fmt"
	"math"

	"CredProof/internal/container"
	"CredProof/internal/verify"
)

// Level buckets a score.
type Level string

const (
	LevelVeryHigh Level = "very_high"
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
	LevelVeryLow  Level = "very_low"
)

// Binding describes how the manifest is tied to the verified content.
type Binding string

const (
	BindingNone       Binding = "none"
	BindingExact      Binding = "exact"
	BindingPerceptual Binding = "perceptual"
)

// Factor names.
const (
	FactorSignature   = "signature"
	FactorChain       = "certificate_chain"
	FactorRemoteProof = "remote_proof"
	FactorExtraction  = "extraction"
	FactorBinding     = "content_binding"
	FactorTimestamp   = "timestamp"
)

// Factor weights. They sum to 100; the signature dominates.
const (
	WeightSignature   = 35.0
	WeightChain       = 20.0
	WeightRemoteProof = 10.0
	WeightExtraction  = 15.0
	WeightBinding     = 15.0
	WeightTimestamp   = 5.0

	untrustedChainCredit = 8.0
	degradedPenalty      = 4.0
	perceptualCredit     = 7.0
	invalidSignatureCap  = 10.0
)

// Factor is one scored input.
type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Earned float64 `json:"earned"`
	Passed bool    `json:"passed"`
	Detail string  `json:"detail,omitempty"`
}

// Assessment is the scored verification outcome.
type Assessment struct {
	Score           int      `json:"trust_score"`
	Level           Level    `json:"level"`
	Factors         []Factor `json:"factors"`
	Recommendations []string `json:"recommendations,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Failed returns the names of factors that did not pass.
func (a Assessment) Failed() []string {
	var out []string
	for _, f := range a.Factors {
		if !f.Passed {
			out = append(out, f.Name)
		}
	}
	return out
}

// Factor returns the named factor.
func (a Assessment) Factor(name string) (Factor, bool) {
	for _, f := range a.Factors {
		if f.Name == name {
			return f, true
		}
	}
	return Factor{}, false
}

// LevelFor maps a score onto its bucket.
func LevelFor(score int) Level {
	switch {
	case score >= 90:
		return LevelVeryHigh
	case score >= 75:
		return LevelHigh
	case score >= 50:
		return LevelMedium
	case score >= 25:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

// Score combines the verification outputs. extraction is nil when no
// manifest could be recovered. An invalid signature caps the score in the
// lowest bucket regardless of the other factors; a tampered embedded copy
// counts as an invalid signature.
func Score(extraction *container.ExtractionResult, sig verify.SignatureResult, chain verify.ChainResult, hasRemoteProof bool, binding Binding) Assessment {
	var a Assessment
	add := func(f Factor, recommendation string) {
		a.Factors = append(a.Factors, f)
		if !f.Passed && recommendation != "" {
			a.Recommendations = append(a.Recommendations, recommendation)
		}
	}

	// signature
	tampered := extraction != nil && extraction.Tampered
	sigValid := sig.Valid && !tampered
	sigFactor := Factor{Name: FactorSignature, Weight: WeightSignature, Passed: sigValid, Detail: sig.Details}
	rec := ""
	switch {
	case sigValid:
		sigFactor.Earned = WeightSignature
	case extraction == nil || extraction.Manifest == nil:
		sigFactor.Detail = "no manifest found"
		rec = "no provenance manifest found: the content was never signed or its metadata was stripped"
	case tampered:
		sigFactor.Detail = "embedded manifest failed its integrity check"
		rec = "embedded manifest copies disagree: content or manifest was likely altered after signing"
	case sig.Matches:
		rec = "signature is not valid at its claimed signing time: " + sig.Details
	default:
		rec = "signature does not match: content or manifest was likely altered after signing"
	}
	add(sigFactor, rec)

	// certificate chain
	chainFactor := Factor{Name: FactorChain, Weight: WeightChain, Passed: chain.Valid}
	rec = ""
	switch {
	case chain.Valid:
		chainFactor.Earned = WeightChain
	case chain.Revoked:
		chainFactor.Detail = "certificate revoked"
		rec = "signing certificate has been revoked: treat the content as untrusted"
	case chain.Expired:
		chainFactor.Detail = "certificate outside validity window"
		rec = "signing certificate is expired or not yet valid"
	case !chain.StructurallyValid:
		chainFactor.Detail = "certificate chain invalid"
		rec = "certificate chain could not be validated"
	case !chain.RootTrusted:
		chainFactor.Earned = untrustedChainCredit
		chainFactor.Detail = "root not trusted"
		rec = "certificate authority not trusted: add its root to the trust store if the publisher is known"
	}
	if chain.Degraded && chainFactor.Earned > 0 {
		chainFactor.Earned = math.Max(0, chainFactor.Earned-degradedPenalty)
		if chainFactor.Detail == "" {
			chainFactor.Detail = "revocation status unavailable"
		}
	}
	add(chainFactor, rec)

	// remote proof
	remote := Factor{Name: FactorRemoteProof, Weight: WeightRemoteProof, Passed: hasRemoteProof}
	if hasRemoteProof {
		remote.Earned = WeightRemoteProof
	}
	add(remote, "no stored proof found for this content: ask the publisher for the proof reference")

	// extraction
	ext := Factor{Name: FactorExtraction, Weight: WeightExtraction}
	rec = ""
	switch {
	case extraction == nil:
		ext.Detail = "nothing extracted"
		rec = "no embedded or stored manifest could be recovered"
	default:
		ext.Earned = WeightExtraction * clamp01(extraction.Confidence)
		ext.Passed = !extraction.Partial
		ext.Detail = fmt.Sprintf("method %s, confidence %.2f", extraction.Method, extraction.Confidence)
		if extraction.Partial {
			rec = "embedded metadata is damaged: only a partial manifest was recovered"
		}
	}
	add(ext, rec)

	// content binding
	bind := Factor{Name: FactorBinding, Weight: WeightBinding, Passed: binding == BindingExact, Detail: string(binding)}
	rec = ""
	switch binding {
	case BindingExact:
		bind.Earned = WeightBinding
	case BindingPerceptual:
		bind.Earned = perceptualCredit
		rec = "content differs from the signed original: it was likely re-encoded or edited"
	default:
		rec = "manifest does not describe this content"
	}
	add(bind, rec)

	// timestamp
	ts := Factor{Name: FactorTimestamp, Weight: WeightTimestamp, Passed: sig.TimestampValid}
	if sig.TimestampValid {
		ts.Earned = WeightTimestamp
	}
	rec = ""
	if sig.Matches && !sig.TimestampValid {
		rec = "signing time is implausible: " + sig.Details
	}
	add(ts, rec)

	total := 0.0
	for _, f := range a.Factors {
		total += f.Earned
	}
	if !sigValid {
		total = math.Min(total, invalidSignatureCap)
	}
	a.Score = int(math.Round(math.Max(0, math.Min(100, total))))
	a.Level = LevelFor(a.Score)

	a.Warnings = append(a.Warnings, chain.Warnings...)
	if tampered {
		a.Warnings = append(a.Warnings, "embedded provenance data was modified after signing")
	}
	if extraction != nil && extraction.NearDuplicate {
		a.Warnings = append(a.Warnings, fmt.Sprintf("near-duplicate match at perceptual distance %d", extraction.Distance))
	}
	return a
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
