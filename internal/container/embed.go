package container

import (
	"errors"
	"fmt"
	"log/slog"

	"CredProof/internal/manifest"
	"CredProof/pkg/logger"
)

// Status reports how much provenance data made it into the artifact.
type Status string

const (
	StatusFull     Status = "full"
	StatusDegraded Status = "degraded"
)

// EmbedResult describes an embedding attempt.
type EmbedResult struct {
	Content       []byte `json:"-"`
	Status        Status `json:"status"`
	Format        Kind   `json:"format"`
	Compressed    bool   `json:"compressed"`
	ReferenceOnly bool   `json:"reference_only"`
	Reason        string `json:"reason,omitempty"`
}

// Embedder writes signed manifests into content.
type Embedder struct {
	maxRobust      int
	maxLightweight int
	log            *slog.Logger
}

// NewEmbedder returns an embedder whose robust payload is capped at
// maxRobust bytes and whose lightweight tag is capped at maxLightweight.
func NewEmbedder(maxRobust, maxLightweight int) *Embedder {
	if maxRobust <= 0 {
		maxRobust = 1 << 20
	}
	if maxLightweight <= 0 {
		maxLightweight = 4 << 10
	}
	return &Embedder{maxRobust: maxRobust, maxLightweight: maxLightweight, log: logger.Named("embed")}
}

// Embed writes m and ref into content. Embedding never blocks signing: if no
// location can be written the original content comes back with status
// degraded and the reason set. The error is reserved for an unusable
// manifest.
func (e *Embedder) Embed(content []byte, m *manifest.Manifest, ref string) (EmbedResult, error) {
	if !m.Signed() {
		return EmbedResult{}, errors.New("manifest must be signed before embedding")
	}
	encoded, err := manifest.Encode(m)
	if err != nil {
		return EmbedResult{}, err
	}
	digest, err := manifest.Digest(m)
	if err != nil {
		return EmbedResult{}, err
	}

	format := Detect(content)
	base, err := format.Strip(content)
	if err != nil {
		e.log.Warn("容器解析失败，改用通用尾部块", "format", format.Kind(), "error", err)
		format = genericFormat{}
		base, _ = format.Strip(content)
	}
	res := EmbedResult{Content: base, Status: StatusDegraded, Format: format.Kind()}

	limit := min(e.maxRobust, format.RobustLimit())
	payload := encoded
	if len(payload) > limit {
		payload = compress(encoded)
		res.Compressed = true
	}
	robustOK := false
	if len(payload) > limit {
		res.ReferenceOnly = true
		res.Reason = fmt.Sprintf("manifest of %d bytes exceeds robust capacity %d after compression", len(encoded), limit)
	} else {
		env, err := encodeEnvelope(envelope{Reference: ref, Compressed: res.Compressed, Payload: payload})
		if err == nil {
			var out []byte
			if out, err = format.EmbedRobust(res.Content, env); err == nil {
				res.Content = out
				robustOK = true
			}
		}
		if err != nil {
			res.Reason = "robust embedding failed: " + err.Error()
		}
	}

	tag := Tag{Reference: ref, Digest: digest.String(), Manifest: encoded}
	rendered := tag.String()
	if len(rendered) > e.maxLightweight {
		tag.Manifest = nil
		rendered = tag.String()
	}
	if len(rendered) > e.maxLightweight {
		res.Reason = joinReason(res.Reason, "lightweight tag exceeds capacity")
	} else if out, err := format.EmbedLightweight(res.Content, rendered); err != nil {
		res.Reason = joinReason(res.Reason, "lightweight embedding failed: "+err.Error())
	} else {
		res.Content = out
	}

	if robustOK {
		res.Status = StatusFull
	}
	if res.Status == StatusDegraded {
		e.log.Warn("清单嵌入降级", "format", res.Format, "reference", ref, "reason", res.Reason)
	}
	return res, nil
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
