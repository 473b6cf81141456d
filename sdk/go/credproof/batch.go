package credproof

import (
	"errors"

	"github.com/opencontainers/go-digest"

	"CredProof/internal/batchproof"
)

// VerifyInclusion checks that item's manifest digest is committed to by the
// batch root of a sign job.
func VerifyInclusion(item JobItemResult, batch BatchSummary) error {
	if item.Inclusion == nil {
		return errors.New("credproof: item has no inclusion proof")
	}
	p := batchproof.Proof{
		Leaf:      digest.Digest(item.Inclusion.Leaf),
		LeafIndex: item.Inclusion.LeafIndex,
		TreeSize:  item.Inclusion.TreeSize,
		AuditPath: make([]digest.Digest, len(item.Inclusion.AuditPath)),
		Root:      digest.Digest(item.Inclusion.Root),
	}
	for i, node := range item.Inclusion.AuditPath {
		p.AuditPath[i] = digest.Digest(node)
	}
	return batchproof.Verify(digest.Digest(item.ManifestDigest), p, digest.Digest(batch.Root))
}
