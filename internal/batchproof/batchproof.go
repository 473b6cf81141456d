// Package batchproof commits a batch of signed manifests to a single RFC 6962
// Merkle root and issues per-manifest inclusion proofs, so one published
// root vouches for every asset signed in the batch.
package batchproof

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"
)

// ErrEmptyBatch 表示批次中没有任何叶子。
var ErrEmptyBatch = errors.New("batch has no leaves")

var hasher = rfc6962.DefaultHasher

// Summary identifies a committed batch.
type Summary struct {
	Root digest.Digest `json:"root"`
	Size uint64        `json:"size"`
}

// Proof shows that Leaf is the LeafIndex-th entry of the batch committed to
// by Root.
type Proof struct {
	Leaf      digest.Digest   `json:"leaf"`
	LeafIndex uint64          `json:"leaf_index"`
	TreeSize  uint64          `json:"tree_size"`
	AuditPath []digest.Digest `json:"audit_path"`
	Root      digest.Digest   `json:"root"`
}

// Tree is an immutable Merkle tree over manifest digests.
type Tree struct {
	leaves []digest.Digest
	nodes  map[compact.NodeID][]byte
	root   []byte
}

// Build commits leaves in order. Each leaf must be a valid digest.
func Build(leaves []digest.Digest) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyBatch
	}
	t := &Tree{
		leaves: append([]digest.Digest(nil), leaves...),
		nodes:  make(map[compact.NodeID][]byte, 2*len(leaves)),
	}
	factory := &compact.RangeFactory{Hash: hasher.HashChildren}
	rng := factory.NewEmptyRange(0)
	visit := func(id compact.NodeID, hash []byte) { t.nodes[id] = hash }
	for i, leaf := range leaves {
		if err := leaf.Validate(); err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		if err := rng.Append(leafHash(leaf), visit); err != nil {
			return nil, fmt.Errorf("append leaf %d: %w", i, err)
		}
	}
	root, err := rng.GetRootHash(nil)
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// Size returns the number of leaves.
func (t *Tree) Size() uint64 { return uint64(len(t.leaves)) }

// Root returns the tree head.
func (t *Tree) Root() digest.Digest { return toDigest(t.root) }

// Summary returns the root and size.
func (t *Tree) Summary() Summary { return Summary{Root: t.Root(), Size: t.Size()} }

// Prove returns the inclusion proof for the leaf at index.
func (t *Tree) Prove(index uint64) (Proof, error) {
	nodes, err := proof.Inclusion(index, t.Size())
	if err != nil {
		return Proof{}, err
	}
	hashes := make([][]byte, len(nodes.IDs))
	for i, id := range nodes.IDs {
		hash, ok := t.nodes[id]
		if !ok {
			return Proof{}, fmt.Errorf("missing tree node level=%d index=%d", id.Level, id.Index)
		}
		hashes[i] = hash
	}
	path, err := nodes.Rehash(hashes, hasher.HashChildren)
	if err != nil {
		return Proof{}, err
	}
	out := Proof{
		Leaf:      t.leaves[index],
		LeafIndex: index,
		TreeSize:  t.Size(),
		AuditPath: make([]digest.Digest, len(path)),
		Root:      t.Root(),
	}
	for i, hash := range path {
		out.AuditPath[i] = toDigest(hash)
	}
	return out, nil
}

// Verify checks p against leaf and the expected root.
func Verify(leaf digest.Digest, p Proof, root digest.Digest) error {
	if err := leaf.Validate(); err != nil {
		return fmt.Errorf("leaf: %w", err)
	}
	if leaf != p.Leaf {
		return fmt.Errorf("proof is for leaf %s, not %s", p.Leaf, leaf)
	}
	want, err := rawHash(root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	path := make([][]byte, len(p.AuditPath))
	for i, d := range p.AuditPath {
		if path[i], err = rawHash(d); err != nil {
			return fmt.Errorf("audit path %d: %w", i, err)
		}
	}
	return proof.VerifyInclusion(hasher, p.LeafIndex, p.TreeSize, leafHash(leaf), path, want)
}

// leafHash hashes the digest string form, so algorithm and hex both bind.
func leafHash(leaf digest.Digest) []byte {
	return hasher.HashLeaf([]byte(leaf.String()))
}

func toDigest(hash []byte) digest.Digest {
	return digest.NewDigestFromBytes(digest.SHA256, hash)
}

func rawHash(d digest.Digest) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Algorithm() != digest.SHA256 {
		return nil, fmt.Errorf("unsupported algorithm %s", d.Algorithm())
	}
	return hex.DecodeString(d.Encoded())
}
