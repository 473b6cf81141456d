package certs

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// trustFile is the on-disk format of a trust store file.
type trustFile struct {
	Roots []struct {
		Name        string `yaml:"name"`
		Certificate string `yaml:"certificate"`
	} `yaml:"roots"`
}

// TrustStore holds the root certificates verifiers accept.
type TrustStore struct {
	mu    sync.RWMutex
	roots map[string]*Certificate
}

// NewTrustStore returns a trust store seeded with roots.
func NewTrustStore(roots ...*Certificate) *TrustStore {
	t := &TrustStore{roots: make(map[string]*Certificate)}
	for _, r := range roots {
		t.Add(r)
	}
	return t
}

// LoadTrustStore reads every YAML file matched by the glob patterns.
// Patterns support ** via doublestar.
func LoadTrustStore(patterns []string, extra ...*Certificate) (*TrustStore, error) {
	t := NewTrustStore(extra...)
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid trust store pattern %q: %w", pattern, err)
		}
		for _, path := range matches {
			if err := t.loadFile(path); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

func (t *TrustStore) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read trust store %s: %w", path, err)
	}
	var file trustFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse trust store %s: %w", path, err)
	}
	for _, entry := range file.Roots {
		cert, err := DecodeCertificate(entry.Certificate)
		if err != nil {
			return fmt.Errorf("trust store %s entry %q: %w", path, entry.Name, err)
		}
		if !cert.IsCA || !cert.SelfSigned() {
			return fmt.Errorf("trust store %s entry %q is not a self-signed CA", path, entry.Name)
		}
		if err := cert.CheckSignatureFrom(cert); err != nil {
			return fmt.Errorf("trust store %s entry %q: %w", path, entry.Name, err)
		}
		t.Add(cert)
	}
	return nil
}

// Add trusts root.
func (t *TrustStore) Add(root *Certificate) {
	if root == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roots[root.ID] = root.Clone()
}

// Trusted reports whether cert is one of the trusted roots, matching both id
// and public key.
func (t *TrustStore) Trusted(cert *Certificate) bool {
	if t == nil || cert == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	root, ok := t.roots[cert.ID]
	return ok && root.KeyAlgorithm == cert.KeyAlgorithm && bytes.Equal(root.PublicKey, cert.PublicKey)
}

// Lookup returns the trusted root with id.
func (t *TrustStore) Lookup(id string) (*Certificate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	root, ok := t.roots[id]
	if !ok {
		return nil, false
	}
	return root.Clone(), true
}

// Len returns the number of trusted roots.
func (t *TrustStore) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.roots)
}
