package certs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "CredProof/internal/errors"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T, dir string, alg Algorithm, clock *fakeClock) *Manager {
	t.Helper()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	m, err := NewManager(context.Background(), store, testSecret, Options{
		Algorithm:        alg,
		Subject:          "Test Signer",
		RotationInterval: 30 * 24 * time.Hour,
		Overlap:          7 * 24 * time.Hour,
		StatusBaseURL:    "http://localhost:8080/api/v1/certificates",
		Now:              clock.Now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestAlgorithmsSignAndVerify(t *testing.T) {
	payload := []byte("canonical manifest bytes")
	for _, alg := range []Algorithm{ES256, EdDSA, ES256K} {
		t.Run(string(alg), func(t *testing.T) {
			key, err := generateKey(alg)
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			pub, _ := key.publicKey()
			sig, err := key.sign(payload)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if err := VerifySignature(alg, pub, payload, sig); err != nil {
				t.Fatalf("verify: %v", err)
			}
			if err := VerifySignature(alg, pub, []byte("tampered"), sig); err == nil {
				t.Fatalf("tampered payload verified")
			}

			raw, _ := key.marshal()
			restored, err := parsePrivateKey(alg, raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			restoredPub, _ := restored.publicKey()
			if string(restoredPub) != string(pub) {
				t.Fatalf("restored key has different public key")
			}
		})
	}
}

func TestVerifyRejectsAlgorithmMismatch(t *testing.T) {
	key, _ := generateKey(EdDSA)
	pub, _ := key.publicKey()
	sig, _ := key.sign([]byte("x"))
	if err := VerifySignature(ES256, pub, []byte("x"), sig); err == nil {
		t.Fatalf("ed25519 key accepted as ES256")
	}
	if _, err := ParseAlgorithm("RS256"); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected unsupported algorithm, got %v", err)
	}
}

func TestManagerBootstrapsHierarchy(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	m := newTestManager(t, t.TempDir(), ES256, clock)

	key, err := m.SigningKey()
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	leaf := key.Certificate()
	if !leaf.KeyUsage.DigitalSignature || leaf.IsCA {
		t.Fatalf("unexpected leaf usage: %+v", leaf)
	}
	if want := clock.now.Add(37 * 24 * time.Hour); !leaf.NotAfter.Equal(want) {
		t.Fatalf("not after = %s, want %s", leaf.NotAfter, want)
	}
	if leaf.StatusURL != "http://localhost:8080/api/v1/certificates/"+leaf.ID+"/status" {
		t.Fatalf("status url = %q", leaf.StatusURL)
	}

	chain, err := m.Chain(context.Background(), leaf.ID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 2 || !chain[1].SelfSigned() {
		t.Fatalf("unexpected chain %+v", chain)
	}
	if err := chain[0].CheckSignatureFrom(chain[1]); err != nil {
		t.Fatalf("leaf not signed by root: %v", err)
	}
	if err := chain[1].CheckSignatureFrom(chain[1]); err != nil {
		t.Fatalf("root not self-signed: %v", err)
	}

	sig, err := key.Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := leaf.Verify([]byte("payload"), sig); err != nil {
		t.Fatalf("verify with leaf: %v", err)
	}
}

func TestManagerReloadsSealedKeys(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	first := newTestManager(t, dir, EdDSA, clock)
	leafID := first.CurrentCertificate().ID
	rootID := first.Root().ID

	second := newTestManager(t, dir, EdDSA, clock)
	if second.CurrentCertificate().ID != leafID || second.Root().ID != rootID {
		t.Fatalf("reload issued new certificates")
	}
	key, err := second.SigningKey()
	if err != nil {
		t.Fatalf("signing key after reload: %v", err)
	}
	sig, _ := key.Sign([]byte("p"))
	if err := first.CurrentCertificate().Verify([]byte("p"), sig); err != nil {
		t.Fatalf("reloaded key does not match certificate: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "keys", leafID+".key"))
	if err != nil {
		t.Fatalf("read sealed key: %v", err)
	}
	if len(raw) <= 32 {
		t.Fatalf("sealed key suspiciously short: %d", len(raw))
	}

	store, _ := NewFileStore(dir)
	_, err = NewManager(context.Background(), store, []byte("wrong secret"), Options{Algorithm: EdDSA, Now: clock.Now})
	if !xerrors.IsCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure with wrong secret, got %v", err)
	}
}

func TestMaintainRotatesOnInterval(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	m := newTestManager(t, t.TempDir(), ES256K, clock)
	old := m.CurrentCertificate()

	clock.Advance(10 * 24 * time.Hour)
	if err := m.Maintain(context.Background()); err != nil {
		t.Fatalf("maintain: %v", err)
	}
	if m.CurrentCertificate().ID != old.ID {
		t.Fatalf("rotated too early")
	}

	clock.Advance(21 * 24 * time.Hour)
	if err := m.Maintain(context.Background()); err != nil {
		t.Fatalf("maintain: %v", err)
	}
	current := m.CurrentCertificate()
	if current.ID == old.ID {
		t.Fatalf("expected rotation after interval")
	}
	if !old.ValidAt(clock.now) {
		t.Fatalf("previous certificate should stay valid during overlap")
	}
	if mustStatus(t, m, old.ID).Status != StatusGood {
		t.Fatalf("rotated certificate must not be revoked")
	}
}

func mustStatus(t *testing.T, m *Manager, id string) StatusResponse {
	t.Helper()
	status, err := m.Status(id)
	if err != nil {
		t.Fatalf("status %s: %v", id, err)
	}
	return status
}

func TestSigningKeyFailsClosed(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	m := newTestManager(t, t.TempDir(), ES256, clock)

	clock.Advance(40 * 24 * time.Hour)
	if _, err := m.SigningKey(); !xerrors.IsCode(err, xerrors.CodeSigning) {
		t.Fatalf("expected signing error for expired leaf, got %v", err)
	}
}

func TestRevokeActiveCertificateRotates(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	m := newTestManager(t, t.TempDir(), ES256, clock)
	ctx := context.Background()
	old := m.CurrentCertificate()

	if err := m.Revoke(ctx, old.ID, "key compromise"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if m.CurrentCertificate().ID == old.ID {
		t.Fatalf("active certificate not replaced after revocation")
	}
	status := mustStatus(t, m, old.ID)
	if status.Status != StatusRevoked || status.Reason != "key compromise" || status.RevokedAt == nil {
		t.Fatalf("status = %+v", status)
	}
	if err := status.CheckSignatureFrom(m.Root()); err != nil {
		t.Fatalf("status signature: %v", err)
	}
	forged := status
	forged.Status = StatusGood
	if err := forged.CheckSignatureFrom(m.Root()); err == nil {
		t.Fatalf("edited status response accepted")
	}
	if err := status.CheckSignatureFrom(m.CurrentCertificate()); err == nil {
		t.Fatalf("status response accepted from a leaf")
	}
	if !status.FreshAt(clock.now, time.Minute) || status.FreshAt(clock.now.Add(2*time.Minute), time.Minute) {
		t.Fatalf("unexpected freshness window for %v", status.ProducedAt)
	}
	if mustStatus(t, m, "missing").Status != StatusUnknown {
		t.Fatalf("unknown certificate should report unknown")
	}

	list := m.RevocationList()
	if err := list.CheckSignatureFrom(m.Root()); err != nil {
		t.Fatalf("crl signature: %v", err)
	}
	if list.Number != 2 || !list.Fresh(clock.now) {
		t.Fatalf("unexpected crl %+v", list)
	}

	if err := m.Revoke(ctx, m.Root().ID, "nope"); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("root revocation should be rejected, got %v", err)
	}
	if err := m.Revoke(ctx, "missing", ""); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// observingStore runs observe before persisting keys and revocation lists.
type observingStore struct {
	*FileStore
	observe func(step string)
}

func (s *observingStore) PutKey(ctx context.Context, id string, sealed []byte) error {
	if s.observe != nil {
		s.observe("key")
	}
	return s.FileStore.PutKey(ctx, id, sealed)
}

func (s *observingStore) PutRevocations(ctx context.Context, list *RevocationList) error {
	if s.observe != nil {
		s.observe("revocations")
	}
	return s.FileStore.PutRevocations(ctx, list)
}

func TestRevokeActiveKeepsSigningAvailable(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	files, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	store := &observingStore{FileStore: files}
	m, err := NewManager(context.Background(), store, testSecret, Options{Algorithm: ES256, Now: clock.Now})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	old := m.CurrentCertificate()

	var failures []string
	store.observe = func(step string) {
		if _, err := m.SigningKey(); err != nil {
			failures = append(failures, step+": "+err.Error())
		}
	}
	if err := m.Revoke(context.Background(), old.ID, "key compromise"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	store.observe = nil

	if len(failures) != 0 {
		t.Fatalf("signing unavailable during revocation: %v", failures)
	}
	key, err := m.SigningKey()
	if err != nil {
		t.Fatalf("signing key after revocation: %v", err)
	}
	if key.Certificate().ID == old.ID {
		t.Fatalf("revoked certificate still active")
	}
	if mustStatus(t, m, old.ID).Status != StatusRevoked {
		t.Fatalf("old certificate not revoked")
	}
}

func TestExpiredRootStopsLeafIssuance(t *testing.T) {
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	m, err := NewManager(context.Background(), store, testSecret, Options{
		Algorithm:        ES256,
		RotationInterval: 30 * 24 * time.Hour,
		Overlap:          7 * 24 * time.Hour,
		RootValidity:     60 * 24 * time.Hour,
		Now:              clock.Now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if m.RootExpiring(clock.now) {
		t.Fatalf("fresh root reported as expiring")
	}

	clock.Advance(31 * 24 * time.Hour)
	if err := m.Maintain(context.Background()); err != nil {
		t.Fatalf("maintain: %v", err)
	}
	if !m.RootExpiring(clock.now) {
		t.Fatalf("root within one leaf lifetime of expiry should be reported")
	}
	last := m.CurrentCertificate()
	if !last.NotAfter.Equal(m.Root().NotAfter) {
		t.Fatalf("leaf should be clamped to the root, got %v", last.NotAfter)
	}

	clock.Advance(30 * 24 * time.Hour)
	for range 2 {
		if err := m.Maintain(context.Background()); !xerrors.IsCode(err, xerrors.CodeCertificate) {
			t.Fatalf("expected certificate error once the root expired, got %v", err)
		}
	}
	if m.CurrentCertificate().ID != last.ID {
		t.Fatalf("expired root must not issue new leaves")
	}
}

func TestLoadTrustStore(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	m := newTestManager(t, t.TempDir(), EdDSA, clock)
	root := m.Root()

	encoded, err := EncodeCertificate(root)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dir := t.TempDir()
	nested := filepath.Join(dir, "partners", "newsroom")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "roots:\n  - name: newsroom\n    certificate: " + encoded + "\n"
	if err := os.WriteFile(filepath.Join(nested, "trust.yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	store, err := LoadTrustStore([]string{filepath.Join(dir, "**", "*.yaml")})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !store.Trusted(root) {
		t.Fatalf("root not trusted")
	}
	if store.Trusted(m.CurrentCertificate()) {
		t.Fatalf("leaf must not be trusted as a root")
	}
}
