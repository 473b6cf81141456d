package verify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"CredProof/internal/certs"
	"CredProof/internal/fingerprint"
	"CredProof/internal/manifest"
)

func newManager(t *testing.T, alg certs.Algorithm, statusBase string) *certs.Manager {
	t.Helper()
	store, err := certs.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	m, err := certs.NewManager(context.Background(), store, []byte("verify-test-secret"), certs.Options{
		Algorithm:     alg,
		StatusBaseURL: statusBase,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func signedManifest(t *testing.T, m *certs.Manager) (*manifest.Manifest, *certs.Certificate) {
	t.Helper()
	key, err := m.SigningKey()
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	content := []byte("press release body")
	built, err := manifest.NewBuilder("verify-test", 0).Build(content, fingerprint.Compute(content), time.Now(), []manifest.Claim{{Label: "org.example.desk", Value: "politics"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	built.CertificateID = key.Certificate().ID
	canonical, err := manifest.Canonical(built)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	sig, err := key.Sign(canonical)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	built.Signature = &manifest.Signature{Algorithm: string(key.Algorithm()), Value: sig}
	return built, key.Certificate()
}

func TestSignatureVerifier(t *testing.T) {
	for _, alg := range []certs.Algorithm{certs.ES256, certs.EdDSA, certs.ES256K} {
		t.Run(string(alg), func(t *testing.T) {
			m, cert := signedManifest(t, newManager(t, alg, ""))
			v := NewSignatureVerifier(5*time.Minute, nil)

			res := v.Verify(m, cert)
			if !res.Valid || !res.TimestampValid || res.Algorithm != string(alg) {
				t.Fatalf("expected valid signature, got %+v", res)
			}

			tampered := m.Clone()
			tampered.Claims[0].Value = "altered"
			if res := v.Verify(tampered, cert); res.Valid || !strings.Contains(res.Details, "does not match") {
				t.Fatalf("tampered manifest verified: %+v", res)
			}
		})
	}
}

func TestSignatureVerifierRejections(t *testing.T) {
	mgr := newManager(t, certs.ES256, "")
	m, cert := signedManifest(t, mgr)
	v := NewSignatureVerifier(time.Minute, nil)

	unsorted := m.Clone()
	unsorted.Claims[0], unsorted.Claims[1] = unsorted.Claims[1], unsorted.Claims[0]
	if res := v.Verify(unsorted, cert); res.Valid || res.Details != "claims are not in canonical order" {
		t.Fatalf("unsorted claims: %+v", res)
	}

	wrongAlg := m.Clone()
	wrongAlg.Signature.Algorithm = string(certs.EdDSA)
	if res := v.Verify(wrongAlg, cert); res.Valid || !strings.Contains(res.Details, "does not match certificate key") {
		t.Fatalf("algorithm mismatch: %+v", res)
	}

	other := mgr.Root()
	if res := v.Verify(m, other); res.Valid {
		t.Fatalf("certificate mismatch accepted")
	}

	unsigned := m.Clone()
	unsigned.Signature = nil
	if res := v.Verify(unsigned, cert); res.Valid || res.Details != "manifest is unsigned" {
		t.Fatalf("unsigned: %+v", res)
	}

	past := NewSignatureVerifier(time.Minute, func() time.Time { return m.CreatedAt.Add(-time.Hour) })
	if res := past.Verify(m, cert); res.Valid || res.TimestampValid {
		t.Fatalf("future timestamp accepted: %+v", res)
	}
}

func TestChainValidatorTrustedChain(t *testing.T) {
	mgr := newManager(t, certs.ES256, "")
	chain, err := mgr.Chain(context.Background(), mgr.CurrentCertificate().ID)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	v := NewChainValidator(certs.NewTrustStore(mgr.Root()), WithRevocationSource(managerCRL(mgr)))

	res := v.ValidateChain(context.Background(), chain)
	if !res.Valid || !res.RootTrusted || !res.StructurallyValid || res.Degraded {
		t.Fatalf("expected valid chain, got %+v", res)
	}
	if res.PerCert[0].Status != certs.StatusGood || res.PerCert[0].StatusFrom != "offline" {
		t.Fatalf("leaf status = %+v", res.PerCert[0])
	}
}

func TestChainValidatorUntrustedRoot(t *testing.T) {
	mgr := newManager(t, certs.EdDSA, "")
	chain, _ := mgr.Chain(context.Background(), mgr.CurrentCertificate().ID)
	v := NewChainValidator(certs.NewTrustStore(), WithRevocationSource(managerCRL(mgr)))

	res := v.ValidateChain(context.Background(), chain)
	if res.Valid || res.RootTrusted || !res.StructurallyValid {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestChainValidatorDetectsRevocationOffline(t *testing.T) {
	mgr := newManager(t, certs.ES256, "")
	ctx := context.Background()
	leaf := mgr.CurrentCertificate()
	chain, _ := mgr.Chain(ctx, leaf.ID)
	if err := mgr.Revoke(ctx, leaf.ID, "superseded"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	v := NewChainValidator(certs.NewTrustStore(mgr.Root()), WithRevocationSource(managerCRL(mgr)))
	res := v.ValidateChain(ctx, chain)
	if res.Valid || !res.Revoked || res.PerCert[0].Status != certs.StatusRevoked {
		t.Fatalf("revocation not detected: %+v", res)
	}
}

// responder serves mgr's signed status answers, or whatever answer overrides.
func responder(t *testing.T, mgr *atomic.Pointer[certs.Manager], calls *atomic.Int32, override func(id string) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		id := parts[len(parts)-2]
		if override != nil {
			_ = json.NewEncoder(w).Encode(override(id))
			return
		}
		resp, err := mgr.Load().Status(id)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChainValidatorPrefersOnlineResponder(t *testing.T) {
	var (
		mgr   atomic.Pointer[certs.Manager]
		calls atomic.Int32
	)
	srv := responder(t, &mgr, &calls, nil)
	mgr.Store(newManager(t, certs.ES256, srv.URL+"/api/v1/certificates"))
	ctx := context.Background()
	leaf := mgr.Load().CurrentCertificate()
	chain, _ := mgr.Load().Chain(ctx, leaf.ID)
	if err := mgr.Load().Revoke(ctx, leaf.ID, "key compromise"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	v := NewChainValidator(certs.NewTrustStore(mgr.Load().Root()),
		WithStatusChecker(NewHTTPStatusChecker(time.Second, 0)))

	res := v.ValidateChain(ctx, chain)
	if !res.Revoked || res.PerCert[0].StatusFrom != "online" || calls.Load() != 1 {
		t.Fatalf("online responder not consulted: %+v (calls %d)", res, calls.Load())
	}
}

func TestChainValidatorIgnoresUnsignedStatusResponse(t *testing.T) {
	var (
		mgr   atomic.Pointer[certs.Manager]
		calls atomic.Int32
	)
	srv := responder(t, &mgr, &calls, func(id string) any {
		return certs.StatusResponse{CertificateID: id, Status: certs.StatusGood, ProducedAt: time.Now()}
	})
	mgr.Store(newManager(t, certs.ES256, srv.URL+"/api/v1/certificates"))
	ctx := context.Background()
	leaf := mgr.Load().CurrentCertificate()
	chain, _ := mgr.Load().Chain(ctx, leaf.ID)
	if err := mgr.Load().Revoke(ctx, leaf.ID, "key compromise"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	v := NewChainValidator(certs.NewTrustStore(mgr.Load().Root()),
		WithStatusChecker(NewHTTPStatusChecker(time.Second, 0)),
		WithRevocationSource(managerCRL(mgr.Load())))

	res := v.ValidateChain(ctx, chain)
	if calls.Load() != 1 {
		t.Fatalf("responder calls = %d", calls.Load())
	}
	if res.Valid || !res.Revoked || res.PerCert[0].StatusFrom != "offline" {
		t.Fatalf("forged good status accepted: %+v", res)
	}
}

func TestHTTPStatusCheckerRejectsForeignOrStaleAnswers(t *testing.T) {
	other := newManager(t, certs.ES256, "")
	var (
		mgr   atomic.Pointer[certs.Manager]
		calls atomic.Int32
	)
	foreign := responder(t, &mgr, &calls, func(id string) any {
		resp, _ := other.Status(id)
		resp.CertificateID = id
		return resp
	})
	mgr.Store(newManager(t, certs.ES256, foreign.URL+"/api/v1/certificates"))
	leaf := mgr.Load().CurrentCertificate()
	root := mgr.Load().Root()

	checker := NewHTTPStatusChecker(time.Second, 0)
	if _, err := checker.CheckStatus(context.Background(), leaf, root); err == nil {
		t.Fatal("answer signed by another root accepted")
	}

	var own atomic.Int32
	honest := responder(t, &mgr, &own, nil)
	leaf.StatusURL = honest.URL + "/api/v1/certificates/" + leaf.ID + "/status"
	status, err := checker.CheckStatus(context.Background(), leaf, root)
	if err != nil || status != certs.StatusGood {
		t.Fatalf("honest answer rejected: %v %v", status, err)
	}

	checker.now = func() time.Time { return time.Now().Add(2 * maxStatusAge) }
	if _, err := checker.CheckStatus(context.Background(), leaf, root); err == nil {
		t.Fatal("stale answer accepted")
	}
}

func TestChainValidatorDegradesWhenRevocationUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mgr := newManager(t, certs.ES256, srv.URL)
	chain, _ := mgr.Chain(context.Background(), mgr.CurrentCertificate().ID)
	unavailable := RevocationSourceFunc(func(context.Context) (*certs.RevocationList, error) {
		return nil, errors.New("crl distribution point unreachable")
	})
	v := NewChainValidator(certs.NewTrustStore(mgr.Root()),
		WithStatusChecker(NewHTTPStatusChecker(time.Second, 0)),
		WithRevocationSource(unavailable))

	res := v.ValidateChain(context.Background(), chain)
	if !res.Valid || !res.Degraded || len(res.Warnings) == 0 {
		t.Fatalf("expected degraded but valid chain, got %+v", res)
	}
}

func TestChainValidatorRejectsForgedLeaf(t *testing.T) {
	mgr := newManager(t, certs.ES256, "")
	chain, _ := mgr.Chain(context.Background(), mgr.CurrentCertificate().ID)
	chain[0].Subject = "Someone Else"

	v := NewChainValidator(certs.NewTrustStore(mgr.Root()), WithRevocationSource(managerCRL(mgr)))
	res := v.ValidateChain(context.Background(), chain)
	if res.Valid || res.StructurallyValid {
		t.Fatalf("forged leaf accepted: %+v", res)
	}
}

func TestChainValidatorExpiredLeaf(t *testing.T) {
	mgr := newManager(t, certs.ES256, "")
	chain, _ := mgr.Chain(context.Background(), mgr.CurrentCertificate().ID)
	later := func() time.Time { return time.Now().Add(200 * 24 * time.Hour) }

	v := NewChainValidator(certs.NewTrustStore(mgr.Root()), WithClock(later))
	res := v.ValidateChain(context.Background(), chain)
	if res.Valid || !res.Expired || !res.StructurallyValid {
		t.Fatalf("expired leaf accepted: %+v", res)
	}
}

func managerCRL(m *certs.Manager) RevocationSource {
	return RevocationSourceFunc(func(context.Context) (*certs.RevocationList, error) {
		return m.RevocationList(), nil
	})
}
