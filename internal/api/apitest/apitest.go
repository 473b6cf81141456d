// Package apitest starts a fully wired in-memory API server for tests.
package apitest

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"CredProof/internal/api"
	"CredProof/internal/authenticity"
	"CredProof/internal/certs"
	"CredProof/internal/storage"
	"CredProof/internal/task"
	"CredProof/internal/verify"
)

// Stack holds the running server and the components behind it.
type Stack struct {
	Server       *httptest.Server
	Certificates *certs.Manager
	Proofs       *storage.Manager
	Authenticity *authenticity.Service
	Jobs         *task.Service
}

// URL returns the server base URL.
func (s *Stack) URL() string {
	return s.Server.URL
}

// NewStack wires certificates, storage, verification, the job processor and
// the HTTP server. Everything is torn down when the test ends.
func NewStack(tb testing.TB) *Stack {
	tb.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	srv := httptest.NewUnstartedServer(nil)
	baseURL := "http://" + srv.Listener.Addr().String()

	store, err := certs.NewFileStore(tb.TempDir())
	if err != nil {
		tb.Fatalf("cert store: %v", err)
	}
	mgr, err := certs.NewManager(ctx, store, []byte("apitest-master-secret"), certs.Options{
		Algorithm:     certs.ES256,
		Subject:       "CredProof Test Signer",
		StatusBaseURL: baseURL + "/api/v1/certificates",
	})
	if err != nil {
		tb.Fatalf("cert manager: %v", err)
	}

	proofs, err := storage.NewManager(storage.NewMemoryBackend(), storage.WithL1(storage.NewMemoryCache(1<<20)))
	if err != nil {
		tb.Fatalf("storage: %v", err)
	}

	chains := verify.NewChainValidator(certs.NewTrustStore(mgr.Root()),
		verify.WithStatusChecker(verify.NewHTTPStatusChecker(time.Second, 0)),
		verify.WithRevocationSource(verify.RevocationSourceFunc(func(context.Context) (*certs.RevocationList, error) {
			return mgr.RevocationList(), nil
		})))
	svc, err := authenticity.NewService(mgr, proofs, chains, authenticity.Options{Generator: "apitest/1.0"})
	if err != nil {
		tb.Fatalf("authenticity: %v", err)
	}

	jobStore := task.NewMemoryStore()
	queue := task.NewMemoryQueue(64)
	jobs := task.NewService(jobStore, queue, 3, 10)
	processor := task.NewProcessor(svc, jobStore, queue, queue, task.WithWorkerCount(2), task.WithSigner(svc))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			tb.Errorf("processor: %v", err)
		}
	}()

	server := api.NewServer(srv.Listener.Addr().String(), api.Deps{
		Authenticity: svc,
		Proofs:       proofs,
		Certificates: mgr,
		Jobs:         jobs,
		MaxBodyBytes: 4 << 20,
		Health: map[string]api.HealthCheck{
			"certificates": func(context.Context) error {
				_, err := mgr.SigningKey()
				return err
			},
		},
	})
	srv.Config.Handler = server.Handler()
	srv.Start()

	tb.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		_ = proofs.Close()
	})
	return &Stack{Server: srv, Certificates: mgr, Proofs: proofs, Authenticity: svc, Jobs: jobs}
}
