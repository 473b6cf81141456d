package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"CredProof/internal/authenticity"
	"CredProof/internal/certs"
	"CredProof/internal/manifest"
	"CredProof/internal/observability/metrics"
	"CredProof/internal/task"
	"CredProof/pkg/logger"
)

// DefaultMaxBodyBytes 是未配置时单个请求体的上限。
const DefaultMaxBodyBytes = 32 << 20

// Authenticator 是签名与验证入口。
type Authenticator interface {
	Sign(ctx context.Context, content []byte, assertions []manifest.Claim) (*authenticity.SignResult, error)
	Verify(ctx context.Context, content []byte) (*authenticity.VerifyResult, error)
}

// ProofReader 按引用读取已存储的 manifest。
type ProofReader interface {
	RetrieveProof(ctx context.Context, ref string) (*manifest.Manifest, error)
}

// CertificateDirectory 提供证书查询、在线状态与吊销列表。
type CertificateDirectory interface {
	Certificate(id string) (*certs.Certificate, bool)
	Status(id string) (certs.StatusResponse, error)
	RevocationList() *certs.RevocationList
}

// HealthCheck 返回 nil 表示依赖可用。
type HealthCheck func(ctx context.Context) error

// Deps 汇总 Server 依赖的组件，Jobs 为空时不注册任务接口。
type Deps struct {
	Authenticity Authenticator
	Proofs       ProofReader
	Certificates CertificateDirectory
	Jobs         *task.Service
	MaxBodyBytes int64
	Health       map[string]HealthCheck
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	deps    Deps
	handler http.Handler
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{addr: addr, deps: deps, logger: logger.Named("api")}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "POST /api/v1/sign", s.handleSign)
	s.handle(mux, "POST /api/v1/verify", s.handleVerify)
	s.handle(mux, "GET /api/v1/proofs/{ref}", s.handleProof)
	s.handle(mux, "GET /api/v1/certificates/{id}", s.handleCertificate)
	s.handle(mux, "GET /api/v1/certificates/{id}/status", s.handleCertificateStatus)
	s.handle(mux, "GET /api/v1/crl", s.handleRevocationList)
	if s.deps.Jobs != nil {
		s.handle(mux, "POST /api/v1/jobs", s.handleSubmitJob)
		s.handle(mux, "GET /api/v1/jobs", s.handleListJobs)
		s.handle(mux, "GET /api/v1/jobs/stats", s.handleJobStats)
		s.handle(mux, "GET /api/v1/jobs/{id}", s.handleJobDetail)
	}
	s.handle(mux, "GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// handle 为每个路由记录请求指标，标签使用注册时的模式而不是原始路径。
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, instrument(pattern, fn))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
