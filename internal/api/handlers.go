package api

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"CredProof/internal/authenticity"
	"CredProof/internal/container"
	xerrors "CredProof/internal/errors"
	"CredProof/internal/manifest"
	"CredProof/internal/netutil"
	"CredProof/internal/task"
)

// ContentRequest 是 JSON 形式的签名/验证请求，content 以 base64 编码。
type ContentRequest struct {
	Content    []byte           `json:"content"`
	Assertions []manifest.Claim `json:"assertions,omitempty"`
}

// SignResponse 在签名结果之外返回嵌入了 manifest 的内容，
// fingerprint 与 embedding_status 以扁平字段给出。
type SignResponse struct {
	*authenticity.SignResult
	SignedContent   []byte           `json:"signed_content"`
	Fingerprint     string           `json:"fingerprint"`
	EmbeddingStatus container.Status `json:"embedding_status"`
}

// VerifyResponse 在验证结果上补充字符串形式的指纹。
type VerifyResponse struct {
	*authenticity.VerifyResult
	Fingerprint string `json:"fingerprint"`
}

func newSignResponse(res *authenticity.SignResult) SignResponse {
	return SignResponse{
		SignResult:      res,
		SignedContent:   res.Content,
		Fingerprint:     res.Fingerprint.String(),
		EmbeddingStatus: res.Embedding.Status,
	}
}

// ProofReferenceHeader 在二进制响应中携带证明引用。
const ProofReferenceHeader = "X-Proof-Reference"

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// readContent 支持 JSON 请求与原始二进制请求体两种形式。
func (s *Server) readContent(r *http.Request) (ContentRequest, error) {
	limit := s.deps.MaxBodyBytes
	if isJSON(r) {
		// base64 膨胀约 4/3。
		raw, err := netutil.ReadAll(r.Body, limit/3*4+4096)
		if err != nil {
			return ContentRequest{}, err
		}
		var req ContentRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return ContentRequest{}, xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败")
		}
		return req, nil
	}
	raw, err := netutil.ReadAll(r.Body, limit)
	if err != nil {
		return ContentRequest{}, err
	}
	return ContentRequest{Content: raw}, nil
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	if s.deps.Authenticity == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "签名服务未初始化"))
		return
	}
	req, err := s.readContent(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Authenticity.Sign(r.Context(), req.Content, req.Assertions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if r.Header.Get("Accept") == "application/octet-stream" {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set(ProofReferenceHeader, res.ProofReference)
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Content)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Content)
		return
	}
	writeJSON(w, http.StatusOK, newSignResponse(res))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Authenticity == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "验证服务未初始化"))
		return
	}
	req, err := s.readContent(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Content) == 0 {
		badRequest(w, r, "content 不能为空")
		return
	}
	res, err := s.deps.Authenticity.Verify(r.Context(), req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{VerifyResult: res, Fingerprint: res.Fingerprint.String()})
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	if s.deps.Proofs == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "证明存储未初始化"))
		return
	}
	ref := r.PathValue("ref")
	m, err := s.deps.Proofs.RetrieveProof(r.Context(), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if m == nil {
		notFound(w, r, "proof "+ref+" not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Certificates == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "证书服务未初始化"))
		return
	}
	id := r.PathValue("id")
	cert, ok := s.deps.Certificates.Certificate(id)
	if !ok {
		notFound(w, r, "certificate "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, cert)
}

// handleCertificateStatus 是在线吊销查询接口，未知证书返回 unknown 而非 404。
func (s *Server) handleCertificateStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Certificates == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "证书服务未初始化"))
		return
	}
	resp, err := s.deps.Certificates.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevocationList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Certificates == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "证书服务未初始化"))
		return
	}
	crl := s.deps.Certificates.RevocationList()
	if crl == nil {
		notFound(w, r, "revocation list not published")
		return
	}
	if maxAge := int(time.Until(crl.NextUpdate).Seconds()); maxAge > 0 {
		w.Header().Set("Cache-Control", "max-age="+strconv.Itoa(maxAge))
	}
	writeJSON(w, http.StatusOK, crl)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	raw, err := netutil.ReadAll(r.Body, s.deps.MaxBodyBytes/3*4+4096)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req task.SubmitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, r, xerrors.Wrap(task.CodeTaskValidation, err, "请求体解析失败"))
		return
	}
	created, err := s.deps.Jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+created.ID)
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		badRequest(w, r, "缺少任务 ID")
		return
	}
	job, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// JobList 是任务列表接口的响应。
type JobList struct {
	Jobs []*task.Task `json:"jobs"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := s.deps.Jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: jobs})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := s.deps.Jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption
	for _, name := range []string{"limit", "offset"} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeValidation, name+" 必须是非负整数")
		}
		if name == "limit" {
			opts = append(opts, task.WithLimit(n))
		} else {
			opts = append(opts, task.WithOffset(n))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeValidation, "未知的任务状态: "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("error_code"); raw != "" {
		var codes []xerrors.Code
		for _, part := range strings.Split(raw, ",") {
			codes = append(codes, xerrors.Code(strings.TrimSpace(part)))
		}
		opts = append(opts, task.WithErrorCodes(codes...))
	}
	if raw := query.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeValidation, "has_result 必须是布尔值")
		}
		opts = append(opts, task.WithResultPresence(has))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeValidation, "since 必须是 RFC3339 时间")
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	return opts, nil
}

// HealthStatus 是健康检查的响应。
type HealthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthStatus{Status: "ok"}
	status := http.StatusOK
	if len(s.deps.Health) > 0 {
		resp.Checks = make(map[string]string, len(s.deps.Health))
		for name, check := range s.deps.Health {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, status, resp)
}
