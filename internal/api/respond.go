package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	xerrors "CredProof/internal/errors"
	"CredProof/internal/netutil"
	"CredProof/internal/task"
	"CredProof/pkg/logger"
)

// ErrorBody 是所有错误响应的格式。
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 携带统一错误码与可读信息。
type ErrorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeValidation:            http.StatusBadRequest,
	xerrors.CodeInvalidArgument:       http.StatusBadRequest,
	task.CodeTaskValidation:           http.StatusBadRequest,
	xerrors.CodeNotFound:              http.StatusNotFound,
	task.CodeTaskNotFound:             http.StatusNotFound,
	xerrors.CodeConflict:              http.StatusConflict,
	task.CodeTaskConflict:             http.StatusConflict,
	xerrors.CodeCertificate:           http.StatusUnprocessableEntity,
	xerrors.CodeSigning:               http.StatusServiceUnavailable,
	xerrors.CodeStorage:               http.StatusServiceUnavailable,
	xerrors.CodeQueueFailure:          http.StatusServiceUnavailable,
	xerrors.CodeInitializationFailure: http.StatusServiceUnavailable,
	task.CodeTaskPublish:              http.StatusServiceUnavailable,
	xerrors.CodeTimeout:               http.StatusGatewayTimeout,
}

func statusFor(err error) (int, xerrors.Code) {
	switch {
	case netutil.IsSizeLimitExceeded(err):
		return http.StatusRequestEntityTooLarge, xerrors.CodeValidation
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, xerrors.CodeTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, xerrors.CodeTimeout
	}
	code := xerrors.CodeOf(err)
	if status, ok := statusByCode[code]; ok {
		return status, code
	}
	return http.StatusInternalServerError, code
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Warn("写入响应失败", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	detail := ErrorDetail{Code: string(code), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		detail.Metadata = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, ErrorBody{Error: detail})
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, xerrors.New(xerrors.CodeValidation, message))
}

func notFound(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, xerrors.New(xerrors.CodeNotFound, message))
}
