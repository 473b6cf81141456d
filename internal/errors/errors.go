// Package errors 定义 CredProof 的统一错误类型：错误码、严重程度以及
// 是否可重试、是否需要告警。HTTP 层与任务处理器都只依赖这里的错误码做决策。
package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"maps"
)

// Error 是系统内统一的错误类型，携带错误码与可选的上下文信息。
// 未显式覆盖的行为取自错误码的注册属性。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	override overrides
}

type overrides struct {
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，例如 proof_reference 或 certificate_id。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.override.retryable = &retryable }
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.override.alert = &alert }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.override.severity = &sev }
}

// New 创建一个新的错误实例，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	default:
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码匹配，而不是按实例。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// LogValue 让 slog 以分组字段输出错误。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("message", e.message),
		slog.String("severity", string(e.Severity())),
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	for k, v := range e.metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return pick(e.override.retryable, AttributesOf(e.code).Retryable)
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	return pick(e.override.alert, AttributesOf(e.code).Alert)
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return pick(e.override.severity, AttributesOf(e.code).Severity)
}

func pick[T any](override *T, fallback T) T {
	if override != nil {
		return *override
	}
	return fallback
}

// From 返回 err 链上最外层的统一错误。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回最外层统一错误的错误码，普通 error 视为 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// IsCode 判断 err 链上是否存在指定错误码。
func IsCode(err error, code Code) bool {
	return err != nil && stdErrors.Is(err, &Error{code: code})
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	e, _ := From(err)
	return e.ShouldAlert()
}

// SeverityOf 返回错误严重程度，普通 error 按 UNKNOWN 处理。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
