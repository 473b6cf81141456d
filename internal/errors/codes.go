package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 内容真实性相关的错误分类。
const (
	// CodeValidation 表示输入内容为空、过大或结构不合法，调用方不应重试。
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeSigning 表示签名密钥或证书不可用，签名必须失败而不能降级。
	CodeSigning Code = "SIGNING_ERROR"
	// CodeExtraction 表示所有提取通道都失败；验证流程只记录，不向外抛出。
	CodeExtraction Code = "EXTRACTION_ERROR"
	// CodeCertificate 表示证书链无效、过期或已吊销。
	CodeCertificate Code = "CERTIFICATE_ERROR"
	// CodeStorage 表示主备存储均不可用。
	CodeStorage Code = "STORAGE_ERROR"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, false, true},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false},
		CodeNotFound:              {"resource not found", SeverityInfo, false, false},
		CodeConflict:              {"resource conflict", SeverityWarning, false, false},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, true, true},
		CodeQueueFailure:          {"queue failure", SeverityCritical, true, true},
		CodeTimeout:               {"operation timed out", SeverityWarning, true, true},

		CodeValidation:  {"content validation failed", SeverityInfo, false, false},
		CodeSigning:     {"signing key unavailable", SeverityCritical, true, true},
		CodeExtraction:  {"no provenance data could be extracted", SeverityInfo, false, false},
		CodeCertificate: {"certificate chain rejected", SeverityWarning, false, false},
		CodeStorage:     {"proof storage unavailable", SeverityCritical, true, true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码对应的属性，未注册的错误码回落到 UNKNOWN。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}
