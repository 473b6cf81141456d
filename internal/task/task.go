package task

import (
	"maps"
	"slices"

	"github.com/opencontainers/go-digest"

	"CredProof/internal/batchproof"
	xerrors "CredProof/internal/errors"
	"CredProof/internal/manifest"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Kind 区分批量验证与批量签名任务。
type Kind string

const (
	KindVerify Kind = "verify"
	KindSign   Kind = "sign"
)

// IsValidKind 检查任务类型，空值按 verify 处理。
func IsValidKind(kind Kind) bool {
	switch kind {
	case "", KindVerify, KindSign:
		return true
	default:
		return false
	}
}

func normalizeKind(kind Kind) Kind {
	if kind == "" {
		return KindVerify
	}
	return kind
}

// Item 是批量任务中的单个内容。Assertions 仅用于签名任务。
type Item struct {
	Name       string           `json:"name,omitempty"`
	Content    []byte           `json:"content"`
	Assertions []manifest.Claim `json:"assertions,omitempty"`
}

// ItemResult 保存单个内容的处理结论。验证任务填写评分字段，
// 签名任务填写签名产物与批次包含证明。
type ItemResult struct {
	Name            string            `json:"name,omitempty"`
	Score           int               `json:"trust_score,omitempty"`
	Level           string            `json:"level,omitempty"`
	ProofReference  string            `json:"proof_reference,omitempty"`
	Failed          []string          `json:"failed_factors,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
	Fingerprint     string            `json:"fingerprint,omitempty"`
	EmbeddingStatus string            `json:"embedding_status,omitempty"`
	ManifestDigest  digest.Digest     `json:"manifest_digest,omitempty"`
	Inclusion       *batchproof.Proof `json:"inclusion,omitempty"`
	SignedContent   []byte            `json:"signed_content,omitempty"`
}

// ExecutionResult 保存一次批量任务的结果。签名任务的 Batch 是全部
// 清单摘要的 Merkle 根。
type ExecutionResult struct {
	Items  []ItemResult        `json:"items"`
	Levels map[string]int      `json:"levels,omitempty"`
	Batch  *batchproof.Summary `json:"batch,omitempty"`
}

func (r *ExecutionResult) empty() bool {
	return r == nil || len(r.Items) == 0
}

// Task 描述了排队执行的批量任务。内容本身不随任务状态返回。
type Task struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Items      []Item            `json:"-"`
	ItemCount  int               `json:"item_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     Status            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *ExecutionResult  `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Finished 表示任务已成功，或失败且不会再被领取。
func (t *Task) Finished() bool {
	switch t.Status {
	case StatusSucceeded:
		return true
	case StatusFailed:
		return t.Attempts >= t.MaxRetries
	default:
		return false
	}
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeTaskNotFound:   {Message: "task not found", Severity: xerrors.SeverityInfo},
		CodeTaskConflict:   {Message: "task conflict", Severity: xerrors.SeverityWarning},
		CodeTaskCompleted:  {Message: "task already completed", Severity: xerrors.SeverityInfo},
		CodeTaskExhausted:  {Message: "task retries exhausted", Severity: xerrors.SeverityCritical, Alert: true},
		CodeTaskValidation: {Message: "task validation failed", Severity: xerrors.SeverityInfo},
		CodeTaskPublish:    {Message: "failed to publish task", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true},
		CodeTaskProcessing: {Message: "task execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true},
	} {
		xerrors.Register(code, attr)
	}
}

// IsTaskError 判断 err 是否为指定的任务错误码。
func IsTaskError(err error, target xerrors.Code) bool {
	return xerrors.IsCode(err, target)
}

func cloneResult(result *ExecutionResult) *ExecutionResult {
	if result == nil {
		return nil
	}
	clone := &ExecutionResult{
		Items:  slices.Clone(result.Items),
		Levels: maps.Clone(result.Levels),
	}
	if result.Batch != nil {
		batch := *result.Batch
		clone.Batch = &batch
	}
	return clone
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Items = slices.Clone(task.Items)
	clone.Result = cloneResult(task.Result)
	clone.Metadata = maps.Clone(task.Metadata)
	return &clone
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
