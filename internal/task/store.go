package task

import (
	"context"

	xerrors "CredProof/internal/errors"
)

// Store 持久化批量验证任务的状态。
//
// Claim 是唯一会增加 attempts 的操作：已成功的任务返回 ErrTaskCompleted，
// 正在运行的返回 ErrTaskConflict，attempts 达到 max_retries 的返回
// ErrTaskExhausted。MarkFailed 的 terminal 为 true 时任务不会再被领取。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// Stats 汇总符合过滤条件的任务，Limit 与 Offset 不参与统计。
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Exhausted 是不会再被重试的失败任务数，是 Failed 的子集。
	Exhausted int `json:"exhausted"`
	// Items 是这些任务包含的内容总数。
	Items           int   `json:"items"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(task *Task) {
	s.Total++
	s.Items += task.ItemCount
	switch task.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
		if task.Finished() {
			s.Exhausted++
		}
	}
	if task.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = task.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = task.UpdatedAt
	}
}
