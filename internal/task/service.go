package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "CredProof/internal/errors"
	"CredProof/pkg/logger"
)

// DefaultMaxItems 是单个任务允许的最大内容数量。
const DefaultMaxItems = 50

// SubmitRequest 描述一次批量请求。ID 为空时自动生成，Kind 为空时按验证任务处理。
type SubmitRequest struct {
	ID       string            `json:"id,omitempty"`
	Kind     Kind              `json:"kind,omitempty"`
	Items    []Item            `json:"items"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	maxItems   int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries, maxItems int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries, maxItems: maxItems}
}

func (s *Service) validate(req SubmitRequest) error {
	if !IsValidKind(req.Kind) {
		return xerrors.New(CodeTaskValidation, "不支持的任务类型",
			xerrors.WithMetadata("kind", string(req.Kind)))
	}
	if len(req.Items) == 0 {
		return xerrors.New(CodeTaskValidation, "至少需要一个待验证内容")
	}
	if len(req.Items) > s.maxItems {
		return xerrors.New(CodeTaskValidation, fmt.Sprintf("单个任务最多 %d 个内容", s.maxItems),
			xerrors.WithMetadata("items", strconv.Itoa(len(req.Items))))
	}
	for i, item := range req.Items {
		if len(item.Content) == 0 {
			return xerrors.New(CodeTaskValidation, fmt.Sprintf("第 %d 个内容为空", i+1),
				xerrors.WithMetadata("name", item.Name))
		}
		if len(item.Assertions) > 0 && normalizeKind(req.Kind) != KindSign {
			return xerrors.New(CodeTaskValidation, fmt.Sprintf("第 %d 个内容携带断言，但任务不是签名任务", i+1),
				xerrors.WithMetadata("name", item.Name))
		}
	}
	return nil
}

// Submit 创建一个新的任务并推送到队列。相同 ID 的重复提交返回已有任务。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:         taskID,
		Kind:       normalizeKind(req.Kind),
		Items:      req.Items,
		Metadata:   maps.Clone(req.Metadata),
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(context.WithoutCancel(ctx), taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("kind", string(task.Kind)),
		slog.Int("items", len(task.Items)),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询任务直到成功或不再重试，超时由 ctx 控制。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Finished() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
