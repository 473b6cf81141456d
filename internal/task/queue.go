package task

import (
	"context"

	xerrors "CredProof/internal/errors"
)

// ErrQueueClosed 表示队列已关闭或连接已断开。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "queue closed")

// Handler 处理队列投递的任务 ID。返回错误时队列会重新投递该任务，
// 是否真正重试由 Store.Claim 根据 attempts 与 max_retries 决定。
type Handler func(ctx context.Context, taskID string) error

// Producer 投递待验证的任务 ID。队列只传递 ID，任务内容保存在 Store 中。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个并发 worker 消费任务，直到 ctx 结束或队列关闭。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*RabbitMQQueue)(nil)
)
