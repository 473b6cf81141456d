package task

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MemoryQueue 以带缓冲的 channel 传递任务 ID，适合单进程部署与测试。
// 进程退出时未消费的任务会丢失，状态仍保存在 Store 中。
type MemoryQueue struct {
	mu     sync.RWMutex
	ch     chan string
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 在队列满时阻塞，直到有空位或 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- taskID:
		return nil
	}
}

// Len 返回尚未被领取的任务数。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume 启动 workerCount 个 worker。队列关闭后返回 ErrQueueClosed。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	group, gctx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		group.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case taskID, ok := <-q.ch:
					if !ok {
						return ErrQueueClosed
					}
					if err := handler(gctx, taskID); err != nil {
						q.requeue(taskID)
					}
				}
			}
		})
	}
	return group.Wait()
}

// requeue 把处理失败的任务放回队列；队列已满时丢弃，任务可通过重新提交恢复。
func (q *MemoryQueue) requeue(taskID string) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- taskID:
	default:
	}
}

// Close 关闭队列，正在阻塞的 Publish 会先完成。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
