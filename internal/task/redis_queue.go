package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于 Redis list 的可靠队列：取出的任务先移入 processing 列表，
// 处理成功后删除，失败则放回待处理队列的出队端。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	wait       time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis queue address is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "credproof:jobs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis queue: %w", err)
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing",
		wait:       wait,
	}, nil
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrQueueClosed
		}
		return fmt.Errorf("publish job %s: %w", taskID, err)
	}
	return nil
}

// Recover 把上次进程退出时遗留在 processing 列表中的任务放回队列。
// 只应在没有其他消费者运行时调用。
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover in-flight jobs: %w", err)
		}
		moved++
	}
}

// Consume 通过 BLMOVE 取任务，每个 worker 独立阻塞等待。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	group, gctx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		group.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				taskID, err := q.client.BLMove(gctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
				switch {
				case errors.Is(err, redis.Nil):
					continue
				case errors.Is(err, redis.ErrClosed):
					return ErrQueueClosed
				case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
					return err
				case err != nil:
					return fmt.Errorf("receive job: %w", err)
				}
				if err := q.settle(gctx, taskID, handler(gctx, taskID)); err != nil {
					return err
				}
			}
		})
	}
	return group.Wait()
}

// settle 确认或回退一条 processing 中的任务。
func (q *RedisQueue) settle(ctx context.Context, taskID string, handlerErr error) error {
	ctx = context.WithoutCancel(ctx)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, taskID)
		if handlerErr != nil {
			pipe.RPush(ctx, q.queue, taskID)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("settle job %s: %w", taskID, err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
