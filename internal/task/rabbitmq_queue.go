package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 通过默认 exchange 直接投递到命名队列，消费端手动确认。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	durable bool
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "credproof.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	q := &RabbitMQQueue{conn: conn, queue: queue, durable: cfg.Durable}
	if err := q.setup(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	q.ch = ch
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列 %s 失败: %w", q.queue, err)
	}
	return nil
}

// Publish 投递任务 ID。持久化队列上的消息同样以持久模式发送。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	if q == nil || q.ch == nil || q.ch.IsClosed() {
		return ErrQueueClosed
	}
	mode := amqp.Transient
	if q.durable {
		mode = amqp.Persistent
	}
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: mode,
		MessageId:    taskID,
		Timestamp:    time.Now(),
		Body:         []byte(taskID),
	})
	if err != nil {
		return fmt.Errorf("RabbitMQ 发布任务失败: %w", err)
	}
	return nil
}

// Consume 以手动确认模式消费。处理失败的消息 nack 后重新入队一次，
// 再次失败则丢弃，最终状态以 Store 为准。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil || q.ch.IsClosed() {
		return ErrQueueClosed
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		group.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case msg, ok := <-deliveries:
					if !ok {
						if err := gctx.Err(); err != nil {
							return err
						}
						return ErrQueueClosed
					}
					if err := handler(gctx, string(msg.Body)); err != nil {
						_ = msg.Nack(false, !msg.Redelivered)
						continue
					}
					_ = msg.Ack(false)
				}
			}
		})
	}
	return group.Wait()
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}
	return nil
}
