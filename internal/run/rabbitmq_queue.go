package run

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/pkg/logger"
)

const defaultRabbitRunQueue = "taskpilot.runs"

// RabbitMQQueueConfig 描述持久化的 RabbitMQ 运行队列。
type RabbitMQQueueConfig struct {
	URL string
	// Name 是运行队列名，走默认 exchange 投递。
	Name string
	// Prefetch 限制每个消费者未确认的消息数，0 表示不限制。
	Prefetch int
}

// RabbitMQQueue 使用持久化的 RabbitMQ 队列分发运行。消息体即运行 ID。
type RabbitMQQueue struct {
	name string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitMQQueue 建立连接并声明运行队列。
func NewRabbitMQQueue(cfg RabbitMQQueueConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeQueueFailure, "运行队列缺少 RabbitMQ 地址")
	}
	q := &RabbitMQQueue{name: cfg.Name}
	if q.name == "" {
		q.name = defaultRabbitRunQueue
	}
	if err := q.open(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) open(cfg RabbitMQQueueConfig) error {
	var err error
	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "运行队列无法连接 RabbitMQ")
	}
	if q.ch, err = q.conn.Channel(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "运行队列无法打开 channel")
	}
	if cfg.Prefetch > 0 {
		if err = q.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "运行队列 prefetch 设置失败")
		}
	}
	if _, err = q.ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "运行队列声明失败",
			xerrors.WithMetadata("queue", q.name))
	}
	return nil
}

func (q *RabbitMQQueue) channel() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return nil, xerrors.New(xerrors.CodeQueueFailure, "运行队列已关闭")
	}
	return q.ch, nil
}

// Publish 以持久化消息投递运行 ID。amqp channel 的发布需要串行。
func (q *RabbitMQQueue) Publish(ctx context.Context, runID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "运行队列已关闭")
	}
	err := q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    runID,
		Body:         []byte(runID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "运行入队失败",
			xerrors.WithMetadata("run_id", runID))
	}
	return nil
}

// Consume 以手动确认模式消费运行。处理失败的消息重投一次，再次失败则丢弃。
func (q *RabbitMQQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	ch, err := q.channel()
	if err != nil {
		return err
	}
	deliveries, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "运行队列订阅失败")
	}

	g, gctx := errgroup.WithContext(ctx)
	for range max(workers, 1) {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					settle(gctx, d, handler)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// settle 处理一条投递并确认；首次失败 requeue，重投后仍失败则丢弃。
func settle(ctx context.Context, d amqp.Delivery, handler Handler) {
	runID := string(d.Body)
	herr := handler(ctx, runID)
	if herr == nil {
		if err := d.Ack(false); err != nil {
			logger.Named("run").Warn("运行消息确认失败", slog.String("run_id", runID), slog.Any("error", err))
		}
		return
	}
	requeue := !d.Redelivered
	log := logger.Named("run").With(slog.String("run_id", runID), slog.Bool("requeue", requeue))
	log.Warn("运行处理失败", slog.Any("error", herr))
	if err := d.Nack(false, requeue); err != nil {
		log.Error("运行消息拒绝失败", slog.Any("error", err))
	}
}

// Close 关闭 channel 与连接，可重复调用。
func (q *RabbitMQQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil {
		_ = q.ch.Close()
		q.ch = nil
	}
	if q.conn == nil {
		return nil
	}
	err := q.conn.Close()
	q.conn = nil
	return err
}
