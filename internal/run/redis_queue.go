package run

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/pkg/logger"
)

const (
	defaultRedisRunKey  = "taskpilot:runs"
	defaultRedisPollGap = 5 * time.Second
)

// RedisQueueConfig 描述基于 Redis list 的运行队列。
type RedisQueueConfig struct {
	Addr     string
	Password string
	DB       int
	// Key 是保存待处理运行 ID 的 list。
	Key string
	// PollInterval 是单次 BRPOP 的最长阻塞时间。
	PollInterval time.Duration
}

// RedisQueue 使用 Redis list 实现跨实例共享的运行队列：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	rdb   redis.UniversalClient
	key   string
	block time.Duration
}

// NewRedisQueue 连接 Redis 并创建运行队列。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, xerrors.New(xerrors.CodeQueueFailure, "运行队列缺少 Redis 地址")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "运行队列无法连接 Redis")
	}
	return NewRedisQueueWithClient(rdb, cfg), nil
}

// NewRedisQueueWithClient 复用已有的 Redis 客户端。
func NewRedisQueueWithClient(rdb redis.UniversalClient, cfg RedisQueueConfig) *RedisQueue {
	q := &RedisQueue{rdb: rdb, key: cfg.Key, block: cfg.PollInterval}
	if q.key == "" {
		q.key = defaultRedisRunKey
	}
	if q.block <= 0 {
		q.block = defaultRedisPollGap
	}
	return q
}

// Publish 把运行 ID 放到队尾。
func (q *RedisQueue) Publish(ctx context.Context, runID string) error {
	if err := q.rdb.LPush(ctx, q.key, runID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "运行入队失败",
			xerrors.WithMetadata("run_id", runID))
	}
	return nil
}

// Consume 启动 workers 个协程轮询队列，直到 ctx 结束或 Redis 返回不可恢复的错误。
func (q *RedisQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for range max(workers, 1) {
		g.Go(func() error { return q.poll(gctx, handler) })
	}
	return g.Wait()
}

func (q *RedisQueue) poll(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		runID, ok, err := q.next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := handler(ctx, runID); err != nil {
			q.requeue(ctx, runID, err)
		}
	}
	return ctx.Err()
}

// next 阻塞取出一个运行 ID；超时无数据时 ok 为 false。
func (q *RedisQueue) next(ctx context.Context) (string, bool, error) {
	reply, err := q.rdb.BRPop(ctx, q.block, q.key).Result()
	switch {
	case err == nil:
		// BRPOP 返回 [key, value]
		if len(reply) < 2 {
			return "", false, nil
		}
		return reply[1], true, nil
	case errors.Is(err, redis.Nil):
		return "", false, nil
	case ctx.Err() != nil:
		return "", false, ctx.Err()
	case errors.Is(err, redis.ErrClosed):
		return "", false, err
	default:
		return "", false, xerrors.Wrap(xerrors.CodeQueueFailure, err, "运行出队失败")
	}
}

// requeue 把领取前失败的运行放回队尾。
func (q *RedisQueue) requeue(ctx context.Context, runID string, cause error) {
	log := logger.Named("run").With(slog.String("run_id", runID))
	log.Warn("运行处理失败，重新入队", slog.Any("error", cause))
	if err := q.rdb.LPush(context.WithoutCancel(ctx), q.key, runID).Err(); err != nil {
		log.Error("运行重新入队失败", slog.Any("error", err))
	}
}

// Close 释放 Redis 客户端。
func (q *RedisQueue) Close() error {
	if q == nil || q.rdb == nil {
		return nil
	}
	return q.rdb.Close()
}
