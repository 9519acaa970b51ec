package run

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"TaskPilot/internal/agent"
	xerrors "TaskPilot/internal/errors"
)

// RedisStoreConfig 描述运行记录使用的 Redis 连接。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisStore 把每条运行记录保存为 JSON 字符串，并用有序集合按更新时间索引，
// 便于多个实例共享状态。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

const maxClaimRetries = 5

// NewRedisStore 连接 Redis 并创建运行存储。
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient 复用已有的 Redis 客户端。
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "taskpilot:run:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) indexKey() string { return s.prefix + "index" }

// Create 实现 Store 接口。
func (s *RedisStore) Create(ctx context.Context, r *Run) error {
	if r == nil || r.ID == "" {
		return xerrors.New(xerrors.CodeInvalidRequest, "运行 ID 不能为空")
	}
	now := time.Now().Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	data, err := json.Marshal(r)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码运行记录失败")
	}
	created, err := s.client.SetNX(ctx, s.key(r.ID), data, s.ttl).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行记录失败")
	}
	if !created {
		return ErrRunConflict
	}
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(r.UpdatedAt), Member: r.ID}).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行索引失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *RedisStore) Get(ctx context.Context, id string) (*Run, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取运行记录失败")
	}
	return decodeRun(data)
}

// Claim 使用 WATCH 事务完成 pending 到 running 的转换。
func (s *RedisStore) Claim(ctx context.Context, id string) (*Run, error) {
	var claimed *Run
	err := s.update(ctx, id, func(r *Run) error {
		switch r.Status {
		case StatusRunning:
			claimed = r.clone()
			return ErrRunConflict
		case StatusSucceeded, StatusFailed:
			claimed = r.clone()
			return ErrRunCompleted
		}
		r.Status = StatusRunning
		r.UpdatedAt = time.Now().Unix()
		claimed = r.clone()
		return nil
	})
	return claimed, err
}

// Complete 实现 Store 接口。
func (s *RedisStore) Complete(ctx context.Context, id string, result agent.ExecutionResult) error {
	return s.update(ctx, id, func(r *Run) error {
		r.complete(result, time.Now().Unix())
		return nil
	})
}

// Fail 实现 Store 接口。
func (s *RedisStore) Fail(ctx context.Context, id string, code xerrors.Code, message string) error {
	return s.update(ctx, id, func(r *Run) error {
		r.Status = StatusFailed
		r.ErrorCode = string(code)
		r.LastError = message
		r.UpdatedAt = time.Now().Unix()
		return nil
	})
}

// update 在乐观锁保护下读取、修改并回写运行记录。
func (s *RedisStore) update(ctx context.Context, id string, mutate func(r *Run) error) error {
	key := s.key(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if stdErrors.Is(err, redis.Nil) {
				return ErrRunNotFound
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取运行记录失败")
		}
		r, err := decodeRun(data)
		if err != nil {
			return err
		}
		if err := mutate(r); err != nil {
			return err
		}
		encoded, err := json.Marshal(r)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码运行记录失败")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, redis.KeepTTL)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(r.UpdatedAt), Member: r.ID})
			return nil
		})
		return err
	}

	for i := 0; i < maxClaimRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if stdErrors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return err
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行记录失败")
		}
		return nil
	}
	return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("运行 %s 并发更新冲突", id))
}

// List 实现 Store 接口。
func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Run, error) {
	opts.applyDefaults()
	runs, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	return filterRuns(runs, opts), nil
}

// Stats 实现 Store 接口。
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	runs, err := s.loadAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, r := range runs {
		stats.add(r)
	}
	return stats, nil
}

// loadAll 读取索引中的全部记录，并清理已过期的索引项。
func (s *RedisStore) loadAll(ctx context.Context) ([]*Run, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取运行索引失败")
	}
	if len(ids) == 0 {
		return []*Run{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量读取运行记录失败")
	}

	runs := make([]*Run, 0, len(values))
	var expired []any
	for i, value := range values {
		str, ok := value.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		r, err := decodeRun([]byte(str))
		if err != nil {
			continue
		}
		runs = append(runs, r)
	}
	if len(expired) > 0 {
		_ = s.client.ZRem(ctx, s.indexKey(), expired...).Err()
	}
	return runs, nil
}

// Close 释放 Redis 连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRun(data []byte) (*Run, error) {
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
	}
	return &r, nil
}

var _ Store = (*RedisStore)(nil)
