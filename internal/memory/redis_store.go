package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述会话记忆使用的 Redis 连接。
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	KeyPrefix   string
	MaxMessages int
	TTL         time.Duration
}

// RedisStore 使用 Redis list 保存会话消息，便于多个实例共享。
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	maxMessages int
	ttl         time.Duration
}

// NewRedisStore 连接 Redis 并创建会话存储。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient 复用已有的 Redis 客户端。
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "taskpilot:session:"
	}
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 10
	}
	return &RedisStore{client: client, prefix: prefix, maxMessages: maxMessages, ttl: cfg.TTL}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Append 通过 RPUSH + LTRIM 追加消息并保留最近的若干条。
func (s *RedisStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if sessionID == "" {
		return errors.New("session id 不能为空")
	}
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	values := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		encoded, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("序列化会话消息失败: %w", err)
		}
		values = append(values, encoded)
	}

	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, int64(-s.maxMessages), -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入会话记忆失败: %w", err)
	}
	return nil
}

// Recent 读取最近的 limit 条消息。
func (s *RedisStore) Recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if sessionID == "" {
		return nil, nil
	}
	if limit <= 0 || limit > s.maxMessages {
		limit = s.maxMessages
	}
	raw, err := s.client.LRange(ctx, s.key(sessionID), int64(-limit), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取会话记忆失败: %w", err)
	}
	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Close 释放 Redis 连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ensure RedisStore 实现 Store 接口。
var _ Store = (*RedisStore)(nil)
