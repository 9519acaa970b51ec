package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Message 是会话中的一条对话记录。
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Provider 定义会话记忆的读取接口。
type Provider interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// Store 在 Provider 的基础上支持追加消息，供前端对话写入。
type Store interface {
	Provider
	Append(ctx context.Context, sessionID string, msgs ...Message) error
}

// InMemoryStore 在进程内保存每个会话最近的若干条消息。
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string][]Message
	maxMessages int
}

// NewInMemoryStore 创建进程内会话存储，每个会话最多保留 maxMessages 条。
func NewInMemoryStore(maxMessages int) *InMemoryStore {
	if maxMessages <= 0 {
		maxMessages = 10
	}
	return &InMemoryStore{
		sessions:    make(map[string][]Message),
		maxMessages: maxMessages,
	}
}

// LoadSeed 从 JSON 文件加载会话初始内容，格式为 {"session_id": [{"role","content"}]}。
func LoadSeed(path string, maxMessages int) (*InMemoryStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("会话记忆文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析会话记忆路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取会话记忆文件失败: %w", err)
	}
	defer file.Close()

	var seed map[string][]Message
	if err := json.NewDecoder(file).Decode(&seed); err != nil {
		return nil, fmt.Errorf("解析会话记忆文件失败: %w", err)
	}

	store := NewInMemoryStore(maxMessages)
	for sessionID, msgs := range seed {
		_ = store.Append(context.Background(), sessionID, msgs...)
	}
	return store, nil
}

// Append 追加消息并裁剪到容量上限。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, msgs ...Message) error {
	if sessionID == "" {
		return fmt.Errorf("session id 不能为空")
	}
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.sessions[sessionID]
	for _, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		history = append(history, msg)
	}
	if over := len(history) - s.maxMessages; over > 0 {
		history = append([]Message(nil), history[over:]...)
	}
	s.sessions[sessionID] = history
	return nil
}

// Recent 返回会话最近的 limit 条消息，按时间正序排列。
func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Message, error) {
	if s == nil || sessionID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.sessions[sessionID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]Message(nil), history...), nil
}

// Ensure InMemoryStore 实现 Store 接口。
var _ Store = (*InMemoryStore)(nil)
