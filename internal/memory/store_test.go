package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStoreKeepsMostRecent(t *testing.T) {
	store := NewInMemoryStore(3)
	ctx := context.Background()
	for _, content := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.Append(ctx, "s1", Message{Role: "user", Content: content}))
	}

	msgs, err := store.Recent(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "b", msgs[0].Content)
	assert.Equal(t, "d", msgs[2].Content)
	assert.False(t, msgs[0].CreatedAt.IsZero())

	last, err := store.Recent(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "d", last[0].Content)

	none, err := store.Recent(ctx, "unknown", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInMemoryStoreRejectsEmptySession(t *testing.T) {
	assert.Error(t, NewInMemoryStore(5).Append(context.Background(), "", Message{Content: "x"}))
}

func TestRecentReturnsCopy(t *testing.T) {
	store := NewInMemoryStore(5)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "s", Message{Role: "user", Content: "hello"}))

	msgs, _ := store.Recent(ctx, "s", 0)
	msgs[0].Content = "mutated"
	again, _ := store.Recent(ctx, "s", 0)
	assert.Equal(t, "hello", again[0].Content)
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	seed := `{"abc": [{"role": "user", "content": "email john@example.com"}, {"role": "assistant", "content": "ok"}]}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	store, err := LoadSeed(path, 10)
	require.NoError(t, err)
	msgs, err := store.Recent(context.Background(), "abc", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].Role)

	_, err = LoadSeed("", 10)
	assert.Error(t, err)
}

func TestRedisStoreKey(t *testing.T) {
	store := NewRedisStoreWithClient(nil, RedisConfig{})
	assert.Equal(t, "taskpilot:session:s-1", store.key("s-1"))
	assert.Equal(t, 10, store.maxMessages)
}
