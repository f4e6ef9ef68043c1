package redis

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Requires a running Redis; set TEST_REDIS_ADDR (e.g. localhost:6379).
func newTestBackend(t *testing.T) *RedisBackend {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	b, err := New(context.Background(), Config{
		Addr:       addr,
		Prefix:     "test:" + uuid.NewString() + ":",
		TTLSeconds: 60,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.PutObject(ctx, "a.png.part_1", strings.NewReader("YmFy"), 4))

	rc, size, err := b.GetObject(ctx, "a.png.part_1")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	require.Equal(t, int64(4), size)
	require.Equal(t, "YmFy", string(body))

	ttl, err := b.client.TTL(ctx, b.key("a.png.part_1")).Result()
	require.NoError(t, err)
	require.True(t, ttl > 0 && ttl <= time.Minute, "unexpected ttl %s", ttl)

	require.NoError(t, b.DeleteObject(ctx, "a.png.part_1"))
	_, _, err = b.GetObject(ctx, "a.png.part_1")
	require.True(t, errors.Is(err, fs.ErrNotExist))

	ok, err := b.ObjectExists(ctx, "a.png.part_1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
