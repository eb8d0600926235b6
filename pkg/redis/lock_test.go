package redis

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewFromRedis(rdb, Config{KeyPrefix: "test:"}, logger), mr
}

func TestLocker_AcquireIsExclusive(t *testing.T) {
	client, _ := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "sweeper", time.Second)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "sweeper", time.Second)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, lock.Release(ctx))

	again, err := locker.Acquire(ctx, "sweeper", time.Second)
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestLocker_ExpiredLockCannotBeReleased(t *testing.T) {
	client, mr := newTestClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "sweeper", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	other, err := locker.Acquire(ctx, "sweeper", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, lock.Release(ctx), ErrLockNotHeld)
	assert.ErrorIs(t, lock.Extend(ctx, time.Minute), ErrLockNotHeld)
	assert.NoError(t, other.Extend(ctx, time.Minute))
}

func TestClient_Key(t *testing.T) {
	client, _ := newTestClient(t)
	assert.Equal(t, "test:job:abc", client.Key("job", "abc"))
	assert.Equal(t, "test:queue:ready", client.Key("queue", "ready"))
}

func TestInt64(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want int64
	}{
		{int64(7), 7},
		{"42", 42},
		{"1.5e3", 1500},
		{nil, 0},
	} {
		got, err := Int64(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := Int64([]any{})
	assert.Error(t, err)
}
