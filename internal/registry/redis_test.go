package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyserver/internal/config"
	"keyserver/internal/license"
	"keyserver/internal/shared/testutil"
)

func newRedisRegistry(t *testing.T, valid []string) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	validPath, _ := testutil.RegistryFiles(t, valid, nil)

	reg, err := NewRedisRegistry(context.Background(), config.RegistryConfig{
		Driver:       config.RegistryRedis,
		RedisURL:     "redis://" + mr.Addr(),
		ValidIDsPath: validPath,
		KeyPrefix:    "test:userids:",
		LockTTL:      time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg, mr
}

func TestRedisRegistrySeedAndCheck(t *testing.T) {
	reg, mr := newRedisRegistry(t, []string{"user_01", "user_02"})
	ctx := context.Background()

	members, err := mr.Members("test:userids:valid")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user_01", "user_02"}, members)

	assert.NoError(t, reg.CheckAvailable(ctx, "user_01"))
	assert.ErrorIs(t, reg.CheckAvailable(ctx, "user_99"), license.ErrInvalidID)

	require.NoError(t, reg.MarkUsed(ctx, "user_01"))
	require.NoError(t, reg.MarkUsed(ctx, "user_01"))
	assert.ErrorIs(t, reg.CheckAvailable(ctx, "user_01"), license.ErrAlreadyUsed)

	used, err := mr.Members("test:userids:used")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_01"}, used)

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["valid_ids"])
	assert.Equal(t, int64(1), stats["used_ids"])
	assert.NoError(t, reg.Ping(ctx))
}

func TestRedisRegistryLock(t *testing.T) {
	reg, mr := newRedisRegistry(t, []string{"user_01"})
	ctx := context.Background()

	unlock, err := reg.Lock(ctx, "user_01")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:userids:lock:user_01"))

	waitCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	_, err = reg.Lock(waitCtx, "user_01")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, mr.Exists("test:userids:lock:user_01"))

	again, err := reg.Lock(ctx, "user_01")
	require.NoError(t, err)
	again()
}

func TestRedisRegistryUnlockKeepsForeignLock(t *testing.T) {
	reg, mr := newRedisRegistry(t, []string{"user_01"})

	unlock, err := reg.Lock(context.Background(), "user_01")
	require.NoError(t, err)

	// the lock expired and someone else took it
	require.NoError(t, mr.Set("test:userids:lock:user_01", "other-holder"))
	unlock()

	got, err := mr.Get("test:userids:lock:user_01")
	require.NoError(t, err)
	assert.Equal(t, "other-holder", got)
}

func TestRedisRegistryLockExpires(t *testing.T) {
	reg, mr := newRedisRegistry(t, []string{"user_01"})

	_, err := reg.Lock(context.Background(), "user_01")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	unlock, err := reg.Lock(context.Background(), "user_01")
	require.NoError(t, err)
	unlock()
}

func TestRedisRegistrySerializesCheckAndMark(t *testing.T) {
	reg, _ := newRedisRegistry(t, []string{"user_01"})
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		calls = 8
	)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := reg.Lock(ctx, "user_01")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			if reg.CheckAvailable(ctx, "user_01") == nil {
				assert.NoError(t, reg.MarkUsed(ctx, "user_01"))
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisRegistryUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisRegistry(context.Background(), config.RegistryConfig{RedisURL: "redis://" + addr}, nil)
	assert.Error(t, err)

	_, err = NewRedisRegistry(context.Background(), config.RegistryConfig{RedisURL: "://bad"}, nil)
	assert.Error(t, err)
}

func TestNewSelectsDriver(t *testing.T) {
	validPath, usedPath := testutil.RegistryFiles(t, []string{"user_01"}, nil)

	reg, err := New(context.Background(), config.RegistryConfig{
		Driver:       config.RegistryFile,
		ValidIDsPath: validPath,
		UsedIDsPath:  usedPath,
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileRegistry{}, reg)

	_, err = New(context.Background(), config.RegistryConfig{Driver: "etcd"}, nil)
	assert.Error(t, err)
}
