package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type artifact struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func newTestManager(t *testing.T, prefix string) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	m, err := NewManager(Config{Addr: mr.Addr(), KeyPrefix: prefix, DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return mr, m
}

func TestManager_JSONRoundTrip(t *testing.T) {
	mr, m := newTestManager(t, "")
	ctx := context.Background()

	require.NoError(t, m.SetJSON(ctx, "result:abc:glb", artifact{Path: "/cache/abc.glb", Size: 3}, 0))
	assert.Equal(t, time.Minute, mr.TTL("result:abc:glb"))

	var got artifact
	require.NoError(t, m.GetJSON(ctx, "result:abc:glb", &got))
	assert.Equal(t, artifact{Path: "/cache/abc.glb", Size: 3}, got)

	assert.True(t, IsCacheMiss(m.GetJSON(ctx, "result:missing:glb", &got)))

	// 无法编码 / 无法解码
	assert.Error(t, m.SetJSON(ctx, "bad", make(chan int), time.Minute))
	require.NoError(t, mr.Set("raw", "not json"))
	err := m.GetJSON(ctx, "raw", &got)
	require.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

func TestManager_KeyPrefix(t *testing.T) {
	mr, m := newTestManager(t, "convertflow:")
	ctx := context.Background()

	require.NoError(t, m.SetJSON(ctx, "result:abc:obj", artifact{Size: 1}, time.Hour))
	assert.True(t, mr.Exists("convertflow:result:abc:obj"))
	assert.False(t, mr.Exists("result:abc:obj"))
	assert.Equal(t, "convertflow:x", m.Key("x"))

	require.NoError(t, m.Delete(ctx, "result:abc:obj"))
	require.NoError(t, m.Delete(ctx))
	assert.False(t, mr.Exists("convertflow:result:abc:obj"))

	// 脚本的 KEYS 同样带前缀
	incr := redis.NewScript(`return redis.call('INCRBY', KEYS[1], ARGV[1])`)
	_, err := m.RunScript(ctx, incr, []string{"rate_limit:10.0.0.1"}, 2)
	require.NoError(t, err)
	v, err := mr.Get("convertflow:rate_limit:10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestManager_ExpiryIsMiss(t *testing.T) {
	mr, m := newTestManager(t, "")
	ctx := context.Background()

	require.NoError(t, m.SetJSON(ctx, "k", artifact{}, 100*time.Millisecond))
	mr.FastForward(200 * time.Millisecond)

	var got artifact
	assert.True(t, IsCacheMiss(m.GetJSON(ctx, "k", &got)))
}

func TestManager_RunScript(t *testing.T) {
	_, m := newTestManager(t, "")
	ctx := context.Background()

	incr := redis.NewScript(`return redis.call('INCRBY', KEYS[1], ARGV[1])`)
	res, err := m.RunScript(ctx, incr, []string{"counter"}, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res)

	res, err = m.RunScript(ctx, incr, []string{"counter"}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res)

	// nil 回复不算错误
	nothing := redis.NewScript(`return redis.call('GET', KEYS[1])`)
	res, err = m.RunScript(ctx, nothing, []string{"absent"})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestManager_BackendErrorsSurface(t *testing.T) {
	mr, m := newTestManager(t, "")
	ctx := context.Background()

	mr.SetError("ERR backend unavailable")
	var got artifact
	err := m.GetJSON(ctx, "k", &got)
	require.Error(t, err)
	assert.False(t, IsCacheMiss(err))
	assert.Error(t, m.SetJSON(ctx, "k", got, time.Minute))
	assert.Error(t, m.Ping(ctx))
	assert.False(t, m.Healthy())

	mr.SetError("")
	assert.NoError(t, m.Ping(ctx))
	assert.True(t, m.Healthy())
}

func TestManager_Unreachable(t *testing.T) {
	m, err := NewManager(Config{Addr: "127.0.0.1:1"}, zap.NewNop())
	assert.Nil(t, m)
	assert.Error(t, err)

	m, err = NewManager(Config{Addr: "127.0.0.1:1", AllowDegraded: true}, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()
	assert.False(t, m.Healthy())
	var got artifact
	assert.Error(t, m.GetJSON(context.Background(), "k", &got))
}

func TestManager_Closed(t *testing.T) {
	_, m := newTestManager(t, "")
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	ctx := context.Background()
	var got artifact
	assert.ErrorIs(t, m.GetJSON(ctx, "k", &got), ErrManagerClosed)
	assert.ErrorIs(t, m.SetJSON(ctx, "k", got, 0), ErrManagerClosed)
	assert.ErrorIs(t, m.Delete(ctx, "k"), ErrManagerClosed)
	assert.ErrorIs(t, m.Ping(ctx), ErrManagerClosed)
	_, err := m.RunScript(ctx, redis.NewScript(`return 1`), nil)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_WatchTracksHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := NewManager(Config{Addr: mr.Addr(), HealthCheckInterval: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	mr.SetError("ERR down")
	assert.Eventually(t, func() bool { return !m.Healthy() }, time.Second, 10*time.Millisecond)
	mr.SetError("")
	assert.Eventually(t, m.Healthy, time.Second, 10*time.Millisecond)

	// Close 等待探活 goroutine 退出
	require.NoError(t, m.Close())
}

func TestManager_Concurrent(t *testing.T) {
	_, m := newTestManager(t, "cf:")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("result:%d:glb", id)
			assert.NoError(t, m.SetJSON(ctx, key, artifact{Size: int64(id)}, time.Minute))
			var got artifact
			assert.NoError(t, m.GetJSON(ctx, key, &got))
			assert.Equal(t, int64(id), got.Size)
		}(i)
	}
	wg.Wait()
}
