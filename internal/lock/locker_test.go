package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseLocker 并发递增一个非原子计数器，锁正确时结果等于总次数
func exerciseLocker(t *testing.T, l Locker, rounds int) {
	t.Helper()

	const workers = 8
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				unlock, err := l.Lock(context.Background(), "license:1")
				if !assert.NoError(t, err) {
					return
				}
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
				unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*rounds, counter)
}

func TestMemoryLockerSerializesSameKey(t *testing.T) {
	l := NewMemoryLocker()
	exerciseLocker(t, l, 25)
	assert.Equal(t, 0, l.size())
}

func TestMemoryLockerIndependentKeys(t *testing.T) {
	l := NewMemoryLocker()

	unlockA, err := l.Lock(context.Background(), "account:1")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "account:2")
	require.NoError(t, err)
	unlockB()
}

func TestMemoryLockerContextCancel(t *testing.T) {
	l := NewMemoryLocker()

	unlock, err := l.Lock(context.Background(), "account:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "account:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	// 重复 unlock 不会 panic
	unlock()
	assert.Equal(t, 0, l.size())
}

func TestRedisLockerSerializesSameKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	l := NewRedisLocker(client, 5*time.Second, nil)
	exerciseLocker(t, l, 5)
	assert.False(t, mr.Exists(redisKeyPrefix+"license:1"))
}

func TestRedisLockerReleaseOnlyOwnLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	l := NewRedisLocker(client, time.Second, nil)
	unlock, err := l.Lock(context.Background(), "account:7")
	require.NoError(t, err)

	// 模拟锁过期后被其它实例获取
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(redisKeyPrefix+"account:7", "other-owner"))

	unlock()
	got, err := mr.Get(redisKeyPrefix + "account:7")
	require.NoError(t, err)
	assert.Equal(t, "other-owner", got)
}

func TestRedisLockerContextCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	l := NewRedisLocker(client, 5*time.Second, nil)
	unlock, err := l.Lock(context.Background(), "license:9")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "license:9")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
