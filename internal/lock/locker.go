package lock

import (
	"context"
	"sync"
)

// Locker 按 key 提供互斥临界区，不同 key 之间互不阻塞
type Locker interface {
	// Lock 阻塞直到获得 key 对应的锁或 ctx 结束，返回的 unlock 只能调用一次
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type memoryEntry struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker 进程内的 key 锁，无人等待的 key 会被回收
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*memoryEntry)}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &memoryEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, e *memoryEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

// size 当前持有或等待中的 key 数量
func (l *MemoryLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
