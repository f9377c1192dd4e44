package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLock 进程内锁，单实例部署和测试使用
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]time.Time // 锁名 -> 过期时间
	now   func() time.Time
}

func NewLocalLock() *LocalLock {
	return &LocalLock{
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (l *LocalLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if expiresAt, ok := l.locks[name]; ok && l.now().Before(expiresAt) {
		return false, nil
	}
	l.locks[name] = l.now().Add(ttl)
	return true, nil
}

func (l *LocalLock) Refresh(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiresAt, ok := l.locks[name]
	if !ok || !l.now().Before(expiresAt) {
		delete(l.locks, name)
		return false, nil
	}
	l.locks[name] = l.now().Add(ttl)
	return true, nil
}

func (l *LocalLock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.locks, name)
	return nil
}

func (l *LocalLock) ReleaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.locks = make(map[string]time.Time)
}

func (l *LocalLock) Close() error {
	l.ReleaseAll()
	return nil
}
