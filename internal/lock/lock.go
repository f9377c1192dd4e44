package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/lvdashuaibi/securevote/config"
)

// Lock 分布式锁接口
type Lock interface {
	// Acquire 尝试获取锁，ttl为锁的过期时间
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Refresh 刷新锁的过期时间
	// 返回值：bool表示锁是否仍被当前实例持有
	Refresh(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Release 释放锁，未持有时不报错
	Release(ctx context.Context, name string) error

	// ReleaseAll 释放所有持有的锁
	ReleaseAll()

	// Close 关闭锁客户端
	Close() error
}

// New 按 lock.driver 创建锁实现
func New(cfg *config.Config) (Lock, error) {
	switch cfg.Lock.Driver {
	case "etcd":
		return NewETCDLock(cfg.ETCD)
	case "redis":
		return NewRedLock(cfg.Redis)
	case "local", "":
		return NewLocalLock(), nil
	default:
		return nil, fmt.Errorf("不支持的锁实现: %s", cfg.Lock.Driver)
	}
}

// AcquireWait 在ctx截止前反复尝试获取锁
func AcquireWait(ctx context.Context, l Lock, name string, ttl, retryInterval time.Duration) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.Acquire(ctx, name, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("等待锁 %s 超时: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}
