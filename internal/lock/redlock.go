package lock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/securevote/config"
)

var (
	// 只刷新自己持有的锁
	refreshScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	// 只释放自己持有的锁
	unlockScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
)

// RedLock 多个独立Redis节点上的Redlock实现
type RedLock struct {
	clients []*redis.Client
	addrs   []string
	retries int

	mu    sync.Mutex
	locks map[string]string // 锁名 -> token
}

// NewRedLock 连接 redis.lock_addresses 中的所有节点
func NewRedLock(cfg config.RedisConfig) (*RedLock, error) {
	ctx := context.Background()
	var clients []*redis.Client

	for _, addr := range cfg.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("Redis锁节点 %s 连接测试失败: %v", addr, err)
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("未配置Redis锁节点")
	}

	retries := cfg.LockRetryCount
	if retries <= 0 {
		retries = 1
	}

	return &RedLock{
		clients: clients,
		addrs:   cfg.LockAddresses,
		retries: retries,
		locks:   make(map[string]string),
	}, nil
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

func (r *RedLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.locks[name]; held {
		return false, nil
	}

	token := uuid.NewString()
	for attempt := 0; attempt < r.retries; attempt++ {
		success := 0
		start := time.Now()

		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, name, token, ttl).Result()
			if err != nil {
				log.Printf("在节点 %s 获取锁 %s 失败: %v", r.addrs[i], name, err)
				continue
			}
			if ok {
				success++
			}
		}

		// 扣除获取耗时后锁仍需有效
		if success >= r.quorum() && ttl-time.Since(start) > 0 {
			r.locks[name] = token
			return true, nil
		}

		r.unlockAll(name, token)

		if attempt < r.retries-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	return false, nil
}

func (r *RedLock) Refresh(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, held := r.locks[name]
	if !held {
		return false, nil
	}

	success := 0
	for i, client := range r.clients {
		result, err := refreshScript.Run(ctx, client, []string{name}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			log.Printf("在节点 %s 刷新锁 %s 失败: %v", r.addrs[i], name, err)
			continue
		}
		if result == 1 {
			success++
		}
	}

	if success >= r.quorum() {
		return true, nil
	}
	delete(r.locks, name)
	return false, nil
}

func (r *RedLock) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, held := r.locks[name]
	if !held {
		return nil
	}
	r.unlockAll(name, token)
	delete(r.locks, name)
	return nil
}

func (r *RedLock) unlockAll(name, token string) {
	for i, client := range r.clients {
		if err := unlockScript.Run(context.Background(), client, []string{name}, token).Err(); err != nil {
			log.Printf("在节点 %s 释放锁 %s 失败: %v", r.addrs[i], name, err)
		}
	}
}

func (r *RedLock) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, token := range r.locks {
		r.unlockAll(name, token)
		log.Printf("释放锁 %s 成功", name)
	}
	r.locks = make(map[string]string)
}

func (r *RedLock) Close() error {
	r.ReleaseAll()

	for _, client := range r.clients {
		if err := client.Close(); err != nil {
			log.Printf("关闭Redis客户端失败: %v", err)
		}
	}
	return nil
}
