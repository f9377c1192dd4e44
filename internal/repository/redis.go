package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/securevote/config"
	"github.com/lvdashuaibi/securevote/internal/model"
)

const (
	// Redis键前缀
	OTPKey          = "otp:"
	ReceiptKey      = "receipt:"
	AuthAttemptsKey = "auth:attempts:"

	// 扣减验证码剩余次数，记录不存在返回-1
	DecrementOTPAttemptsScript = `
		local remaining = tonumber(redis.call('HGET', KEYS[1], 'remaining'))
		if not remaining then
			return -1
		end
		if remaining > 0 then
			remaining = remaining - 1
			redis.call('HSET', KEYS[1], 'remaining', remaining)
		end
		return remaining
	`

	// 哈希一致时删除记录，保证验证码只能使用一次
	ConsumeOTPScript = `
		if redis.call('HGET', KEYS[1], 'hash') == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`

	// 窗口计数，第一次计数时设置过期
	AuthAttemptScript = `
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return count
	`
)

var scriptSources = map[string]string{
	"decrementOTPAttempts": DecrementOTPAttemptsScript,
	"consumeOTP":           ConsumeOTPScript,
	"authAttempt":          AuthAttemptScript,
}

type RedisRepository struct {
	client *redis.Client

	mu           sync.RWMutex
	scriptHashes map[string]string // 脚本名 -> SHA1
}

func NewRedisRepository(cfg config.RedisConfig) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return NewRedisRepositoryWithClient(client)
}

// NewRedisRepositoryWithClient 使用已有客户端，预加载Lua脚本
func NewRedisRepositoryWithClient(client *redis.Client) (*RedisRepository, error) {
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		scriptHashes: make(map[string]string),
	}
	if err := repo.preloadScripts(ctx); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}
	return repo, nil
}

func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	for name := range scriptSources {
		if _, err := r.loadScript(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisRepository) loadScript(ctx context.Context, name string) (string, error) {
	sha1, err := r.client.ScriptLoad(ctx, scriptSources[name]).Result()
	if err != nil {
		return "", fmt.Errorf("加载脚本 %s 失败: %w", name, err)
	}
	r.mu.Lock()
	r.scriptHashes[name] = sha1
	r.mu.Unlock()
	return sha1, nil
}

// evalScript 用EVALSHA执行预加载脚本，脚本缓存被清空时重新加载
func (r *RedisRepository) evalScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	r.mu.RLock()
	sha1, ok := r.scriptHashes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("脚本 %s 未预加载", name)
	}

	result, err := r.client.EvalSha(ctx, sha1, keys, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		if sha1, err = r.loadScript(ctx, name); err != nil {
			return nil, err
		}
		result, err = r.client.EvalSha(ctx, sha1, keys, args...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("执行脚本 %s 失败: %w", name, err)
	}
	return result, nil
}

// SaveOTP 保存验证码记录并设置过期
func (r *RedisRepository) SaveOTP(ctx context.Context, key string, rec *model.OtpRecord, ttl time.Duration) error {
	redisKey := OTPKey + key
	data := map[string]interface{}{
		"hash":      rec.Hash,
		"salt":      rec.Salt,
		"issuedAt":  rec.IssuedAt.UnixNano(),
		"remaining": rec.Remaining,
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, redisKey)
	pipe.HSet(ctx, redisKey, data)
	pipe.PExpire(ctx, redisKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存验证码失败: %w", err)
	}
	return nil
}

// GetOTP 读取验证码记录
func (r *RedisRepository) GetOTP(ctx context.Context, key string) (*model.OtpRecord, bool, error) {
	data, err := r.client.HGetAll(ctx, OTPKey+key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("获取验证码失败: %w", err)
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	issuedAt, err := strconv.ParseInt(data["issuedAt"], 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("解析验证码签发时间失败: %w", err)
	}
	remaining, err := strconv.Atoi(data["remaining"])
	if err != nil {
		return nil, false, fmt.Errorf("解析验证码剩余次数失败: %w", err)
	}

	return &model.OtpRecord{
		Hash:      data["hash"],
		Salt:      data["salt"],
		IssuedAt:  time.Unix(0, issuedAt),
		Remaining: remaining,
	}, true, nil
}

// DecrementOTPAttempts 原子扣减剩余次数
func (r *RedisRepository) DecrementOTPAttempts(ctx context.Context, key string) (int, error) {
	result, err := r.evalScript(ctx, "decrementOTPAttempts", []string{OTPKey + key})
	if err != nil {
		return 0, err
	}
	remaining, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("LUA脚本返回类型错误")
	}
	return int(remaining), nil
}

// ConsumeOTP 原子地消费验证码
func (r *RedisRepository) ConsumeOTP(ctx context.Context, key, hash string) (bool, error) {
	result, err := r.evalScript(ctx, "consumeOTP", []string{OTPKey + key}, hash)
	if err != nil {
		return false, err
	}
	deleted, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("LUA脚本返回类型错误")
	}
	return deleted == 1, nil
}

func (r *RedisRepository) DeleteOTP(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, OTPKey+key).Err(); err != nil {
		return fmt.Errorf("删除验证码失败: %w", err)
	}
	return nil
}

// GetReceipt 从缓存获取回执
func (r *RedisRepository) GetReceipt(ctx context.Context, voterID string) (*model.Receipt, bool, error) {
	data, err := r.client.Get(ctx, ReceiptKey+voterID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil // 缓存未命中
		}
		return nil, false, fmt.Errorf("获取回执缓存失败: %w", err)
	}

	var receipt model.Receipt
	if err := json.Unmarshal([]byte(data), &receipt); err != nil {
		return nil, false, fmt.Errorf("解析回执缓存失败: %w", err)
	}
	return &receipt, true, nil
}

// SetReceipt 设置回执缓存
func (r *RedisRepository) SetReceipt(ctx context.Context, voterID string, receipt *model.Receipt, ttl time.Duration) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("序列化回执失败: %w", err)
	}
	if err := r.client.Set(ctx, ReceiptKey+voterID, data, ttl).Err(); err != nil {
		return fmt.Errorf("设置回执缓存失败: %w", err)
	}
	return nil
}

// AllowAuthAttempt 窗口内计数，超过limit返回false
func (r *RedisRepository) AllowAuthAttempt(ctx context.Context, voterID string, limit int, window time.Duration) (bool, error) {
	result, err := r.evalScript(ctx, "authAttempt", []string{AuthAttemptsKey + voterID}, window.Milliseconds())
	if err != nil {
		return false, err
	}
	count, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("LUA脚本返回类型错误")
	}
	return count <= int64(limit), nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
