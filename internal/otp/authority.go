// Package otp 签发和校验一次性验证码。
//
// 只保存 {hash, salt, issued_at, remaining}，hash = sha3-256(salt || key || code)，
// 明文只出现在投递消息里。校验成功会原子地删除记录。
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/lvdashuaibi/securevote/internal/model"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNotFound = errors.New("验证码不存在或已使用")
	ErrMismatch = errors.New("验证码错误")
	ErrLockout  = errors.New("验证码错误次数过多")
	ErrExpired  = errors.New("验证码已过期")
)

// Store 验证码记录存储
type Store interface {
	SaveOTP(ctx context.Context, key string, rec *model.OtpRecord, ttl time.Duration) error
	// GetOTP 记录不存在时返回 (nil, false, nil)
	GetOTP(ctx context.Context, key string) (*model.OtpRecord, bool, error)
	// DecrementOTPAttempts 原子扣减剩余次数，记录不存在时返回-1
	DecrementOTPAttempts(ctx context.Context, key string) (int, error)
	// ConsumeOTP 哈希一致时删除记录，返回是否删除
	ConsumeOTP(ctx context.Context, key, hash string) (bool, error)
	DeleteOTP(ctx context.Context, key string) error
}

// Sender 验证码投递通道
type Sender interface {
	SendOTP(ctx context.Context, delivery *model.OtpDelivery) error
}

type Options struct {
	Length      int
	Validity    time.Duration
	MaxAttempts int
}

// Authority 验证码签发与校验
type Authority struct {
	store    Store
	sender   Sender
	opts     Options
	now      func() time.Time
	generate func(length int) (string, error)
}

type Option func(*Authority)

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithCodeSource 替换验证码生成方式
func WithCodeSource(gen func(length int) (string, error)) Option {
	return func(a *Authority) { a.generate = gen }
}

func NewAuthority(store Store, sender Sender, opts Options, options ...Option) *Authority {
	a := &Authority{
		store:    store,
		sender:   sender,
		opts:     opts,
		now:      time.Now,
		generate: RandomCode,
	}
	for _, o := range options {
		o(a)
	}
	return a
}

// Validity 验证码有效期
func (a *Authority) Validity() time.Duration {
	return a.opts.Validity
}

func storeKey(voterID, token string) string {
	return voterID + ":" + token
}

// Issue 为 (voterID, token) 签发新验证码，覆盖旧记录
func (a *Authority) Issue(ctx context.Context, voterID, token string) (*model.OtpIssue, error) {
	code, err := a.generate(a.opts.Length)
	if err != nil {
		return nil, fmt.Errorf("生成验证码失败: %w", err)
	}

	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return nil, fmt.Errorf("生成盐失败: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)
	key := storeKey(voterID, token)

	now := a.now()
	rec := &model.OtpRecord{
		Hash:      hashCode(salt, key, code),
		Salt:      salt,
		IssuedAt:  now,
		Remaining: a.opts.MaxAttempts,
	}
	// 过期后记录仍保留一段时间，以便区分“已过期”和“不存在”
	if err := a.store.SaveOTP(ctx, key, rec, 2*a.opts.Validity); err != nil {
		return nil, fmt.Errorf("保存验证码失败: %w", err)
	}

	issue := &model.OtpIssue{IssuedAt: now, ExpiresAt: now.Add(a.opts.Validity)}
	if a.sender != nil {
		err := a.sender.SendOTP(ctx, &model.OtpDelivery{
			VoterID:   voterID,
			Code:      code,
			IssuedAt:  issue.IssuedAt,
			ExpiresAt: issue.ExpiresAt,
		})
		if err != nil {
			log.Printf("投递选民 %s 的验证码失败: %v", voterID, err)
		}
	}
	return issue, nil
}

// Verify 校验验证码，成功后记录被消费
func (a *Authority) Verify(ctx context.Context, voterID, token, code string) error {
	key := storeKey(voterID, token)
	rec, found, err := a.store.GetOTP(ctx, key)
	if err != nil {
		return fmt.Errorf("读取验证码失败: %w", err)
	}
	if !found {
		return ErrNotFound
	}

	if !a.now().Before(rec.IssuedAt.Add(a.opts.Validity)) {
		a.discard(ctx, key)
		return ErrExpired
	}
	if rec.Remaining <= 0 {
		a.discard(ctx, key)
		return ErrLockout
	}

	if subtle.ConstantTimeCompare([]byte(hashCode(rec.Salt, key, code)), []byte(rec.Hash)) == 1 {
		consumed, err := a.store.ConsumeOTP(ctx, key, rec.Hash)
		if err != nil {
			return fmt.Errorf("消费验证码失败: %w", err)
		}
		if !consumed {
			return ErrNotFound
		}
		return nil
	}

	remaining, err := a.store.DecrementOTPAttempts(ctx, key)
	if err != nil {
		return fmt.Errorf("扣减验证码次数失败: %w", err)
	}
	if remaining < 0 {
		return ErrNotFound
	}
	if remaining == 0 {
		a.discard(ctx, key)
		return ErrLockout
	}
	return ErrMismatch
}

// Revoke 删除 (voterID, token) 的验证码
func (a *Authority) Revoke(ctx context.Context, voterID, token string) error {
	return a.store.DeleteOTP(ctx, storeKey(voterID, token))
}

func (a *Authority) discard(ctx context.Context, key string) {
	if err := a.store.DeleteOTP(ctx, key); err != nil {
		log.Printf("删除验证码记录 %s 失败: %v", key, err)
	}
}

func hashCode(salt, key, code string) string {
	h := sha3.New256()
	h.Write([]byte(salt))
	h.Write([]byte(key))
	h.Write([]byte(code))
	return hex.EncodeToString(h.Sum(nil))
}

// RandomCode 生成定长数字验证码
func RandomCode(length int) (string, error) {
	var sb strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + d.Int64()))
	}
	return sb.String(), nil
}
