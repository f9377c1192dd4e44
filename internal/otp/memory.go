package otp

import (
	"context"
	"sync"
	"time"

	"github.com/lvdashuaibi/securevote/internal/model"
)

type memoryEntry struct {
	rec       model.OtpRecord
	expiresAt time.Time
}

// MemoryStore 进程内验证码存储
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryEntry), now: now}
}

// 调用方需持有锁
func (s *MemoryStore) live(key string) (*memoryEntry, bool) {
	e, ok := s.records[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.records, key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) SaveOTP(ctx context.Context, key string, rec *model.OtpRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = &memoryEntry{rec: *rec, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetOTP(ctx context.Context, key string) (*model.OtpRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil, false, nil
	}
	rec := e.rec
	return &rec, true, nil
}

func (s *MemoryStore) DecrementOTPAttempts(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return -1, nil
	}
	if e.rec.Remaining > 0 {
		e.rec.Remaining--
	}
	return e.rec.Remaining, nil
}

func (s *MemoryStore) ConsumeOTP(ctx context.Context, key, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.rec.Hash != hash {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *MemoryStore) DeleteOTP(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}
