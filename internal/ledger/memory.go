package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/lvdashuaibi/securevote/internal/model"
)

// MemoryLedger 单机内存账本，用于测试和开发环境
type MemoryLedger struct {
	mu     sync.RWMutex
	chain  []*model.Block
	byKey  map[string]int
	byHash map[string]int
	now    func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return NewMemoryLedgerWithClock(time.Now)
}

func NewMemoryLedgerWithClock(now func() time.Time) *MemoryLedger {
	genesis := NewGenesis(now())
	return &MemoryLedger{
		chain:  []*model.Block{genesis},
		byKey:  make(map[string]int),
		byHash: map[string]int{genesis.CurrentHash: 0},
		now:    now,
	}
}

func (l *MemoryLedger) Append(ctx context.Context, key string, payload []byte) (*model.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.byKey[key]; ok {
		return nil, &ConflictError{Key: key, Existing: cloneBlock(l.chain[idx])}
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	block := NextBlock(l.chain[len(l.chain)-1], l.now(), data)
	l.chain = append(l.chain, block)
	l.byKey[key] = len(l.chain) - 1
	l.byHash[block.CurrentHash] = len(l.chain) - 1

	return cloneBlock(block), nil
}

func (l *MemoryLedger) Get(ctx context.Context, hash string) (*model.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBlock(l.chain[idx]), nil
}

func (l *MemoryLedger) GetByKey(ctx context.Context, key string) (*model.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBlock(l.chain[idx]), nil
}

func (l *MemoryLedger) Blocks(ctx context.Context) ([]*model.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	blocks := make([]*model.Block, len(l.chain))
	for i, b := range l.chain {
		blocks[i] = cloneBlock(b)
	}
	return blocks, nil
}

func cloneBlock(b *model.Block) *model.Block {
	c := *b
	c.Payload = make([]byte, len(b.Payload))
	copy(c.Payload, b.Payload)
	return &c
}
