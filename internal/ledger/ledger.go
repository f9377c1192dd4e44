// Package ledger 实现只追加、哈希链接的选票账本。
//
// 每个区块的 current_hash 由 (index, previous_hash, timestamp, payload) 确定性计算，
// 区块N的 previous_hash 必须等于区块N-1的 current_hash，创世区块的 previous_hash 固定为 "0"。
// 每个幂等键最多对应一个区块。
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/securevote/internal/model"
)

// GenesisPreviousHash 创世区块的固定前驱哈希
const GenesisPreviousHash = "0"

var (
	ErrNotFound    = errors.New("区块不存在")
	ErrUnavailable = errors.New("账本不可用")
)

// ConflictError 幂等键已存在区块
type ConflictError struct {
	Key      string
	Existing *model.Block
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("幂等键 %s 已存在区块 %s", e.Key, e.Existing.CurrentHash)
}

// AsConflict 提取冲突中已存在的区块
func AsConflict(err error) (*model.Block, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Existing, true
	}
	return nil, false
}

// Ledger 账本契约
type Ledger interface {
	// Append 以幂等键追加payload，键已存在时返回 *ConflictError
	Append(ctx context.Context, key string, payload []byte) (*model.Block, error)

	// Get 按区块哈希查询，不存在返回 ErrNotFound
	Get(ctx context.Context, hash string) (*model.Block, error)

	// GetByKey 按幂等键查询，不存在返回 ErrNotFound
	GetByKey(ctx context.Context, key string) (*model.Block, error)

	// Blocks 按索引顺序返回整条链
	Blocks(ctx context.Context) ([]*model.Block, error)
}

// 参与哈希计算的字段，字段顺序固定
type hashInput struct {
	Index        uint64 `json:"index"`
	PreviousHash string `json:"previous_hash"`
	Timestamp    int64  `json:"timestamp"`
	Payload      []byte `json:"payload"`
}

// CalculateHash 计算区块哈希
func CalculateHash(index uint64, previousHash string, timestamp time.Time, payload []byte) string {
	// nil与空payload视为相同
	if payload == nil {
		payload = []byte{}
	}
	data, _ := json.Marshal(hashInput{
		Index:        index,
		PreviousHash: previousHash,
		Timestamp:    timestamp.UnixNano(),
		Payload:      payload,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewGenesis 创建创世区块
func NewGenesis(timestamp time.Time) *model.Block {
	b := &model.Block{
		Index:        0,
		PreviousHash: GenesisPreviousHash,
		Timestamp:    timestamp,
		Payload:      []byte{},
	}
	b.CurrentHash = CalculateHash(b.Index, b.PreviousHash, b.Timestamp, b.Payload)
	return b
}

// NextBlock 在prev之后构造新区块
func NextBlock(prev *model.Block, timestamp time.Time, payload []byte) *model.Block {
	// 时间戳不回退，否则链校验会失败
	if !timestamp.After(prev.Timestamp) {
		timestamp = prev.Timestamp.Add(time.Nanosecond)
	}
	b := &model.Block{
		Index:        prev.Index + 1,
		PreviousHash: prev.CurrentHash,
		Timestamp:    timestamp,
		Payload:      payload,
	}
	b.CurrentHash = CalculateHash(b.Index, b.PreviousHash, b.Timestamp, b.Payload)
	return b
}

// IntegrityError 链完整性校验失败
type IntegrityError struct {
	Index  uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("区块 %d 校验失败: %s", e.Index, e.Reason)
}

// ValidateChain 校验整条链的索引、链接和哈希
func ValidateChain(blocks []*model.Block) error {
	for i, b := range blocks {
		if b.Index != uint64(i) {
			return &IntegrityError{Index: b.Index, Reason: fmt.Sprintf("索引不连续，期望 %d", i)}
		}
		if i == 0 {
			if b.PreviousHash != GenesisPreviousHash {
				return &IntegrityError{Index: 0, Reason: "创世区块前驱哈希错误"}
			}
		} else {
			prev := blocks[i-1]
			if b.PreviousHash != prev.CurrentHash {
				return &IntegrityError{Index: b.Index, Reason: "前驱哈希与上一区块不一致"}
			}
			if b.Timestamp.Before(prev.Timestamp) {
				return &IntegrityError{Index: b.Index, Reason: "时间戳早于上一区块"}
			}
		}
		if CalculateHash(b.Index, b.PreviousHash, b.Timestamp, b.Payload) != b.CurrentHash {
			return &IntegrityError{Index: b.Index, Reason: "哈希与内容不一致"}
		}
	}
	return nil
}
