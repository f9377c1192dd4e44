package service

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/lvdashuaibi/securevote/internal/ballot"
	"github.com/lvdashuaibi/securevote/internal/ledger"
	"github.com/lvdashuaibi/securevote/internal/model"
)

const maxAuditLogLimit = 500

func receiptFromBlock(b *model.Block) *model.Receipt {
	r := &model.Receipt{BlockHash: b.CurrentHash, CastAt: b.Timestamp}
	if env, err := ballot.DecodeEnvelope(b.Payload); err == nil {
		r.DistrictID = env.DistrictID
		r.CastAt = time.Unix(0, env.CastAt)
	}
	return r
}

// GetReceipt 按选民编号生成回执，先查缓存
func (c *Coordinator) GetReceipt(ctx context.Context, voterID string) (*model.Receipt, error) {
	if c.deps.Receipts != nil {
		cctx, cancel := c.callCtx(ctx)
		cached, found, err := c.deps.Receipts.GetReceipt(cctx, voterID)
		cancel()
		if err != nil {
			log.Printf("读取选民 %s 的回执缓存失败: %v", voterID, err)
		}
		if found {
			return cached, nil
		}
	}

	cctx, cancel := c.callCtx(ctx)
	block, err := c.deps.Ledger.GetByKey(cctx, voterID)
	cancel()
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrNotCastYet
		}
		return nil, dependencyError("查询回执", err, CodeLedgerUnavailable)
	}

	receipt := receiptFromBlock(block)
	if c.deps.Receipts != nil {
		cctx, cancel := c.callCtx(ctx)
		if err := c.deps.Receipts.SetReceipt(cctx, voterID, receipt, c.opts.ReceiptCacheTTL); err != nil {
			log.Printf("缓存选民 %s 的回执失败: %v", voterID, err)
		}
		cancel()
	}
	return receipt, nil
}

// VerifyBlock 按区块哈希查询，只返回非敏感字段
func (c *Coordinator) VerifyBlock(ctx context.Context, hash string) (*model.AuditResult, error) {
	cctx, cancel := c.callCtx(ctx)
	block, err := c.deps.Ledger.Get(cctx, hash)
	cancel()
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return &model.AuditResult{Found: false}, nil
		}
		return nil, dependencyError("审计查询", err, CodeLedgerUnavailable)
	}

	details := &model.BlockDetails{
		Index:        block.Index,
		Hash:         block.CurrentHash,
		PreviousHash: block.PreviousHash,
		Timestamp:    block.Timestamp,
	}
	if env, err := ballot.DecodeEnvelope(block.Payload); err == nil {
		details.DistrictID = env.DistrictID
	}
	return &model.AuditResult{Found: true, Block: details}, nil
}

// Blocks 返回整条链的非敏感视图
func (c *Coordinator) Blocks(ctx context.Context) ([]*model.BlockDetails, error) {
	blocks, err := c.deps.Ledger.Blocks(ctx)
	if err != nil {
		return nil, dependencyError("查询区块链", err, CodeLedgerUnavailable)
	}

	details := make([]*model.BlockDetails, 0, len(blocks))
	for _, b := range blocks {
		d := &model.BlockDetails{
			Index:        b.Index,
			Hash:         b.CurrentHash,
			PreviousHash: b.PreviousHash,
			Timestamp:    b.Timestamp,
		}
		if env, err := ballot.DecodeEnvelope(b.Payload); err == nil {
			d.DistrictID = env.DistrictID
		}
		details = append(details, d)
	}
	return details, nil
}

// ElectionStats 解封所有选票并按选区和候选人计票
func (c *Coordinator) ElectionStats(ctx context.Context) (*model.ElectionStats, error) {
	blocks, err := c.deps.Ledger.Blocks(ctx)
	if err != nil {
		return nil, dependencyError("查询区块链", err, CodeLedgerUnavailable)
	}

	type tallyKey struct{ district, candidate string }
	counts := make(map[tallyKey]int)
	stats := &model.ElectionStats{}

	for _, b := range blocks {
		if b.Index == 0 {
			continue
		}
		opened, err := c.deps.Sealer.Open(b.Payload)
		if err != nil {
			log.Printf("区块 %d 的选票无法解封: %v", b.Index, err)
			continue
		}
		counts[tallyKey{opened.DistrictID, opened.CandidateID}]++
		stats.TotalBallots++
	}

	for k, n := range counts {
		stats.Tallies = append(stats.Tallies, &model.CandidateTally{
			DistrictID:  k.district,
			CandidateID: k.candidate,
			Votes:       n,
		})
	}
	sort.Slice(stats.Tallies, func(i, j int) bool {
		a, b := stats.Tallies[i], stats.Tallies[j]
		if a.DistrictID != b.DistrictID {
			return a.DistrictID < b.DistrictID
		}
		return a.CandidateID < b.CandidateID
	})
	return stats, nil
}

// VerifyChain 校验整条链，完整性错误为 *ledger.IntegrityError
func (c *Coordinator) VerifyChain(ctx context.Context) error {
	blocks, err := c.deps.Ledger.Blocks(ctx)
	if err != nil {
		return dependencyError("查询区块链", err, CodeLedgerUnavailable)
	}
	return ledger.ValidateChain(blocks)
}

// ChainValid 链是否完整
func (c *Coordinator) ChainValid(ctx context.Context) (bool, error) {
	err := c.VerifyChain(ctx)
	var ie *ledger.IntegrityError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &ie):
		log.Printf("区块链完整性校验失败: %v", ie)
		return false, nil
	default:
		return false, err
	}
}

// AuditLogs 最近的审计日志，仅审计员和管理员可查
func (c *Coordinator) AuditLogs(ctx context.Context, actorID string, limit int) ([]*model.AuditEvent, error) {
	if err := c.requirePrivileged(ctx, actorID); err != nil {
		return nil, err
	}
	if c.deps.AuditLogs == nil {
		return nil, newError(CodeUnavailable, errors.New("未配置审计日志存储"))
	}
	if limit <= 0 || limit > maxAuditLogLimit {
		limit = maxAuditLogLimit
	}

	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	events, err := c.deps.AuditLogs.ListAuditLogs(cctx, limit)
	if err != nil {
		return nil, dependencyError("查询审计日志", err, CodeUnavailable)
	}
	return events, nil
}
