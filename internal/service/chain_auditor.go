package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lvdashuaibi/securevote/internal/ledger"
	"github.com/lvdashuaibi/securevote/internal/lock"
	"github.com/lvdashuaibi/securevote/internal/model"
)

const ChainAuditorLockName = "securevote:chain-auditor:leader"

// ChainAuditor 由选出的一个实例定期校验整条链
type ChainAuditor struct {
	ledger   ledger.Ledger
	lock     lock.Lock
	audit    AuditSink
	interval time.Duration
	lockTTL  time.Duration

	mu          sync.Mutex
	isLeader    bool
	lastFailure string

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewChainAuditor lk为nil时本实例总是执行校验
func NewChainAuditor(l ledger.Ledger, lk lock.Lock, audit AuditSink, interval, lockTTL time.Duration) *ChainAuditor {
	return &ChainAuditor{
		ledger:   l,
		lock:     lk,
		audit:    audit,
		interval: interval,
		lockTTL:  lockTTL,
		stopChan: make(chan struct{}),
	}
}

// Start 启动校验循环和主节点锁维护
func (a *ChainAuditor) Start() {
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.maintainLeaderLock()
	}()
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if a.IsLeader() {
					ctx, cancel := context.WithTimeout(context.Background(), a.interval)
					if err := a.RunOnce(ctx); err != nil {
						log.Printf("区块链校验未完成: %v", err)
					}
					cancel()
				}
			case <-a.stopChan:
				log.Println("区块链审计已停止")
				return
			}
		}
	}()
}

// maintainLeaderLock 持有锁时续约，否则尝试获取
func (a *ChainAuditor) maintainLeaderLock() {
	if a.lock == nil {
		a.setLeader(true)
		return
	}

	checkInterval := a.lockTTL / 2
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	a.tryLead()
	for {
		select {
		case <-ticker.C:
			a.tryLead()
		case <-a.stopChan:
			return
		}
	}
}

func (a *ChainAuditor) tryLead() {
	ctx, cancel := context.WithTimeout(context.Background(), a.lockTTL)
	defer cancel()

	var (
		ok  bool
		err error
	)
	if a.IsLeader() {
		ok, err = a.lock.Refresh(ctx, ChainAuditorLockName, a.lockTTL)
		if err == nil && !ok {
			log.Println("区块链审计主节点锁已丢失")
		}
	} else {
		ok, err = a.lock.Acquire(ctx, ChainAuditorLockName, a.lockTTL)
		if err == nil && ok {
			log.Println("本实例成为区块链审计主节点")
		}
	}
	if err != nil {
		log.Printf("维护区块链审计锁失败: %v", err)
		return
	}
	a.setLeader(ok)
}

func (a *ChainAuditor) setLeader(v bool) {
	a.mu.Lock()
	a.isLeader = v
	a.mu.Unlock()
}

func (a *ChainAuditor) IsLeader() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isLeader
}

// RunOnce 校验一次整条链，发现问题时记录审计事件
func (a *ChainAuditor) RunOnce(ctx context.Context) error {
	blocks, err := a.ledger.Blocks(ctx)
	if err != nil {
		return fmt.Errorf("读取区块链失败: %w", err)
	}

	err = ledger.ValidateChain(blocks)
	var ie *ledger.IntegrityError
	if err != nil && !errors.As(err, &ie) {
		return err
	}

	a.mu.Lock()
	reported := a.lastFailure
	if ie == nil {
		a.lastFailure = ""
	} else {
		a.lastFailure = ie.Error()
	}
	a.mu.Unlock()

	// 同一问题只报告一次
	if ie != nil && ie.Error() != reported {
		log.Printf("区块链完整性校验失败: %v", ie)
		if a.audit != nil {
			a.audit.Record(ctx, &model.AuditEvent{
				EventType:   model.EventChainIntegrityFailed,
				Description: ie.Error(),
				OccurredAt:  time.Now(),
			})
		}
	}
	return err
}

// Stop 停止审计并释放主节点锁
func (a *ChainAuditor) Stop() {
	close(a.stopChan)
	a.wg.Wait()
	if a.lock != nil && a.IsLeader() {
		if err := a.lock.Release(context.Background(), ChainAuditorLockName); err != nil {
			log.Printf("释放区块链审计锁失败: %v", err)
		}
	}
}
