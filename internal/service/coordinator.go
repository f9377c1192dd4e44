package service

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/securevote/config"
	"github.com/lvdashuaibi/securevote/internal/ballot"
	"github.com/lvdashuaibi/securevote/internal/credential"
	"github.com/lvdashuaibi/securevote/internal/ledger"
	"github.com/lvdashuaibi/securevote/internal/lock"
	"github.com/lvdashuaibi/securevote/internal/model"
	"github.com/lvdashuaibi/securevote/internal/otp"
	"github.com/lvdashuaibi/securevote/internal/repository"
)

const (
	ballotLockPrefix   = "securevote:ballot:"
	lockRetryInterval  = 50 * time.Millisecond
	bestEffortTimeout  = 3 * time.Second
	defaultCallTimeout = 5 * time.Second
)

// Directory 选民名册
type Directory interface {
	Lookup(ctx context.Context, voterID string) (*model.VoterIdentity, error)
	MarkVoted(ctx context.Context, voterID string) error
}

// CredentialAuthenticator 公钥挑战/应答认证
type CredentialAuthenticator interface {
	IssueChallenge(ctx context.Context, identity *model.VoterIdentity) (*model.Challenge, error)
	Verify(ctx context.Context, identity *model.VoterIdentity, challenge *model.Challenge, sample *model.BiometricSample, resp *model.CredentialResponse) (bool, error)
}

// OtpAuthority 验证码签发与校验
type OtpAuthority interface {
	Issue(ctx context.Context, voterID, token string) (*model.OtpIssue, error)
	Verify(ctx context.Context, voterID, token, code string) error
	Revoke(ctx context.Context, voterID, token string) error
}

// ReceiptCache 回执缓存
type ReceiptCache interface {
	GetReceipt(ctx context.Context, voterID string) (*model.Receipt, bool, error)
	SetReceipt(ctx context.Context, voterID string, receipt *model.Receipt, ttl time.Duration) error
}

// RateLimiter 认证发起次数限制
type RateLimiter interface {
	AllowAuthAttempt(ctx context.Context, voterID string, limit int, window time.Duration) (bool, error)
}

// ElectionStore 选举开放状态
type ElectionStore interface {
	IsElectionActive(ctx context.Context) (bool, error)
	SetElectionActive(ctx context.Context, active bool, actorID string) error
}

// AuditSink 审计事件出口
type AuditSink interface {
	Record(ctx context.Context, event *model.AuditEvent)
}

// AuditLogReader 审计日志查询
type AuditLogReader interface {
	ListAuditLogs(ctx context.Context, limit int) ([]*model.AuditEvent, error)
}

// Dependencies 协调器的外部协作者，Lock之后的字段可以为空
type Dependencies struct {
	Directory   Directory
	Credentials CredentialAuthenticator
	OTP         OtpAuthority
	Ledger      ledger.Ledger
	Sealer      *ballot.Sealer

	Lock      lock.Lock
	Receipts  ReceiptCache
	Limiter   RateLimiter
	Election  ElectionStore
	Audit     AuditSink
	AuditLogs AuditLogReader
}

type Options struct {
	ChallengeTTL      time.Duration
	CredentialTTL     time.Duration
	OTPTTL            time.Duration
	VerifiedTTL       time.Duration
	SweepInterval     time.Duration
	CallTimeout       time.Duration
	LockTTL           time.Duration
	VoterIDPattern    *regexp.Regexp
	MaxAuthAttempts   int
	AuthAttemptWindow time.Duration
	ReceiptCacheTTL   time.Duration
}

// OptionsFromConfig 由配置生成协调器参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ChallengeTTL:      cfg.Session.ChallengeTTL,
		CredentialTTL:     cfg.Session.CredentialTTL,
		OTPTTL:            cfg.Session.OTPTTL,
		VerifiedTTL:       cfg.Session.VerifiedTTL,
		SweepInterval:     cfg.Session.SweepInterval,
		CallTimeout:       cfg.Session.CallTimeout,
		LockTTL:           cfg.Lock.TTL,
		VoterIDPattern:    regexp.MustCompile(cfg.Session.VoterIDPattern),
		MaxAuthAttempts:   cfg.Session.MaxAuthAttempts,
		AuthAttemptWindow: cfg.Session.AuthAttemptWindow,
		ReceiptCacheTTL:   cfg.Redis.ReceiptCacheTTL,
	}
}

// Coordinator 投票会话协调器
type Coordinator struct {
	deps     Dependencies
	opts     Options
	sessions *sessionTable
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCoordinator(deps Dependencies, opts Options) *Coordinator {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	return &Coordinator{
		deps:     deps,
		opts:     opts,
		sessions: newSessionTable(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// WithClock 替换时钟，测试使用
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Start 启动过期会话清理
func (c *Coordinator) Start() {
	if c.opts.SweepInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := c.SweepExpired(); n > 0 {
					log.Printf("清理过期会话 %d 个", n)
				}
			case <-c.stopCh:
				log.Println("会话清理已停止")
				return
			}
		}
	}()
}

// Stop 停止后台清理
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// SweepExpired 把超时的会话转为Expired并销毁，返回清理数量
func (c *Coordinator) SweepExpired() int {
	swept := 0
	for _, voterID := range c.sessions.voterIDs() {
		unlock := c.sessions.lock(voterID)
		if s := c.sessions.get(voterID); s != nil && c.overdue(s) {
			c.expire(s)
			swept++
		}
		unlock()
	}
	return swept
}

// ActiveSessions 当前存活的会话数
func (c *Coordinator) ActiveSessions() int {
	return c.sessions.size()
}

func (c *Coordinator) stateTTL(state State) time.Duration {
	switch state {
	case StateChallengeIssued:
		return c.opts.ChallengeTTL
	case StateCredentialVerified:
		return c.opts.CredentialTTL
	case StateOtpIssued:
		return c.opts.OTPTTL
	case StateOtpVerified:
		return c.opts.VerifiedTTL
	}
	return 0
}

func (c *Coordinator) deadline(s *Session) time.Time {
	return s.EnteredAt.Add(c.stateTTL(s.State))
}

func (c *Coordinator) overdue(s *Session) bool {
	ttl := c.stateTTL(s.State)
	return ttl > 0 && !c.now().Before(s.EnteredAt.Add(ttl))
}

// live 返回未过期的会话，调用方需持有选民锁
func (c *Coordinator) live(voterID string) *Session {
	s := c.sessions.get(voterID)
	if s == nil {
		return nil
	}
	if c.overdue(s) {
		c.expire(s)
		return nil
	}
	return s
}

func (c *Coordinator) enter(s *Session, state State) {
	s.State = state
	s.EnteredAt = c.now()
}

// destroy 销毁会话并撤销未使用的验证码
func (c *Coordinator) destroy(s *Session, terminal State) {
	s.State = terminal
	c.sessions.remove(s.VoterID)
	if !s.OtpIssuedAt.IsZero() {
		ctx, cancel := context.WithTimeout(context.Background(), bestEffortTimeout)
		defer cancel()
		if err := c.deps.OTP.Revoke(ctx, s.VoterID, s.Token); err != nil {
			log.Printf("撤销选民 %s 的验证码失败: %v", s.VoterID, err)
		}
	}
}

func (c *Coordinator) expire(s *Session) {
	from := s.State
	c.destroy(s, StateExpired)
	c.audit(model.EventSessionExpired, s.VoterID, fmt.Sprintf("会话在 %s 状态超时", from))
}

func (c *Coordinator) audit(eventType, voterID, description string) {
	if c.deps.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), bestEffortTimeout)
	defer cancel()
	c.deps.Audit.Record(ctx, &model.AuditEvent{
		EventType:   eventType,
		VoterID:     voterID,
		Description: description,
		OccurredAt:  c.now(),
	})
}

func (c *Coordinator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.CallTimeout)
}

// dependencyError 超时映射为Timeout，其余映射为code
func dependencyError(op string, err error, code Code) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		log.Printf("%s 超时: %v", op, err)
		return newError(CodeTimeout, err)
	}
	log.Printf("%s 失败: %v", op, err)
	return newError(code, err)
}

func (c *Coordinator) checkElectionOpen(ctx context.Context) error {
	if c.deps.Election == nil {
		return nil
	}
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	active, err := c.deps.Election.IsElectionActive(cctx)
	if err != nil {
		return dependencyError("查询选举状态", err, CodeUnavailable)
	}
	if !active {
		return ErrElectionClosed
	}
	return nil
}

// BeginAuthentication 校验资格，签发挑战并创建新会话，替换已有会话
func (c *Coordinator) BeginAuthentication(ctx context.Context, voterID, identifier string) (*model.Challenge, error) {
	if voterID == "" || (c.opts.VoterIDPattern != nil && !c.opts.VoterIDPattern.MatchString(voterID)) {
		return nil, ErrNotEligible
	}
	if err := c.checkElectionOpen(ctx); err != nil {
		return nil, err
	}

	if c.deps.Limiter != nil && c.opts.MaxAuthAttempts > 0 {
		cctx, cancel := c.callCtx(ctx)
		allowed, err := c.deps.Limiter.AllowAuthAttempt(cctx, voterID, c.opts.MaxAuthAttempts, c.opts.AuthAttemptWindow)
		cancel()
		if err != nil {
			return nil, dependencyError("认证频率检查", err, CodeUnavailable)
		}
		if !allowed {
			return nil, ErrRateLimited
		}
	}

	unlock := c.sessions.lock(voterID)
	defer unlock()

	cctx, cancel := c.callCtx(ctx)
	identity, err := c.deps.Directory.Lookup(cctx, voterID)
	cancel()
	if err != nil {
		if errors.Is(err, repository.ErrVoterNotFound) {
			return nil, ErrNotEligible
		}
		return nil, dependencyError("查询选民名册", err, CodeUnavailable)
	}
	if subtle.ConstantTimeCompare([]byte(identity.Identifier), []byte(identifier)) != 1 {
		c.audit(model.EventFraudAttempt, voterID, "证件号与选民名册不一致")
		return nil, ErrNotEligible
	}
	if identity.HasVoted {
		return nil, ErrNotEligible
	}

	cctx, cancel = c.callCtx(ctx)
	challenge, err := c.deps.Credentials.IssueChallenge(cctx, identity)
	cancel()
	if err != nil {
		return nil, dependencyError("签发挑战", err, CodeUnavailable)
	}

	// 挑战到手后才替换旧会话，失败时旧会话保持不变
	if old := c.live(voterID); old != nil {
		c.destroy(old, StateFailed)
		c.audit(model.EventSessionReplaced, voterID, fmt.Sprintf("新的认证请求替换了 %s 状态的会话", old.State))
	}

	now := c.now()
	s := &Session{
		Token:     uuid.NewString(),
		VoterID:   voterID,
		Identity:  identity,
		Challenge: challenge,
		CreatedAt: now,
	}
	c.enter(s, StateChallengeIssued)
	c.sessions.put(s)

	return challenge, nil
}

// SubmitCredentialResponse 校验挑战应答和生物特征，仅在ChallengeIssued状态有效
func (c *Coordinator) SubmitCredentialResponse(ctx context.Context, voterID string, sample *model.BiometricSample, resp *model.CredentialResponse) error {
	unlock := c.sessions.lock(voterID)
	defer unlock()

	s := c.live(voterID)
	if s == nil {
		return ErrSessionNotFound
	}
	if s.State != StateChallengeIssued {
		return ErrInvalidState
	}

	cctx, cancel := c.callCtx(ctx)
	ok, err := c.deps.Credentials.Verify(cctx, s.Identity, s.Challenge, sample, resp)
	cancel()
	if err != nil {
		return dependencyError("校验凭证", err, CodeUnavailable)
	}
	if !ok {
		c.destroy(s, StateFailed)
		c.audit(model.EventFraudAttempt, voterID, "凭证或生物特征验证失败")
		return ErrCredentialRejected
	}

	s.CredentialVerified = true
	s.BiometricRef = hex.EncodeToString(credential.BiometricDigest(sample))
	c.enter(s, StateCredentialVerified)
	return nil
}

// RequestOtp 签发验证码，仅在CredentialVerified状态有效
func (c *Coordinator) RequestOtp(ctx context.Context, voterID string) (*model.OtpIssue, error) {
	unlock := c.sessions.lock(voterID)
	defer unlock()

	s := c.live(voterID)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if s.State != StateCredentialVerified {
		return nil, ErrInvalidState
	}

	cctx, cancel := c.callCtx(ctx)
	issue, err := c.deps.OTP.Issue(cctx, voterID, s.Token)
	cancel()
	if err != nil {
		return nil, dependencyError("签发验证码", err, CodeUnavailable)
	}

	s.OtpIssuedAt = issue.IssuedAt
	s.OtpExpiresAt = issue.ExpiresAt
	s.OtpAttempts = 0
	c.enter(s, StateOtpIssued)
	return issue, nil
}

// ConfirmOtp 校验验证码，仅在OtpIssued状态有效
func (c *Coordinator) ConfirmOtp(ctx context.Context, voterID, code string) error {
	unlock := c.sessions.lock(voterID)
	defer unlock()

	s := c.live(voterID)
	if s == nil {
		return ErrSessionNotFound
	}
	if s.State != StateOtpIssued {
		return ErrInvalidState
	}

	// 过期的验证码无论是否正确都不能通过
	if !c.now().Before(s.OtpExpiresAt) {
		c.destroy(s, StateExpired)
		c.audit(model.EventSessionExpired, voterID, "验证码过期")
		return ErrExpired
	}

	cctx, cancel := c.callCtx(ctx)
	err := c.deps.OTP.Verify(cctx, voterID, s.Token, code)
	cancel()

	switch {
	case err == nil:
		c.enter(s, StateOtpVerified)
		return nil
	case errors.Is(err, otp.ErrMismatch):
		s.OtpAttempts++
		return ErrOtpMismatch
	case errors.Is(err, otp.ErrLockout):
		s.OtpAttempts++
		c.destroy(s, StateFailed)
		c.audit(model.EventOtpLockout, voterID, fmt.Sprintf("验证码连续错误 %d 次", s.OtpAttempts))
		return ErrOtpLockout
	case errors.Is(err, otp.ErrExpired):
		c.destroy(s, StateExpired)
		c.audit(model.EventSessionExpired, voterID, "验证码过期")
		return ErrExpired
	case errors.Is(err, otp.ErrNotFound):
		c.destroy(s, StateFailed)
		return ErrSessionNotFound
	default:
		return dependencyError("校验验证码", err, CodeUnavailable)
	}
}

// FinalizeBallot 以选民编号为幂等键把选票写入账本，仅在OtpVerified状态有效
func (c *Coordinator) FinalizeBallot(ctx context.Context, voterID, candidateID string) (*model.Receipt, error) {
	if candidateID == "" {
		return nil, ErrInvalidRequest
	}

	unlock := c.sessions.lock(voterID)
	defer unlock()

	s := c.live(voterID)
	if s == nil {
		// 没有会话但账本上已有选票时返回已有回执
		cctx, cancel := c.callCtx(ctx)
		existing, err := c.deps.Ledger.GetByKey(cctx, voterID)
		cancel()
		if err == nil {
			return nil, c.alreadyVoted(voterID, existing)
		}
		return nil, ErrSessionNotFound
	}
	if s.State != StateOtpVerified {
		return nil, ErrInvalidState
	}
	if err := c.checkElectionOpen(ctx); err != nil {
		return nil, err
	}

	s.CandidateID = candidateID
	b := &model.Ballot{
		VoterID:     voterID,
		DistrictID:  s.Identity.DistrictID,
		CandidateID: candidateID,
		CastAt:      c.now(),
	}
	payload, err := c.deps.Sealer.Seal(b)
	if err != nil {
		return nil, dependencyError("封装选票", err, CodeUnavailable)
	}

	if c.deps.Lock != nil {
		lockName := ballotLockPrefix + voterID
		lctx, cancel := c.callCtx(ctx)
		err := lock.AcquireWait(lctx, c.deps.Lock, lockName, c.opts.LockTTL, lockRetryInterval)
		cancel()
		if err != nil {
			return nil, dependencyError("获取选票锁", err, CodeUnavailable)
		}
		defer func() {
			if err := c.deps.Lock.Release(context.Background(), lockName); err != nil {
				log.Printf("释放选票锁 %s 失败: %v", lockName, err)
			}
		}()
	}

	cctx, cancel := c.callCtx(ctx)
	block, err := c.deps.Ledger.Append(cctx, voterID, payload)
	cancel()
	if err != nil {
		if existing, ok := ledger.AsConflict(err); ok {
			c.destroy(s, StateFailed)
			return nil, c.alreadyVoted(voterID, existing)
		}
		return nil, dependencyError("写入账本", err, CodeLedgerUnavailable)
	}

	receipt := &model.Receipt{
		DistrictID: b.DistrictID,
		CastAt:     b.CastAt,
		BlockHash:  block.CurrentHash,
	}
	c.destroy(s, StateBallotSubmitted)
	c.afterCast(voterID, receipt)
	c.audit(model.EventBallotCast, voterID, fmt.Sprintf("选票已写入区块 %d", block.Index))

	log.Printf("选民 %s 投票成功，区块: %s", voterID, block.CurrentHash)
	return receipt, nil
}

func (c *Coordinator) alreadyVoted(voterID string, existing *model.Block) *Error {
	receipt := receiptFromBlock(existing)
	c.afterCast(voterID, receipt)
	c.audit(model.EventDuplicateBallot, voterID, fmt.Sprintf("重复投票被拒绝，已有区块 %s", existing.CurrentHash))

	e := newError(CodeAlreadyVoted, nil)
	e.Receipt = receipt
	return e
}

// afterCast 回写名册缓存和回执缓存，失败只记录日志
func (c *Coordinator) afterCast(voterID string, receipt *model.Receipt) {
	ctx, cancel := context.WithTimeout(context.Background(), bestEffortTimeout)
	defer cancel()

	if err := c.deps.Directory.MarkVoted(ctx, voterID); err != nil {
		log.Printf("更新选民 %s 投票状态失败: %v", voterID, err)
	}
	if c.deps.Receipts != nil {
		if err := c.deps.Receipts.SetReceipt(ctx, voterID, receipt, c.opts.ReceiptCacheTTL); err != nil {
			log.Printf("缓存选民 %s 的回执失败: %v", voterID, err)
		}
	}
}

// AbandonSession 主动放弃会话
func (c *Coordinator) AbandonSession(ctx context.Context, voterID string) error {
	unlock := c.sessions.lock(voterID)
	defer unlock()

	s := c.live(voterID)
	if s == nil {
		return ErrSessionNotFound
	}
	from := s.State
	c.destroy(s, StateFailed)
	c.audit(model.EventSessionAbandoned, voterID, fmt.Sprintf("在 %s 状态放弃会话", from))
	return nil
}

// SessionStatus 返回会话快照
func (c *Coordinator) SessionStatus(voterID string) (*SessionView, error) {
	unlock := c.sessions.lock(voterID)
	defer unlock()

	s := c.live(voterID)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return &SessionView{
		VoterID:      s.VoterID,
		State:        s.State,
		EnteredAt:    s.EnteredAt,
		ExpiresAt:    c.deadline(s),
		OtpAttempts:  s.OtpAttempts,
		OtpExpiresAt: s.OtpExpiresAt,
	}, nil
}
