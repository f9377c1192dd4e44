package service

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lvdashuaibi/securevote/internal/ballot"
	"github.com/lvdashuaibi/securevote/internal/credential"
	"github.com/lvdashuaibi/securevote/internal/ledger"
	"github.com/lvdashuaibi/securevote/internal/lock"
	"github.com/lvdashuaibi/securevote/internal/model"
	"github.com/lvdashuaibi/securevote/internal/otp"
	"github.com/lvdashuaibi/securevote/internal/repository"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	mu     sync.Mutex
	voters map[string]*model.VoterIdentity
	err    error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{voters: make(map[string]*model.VoterIdentity)}
}

func (d *fakeDirectory) add(id *model.VoterIdentity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.voters[id.VoterID] = id
}

func (d *fakeDirectory) Lookup(ctx context.Context, voterID string) (*model.VoterIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	id, ok := d.voters[voterID]
	if !ok {
		return nil, repository.ErrVoterNotFound
	}
	c := *id
	return &c, nil
}

func (d *fakeDirectory) MarkVoted(ctx context.Context, voterID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.voters[voterID]
	if !ok {
		return repository.ErrVoterNotFound
	}
	id.HasVoted = true
	return nil
}

func (d *fakeDirectory) hasVoted(voterID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.voters[voterID].HasVoted
}

type fakeAudit struct {
	mu     sync.Mutex
	events []*model.AuditEvent
}

func (a *fakeAudit) Record(ctx context.Context, e *model.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *fakeAudit) count(eventType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type fakeElection struct {
	mu     sync.Mutex
	active bool
	actor  string
}

func (e *fakeElection) IsElectionActive(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, nil
}

func (e *fakeElection) SetElectionActive(ctx context.Context, active bool, actorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = active
	e.actor = actorID
	return nil
}

type fakeLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (l *fakeLimiter) AllowAuthAttempt(ctx context.Context, voterID string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = make(map[string]int)
	}
	l.counts[voterID]++
	return l.counts[voterID] <= limit, nil
}

type fakeReceipts struct {
	mu       sync.Mutex
	receipts map[string]*model.Receipt
}

func (r *fakeReceipts) GetReceipt(ctx context.Context, voterID string) (*model.Receipt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.receipts[voterID]
	return rec, ok, nil
}

func (r *fakeReceipts) SetReceipt(ctx context.Context, voterID string, receipt *model.Receipt, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.receipts == nil {
		r.receipts = make(map[string]*model.Receipt)
	}
	r.receipts[voterID] = receipt
	return nil
}

// controlledLedger 可以让追加失败或阻塞到超时
type controlledLedger struct {
	ledger.Ledger

	mu        sync.Mutex
	appendErr error
	block     bool
}

func (l *controlledLedger) set(appendErr error, block bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendErr = appendErr
	l.block = block
}

func (l *controlledLedger) Append(ctx context.Context, key string, payload []byte) (*model.Block, error) {
	l.mu.Lock()
	appendErr, block := l.appendErr, l.block
	l.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if appendErr != nil {
		return nil, appendErr
	}
	return l.Ledger.Append(ctx, key, payload)
}

const (
	testCode       = "482913"
	testIdentifier = "123412341234"
)

type fixture struct {
	mu  sync.Mutex
	now time.Time

	dir      *fakeDirectory
	audit    *fakeAudit
	election *fakeElection
	receipts *fakeReceipts
	ledger   *controlledLedger
	sealer   *ballot.Sealer
	lock     lock.Lock
	keys     map[string]*ecdsa.PrivateKey
	coord    *Coordinator
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func testOptions() Options {
	return Options{
		ChallengeTTL:    10 * time.Minute,
		CredentialTTL:   3 * time.Minute,
		OTPTTL:          10 * time.Minute,
		VerifiedTTL:     3 * time.Minute,
		CallTimeout:     time.Second,
		LockTTL:         10 * time.Second,
		ReceiptCacheTTL: time.Hour,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sealer, err := ballot.NewSealer("test-secret")
	require.NoError(t, err)

	f := &fixture{
		now:      time.Unix(1700000000, 0),
		dir:      newFakeDirectory(),
		audit:    &fakeAudit{},
		election: &fakeElection{active: true},
		receipts: &fakeReceipts{},
		sealer:   sealer,
		lock:     lock.NewLocalLock(),
		keys:     make(map[string]*ecdsa.PrivateKey),
	}
	f.ledger = &controlledLedger{Ledger: ledger.NewMemoryLedgerWithClock(f.clock)}
	f.coord = f.newCoordinator(testOptions())

	f.enroll(t, "V1", "7", model.RoleVoter)
	return f
}

// newCoordinator 新建一个共享账本、锁和名册的协调器实例
func (f *fixture) newCoordinator(opts Options) *Coordinator {
	otpAuth := otp.NewAuthority(
		otp.NewMemoryStoreWithClock(f.clock),
		otp.ConsoleSender{},
		otp.Options{Length: 6, Validity: 5 * time.Minute, MaxAttempts: 5},
		otp.WithClock(f.clock),
		otp.WithCodeSource(func(int) (string, error) { return testCode, nil }),
	)
	deps := Dependencies{
		Directory:   f.dir,
		Credentials: credential.NewSignatureAuthenticator(opts.ChallengeTTL).WithClock(f.clock),
		OTP:         otpAuth,
		Ledger:      f.ledger,
		Sealer:      f.sealer,
		Lock:        f.lock,
		Receipts:    f.receipts,
		Election:    f.election,
		Audit:       f.audit,
	}
	return NewCoordinator(deps, opts).WithClock(f.clock)
}

func (f *fixture) enroll(t *testing.T, voterID, district, role string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	f.keys[voterID] = key
	f.dir.add(&model.VoterIdentity{
		VoterID:       voterID,
		Identifier:    testIdentifier,
		DistrictID:    district,
		Role:          role,
		CredentialRef: hex.EncodeToString(crypto.FromECDSAPub(&key.PublicKey)),
	})
}

func testSample() *model.BiometricSample {
	return &model.BiometricSample{FaceImage: []byte("face-capture"), FingerprintTemplate: "template"}
}

func (f *fixture) respond(t *testing.T, voterID string, ch *model.Challenge) *model.CredentialResponse {
	t.Helper()
	sig, err := crypto.Sign(credential.ChallengeDigest(ch, testSample()), f.keys[voterID])
	require.NoError(t, err)
	return &model.CredentialResponse{ChallengeID: ch.ID, Signature: sig}
}

// toState 把选民推进到指定状态
func (f *fixture) toState(t *testing.T, c *Coordinator, voterID string, target State) {
	t.Helper()
	ctx := context.Background()

	ch, err := c.BeginAuthentication(ctx, voterID, testIdentifier)
	require.NoError(t, err)
	if target == StateChallengeIssued {
		return
	}
	require.NoError(t, c.SubmitCredentialResponse(ctx, voterID, testSample(), f.respond(t, voterID, ch)))
	if target == StateCredentialVerified {
		return
	}
	_, err = c.RequestOtp(ctx, voterID)
	require.NoError(t, err)
	if target == StateOtpIssued {
		return
	}
	require.NoError(t, c.ConfirmOtp(ctx, voterID, testCode))
}

func (f *fixture) blockCount(t *testing.T) int {
	t.Helper()
	blocks, err := f.ledger.Blocks(context.Background())
	require.NoError(t, err)
	return len(blocks)
}

func requireCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	require.Error(t, err)
	var se *Error
	require.True(t, errors.As(err, &se), "不是服务层错误: %v", err)
	require.Equal(t, code, se.Code)
	return se
}
