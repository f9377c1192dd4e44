package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/lvdashuaibi/securevote/internal/ledger"
	"github.com/lvdashuaibi/securevote/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_HappyPathAndDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.coord

	ch, err := c.BeginAuthentication(ctx, "V1", testIdentifier)
	require.NoError(t, err)
	assert.Equal(t, "V1", ch.VoterID)

	require.NoError(t, c.SubmitCredentialResponse(ctx, "V1", testSample(), f.respond(t, "V1", ch)))

	issue, err := c.RequestOtp(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, issue.ExpiresAt.Sub(issue.IssuedAt))

	require.NoError(t, c.ConfirmOtp(ctx, "V1", testCode))

	receipt, err := c.FinalizeBallot(ctx, "V1", "C4")
	require.NoError(t, err)
	assert.Equal(t, "7", receipt.DistrictID)
	assert.Len(t, receipt.BlockHash, 64)
	assert.Equal(t, 2, f.blockCount(t))
	assert.True(t, f.dir.hasVoted("V1"))
	assert.Equal(t, 1, f.audit.count(model.EventBallotCast))
	assert.Equal(t, 0, c.ActiveSessions())

	// 第二次提交不产生新区块，返回原回执
	_, err = c.FinalizeBallot(ctx, "V1", "C4")
	se := requireCode(t, err, CodeAlreadyVoted)
	require.NotNil(t, se.Receipt)
	assert.Equal(t, receipt.BlockHash, se.Receipt.BlockHash)
	assert.Equal(t, 2, f.blockCount(t))

	// 已投票的选民不能重新开始认证
	_, err = c.BeginAuthentication(ctx, "V1", testIdentifier)
	requireCode(t, err, CodeNotEligible)
}

func TestCoordinator_ConcurrentFinalizeSameInstance(t *testing.T) {
	f := newFixture(t)
	f.toState(t, f.coord, "V1", StateOtpVerified)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		hashes    = make(map[string]int)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.coord.FinalizeBallot(context.Background(), "V1", "C4")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				hashes[r.BlockHash]++
				return
			}
			var se *Error
			if errors.As(err, &se) && se.Code == CodeAlreadyVoted {
				hashes[se.Receipt.BlockHash]++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Len(t, hashes, 1)
	assert.Equal(t, 2, f.blockCount(t))
}

func TestCoordinator_ConcurrentFinalizeAcrossInstances(t *testing.T) {
	f := newFixture(t)
	other := f.newCoordinator(testOptions())

	f.toState(t, f.coord, "V1", StateOtpVerified)
	f.toState(t, other, "V1", StateOtpVerified)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Coordinator{f.coord, other} {
		wg.Add(1)
		go func(i int, c *Coordinator) {
			defer wg.Done()
			_, errs[i] = c.FinalizeBallot(context.Background(), "V1", fmt.Sprintf("C%d", i))
		}(i, c)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireCode(t, err, CodeAlreadyVoted)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 2, f.blockCount(t))
}

func TestCoordinator_TransitionGraph(t *testing.T) {
	ctx := context.Background()
	ops := map[string]func(f *fixture) error{
		"submit": func(f *fixture) error {
			return f.coord.SubmitCredentialResponse(ctx, "V1", testSample(), &model.CredentialResponse{})
		},
		"requestOtp": func(f *fixture) error {
			_, err := f.coord.RequestOtp(ctx, "V1")
			return err
		},
		"confirmOtp": func(f *fixture) error {
			return f.coord.ConfirmOtp(ctx, "V1", testCode)
		},
		"finalize": func(f *fixture) error {
			_, err := f.coord.FinalizeBallot(ctx, "V1", "C4")
			return err
		},
	}
	valid := map[State]string{
		StateChallengeIssued:    "submit",
		StateCredentialVerified: "requestOtp",
		StateOtpIssued:          "confirmOtp",
		StateOtpVerified:        "finalize",
	}

	for state, allowed := range valid {
		for name, op := range ops {
			if name == allowed {
				continue
			}
			t.Run(fmt.Sprintf("%s/%s", state, name), func(t *testing.T) {
				f := newFixture(t)
				f.toState(t, f.coord, "V1", state)

				requireCode(t, op(f), CodeInvalidState)

				view, err := f.coord.SessionStatus("V1")
				require.NoError(t, err)
				assert.Equal(t, state, view.State)
				assert.Equal(t, 1, f.blockCount(t))
			})
		}
	}

	for name, op := range ops {
		t.Run("no session/"+name, func(t *testing.T) {
			f := newFixture(t)
			requireCode(t, op(f), CodeSessionNotFound)
			assert.Equal(t, 1, f.blockCount(t))
		})
	}
}

func TestCoordinator_BeginRejectsIneligible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.BeginAuthentication(ctx, "NOBODY", testIdentifier)
	requireCode(t, err, CodeNotEligible)

	_, err = f.coord.BeginAuthentication(ctx, "V1", "000000000000")
	requireCode(t, err, CodeNotEligible)
	assert.Equal(t, 1, f.audit.count(model.EventFraudAttempt))

	_, err = f.coord.BeginAuthentication(ctx, "", testIdentifier)
	requireCode(t, err, CodeNotEligible)
	assert.Equal(t, 0, f.coord.ActiveSessions())
}

func TestCoordinator_VoterIDPattern(t *testing.T) {
	f := newFixture(t)
	opts := testOptions()
	opts.VoterIDPattern = regexp.MustCompile(`^[A-Z]{3}[0-9]{6}$`)
	c := f.newCoordinator(opts)
	f.enroll(t, "ABC123456", "7", model.RoleVoter)

	_, err := c.BeginAuthentication(context.Background(), "V1", testIdentifier)
	requireCode(t, err, CodeNotEligible)

	_, err = c.BeginAuthentication(context.Background(), "ABC123456", testIdentifier)
	require.NoError(t, err)
}

func TestCoordinator_CredentialRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "V2", "7", model.RoleVoter)

	ch, err := f.coord.BeginAuthentication(ctx, "V1", testIdentifier)
	require.NoError(t, err)

	// 用别的选民的私钥签名
	forged := f.respond(t, "V2", ch)
	err = f.coord.SubmitCredentialResponse(ctx, "V1", testSample(), forged)
	requireCode(t, err, CodeCredentialRejected)
	assert.Equal(t, 1, f.audit.count(model.EventFraudAttempt))

	_, err = f.coord.SessionStatus("V1")
	requireCode(t, err, CodeSessionNotFound)
}

func TestCoordinator_OtpSingleUse(t *testing.T) {
	f := newFixture(t)
	f.toState(t, f.coord, "V1", StateOtpVerified)

	err := f.coord.ConfirmOtp(context.Background(), "V1", testCode)
	requireCode(t, err, CodeInvalidState)
}

func TestCoordinator_OtpLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.toState(t, f.coord, "V1", StateOtpIssued)

	for i := 0; i < 4; i++ {
		requireCode(t, f.coord.ConfirmOtp(ctx, "V1", "000000"), CodeOtpMismatch)
	}
	view, err := f.coord.SessionStatus("V1")
	require.NoError(t, err)
	assert.Equal(t, 4, view.OtpAttempts)

	requireCode(t, f.coord.ConfirmOtp(ctx, "V1", "000000"), CodeOtpLockout)
	assert.Equal(t, 1, f.audit.count(model.EventOtpLockout))

	// 锁定后正确的验证码也不能通过
	requireCode(t, f.coord.ConfirmOtp(ctx, "V1", testCode), CodeSessionNotFound)
}

func TestCoordinator_OtpExpired(t *testing.T) {
	f := newFixture(t)
	f.toState(t, f.coord, "V1", StateOtpIssued)

	f.advance(6 * time.Minute)
	requireCode(t, f.coord.ConfirmOtp(context.Background(), "V1", testCode), CodeExpired)

	_, err := f.coord.SessionStatus("V1")
	requireCode(t, err, CodeSessionNotFound)
}

func TestCoordinator_LastClaimWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.coord.BeginAuthentication(ctx, "V1", testIdentifier)
	require.NoError(t, err)
	second, err := f.coord.BeginAuthentication(ctx, "V1", testIdentifier)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, f.audit.count(model.EventSessionReplaced))
	assert.Equal(t, 1, f.coord.ActiveSessions())

	// 旧挑战的应答对新会话无效
	err = f.coord.SubmitCredentialResponse(ctx, "V1", testSample(), f.respond(t, "V1", first))
	requireCode(t, err, CodeCredentialRejected)
}

func TestCoordinator_ReauthenticateAfterOtpIssued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.toState(t, f.coord, "V1", StateOtpIssued)

	f.toState(t, f.coord, "V1", StateOtpIssued)
	require.NoError(t, f.coord.ConfirmOtp(ctx, "V1", testCode))
}

func TestCoordinator_Timeout(t *testing.T) {
	f := newFixture(t)
	opts := testOptions()
	opts.CallTimeout = 30 * time.Millisecond
	c := f.newCoordinator(opts)
	ctx := context.Background()

	f.toState(t, c, "V1", StateOtpVerified)

	f.ledger.set(nil, true)
	_, err := c.FinalizeBallot(ctx, "V1", "C4")
	requireCode(t, err, CodeTimeout)
	assert.True(t, IsRetryable(err))

	view, err := c.SessionStatus("V1")
	require.NoError(t, err)
	assert.Equal(t, StateOtpVerified, view.State)

	f.ledger.set(nil, false)
	receipt, err := c.FinalizeBallot(ctx, "V1", "C4")
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.BlockHash)
}

func TestCoordinator_LedgerUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.toState(t, f.coord, "V1", StateOtpVerified)

	f.ledger.set(fmt.Errorf("%w: 连接被拒绝", ledger.ErrUnavailable), false)
	_, err := f.coord.FinalizeBallot(ctx, "V1", "C4")
	requireCode(t, err, CodeLedgerUnavailable)
	assert.True(t, IsRetryable(err))

	view, err := f.coord.SessionStatus("V1")
	require.NoError(t, err)
	assert.Equal(t, StateOtpVerified, view.State)
	assert.Equal(t, 1, f.blockCount(t))
}

func TestCoordinator_DirectoryUnavailable(t *testing.T) {
	f := newFixture(t)
	f.dir.err = errors.New("连接池耗尽")

	_, err := f.coord.BeginAuthentication(context.Background(), "V1", testIdentifier)
	requireCode(t, err, CodeUnavailable)
	assert.Equal(t, 0, f.coord.ActiveSessions())
}

func TestCoordinator_FinalizeRequiresCandidate(t *testing.T) {
	f := newFixture(t)
	f.toState(t, f.coord, "V1", StateOtpVerified)

	_, err := f.coord.FinalizeBallot(context.Background(), "V1", "")
	requireCode(t, err, CodeInvalidRequest)
}

func TestCoordinator_Abandon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.toState(t, f.coord, "V1", StateCredentialVerified)

	require.NoError(t, f.coord.AbandonSession(ctx, "V1"))
	assert.Equal(t, 1, f.audit.count(model.EventSessionAbandoned))

	requireCode(t, f.coord.AbandonSession(ctx, "V1"), CodeSessionNotFound)
	_, err := f.coord.RequestOtp(ctx, "V1")
	requireCode(t, err, CodeSessionNotFound)
}

func TestCoordinator_ExpiryLazyAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("lazy", func(t *testing.T) {
		ch, err := f.coord.BeginAuthentication(ctx, "V1", testIdentifier)
		require.NoError(t, err)
		f.advance(11 * time.Minute)

		err = f.coord.SubmitCredentialResponse(ctx, "V1", testSample(), f.respond(t, "V1", ch))
		requireCode(t, err, CodeSessionNotFound)
		assert.Equal(t, 1, f.audit.count(model.EventSessionExpired))
	})

	t.Run("sweep", func(t *testing.T) {
		f.toState(t, f.coord, "V1", StateCredentialVerified)
		assert.Equal(t, 0, f.coord.SweepExpired())

		f.advance(3 * time.Minute)
		assert.Equal(t, 1, f.coord.SweepExpired())
		assert.Equal(t, 0, f.coord.ActiveSessions())
		assert.Equal(t, 2, f.audit.count(model.EventSessionExpired))
	})
}

func TestCoordinator_ElectionClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.toState(t, f.coord, "V1", StateOtpVerified)

	f.election.active = false

	_, err := f.coord.FinalizeBallot(ctx, "V1", "C4")
	requireCode(t, err, CodeElectionClosed)
	assert.Equal(t, 1, f.blockCount(t))

	_, err = f.coord.BeginAuthentication(ctx, "V1", testIdentifier)
	requireCode(t, err, CodeElectionClosed)
}

func TestCoordinator_SetElectionActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enroll(t, "ADMIN1", "0", model.RoleAdmin)

	requireCode(t, f.coord.SetElectionActive(ctx, "V1", false), CodeForbidden)
	requireCode(t, f.coord.SetElectionActive(ctx, "", false), CodeForbidden)
	requireCode(t, f.coord.SetElectionActive(ctx, "GHOST", false), CodeForbidden)

	require.NoError(t, f.coord.SetElectionActive(ctx, "ADMIN1", false))
	active, err := f.coord.ElectionActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)
	assert.Equal(t, "ADMIN1", f.election.actor)
	assert.Equal(t, 1, f.audit.count(model.EventElectionStateChanged))
}

func TestCoordinator_RateLimited(t *testing.T) {
	f := newFixture(t)
	opts := testOptions()
	opts.MaxAuthAttempts = 2
	opts.AuthAttemptWindow = time.Minute
	f.coord = f.newCoordinator(opts)
	f.coord.deps.Limiter = &fakeLimiter{}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.coord.BeginAuthentication(ctx, "V1", testIdentifier)
		require.NoError(t, err)
	}
	_, err := f.coord.BeginAuthentication(ctx, "V1", testIdentifier)
	requireCode(t, err, CodeRateLimited)
	assert.Equal(t, 1, f.coord.ActiveSessions())
}

func TestCoordinator_StartStopSweeper(t *testing.T) {
	f := newFixture(t)
	opts := testOptions()
	opts.SweepInterval = 10 * time.Millisecond
	c := f.newCoordinator(opts)

	f.toState(t, c, "V1", StateChallengeIssued)
	f.advance(11 * time.Minute)

	c.Start()
	defer c.Stop()
	assert.Eventually(t, func() bool { return c.ActiveSessions() == 0 }, time.Second, 10*time.Millisecond)
}
