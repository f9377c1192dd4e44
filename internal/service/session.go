package service

import (
	"sync"
	"time"

	"github.com/lvdashuaibi/securevote/internal/model"
)

// State 投票会话状态
type State string

const (
	StateIdle               State = "Idle"
	StateChallengeIssued    State = "ChallengeIssued"
	StateCredentialVerified State = "CredentialVerified"
	StateOtpIssued          State = "OtpIssued"
	StateOtpVerified        State = "OtpVerified"
	StateBallotSubmitted    State = "BallotSubmitted"
	StateFailed             State = "Failed"
	StateExpired            State = "Expired"
)

// Session 单个选民的认证会话，只由协调器在持有选民锁时修改
type Session struct {
	Token              string
	VoterID            string
	Identity           *model.VoterIdentity
	State              State
	Challenge          *model.Challenge
	BiometricRef       string
	CredentialVerified bool
	OtpIssuedAt        time.Time
	OtpExpiresAt       time.Time
	OtpAttempts        int
	CandidateID        string
	CreatedAt          time.Time
	EnteredAt          time.Time
}

// SessionView 会话的只读快照
type SessionView struct {
	VoterID      string    `json:"voterId"`
	State        State     `json:"state"`
	EnteredAt    time.Time `json:"enteredAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	OtpAttempts  int       `json:"otpAttempts"`
	OtpExpiresAt time.Time `json:"otpExpiresAt,omitempty"`
}

type voterLock struct {
	mu   sync.Mutex
	refs int
}

// sessionTable 按选民编号保存会话，并提供选民粒度的互斥
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*voterLock
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*voterLock),
	}
}

// lock 串行化同一选民的状态转换，返回解锁函数
func (t *sessionTable) lock(voterID string) func() {
	t.mu.Lock()
	l, ok := t.locks[voterID]
	if !ok {
		l = &voterLock{}
		t.locks[voterID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, voterID)
		}
		t.mu.Unlock()
	}
}

func (t *sessionTable) get(voterID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[voterID]
}

func (t *sessionTable) put(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.VoterID] = s
}

func (t *sessionTable) remove(voterID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, voterID)
}

func (t *sessionTable) voterIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (t *sessionTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
