package model

import (
	"time"
)

// 选民角色
const (
	RoleVoter   = "Voter"
	RoleAuditor = "Auditor"
	RoleAdmin   = "Admin"
)

// VoterIdentity 选民名册中的身份记录，协调器只读
type VoterIdentity struct {
	VoterID         string `json:"voterId"`
	Identifier      string `json:"-"` // Aadhaar或同等证件号
	DistrictID      string `json:"districtId"`
	Role            string `json:"role"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	HasVoted        bool   `json:"hasVoted"`
	CredentialRef   string `json:"-"` // 已登记的secp256k1公钥(hex)
	FingerprintHash string `json:"-"`
}

// BiometricSample 由调用方从本地设备采集的生物特征样本
type BiometricSample struct {
	FaceImage           []byte `json:"faceImage"`
	FingerprintTemplate string `json:"fingerprintTemplate"`
}

// Challenge 凭证认证器签发的挑战
type Challenge struct {
	ID        string    `json:"id"`
	VoterID   string    `json:"voterId"`
	Nonce     []byte    `json:"nonce"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CredentialResponse 客户端对挑战的签名应答
type CredentialResponse struct {
	ChallengeID string `json:"challengeId"`
	Signature   []byte `json:"signature"`
}

// OtpRecord 验证码存储记录，只保存加盐哈希
type OtpRecord struct {
	Hash      string    `json:"hash"`
	Salt      string    `json:"salt"`
	IssuedAt  time.Time `json:"issuedAt"`
	Remaining int       `json:"remaining"`
}

// OtpDelivery 交给投递通道的验证码消息
type OtpDelivery struct {
	VoterID   string    `json:"voterId"`
	Code      string    `json:"code"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// OtpIssue 验证码签发结果，不含明文
type OtpIssue struct {
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Ballot 选票，一经接受不可修改
type Ballot struct {
	VoterID     string    `json:"voterId"`
	DistrictID  string    `json:"districtId"`
	CandidateID string    `json:"candidateId"`
	CastAt      time.Time `json:"castAt"`
}

// BallotEnvelope 区块payload的结构，district和时间公开，选择加密
type BallotEnvelope struct {
	DistrictID string `json:"district_id"`
	CastAt     int64  `json:"cast_at"`
	Sealed     []byte `json:"sealed"`
}

// Block 账本区块
type Block struct {
	Index        uint64    `json:"index"`
	CurrentHash  string    `json:"currentHash"`
	PreviousHash string    `json:"previousHash"`
	Timestamp    time.Time `json:"timestamp"`
	Payload      []byte    `json:"payload"`
}

// Receipt 选民回执，从账本按voter_id即时生成
type Receipt struct {
	DistrictID string    `json:"districtId"`
	CastAt     time.Time `json:"castAt"`
	BlockHash  string    `json:"blockHash"`
}

// BlockDetails 审计查询返回的非敏感区块信息
type BlockDetails struct {
	Index        uint64    `json:"index"`
	Hash         string    `json:"hash"`
	PreviousHash string    `json:"previousHash"`
	Timestamp    time.Time `json:"timestamp"`
	DistrictID   string    `json:"districtId"`
}

// AuditResult 审计校验结果
type AuditResult struct {
	Found bool          `json:"found"`
	Block *BlockDetails `json:"block,omitempty"`
}

// 审计事件类型
const (
	EventSessionReplaced      = "SESSION_REPLACED"
	EventFraudAttempt         = "FRAUD_ATTEMPT"
	EventOtpLockout           = "OTP_LOCKOUT"
	EventSessionExpired       = "SESSION_EXPIRED"
	EventSessionAbandoned     = "SESSION_ABANDONED"
	EventBallotCast           = "BALLOT_CAST"
	EventDuplicateBallot      = "DUPLICATE_BALLOT"
	EventChainIntegrityFailed = "CHAIN_INTEGRITY_FAILURE"
	EventElectionStateChanged = "ELECTION_STATE_CHANGED"
)

// AuditEvent 审计/欺诈日志事件
type AuditEvent struct {
	ID          int64     `json:"id"`
	EventType   string    `json:"eventType"`
	VoterID     string    `json:"voterId"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// CandidateTally 候选人得票
type CandidateTally struct {
	DistrictID  string `json:"districtId"`
	CandidateID string `json:"candidateId"`
	Votes       int    `json:"votes"`
}

// ElectionStats 选举统计
type ElectionStats struct {
	TotalBallots int               `json:"totalBallots"`
	Tallies      []*CandidateTally `json:"tallies"`
}
