package graph

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/lvdashuaibi/securevote/internal/model"
	"github.com/lvdashuaibi/securevote/internal/service"
)

// Resolver GraphQL解析器，查询和变更共用
type Resolver struct {
	coord *service.Coordinator
}

func NewResolver(coord *service.Coordinator) *Resolver {
	return &Resolver{coord: coord}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// BeginAuthentication 开始认证，返回挑战
func (r *Resolver) BeginAuthentication(ctx context.Context, args struct{ VoterID, Identifier string }) (*ChallengeResolver, error) {
	ch, err := r.coord.BeginAuthentication(ctx, args.VoterID, args.Identifier)
	if err != nil {
		return nil, err
	}
	return &ChallengeResolver{ch: ch}, nil
}

type BiometricInput struct {
	FaceImage           string
	FingerprintTemplate string
}

type CredentialInput struct {
	ChallengeID graphql.ID
	Signature   string
}

// SubmitCredentialResponse 提交挑战应答和生物特征样本
func (r *Resolver) SubmitCredentialResponse(ctx context.Context, args struct {
	VoterID  string
	Sample   BiometricInput
	Response CredentialInput
}) (bool, error) {
	face, err := base64.StdEncoding.DecodeString(args.Sample.FaceImage)
	if err != nil {
		return false, service.ErrInvalidRequest
	}
	sig, err := base64.StdEncoding.DecodeString(args.Response.Signature)
	if err != nil {
		return false, service.ErrInvalidRequest
	}

	sample := &model.BiometricSample{FaceImage: face, FingerprintTemplate: args.Sample.FingerprintTemplate}
	resp := &model.CredentialResponse{ChallengeID: string(args.Response.ChallengeID), Signature: sig}
	if err := r.coord.SubmitCredentialResponse(ctx, args.VoterID, sample, resp); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Resolver) RequestOtp(ctx context.Context, args struct{ VoterID string }) (*OtpIssueResolver, error) {
	issue, err := r.coord.RequestOtp(ctx, args.VoterID)
	if err != nil {
		return nil, err
	}
	return &OtpIssueResolver{issue: issue}, nil
}

func (r *Resolver) ConfirmOtp(ctx context.Context, args struct{ VoterID, Code string }) (bool, error) {
	if err := r.coord.ConfirmOtp(ctx, args.VoterID, args.Code); err != nil {
		return false, err
	}
	return true, nil
}

// FinalizeBallot 投票，重复投票的错误在 extensions.receipt 中带回原回执
func (r *Resolver) FinalizeBallot(ctx context.Context, args struct{ VoterID, CandidateID string }) (*ReceiptResolver, error) {
	receipt, err := r.coord.FinalizeBallot(ctx, args.VoterID, args.CandidateID)
	if err != nil {
		return nil, err
	}
	return &ReceiptResolver{receipt: receipt}, nil
}

func (r *Resolver) AbandonSession(ctx context.Context, args struct{ VoterID string }) (bool, error) {
	if err := r.coord.AbandonSession(ctx, args.VoterID); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Resolver) SetElectionActive(ctx context.Context, args struct {
	ActorID string
	Active  bool
}) (bool, error) {
	if err := r.coord.SetElectionActive(ctx, args.ActorID, args.Active); err != nil {
		return false, err
	}
	return args.Active, nil
}

func (r *Resolver) SessionStatus(ctx context.Context, args struct{ VoterID string }) (*SessionStatusResolver, error) {
	view, err := r.coord.SessionStatus(args.VoterID)
	if err != nil {
		return nil, err
	}
	return &SessionStatusResolver{view: view}, nil
}

func (r *Resolver) Receipt(ctx context.Context, args struct{ VoterID string }) (*ReceiptResolver, error) {
	receipt, err := r.coord.GetReceipt(ctx, args.VoterID)
	if err != nil {
		return nil, err
	}
	return &ReceiptResolver{receipt: receipt}, nil
}

func (r *Resolver) VerifyBlock(ctx context.Context, args struct{ Hash string }) (*AuditResultResolver, error) {
	res, err := r.coord.VerifyBlock(ctx, args.Hash)
	if err != nil {
		return nil, err
	}
	return &AuditResultResolver{result: res}, nil
}

func (r *Resolver) Blocks(ctx context.Context) ([]*BlockResolver, error) {
	blocks, err := r.coord.Blocks(ctx)
	if err != nil {
		return nil, err
	}
	resolvers := make([]*BlockResolver, len(blocks))
	for i, b := range blocks {
		resolvers[i] = &BlockResolver{block: b}
	}
	return resolvers, nil
}

func (r *Resolver) Stats(ctx context.Context) (*StatsResolver, error) {
	stats, err := r.coord.ElectionStats(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsResolver{stats: stats}, nil
}

func (r *Resolver) ChainValid(ctx context.Context) (bool, error) {
	return r.coord.ChainValid(ctx)
}

func (r *Resolver) ElectionActive(ctx context.Context) (bool, error) {
	return r.coord.ElectionActive(ctx)
}

func (r *Resolver) AuditLogs(ctx context.Context, args struct {
	ActorID string
	Limit   *int32
}) ([]*AuditEventResolver, error) {
	limit := 0
	if args.Limit != nil {
		limit = int(*args.Limit)
	}
	events, err := r.coord.AuditLogs(ctx, args.ActorID, limit)
	if err != nil {
		return nil, err
	}
	resolvers := make([]*AuditEventResolver, len(events))
	for i, e := range events {
		resolvers[i] = &AuditEventResolver{event: e}
	}
	return resolvers, nil
}

// ChallengeResolver 挑战解析器
type ChallengeResolver struct {
	ch *model.Challenge
}

func (r *ChallengeResolver) ID() graphql.ID    { return graphql.ID(r.ch.ID) }
func (r *ChallengeResolver) VoterID() string   { return r.ch.VoterID }
func (r *ChallengeResolver) Nonce() string     { return base64.StdEncoding.EncodeToString(r.ch.Nonce) }
func (r *ChallengeResolver) IssuedAt() string  { return formatTime(r.ch.IssuedAt) }
func (r *ChallengeResolver) ExpiresAt() string { return formatTime(r.ch.ExpiresAt) }

type OtpIssueResolver struct {
	issue *model.OtpIssue
}

func (r *OtpIssueResolver) IssuedAt() string  { return formatTime(r.issue.IssuedAt) }
func (r *OtpIssueResolver) ExpiresAt() string { return formatTime(r.issue.ExpiresAt) }

// ReceiptResolver 回执解析器
type ReceiptResolver struct {
	receipt *model.Receipt
}

func (r *ReceiptResolver) DistrictID() string { return r.receipt.DistrictID }
func (r *ReceiptResolver) CastAt() string     { return formatTime(r.receipt.CastAt) }
func (r *ReceiptResolver) BlockHash() string  { return r.receipt.BlockHash }

type SessionStatusResolver struct {
	view *service.SessionView
}

func (r *SessionStatusResolver) VoterID() string    { return r.view.VoterID }
func (r *SessionStatusResolver) State() string      { return string(r.view.State) }
func (r *SessionStatusResolver) EnteredAt() string  { return formatTime(r.view.EnteredAt) }
func (r *SessionStatusResolver) ExpiresAt() string  { return formatTime(r.view.ExpiresAt) }
func (r *SessionStatusResolver) OtpAttempts() int32 { return int32(r.view.OtpAttempts) }

// BlockResolver 区块解析器，只暴露非敏感字段
type BlockResolver struct {
	block *model.BlockDetails
}

func (r *BlockResolver) Index() int32         { return int32(r.block.Index) }
func (r *BlockResolver) Hash() string         { return r.block.Hash }
func (r *BlockResolver) PreviousHash() string { return r.block.PreviousHash }
func (r *BlockResolver) Timestamp() string    { return formatTime(r.block.Timestamp) }

func (r *BlockResolver) DistrictID() *string {
	if r.block.DistrictID == "" {
		return nil
	}
	return &r.block.DistrictID
}

type AuditResultResolver struct {
	result *model.AuditResult
}

func (r *AuditResultResolver) Found() bool { return r.result.Found }

func (r *AuditResultResolver) Block() *BlockResolver {
	if r.result.Block == nil {
		return nil
	}
	return &BlockResolver{block: r.result.Block}
}

type StatsResolver struct {
	stats *model.ElectionStats
}

func (r *StatsResolver) TotalBallots() int32 { return int32(r.stats.TotalBallots) }

func (r *StatsResolver) Tallies() []*TallyResolver {
	resolvers := make([]*TallyResolver, len(r.stats.Tallies))
	for i, t := range r.stats.Tallies {
		resolvers[i] = &TallyResolver{tally: t}
	}
	return resolvers
}

type TallyResolver struct {
	tally *model.CandidateTally
}

func (r *TallyResolver) DistrictID() string  { return r.tally.DistrictID }
func (r *TallyResolver) CandidateID() string { return r.tally.CandidateID }
func (r *TallyResolver) Votes() int32        { return int32(r.tally.Votes) }

type AuditEventResolver struct {
	event *model.AuditEvent
}

func (r *AuditEventResolver) ID() graphql.ID {
	return graphql.ID(strconv.FormatInt(r.event.ID, 10))
}

func (r *AuditEventResolver) EventType() string   { return r.event.EventType }
func (r *AuditEventResolver) VoterID() string     { return r.event.VoterID }
func (r *AuditEventResolver) Description() string { return r.event.Description }
func (r *AuditEventResolver) OccurredAt() string  { return formatTime(r.event.OccurredAt) }
