// Package credential 实现公钥挑战/应答认证。
//
// 客户端用登记的secp256k1私钥对 keccak256(nonce || voter_id || biometric_digest) 签名，
// 服务端从签名恢复公钥并与登记的公钥比对。生物特征摘要把签名绑定到本次采集。
package credential

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/securevote/internal/model"
	"golang.org/x/crypto/sha3"
)

const nonceSize = 32

// SignatureAuthenticator 签发一次性挑战并校验签名应答
type SignatureAuthenticator struct {
	mu      sync.Mutex
	pending map[string]*model.Challenge // 挑战ID -> 挑战
	ttl     time.Duration
	now     func() time.Time
}

func NewSignatureAuthenticator(ttl time.Duration) *SignatureAuthenticator {
	return &SignatureAuthenticator{
		pending: make(map[string]*model.Challenge),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock 替换时钟，测试使用
func (a *SignatureAuthenticator) WithClock(now func() time.Time) *SignatureAuthenticator {
	a.now = now
	return a
}

func (a *SignatureAuthenticator) IssueChallenge(ctx context.Context, identity *model.VoterIdentity) (*model.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if identity.CredentialRef == "" {
		return nil, fmt.Errorf("选民 %s 未登记凭证", identity.VoterID)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("生成挑战随机数失败: %w", err)
	}

	now := a.now()
	ch := &model.Challenge{
		ID:        uuid.NewString(),
		VoterID:   identity.VoterID,
		Nonce:     nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.ttl),
	}

	a.mu.Lock()
	a.prune(now)
	a.pending[ch.ID] = ch
	a.mu.Unlock()

	c := *ch
	return &c, nil
}

// Verify 校验应答，挑战无论成败都只能使用一次
func (a *SignatureAuthenticator) Verify(ctx context.Context, identity *model.VoterIdentity, challenge *model.Challenge, sample *model.BiometricSample, resp *model.CredentialResponse) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if challenge == nil || resp == nil || resp.ChallengeID != challenge.ID {
		return false, nil
	}

	a.mu.Lock()
	pending, ok := a.pending[challenge.ID]
	delete(a.pending, challenge.ID)
	a.mu.Unlock()

	if !ok || pending.VoterID != identity.VoterID || !bytes.Equal(pending.Nonce, challenge.Nonce) {
		return false, nil
	}
	if !a.now().Before(pending.ExpiresAt) {
		return false, nil
	}
	if sample == nil || (len(sample.FaceImage) == 0 && sample.FingerprintTemplate == "") {
		return false, nil
	}
	if identity.FingerprintHash != "" {
		got := FingerprintHash(sample.FingerprintTemplate)
		if subtle.ConstantTimeCompare([]byte(got), []byte(identity.FingerprintHash)) != 1 {
			return false, nil
		}
	}

	enrolled, err := hex.DecodeString(strings.TrimPrefix(identity.CredentialRef, "0x"))
	if err != nil {
		return false, fmt.Errorf("登记公钥格式错误: %w", err)
	}

	digest := ChallengeDigest(pending, sample)
	pub, err := crypto.SigToPub(digest, resp.Signature)
	if err != nil {
		return false, nil
	}
	return subtle.ConstantTimeCompare(crypto.FromECDSAPub(pub), enrolled) == 1, nil
}

func (a *SignatureAuthenticator) prune(now time.Time) {
	for id, ch := range a.pending {
		if !now.Before(ch.ExpiresAt) {
			delete(a.pending, id)
		}
	}
}

// ChallengeDigest 客户端需要签名的摘要
func ChallengeDigest(challenge *model.Challenge, sample *model.BiometricSample) []byte {
	return crypto.Keccak256(challenge.Nonce, []byte(challenge.VoterID), BiometricDigest(sample))
}

// BiometricDigest 人脸图像和指纹模板的sha3-256摘要
func BiometricDigest(sample *model.BiometricSample) []byte {
	h := sha3.New256()
	if sample != nil {
		h.Write(sample.FaceImage)
		h.Write([]byte{0})
		h.Write([]byte(stripDataURI(sample.FingerprintTemplate)))
	}
	return h.Sum(nil)
}

// FingerprintHash 登记时保存的指纹模板哈希
func FingerprintHash(template string) string {
	sum := sha256.Sum256([]byte(stripDataURI(template)))
	return hex.EncodeToString(sum[:])
}

// 扫描仪可能返回 data:...;base64, 前缀
func stripDataURI(s string) string {
	if i := strings.Index(s, ","); i >= 0 && strings.HasPrefix(s, "data:") {
		return s[i+1:]
	}
	return s
}
