// Package ballot 负责选票在账本payload中的封装。
//
// payload是公开的 {district_id, cast_at} 加上AES-GCM加密的候选人选择，
// 选民身份不进入payload。
package ballot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lvdashuaibi/securevote/internal/model"
)

var ErrMalformed = errors.New("选票payload格式错误")

type sealedChoice struct {
	CandidateID string `json:"candidate_id"`
}

// Sealer 加密和解密选票选择
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer 由配置的密钥派生AES-256密钥
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("封装密钥不能为空")
	}
	block, err := aes.NewCipher(crypto.Keccak256([]byte(secret)))
	if err != nil {
		return nil, fmt.Errorf("创建AES失败: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("创建GCM失败: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// 公开字段作为附加数据，密文不能被挪到别的选区
func additionalData(districtID string, castAt int64) []byte {
	return []byte(districtID + "|" + strconv.FormatInt(castAt, 10))
}

// Seal 生成区块payload
func (s *Sealer) Seal(b *model.Ballot) ([]byte, error) {
	plain, err := json.Marshal(sealedChoice{CandidateID: b.CandidateID})
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("生成随机数失败: %w", err)
	}

	castAt := b.CastAt.UnixNano()
	env := model.BallotEnvelope{
		DistrictID: b.DistrictID,
		CastAt:     castAt,
		Sealed:     s.aead.Seal(nonce, nonce, plain, additionalData(b.DistrictID, castAt)),
	}
	return json.Marshal(env)
}

// Open 解出选区和候选人，返回的Ballot不含选民身份
func (s *Sealer) Open(payload []byte) (*model.Ballot, error) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}

	nonceSize := s.aead.NonceSize()
	if len(env.Sealed) < nonceSize {
		return nil, ErrMalformed
	}
	nonce, ciphertext := env.Sealed[:nonceSize], env.Sealed[nonceSize:]
	plain, err := s.aead.Open(nil, nonce, ciphertext, additionalData(env.DistrictID, env.CastAt))
	if err != nil {
		return nil, fmt.Errorf("解密选票失败: %w", err)
	}

	var choice sealedChoice
	if err := json.Unmarshal(plain, &choice); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &model.Ballot{
		DistrictID:  env.DistrictID,
		CandidateID: choice.CandidateID,
		CastAt:      time.Unix(0, env.CastAt),
	}, nil
}

// DecodeEnvelope 只解析公开字段，不需要密钥
func DecodeEnvelope(payload []byte) (*model.BallotEnvelope, error) {
	if len(payload) == 0 {
		return nil, ErrMalformed
	}
	var env model.BallotEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}
