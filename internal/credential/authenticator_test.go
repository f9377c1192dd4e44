package credential

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lvdashuaibi/securevote/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enroll(t *testing.T, template string) (*model.VoterIdentity, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	id := &model.VoterIdentity{
		VoterID:       "ABC123456",
		DistrictID:    "7",
		CredentialRef: hex.EncodeToString(crypto.FromECDSAPub(&key.PublicKey)),
	}
	if template != "" {
		id.FingerprintHash = FingerprintHash(template)
	}
	return id, key
}

func sign(t *testing.T, key *ecdsa.PrivateKey, ch *model.Challenge, sample *model.BiometricSample) *model.CredentialResponse {
	t.Helper()
	sig, err := crypto.Sign(ChallengeDigest(ch, sample), key)
	require.NoError(t, err)
	return &model.CredentialResponse{ChallengeID: ch.ID, Signature: sig}
}

func TestVerify_Success(t *testing.T) {
	ctx := context.Background()
	a := NewSignatureAuthenticator(time.Minute)
	id, key := enroll(t, "tmpl-1")
	sample := &model.BiometricSample{FaceImage: []byte("face"), FingerprintTemplate: "tmpl-1"}

	ch, err := a.IssueChallenge(ctx, id)
	require.NoError(t, err)
	assert.Len(t, ch.Nonce, nonceSize)

	ok, err := a.Verify(ctx, id, ch, sample, sign(t, key, ch, sample))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_ChallengeSingleUse(t *testing.T) {
	ctx := context.Background()
	a := NewSignatureAuthenticator(time.Minute)
	id, key := enroll(t, "")
	sample := &model.BiometricSample{FaceImage: []byte("face")}

	ch, _ := a.IssueChallenge(ctx, id)
	resp := sign(t, key, ch, sample)

	ok, _ := a.Verify(ctx, id, ch, sample, resp)
	require.True(t, ok)
	ok, _ = a.Verify(ctx, id, ch, sample, resp)
	assert.False(t, ok)
}

func TestVerify_WrongKey(t *testing.T) {
	ctx := context.Background()
	a := NewSignatureAuthenticator(time.Minute)
	id, _ := enroll(t, "")
	other, _ := crypto.GenerateKey()
	sample := &model.BiometricSample{FaceImage: []byte("face")}

	ch, _ := a.IssueChallenge(ctx, id)
	ok, err := a.Verify(ctx, id, ch, sample, sign(t, other, ch, sample))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_SampleSwapped(t *testing.T) {
	ctx := context.Background()
	a := NewSignatureAuthenticator(time.Minute)
	id, key := enroll(t, "")

	ch, _ := a.IssueChallenge(ctx, id)
	resp := sign(t, key, ch, &model.BiometricSample{FaceImage: []byte("face")})

	ok, _ := a.Verify(ctx, id, ch, &model.BiometricSample{FaceImage: []byte("someone-else")}, resp)
	assert.False(t, ok)
}

func TestVerify_FingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	a := NewSignatureAuthenticator(time.Minute)
	id, key := enroll(t, "enrolled")
	sample := &model.BiometricSample{FaceImage: []byte("face"), FingerprintTemplate: "forged"}

	ch, _ := a.IssueChallenge(ctx, id)
	ok, _ := a.Verify(ctx, id, ch, sample, sign(t, key, ch, sample))
	assert.False(t, ok)
}

func TestVerify_Expired(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	a := NewSignatureAuthenticator(time.Minute).WithClock(func() time.Time { return now })
	id, key := enroll(t, "")
	sample := &model.BiometricSample{FaceImage: []byte("face")}

	ch, _ := a.IssueChallenge(ctx, id)
	resp := sign(t, key, ch, sample)

	now = now.Add(2 * time.Minute)
	ok, _ := a.Verify(ctx, id, ch, sample, resp)
	assert.False(t, ok)
}

func TestVerify_EmptySample(t *testing.T) {
	ctx := context.Background()
	a := NewSignatureAuthenticator(time.Minute)
	id, key := enroll(t, "")
	sample := &model.BiometricSample{}

	ch, _ := a.IssueChallenge(ctx, id)
	ok, _ := a.Verify(ctx, id, ch, sample, sign(t, key, ch, sample))
	assert.False(t, ok)
}

func TestIssueChallenge_RequiresCredential(t *testing.T) {
	a := NewSignatureAuthenticator(time.Minute)
	_, err := a.IssueChallenge(context.Background(), &model.VoterIdentity{VoterID: "ABC123456"})
	assert.Error(t, err)
}

func TestFingerprintHash_StripsDataURI(t *testing.T) {
	assert.Equal(t, FingerprintHash("QUJD"), FingerprintHash("data:application/octet-stream;base64,QUJD"))
	assert.NotEqual(t, FingerprintHash("QUJD"), FingerprintHash("QUJE"))
}
