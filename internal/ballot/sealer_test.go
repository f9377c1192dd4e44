package ballot

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/lvdashuaibi/securevote/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer_SealOpen(t *testing.T) {
	s, err := NewSealer("secret")
	require.NoError(t, err)

	castAt := time.Unix(1700000000, 123)
	payload, err := s.Seal(&model.Ballot{
		VoterID:     "ABC123456",
		DistrictID:  "7",
		CandidateID: "C4",
		CastAt:      castAt,
	})
	require.NoError(t, err)

	assert.False(t, bytes.Contains(payload, []byte("ABC123456")))
	assert.False(t, bytes.Contains(payload, []byte("candidate")))

	env, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, "7", env.DistrictID)
	assert.Equal(t, castAt.UnixNano(), env.CastAt)

	b, err := s.Open(payload)
	require.NoError(t, err)
	assert.Equal(t, "C4", b.CandidateID)
	assert.Equal(t, "7", b.DistrictID)
	assert.Empty(t, b.VoterID)
	assert.True(t, castAt.Equal(b.CastAt))
}

func TestSealer_WrongSecret(t *testing.T) {
	s1, _ := NewSealer("one")
	s2, _ := NewSealer("two")

	payload, err := s1.Seal(&model.Ballot{DistrictID: "7", CandidateID: "C4", CastAt: time.Now()})
	require.NoError(t, err)

	_, err = s2.Open(payload)
	assert.Error(t, err)
}

func TestSealer_MovedDistrictRejected(t *testing.T) {
	s, _ := NewSealer("secret")
	payload, err := s.Seal(&model.Ballot{DistrictID: "7", CandidateID: "C4", CastAt: time.Now()})
	require.NoError(t, err)

	var env model.BallotEnvelope
	require.NoError(t, json.Unmarshal(payload, &env))
	env.DistrictID = "8"
	forged, _ := json.Marshal(env)

	_, err = s.Open(forged)
	assert.Error(t, err)
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	_, err := DecodeEnvelope(nil)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeEnvelope([]byte("{"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewSealer_EmptySecret(t *testing.T) {
	_, err := NewSealer("")
	assert.Error(t, err)
}
