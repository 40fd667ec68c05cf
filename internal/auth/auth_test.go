package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("s3cret")
	token, err := v.Issue(Identity{UserID: 42, Username: "alice"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 42, Username: "alice"}, id)
}

func TestVerifyRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := NewVerifier("other").Issue(Identity{UserID: 1, Username: "a"}, time.Hour)
	require.NoError(t, err)
	_, err = NewVerifier("s3cret").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewVerifier("s3cret").Issue(Identity{UserID: 1, Username: "a"}, -time.Minute)
	require.NoError(t, err)
	_, err = NewVerifier("s3cret").Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRequiresClaims(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 3}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = NewVerifier("k").Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer")
	assert.False(t, ok)
}
