package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	s := NewService("secret", time.Hour)
	s.RegisterOperator("ops", "hunter2")

	tok, err := s.GenerateToken(Credentials{APIKey: "ops", APISecret: "hunter2"})
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)

	claims, err := s.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Operator)
	assert.True(t, claims.Can(PermTrade))
	assert.False(t, claims.Can("admin"))
}

func TestGenerateTokenRejectsBadCredentials(t *testing.T) {
	s := NewService("secret", time.Hour)
	s.RegisterOperator("ops", "hunter2")
	s.RegisterOperator("", "")

	for _, creds := range []Credentials{
		{APIKey: "ops", APISecret: "wrong"},
		{APIKey: "nobody", APISecret: "hunter2"},
		{},
	} {
		_, err := s.GenerateToken(creds)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
}

func TestValidateTokenFailures(t *testing.T) {
	s := NewService("secret", time.Hour)
	tok, err := s.IssueToken("ops", PermRead)
	require.NoError(t, err)

	other := NewService("other-secret", time.Hour)
	_, err = other.ValidateToken(tok.Token)
	assert.Error(t, err, "wrong secret")

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.ValidateToken(tok.Token)
	assert.Error(t, err, "expired")

	_, err = s.ValidateToken("not-a-token")
	assert.Error(t, err)
}
