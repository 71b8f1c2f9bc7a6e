package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ksred/bracketd/internal/auth"
	"github.com/ksred/bracketd/internal/commission"
	"github.com/ksred/bracketd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) []byte {
	t.Setenv("BRACKETD_DATABASE_PATH", filepath.Join(t.TempDir(), "bracketd.db"))
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"--config", ""}, args...))
	require.NoError(t, cmd.Execute())
	return out.Bytes()
}

func TestTokenCommand(t *testing.T) {
	out := run(t, "token", "--operator", "ops", "--read-only")

	var tok auth.TokenResponse
	require.NoError(t, json.Unmarshal(out, &tok))

	def := config.Default()
	claims, err := auth.NewService(def.HTTP.JWTSecret, def.HTTP.TokenTTL).ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Operator)
	assert.True(t, claims.Can(auth.PermRead))
	assert.False(t, claims.Can(auth.PermTrade))
}

func TestReconcileCommissionsWithNothingToDo(t *testing.T) {
	out := run(t, "reconcile-commissions")

	var sum commission.Summary
	require.NoError(t, json.Unmarshal(out, &sum))
	assert.Equal(t, commission.Summary{}, sum)
}

func TestOrderStatusRequiresArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"order-status", "BTCUSDT"})
	cmd.SetOut(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
