package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-runner/internal/auth"
)

func TestIssueAndValidateToken(t *testing.T) {
	mgr := auth.NewManager("test-secret", time.Hour)

	token, err := mgr.IssueToken("operator-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Operator)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	mgr := auth.NewManager("test-secret", -time.Minute)

	token, err := mgr.IssueToken("operator-1")
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	mgr := auth.NewManager("secret-a", time.Hour)
	token, err := mgr.IssueToken("operator-1")
	require.NoError(t, err)

	other := auth.NewManager("secret-b", time.Hour)
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
