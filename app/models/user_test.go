package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserIssueAPIKey(t *testing.T) {
	u := &User{}

	key, err := u.IssueAPIKey()
	require.NoError(t, err)
	require.NotEmpty(t, key)
	assert.True(t, strings.HasPrefix(key, "nbc_"))

	assert.NotEmpty(t, u.APIKeyHash)
	assert.NotEmpty(t, u.APIKeyPrefix)
	assert.NotNil(t, u.APIKeyCreatedAt)
	assert.Nil(t, u.APIKeyLastUsedAt)
	assert.True(t, u.HasActiveAPIKey())
	assert.Equal(t, HashAPIKey(key), u.APIKeyHash)
}

func TestUserRevokeAPIKey(t *testing.T) {
	u := &User{}
	_, err := u.IssueAPIKey()
	require.NoError(t, err)

	u.RevokeAPIKey()

	assert.False(t, u.HasActiveAPIKey())
	assert.Equal(t, "", u.APIKeyHash)
	assert.Equal(t, "", u.APIKeyPrefix)
	assert.NotNil(t, u.APIKeyRevokedAt)
}

func TestUserReissueAfterRevoke(t *testing.T) {
	u := &User{}
	first, err := u.IssueAPIKey()
	require.NoError(t, err)
	u.RevokeAPIKey()

	second, err := u.IssueAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.True(t, u.HasActiveAPIKey())
	assert.Nil(t, u.APIKeyRevokedAt)
}

func TestCreateUserDefaults(t *testing.T) {
	u, err := CreateUser("mila", "mila@example.com", "s3cret-pass")
	require.NoError(t, err)

	assert.Equal(t, ROLE_USER, u.Role)
	assert.Equal(t, STATUS_ACTIVE, u.Status)
	assert.Equal(t, PlanFree, u.Plan)
	assert.NotEqual(t, "s3cret-pass", u.Password)
	assert.True(t, u.CheckPassword("s3cret-pass"))
	assert.False(t, u.CheckPassword("wrong"))
}

func TestHasUnexpiredPremium(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	free := &User{Plan: PlanFree}
	assert.False(t, free.HasUnexpiredPremium(now))

	expired := &User{Plan: PlanPremium, PlanExpiresAt: &past}
	assert.False(t, expired.HasUnexpiredPremium(now))

	active := &User{Plan: PlanPremium, PlanExpiresAt: &future}
	assert.True(t, active.HasUnexpiredPremium(now))

	// Grants without an expiry never lapse.
	open := &User{Plan: PlanPremium}
	assert.True(t, open.HasUnexpiredPremium(now))
}
