package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-32-characters!!"

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWT(7, "alice", "user", testSecret)
	require.NoError(t, err)

	claims, err := ValidateJWT(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestJWTWrongSecret(t *testing.T) {
	token, err := GenerateJWT(7, "alice", "user", testSecret)
	require.NoError(t, err)

	_, err = ValidateJWT(token, "another-secret")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.True(t, CheckPassword("hunter22", hash))
	assert.False(t, CheckPassword("hunter23", hash))
}
