package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "abcd"))
	assert.True(t, SecureCompare("", ""))
}

func TestGenerateSecureToken(t *testing.T) {
	a, err := GenerateSecureToken(32)
	require.NoError(t, err)
	b, err := GenerateSecureToken(32)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43, "32 bytes base64url without padding")
	assert.NotContains(t, a, "=")
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("some-token")
	assert.Len(t, fp, 64, "hex sha256")
	assert.Equal(t, fp, Fingerprint("some-token"))
	assert.NotEqual(t, fp, Fingerprint("some-other-token"))
}
