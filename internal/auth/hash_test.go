package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestIsDeterministic(t *testing.T) {
	h, err := NewHasher([]byte("pepper"))
	require.NoError(t, err)

	salt, err := h.GenerateSalt()
	require.NoError(t, err)

	d1 := h.Digest("hunter2", salt)
	d2 := h.Digest("hunter2", salt)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64, "32-byte digest hex encoded")
}

func TestDigestVariesWithSaltAndPepper(t *testing.T) {
	h1, err := NewHasher([]byte("pepper-a"))
	require.NoError(t, err)
	h2, err := NewHasher([]byte("pepper-b"))
	require.NoError(t, err)

	s1, err := h1.GenerateSalt()
	require.NoError(t, err)
	s2, err := h1.GenerateSalt()
	require.NoError(t, err)
	require.NotEqual(t, s1, s2)

	assert.NotEqual(t, h1.Digest("pw", s1), h1.Digest("pw", s2), "salt must matter")
	assert.NotEqual(t, h1.Digest("pw", s1), h2.Digest("pw", s1), "pepper must matter")
}

func TestVerify(t *testing.T) {
	h, err := NewHasher([]byte("pepper"))
	require.NoError(t, err)

	salt, err := h.GenerateSalt()
	require.NoError(t, err)
	digest := h.Digest("correct horse", salt)

	assert.True(t, h.Verify("correct horse", salt, digest))
	assert.False(t, h.Verify("wrong horse", salt, digest))
	assert.False(t, h.Verify("correct horse", []byte("other salt 1234"), digest))
}

func TestNewHasherRequiresPepper(t *testing.T) {
	_, err := NewHasher(nil)
	assert.Error(t, err)
}
