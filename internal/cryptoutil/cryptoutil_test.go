package cryptoutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestAESGCM_SealOpen(t *testing.T) {
	s, err := NewAESGCM(testKey())
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("refresh-token"), "subject-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "v1:"))
	assert.NotContains(t, sealed, "refresh-token")

	pt, err := s.Open(sealed, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-token", string(pt))

	// Nonces differ per call.
	again, err := s.Seal([]byte("refresh-token"), "subject-1")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestAESGCM_ContextIsBound(t *testing.T) {
	s, err := NewAESGCM(testKey())
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("refresh-token"), "subject-1")
	require.NoError(t, err)

	_, err = s.Open(sealed, "subject-2")
	require.Error(t, err)
}

func TestAESGCM_OpensPlainValues(t *testing.T) {
	s, err := NewAESGCM(testKey())
	require.NoError(t, err)

	plain, err := Plain{}.Seal([]byte("legacy"), "subject-1")
	require.NoError(t, err)

	pt, err := s.Open(plain, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, "legacy", string(pt))
}

func TestAESGCM_Rejects(t *testing.T) {
	_, err := NewAESGCM([]byte("short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be 32 bytes")

	s, err := NewAESGCM(testKey())
	require.NoError(t, err)

	_, err = s.Open("v2:abcd", "x")
	require.ErrorIs(t, err, ErrUnknownFormat)
	_, err = s.Open("v1:!!!", "x")
	require.Error(t, err)
	_, err = s.Open("v1:YQ==", "x")
	require.Error(t, err)
}

func TestNewSealer(t *testing.T) {
	s, err := NewSealer("")
	require.NoError(t, err)
	assert.IsType(t, Plain{}, s)

	s, err = NewSealer(strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.IsType(t, &AESGCM{}, s)

	s, err = NewSealer("a passphrase")
	require.NoError(t, err)
	sealed, err := s.Seal([]byte("x"), "ctx")
	require.NoError(t, err)

	// The same passphrase derives the same key.
	other, err := NewSealer("a passphrase")
	require.NoError(t, err)
	pt, err := other.Open(sealed, "ctx")
	require.NoError(t, err)
	assert.Equal(t, "x", string(pt))
}

func TestSealStringPassesEmptyThrough(t *testing.T) {
	s, err := NewAESGCM(testKey())
	require.NoError(t, err)

	out, err := SealString(s, "", "ctx")
	require.NoError(t, err)
	assert.Empty(t, out)

	sealed, err := SealString(s, "token", "ctx")
	require.NoError(t, err)
	opened, err := OpenString(s, sealed, "ctx")
	require.NoError(t, err)
	assert.Equal(t, "token", opened)

	_, err = Plain{}.Open("v1:abc", "ctx")
	require.ErrorIs(t, err, ErrUnknownFormat)
}
