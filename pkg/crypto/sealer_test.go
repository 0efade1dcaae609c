package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(seed byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer(map[int][]byte{1: testKey(0)})
	require.NoError(t, err)

	for _, secret := range []string{"", "2f1c6a0e-8f5e-4b4c-9a57-1c0d9c1e9a11", "unicode ✓"} {
		sealed, err := s.Seal(secret)
		require.NoError(t, err)
		assert.True(t, IsSealed(sealed))
		assert.Equal(t, 1, ParseVersion(sealed))

		plain, err := s.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, secret, plain)
	}
}

func TestOpenPassesThroughPlaintext(t *testing.T) {
	s, err := NewSealer(map[int][]byte{1: testKey(0)})
	require.NoError(t, err)

	plain, err := s.Open("not-sealed")
	require.NoError(t, err)
	assert.Equal(t, "not-sealed", plain)
}

func TestRotationKeepsOldVersionsReadable(t *testing.T) {
	old, err := NewSealer(map[int][]byte{1: testKey(0)})
	require.NoError(t, err)
	sealed, err := old.Seal("secret")
	require.NoError(t, err)

	rotated, err := NewSealer(map[int][]byte{1: testKey(0), 2: testKey(7)})
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.CurrentVersion())

	plain, err := rotated.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)

	resealed, err := rotated.Seal(plain)
	require.NoError(t, err)
	assert.Equal(t, 2, ParseVersion(resealed))
}

func TestOpenRejectsTamperedValue(t *testing.T) {
	s, err := NewSealer(map[int][]byte{1: testKey(0)})
	require.NoError(t, err)
	sealed, err := s.Seal("secret")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-4] + "AAAA"
	_, err = s.Open(tampered)
	assert.Error(t, err)
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	_, err := NewSealer(map[int][]byte{1: []byte("short")})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestNewSealerFromEnv(t *testing.T) {
	t.Setenv("TEST_SEAL_KEY", "")
	_, err := NewSealerFromEnv("TEST_SEAL_KEY")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	k, err := GenerateKey()
	require.NoError(t, err)
	t.Setenv("TEST_SEAL_KEY", k)
	s, err := NewSealerFromEnv("TEST_SEAL_KEY")
	require.NoError(t, err)
	assert.Equal(t, 1, s.CurrentVersion())
}
