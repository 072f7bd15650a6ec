package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("thisis32byteslongsecretkey123456")

func TestSealOpen(t *testing.T) {
	plaintext := []byte(`{"id":"ada","details":[]}`)

	sealed, err := Seal(plaintext, testKey)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "ada")

	again, err := Seal(plaintext, testKey)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "every seal uses a fresh nonce")

	opened, err := Open(sealed, testKey)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestOpenWithWrongKey(t *testing.T) {
	sealed, err := Seal([]byte("Secret message"), testKey)
	require.NoError(t, err)

	_, err = Open(sealed, []byte("another32byteslongsecretkey65432"))
	assert.ErrorIs(t, err, ErrTampered)
}

func TestInvalidKeySize(t *testing.T) {
	_, err := Seal([]byte("test"), []byte("shortkey"))
	assert.ErrorIs(t, err, ErrKeySize)

	_, err = Open([]byte("0123456789abcdef"), []byte("shortkey"))
	assert.ErrorIs(t, err, ErrKeySize)
}

func TestOpenMalformed(t *testing.T) {
	_, err := Open([]byte("not-hex"), testKey)
	assert.Error(t, err)

	// Shorter than the 12 byte GCM nonce.
	_, err = Open([]byte("abcdef"), testKey)
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey(string(testKey))
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	key, err = ParseKey(strings.Repeat("ab", KeySize))
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	_, err = ParseKey("too short")
	assert.ErrorIs(t, err, ErrKeySize)
	_, err = ParseKey(strings.Repeat("zz", KeySize))
	assert.ErrorIs(t, err, ErrKeySize)
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)
	require.NotNil(t, cert.PrivateKey)
	require.NotNil(t, cert.Leaf)
	assert.Contains(t, cert.Leaf.DNSNames, "localhost")
	assert.Len(t, cert.Leaf.IPAddresses, 2)

	custom, err := GenerateSelfSignedCert("abook.internal")
	require.NoError(t, err)
	assert.Equal(t, []string{"abook.internal"}, custom.Leaf.DNSNames)
}
