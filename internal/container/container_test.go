package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinalos/internal/defs"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog")
	out, rc := Encrypt(plain, "correct horse battery staple", defs.Secret)
	require.Equal(t, defs.Err_t(0), rc)

	got, header, rc := Decrypt(out, "correct horse battery staple")
	require.Equal(t, defs.Err_t(0), rc)
	assert.Equal(t, plain, got)
	assert.Equal(t, defs.Secret, header.Classification)
	assert.Equal(t, uint64(len(plain)), header.PlaintextLen)
}

func TestDecryptWithWrongPasswordIsInvalid(t *testing.T) {
	out, rc := Encrypt([]byte("secret payload"), "right-password", defs.TopSecret)
	require.Equal(t, defs.Err_t(0), rc)

	_, _, rc = Decrypt(out, "wrong-password")
	assert.Equal(t, defs.EINVALID, rc, "a wrong key must fail the payload checksum")
}

func TestDecryptRejectsCorruptedHeader(t *testing.T) {
	out, rc := Encrypt([]byte("data"), "pw", defs.Unclassified)
	require.Equal(t, defs.Err_t(0), rc)
	out[0] = 'X' // corrupt the magic
	_, _, rc = Decrypt(out, "pw")
	assert.Equal(t, defs.EINVALID, rc)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	out, rc := Encrypt([]byte("data"), "pw", defs.Unclassified)
	require.Equal(t, defs.Err_t(0), rc)
	out[len(out)-1] ^= 0xFF
	_, _, rc = Decrypt(out, "pw")
	assert.Equal(t, defs.EINVALID, rc, "a flipped ciphertext byte must fail the payload checksum")
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	out, rc := Encrypt(nil, "pw", defs.Unclassified)
	require.Equal(t, defs.Err_t(0), rc)
	got, _, rc := Decrypt(out, "pw")
	require.Equal(t, defs.Err_t(0), rc)
	assert.Empty(t, got)
}
