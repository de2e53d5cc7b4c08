package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext []byte
		aad       []byte
	}{
		{name: "with aad", plaintext: []byte("tremor severity 4"), aad: []byte("data-1")},
		{name: "empty plaintext", plaintext: []byte{}, aad: []byte("data-2")},
		{name: "no aad", plaintext: make([]byte, 10000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nonce, ct, err := Seal(key, tt.plaintext, tt.aad)
			require.NoError(t, err)
			got, err := Open(key, nonce, ct, tt.aad)
			require.NoError(t, err)
			assert.Equal(t, len(tt.plaintext), len(got))
			assert.Equal(t, string(tt.plaintext), string(got))
		})
	}
}

func TestOpen_Failures(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	nonce, ct, err := Seal(key, []byte("secret"), []byte("aad"))
	require.NoError(t, err)

	_, err = Open(other, nonce, ct, []byte("aad"))
	assert.Error(t, err, "wrong key")

	_, err = Open(key, nonce, ct, []byte("other"))
	assert.Error(t, err, "wrong aad")

	ct[0] ^= 0x01
	_, err = Open(key, nonce, ct, []byte("aad"))
	assert.Error(t, err, "tampered ciphertext")

	_, err = Open(key, nonce[:4], ct, nil)
	assert.Error(t, err, "short nonce")

	_, _, err = Seal([]byte("short"), []byte("x"), nil)
	assert.Error(t, err)
}

func TestMAC(t *testing.T) {
	tag := MAC([]byte("k"), []byte("msg"))
	assert.True(t, VerifyMAC([]byte("k"), []byte("msg"), tag))
	assert.False(t, VerifyMAC([]byte("k"), []byte("msg2"), tag))
	assert.False(t, VerifyMAC([]byte("k2"), []byte("msg"), tag))
	assert.Len(t, ContentHash([]byte("x")), 64)
}
