package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handshake(t *testing.T) ([]byte, []byte) {
	t.Helper()
	clientPriv, err := GenerateX25519Keypair()
	require.NoError(t, err)
	serverPriv, err := GenerateX25519Keypair()
	require.NoError(t, err)

	clientKey, err := DeriveSharedKey(clientPriv, serverPriv.PublicKey(), nil, []byte("aico-gateway-session"))
	require.NoError(t, err)
	serverKey, err := DeriveSharedKey(serverPriv, clientPriv.PublicKey(), nil, []byte("aico-gateway-session"))
	require.NoError(t, err)
	return clientKey, serverKey
}

func TestHandshakeDerivesMatchingKey(t *testing.T) {
	clientKey, serverKey := handshake(t)
	assert.Equal(t, clientKey, serverKey)
}

func TestRoundTripEncryptDecrypt(t *testing.T) {
	_, key := handshake(t)
	plaintext := []byte(`{"message":"hello"}`)

	env, err := Encrypt(key, plaintext, "c_abc", ServerToClient)
	require.NoError(t, err)

	got, err := Decrypt(key, env, "c_abc", ServerToClient)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestTamperedCiphertextFailsToDecrypt(t *testing.T) {
	_, key := handshake(t)
	env, err := Encrypt(key, []byte("hello"), "c_abc", ClientToServer)
	require.NoError(t, err)

	env.Ciphertext[0] ^= 0xFF
	_, err = Decrypt(key, env, "c_abc", ClientToServer)
	assert.Error(t, err)
}

func TestTamperedNonceFailsToDecrypt(t *testing.T) {
	_, key := handshake(t)
	env, err := Encrypt(key, []byte("hello"), "c_abc", ClientToServer)
	require.NoError(t, err)

	env.Nonce[0] ^= 0xFF
	_, err = Decrypt(key, env, "c_abc", ClientToServer)
	assert.Error(t, err)
}

func TestWrongDirectionFailsToDecrypt(t *testing.T) {
	_, key := handshake(t)
	env, err := Encrypt(key, []byte("hello"), "c_abc", ClientToServer)
	require.NoError(t, err)

	_, err = Decrypt(key, env, "c_abc", ServerToClient)
	assert.Error(t, err, "associated data direction byte must bind the frame")
}

func TestWrongClientIDFailsToDecrypt(t *testing.T) {
	_, key := handshake(t)
	env, err := Encrypt(key, []byte("hello"), "c_abc", ClientToServer)
	require.NoError(t, err)

	_, err = Decrypt(key, env, "c_other", ClientToServer)
	assert.Error(t, err)
}

func TestHMACSignVerify(t *testing.T) {
	key := []byte("a-signing-key")
	data := []byte("payload")
	tag := HMACSign(key, data)
	assert.True(t, HMACVerify(key, data, tag))
	assert.False(t, HMACVerify(key, data, []byte("wrong")))
}
