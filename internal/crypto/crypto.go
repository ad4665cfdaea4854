// Package crypto provides the gateway's primitives (spec §4.3): an
// X25519 ephemeral handshake, HKDF key derivation, XChaCha20-Poly1305
// AEAD for session payloads, and HMAC helpers. Grounded on
// internal/crypto/crypto.go's DeriveKey/HMACSign/HMACVerify/ZeroBytes
// shape; AES-256-GCM is replaced with XChaCha20-Poly1305 and an X25519
// handshake is added, per DESIGN.md.
package crypto

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Direction binds an AEAD frame to the side that produced it, per
// spec §4.3's associated-data requirement.
type Direction byte

const (
	ClientToServer Direction = 'C'
	ServerToClient Direction = 'S'
)

func (d Direction) bytes() []byte {
	if d == ClientToServer {
		return []byte("C2S")
	}
	return []byte("S2C")
}

// GenerateX25519Keypair produces an ephemeral X25519 key pair for one
// side of a handshake, using stdlib crypto/ecdh (see DESIGN.md for why
// no third-party X25519 library was introduced).
func GenerateX25519Keypair() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

// ParseX25519PublicKey decodes a raw 32-byte peer public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	return ecdh.X25519().NewPublicKey(raw)
}

// DeriveSharedKey computes ECDH(priv, peerPub) and runs it through
// HKDF-SHA256 with the given salt and info to produce a
// XChaCha20-Poly1305 key, matching internal/crypto/crypto.go's
// DeriveKey shape.
func DeriveSharedKey(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey, salt, info []byte) ([]byte, error) {
	shared, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("crypto: ecdh: %w", err)
	}
	defer ZeroBytes(shared)
	return DeriveKey(shared, salt, info, chacha20poly1305.KeySize)
}

// DeriveKey runs HKDF-SHA256 over secret, producing keyLen bytes.
func DeriveKey(secret, salt, info []byte, keyLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf: %w", err)
	}
	return key, nil
}

// Envelope is the wire shape of an encrypted payload, per spec §6.
type Envelope struct {
	Nonce      []byte
	Alg        string
	Ciphertext []byte
}

const AlgXChaCha20Poly1305 = "xchacha20-poly1305"

// Encrypt seals plaintext under key with a fresh random 24-byte nonce,
// binding clientID and dir as associated data so frames cannot be
// replayed across sessions or directions.
func Encrypt(key, plaintext []byte, clientID string, dir Direction) (*Envelope, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	ad := associatedData(clientID, dir)
	ct := aead.Seal(nil, nonce, plaintext, ad)
	return &Envelope{Nonce: nonce, Alg: AlgXChaCha20Poly1305, Ciphertext: ct}, nil
}

// Decrypt opens env under key, verifying the same associated data used
// at encryption time. Any mismatch (wrong key, tampered ciphertext or
// nonce, wrong direction/client id) fails authentication.
func Decrypt(key []byte, env *Envelope, clientID string, dir Direction) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("crypto: bad nonce size")
	}
	ad := associatedData(clientID, dir)
	pt, err := aead.Open(nil, env.Nonce, env.Ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", err)
	}
	return pt, nil
}

func associatedData(clientID string, dir Direction) []byte {
	ad := make([]byte, 0, len(clientID)+3)
	ad = append(ad, clientID...)
	ad = append(ad, dir.bytes()...)
	return ad
}

// HMACSign returns an HMAC-SHA256 tag over data under key.
func HMACSign(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACVerify reports whether tag is the valid HMAC-SHA256 of data
// under key, using constant-time comparison.
func HMACVerify(key, data, tag []byte) bool {
	return hmac.Equal(HMACSign(key, data), tag)
}

// ZeroBytes overwrites b with zeros in place, best-effort secure
// erasure of key material that's done being used.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
