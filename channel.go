package main

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// tokenVersion prefixes every ciphertext so a future scheme can coexist.
const tokenVersion byte = 0x01

// KeySize is the length of a session key in bytes.
const KeySize = chacha20poly1305.KeySize

// SymmetricKey is a raw session key. A node generates one for itself and
// learns one per peer from the handshake.
type SymmetricKey []byte

// GenerateKey returns a fresh random session key.
func GenerateKey() (SymmetricKey, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// ParseKey decodes the printable key form used in handshakes.
func ParseKey(s string) (SymmetricKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf(`want %d key bytes, got %d`, KeySize, len(b))
	}
	return b, nil
}

func (k SymmetricKey) String() string {
	return base64.StdEncoding.EncodeToString(k)
}

// SymmetricChannel seals and opens payloads under a single key with
// XChaCha20-Poly1305. Tokens are version || nonce || ciphertext+tag.
//
// The key itself is exchanged in cleartext during the handshake, so the
// confidentiality and integrity given here do not hold against anyone who
// observed that handshake.
type SymmetricChannel struct {
	key  SymmetricKey
	aead cipher.AEAD
}

func NewSymmetricChannel(key []byte) (*SymmetricChannel, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf(`want %d key bytes, got %d`, KeySize, len(key))
	}
	k := make(SymmetricKey, KeySize)
	copy(k, key)
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, err
	}
	return &SymmetricChannel{key: k, aead: aead}, nil
}

// Key returns a copy of the channel key.
func (c *SymmetricChannel) Key() SymmetricKey {
	out := make(SymmetricKey, len(c.key))
	copy(out, c.key)
	return out
}

func (c *SymmetricChannel) KeyString() string {
	return c.key.String()
}

func (c *SymmetricChannel) Encrypt(plaintext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(plaintext)+c.aead.Overhead())
	out[0] = tokenVersion
	if _, err := rand.Read(out[1 : 1+ns]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return c.aead.Seal(out, out[1:1+ns], plaintext, out[:1]), nil
}

// Decrypt opens a token produced by Encrypt. Any malformed, truncated or
// tampered token, or one sealed under another key, yields ErrDecryption.
func (c *SymmetricChannel) Decrypt(token []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(token) < 1+ns+c.aead.Overhead() {
		return nil, newError(ErrDecryption, "", errors.New("token truncated"))
	}
	if token[0] != tokenVersion {
		return nil, newError(ErrDecryption, "", fmt.Errorf("unknown token version %#x", token[0]))
	}
	pt, err := c.aead.Open(nil, token[1:1+ns], token[1+ns:], token[:1])
	if err != nil {
		return nil, newError(ErrDecryption, "", err)
	}
	return pt, nil
}

// EncryptToString is Encrypt followed by std base64, the wire form.
func (c *SymmetricChannel) EncryptToString(plaintext []byte) (string, error) {
	ct, err := c.Encrypt(plaintext)
	if err != nil {
		return ``, err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (c *SymmetricChannel) DecryptString(token string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, newError(ErrDecryption, "", fmt.Errorf("decode token: %w", err))
	}
	return c.Decrypt(ct)
}
