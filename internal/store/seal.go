package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "wire-go session state v1"

// sealer encrypts secret columns with XChaCha20-Poly1305. The column name is
// bound as additional data so a sealed token cannot be swapped into the
// cookie column.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(secret []byte) (*sealer, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("store: derive seal key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("store: seal cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// Format: 24-byte nonce || ciphertext || 16-byte tag
func (sl *sealer) sealValue(column string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, sl.aead.NonceSize(), sl.aead.NonceSize()+len(plaintext)+sl.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("store: seal nonce: %w", err)
	}
	return sl.aead.Seal(nonce, nonce, plaintext, []byte(column)), nil
}

func (sl *sealer) openValue(column string, data []byte) ([]byte, error) {
	ns := sl.aead.NonceSize()
	if len(data) < ns+sl.aead.Overhead() {
		return nil, fmt.Errorf("store: sealed %s too short: %d bytes", column, len(data))
	}
	plaintext, err := sl.aead.Open(nil, data[:ns], data[ns:], []byte(column))
	if err != nil {
		return nil, fmt.Errorf("store: open sealed %s: %w", column, err)
	}
	return plaintext, nil
}

// encodeSecret prepares a secret column value for writing.
func (s *Store) encodeSecret(column, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	if s.seal == nil {
		return []byte(value), nil
	}
	return s.seal.sealValue(column, []byte(value))
}

// decodeSecret reverses encodeSecret.
func (s *Store) decodeSecret(column string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	if s.seal == nil {
		return string(data), nil
	}
	plaintext, err := s.seal.openValue(column, data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
