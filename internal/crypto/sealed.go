// Package crypto seals values client-side with AES-256-GCM so they can
// rest encrypted in the cluster. The nodes never see key material; the
// wire protocol is unaffected.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM nonce
	SaltSize  = 16 // PBKDF2 salt

	kdfIterations = 100000
)

// GenerateKey returns a fresh random sealing key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveKey stretches a passphrase into a sealing key.
func DeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, kdfIterations, KeySize, sha256.New)
}

// GenerateSalt returns a fresh random KDF salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Seal encrypts value; the nonce is prepended to the ciphertext.
func Seal(value, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, value, nil), nil
}

// Open decrypts a sealed value produced by Seal.
func Open(sealed, key []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, errors.New("sealed value too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
