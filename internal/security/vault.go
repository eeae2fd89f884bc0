// Package security provides credential encryption, audit logging, and security controls.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	apperrors "angel-fanout/internal/errors"
)

const (
	// EncryptionKeySize is the size of the AES-256 key in bytes.
	EncryptionKeySize = 32
	// SaltSize is the size of the salt for key derivation.
	SaltSize = 16
	// NonceSize is the size of the GCM nonce.
	NonceSize = 12
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000

	// EncryptedPrefix marks a configuration value that must be decrypted.
	EncryptedPrefix = "enc:"
	vaultVersion    = "v1"
)

// Vault encrypts and decrypts individual credential values with a key
// derived from a master password.
type Vault struct {
	password []byte
}

// NewVault creates a vault for the given master password. An empty
// password is reported as missing key material; the vault never invents one.
func NewVault(masterPassword string) (*Vault, error) {
	if masterPassword == "" {
		return nil, apperrors.Wrap(apperrors.ErrKeyMaterialMissing, "master password not set")
	}
	return &Vault{password: []byte(masterPassword)}, nil
}

// IsEncrypted reports whether value carries the encrypted prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// Encrypt returns an "enc:" value suitable for the accounts file.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	nonce, ciphertext, err := encrypt([]byte(plaintext), deriveKey(v.password, salt))
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	return EncryptedPrefix + strings.Join([]string{
		vaultVersion,
		enc.EncodeToString(salt),
		enc.EncodeToString(nonce),
		enc.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt reverses Encrypt. Values without the prefix are returned as is.
func (v *Vault) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	parts := strings.Split(strings.TrimPrefix(value, EncryptedPrefix), ":")
	if len(parts) != 4 || parts[0] != vaultVersion {
		return "", fmt.Errorf("malformed encrypted value")
	}

	enc := base64.RawURLEncoding
	salt, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decoding salt: %w", err)
	}
	nonce, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := enc.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	plaintext, err := decrypt(ciphertext, deriveKey(v.password, salt), nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// ResolveSecret decrypts value when it is encrypted. A nil vault with an
// encrypted value fails with ErrKeyMaterialMissing.
func ResolveSecret(v *Vault, value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	if v == nil {
		return "", apperrors.Wrap(apperrors.ErrKeyMaterialMissing, "encrypted credential without master password")
	}
	return v.Decrypt(value)
}

// deriveKey derives an encryption key from a password using PBKDF2.
func deriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
}

// encrypt encrypts plaintext using AES-256-GCM.
func encrypt(plaintext, key []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// decrypt decrypts ciphertext using AES-256-GCM.
func decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: wrong master password or corrupted value")
	}
	return plaintext, nil
}
