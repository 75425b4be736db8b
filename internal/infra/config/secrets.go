package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"

	"agent-spawner/internal/domain"
)

const encPrefix = "enc:"

// decryptSecrets replaces "enc:..." values in the API and webhook tokens
// with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name  string
		field *string
	}{
		{"buildkite.token", &cfg.Buildkite.Token},
		{"webhook.token", &cfg.Webhook.Token},
	}
	for _, s := range secrets {
		if !strings.HasPrefix(*s.field, encPrefix) {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*s.field, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.field = plain
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext), without the "enc:" prefix.
// Failures wrap domain.ErrEncryption.
func EncryptValue(plaintext, passphrase string) (string, error) {
	const op = "config.EncryptValue"
	if passphrase == "" {
		return "", domain.NewDomainError(op, domain.ErrEncryption, "empty passphrase")
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", domain.NewDomainError(op, domain.ErrEncryption, "generate salt: "+err.Error())
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", domain.NewDomainError(op, domain.ErrEncryption, err.Error())
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", domain.NewDomainError(op, domain.ErrEncryption, "generate nonce: "+err.Error())
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "decode salt")
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "decode ciphertext")
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, err.Error())
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, "ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", domain.NewDomainError("config.DecryptValue", domain.ErrDecryption, err.Error())
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, domain.WrapOp("create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.WrapOp("create gcm", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}
