package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/yungbote/memory-service/internal/fault"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
)

const aesgcmName = "aesgcm"

// aesgcmCipher seals with a single static 256-bit key. The simplest
// deployment shape: no key storage, no rotation.
type aesgcmCipher struct {
	key []byte
}

func NewAESGCMFromEnv(logg *logger.Logger) (Cipher, error) {
	raw := strings.TrimSpace(env.Get("ENCRYPTION_KEY", "", logg))
	if raw == "" {
		return nil, fmt.Errorf("missing ENCRYPTION_KEY")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be base64: %w", err)
	}
	return NewAESGCM(key)
}

func NewAESGCM(key []byte) (Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return &aesgcmCipher{key: key}, nil
}

func (c *aesgcmCipher) Name() string { return aesgcmName }

func (c *aesgcmCipher) Encrypt(plaintext []byte) (string, error) {
	sealed, err := seal(c.key, plaintext)
	if err != nil {
		return "", err
	}
	return prefix + aesgcmName + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *aesgcmCipher) Decrypt(ciphertext string) ([]byte, error) {
	sealed, err := stripPrefix(ciphertext, aesgcmName)
	if err != nil {
		return nil, err
	}
	plain, err := open(c.key, sealed)
	if err != nil {
		return nil, fault.Wrap(fault.KindPreconditionFailed, "decryption failed", err)
	}
	return plain, nil
}

// seal prepends the random nonce to the GCM output.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

func stripPrefix(ciphertext, name string) ([]byte, error) {
	want := prefix + name + ":"
	if !strings.HasPrefix(ciphertext, want) {
		return nil, fault.Newf(fault.KindPreconditionFailed, "ciphertext is not %s", name)
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext[len(want):])
	if err != nil {
		return nil, fault.Wrap(fault.KindPreconditionFailed, "malformed ciphertext", err)
	}
	return sealed, nil
}
