package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

// cipherBox encrypts token material at rest with AES-256-GCM. The key is
// derived with Argon2id from a passphrase and a per-installation salt.
// The passphrase comes from LIVECLASS_STORE_KEY when set; otherwise a
// random secret is generated next to the database on first run, which
// protects against casual file copying but not against an attacker who
// can read both files.
type cipherBox struct {
	aead cipher.AEAD
}

func newCipherBox(dbPath string) (*cipherBox, error) {
	passphrase, err := storePassphrase(dbPath)
	if err != nil {
		return nil, err
	}
	salt, err := readOrCreateSecret(dbPath + ".salt")
	if err != nil {
		return nil, fmt.Errorf("store salt: %w", err)
	}

	// Argon2id parameters: time=3, memory=64MB, threads=4, keyLen=32.
	key := argon2.IDKey(passphrase, salt, 3, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &cipherBox{aead: aead}, nil
}

func storePassphrase(dbPath string) ([]byte, error) {
	if env := os.Getenv("LIVECLASS_STORE_KEY"); env != "" {
		if len(env) < 16 {
			return nil, fmt.Errorf("LIVECLASS_STORE_KEY must be at least 16 characters long (got %d)", len(env))
		}
		return []byte(env), nil
	}
	secret, err := readOrCreateSecret(dbPath + ".secret")
	if err != nil {
		return nil, fmt.Errorf("store secret: %w", err)
	}
	return secret, nil
}

// readOrCreateSecret loads 32 random bytes from path, generating the
// file with restricted permissions on first use.
func readOrCreateSecret(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil && len(b) == 32 {
		return b, nil
	}

	b = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	if err := os.WriteFile(path, b, 0600); err != nil {
		return nil, fmt.Errorf("save secret: %w", err)
	}
	return b, nil
}

// seal encrypts plaintext, prepending the nonce.
func (c *cipherBox) seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// open decrypts a seal output.
func (c *cipherBox) open(ciphertext []byte) (string, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
