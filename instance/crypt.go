package instance

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Credentials are encrypted at rest with AES-256-GCM using a machine-local
// key file, so a copied database is useless without the key.

// deriveKey derives a 32-byte AES key from a keyfile stored next to the
// database. The keyfile is created on first use with 0600 permissions; the
// data directory path is mixed in for domain separation.
func deriveKey(dir string) ([]byte, error) {
	keyPath := filepath.Join(dir, ".auth-key")
	keyMaterial, err := os.ReadFile(keyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		keyMaterial = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, keyMaterial); err != nil {
			return nil, fmt.Errorf("generate key material: %w", err)
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(keyPath, keyMaterial, 0600); err != nil {
			return nil, fmt.Errorf("write key file: %w", err)
		}
	}
	h := sha256.New()
	h.Write(keyMaterial)
	h.Write([]byte(dir))
	return h.Sum(nil), nil
}

func encryptCredentials(plaintext []byte, dir string) (string, error) {
	key, err := deriveKey(dir)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decryptCredentials(encoded, dir string) ([]byte, error) {
	key, err := deriveKey(dir)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
