package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// canaryPlaintext is a fixed value encrypted once and stored alongside the
// secrets. Decrypting it on startup proves the passphrase matches the one
// the vault was initialized with, instead of failing per secret later.
const canaryPlaintext = "bullpen-vault-canary-v1"

var ErrWrongPassphrase = errors.New("vault passphrase does not match")

// Vault provides AES-256-GCM encryption/decryption with a passphrase-derived key.
type Vault struct {
	key [32]byte
}

// New creates a Vault by deriving an AES-256 key from the passphrase via Argon2id.
// The salt is deterministic (SHA-256 of passphrase), so the same passphrase always
// produces the same key across restarts.
func New(passphrase string) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	v := &Vault{}
	copy(v.key[:], key)
	return v
}

// Encrypt encrypts plaintext using AES-256-GCM with a random nonce.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM with the provided nonce.
func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}

// Canary produces the encrypted passphrase check value for a fresh vault.
func (v *Vault) Canary() (ciphertext, nonce []byte, err error) {
	return v.Encrypt([]byte(canaryPlaintext))
}

// CheckCanary verifies the stored canary decrypts with this vault's key.
func (v *Vault) CheckCanary(ciphertext, nonce []byte) error {
	plaintext, err := v.Decrypt(ciphertext, nonce)
	if err != nil || string(plaintext) != canaryPlaintext {
		return ErrWrongPassphrase
	}
	return nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
