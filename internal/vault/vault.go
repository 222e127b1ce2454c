// Package vault seals the provider API key with a user passphrase.
//
// Keys are derived with PBKDF2-HMAC-SHA256 and used for AES-256-GCM. Every
// Encrypt call draws a fresh salt and nonce, so sealing the same plaintext
// twice never yields the same triple.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	Iterations = 100000
	KeySize    = 32
	SaltSize   = 16
	NonceSize  = 12
)

var (
	ErrDecryption         = errors.New("failed to decrypt API key: wrong passphrase or corrupted data")
	ErrPassphraseRequired = errors.New("passphrase required to unlock the encrypted API key")
	ErrEmptyPassphrase    = errors.New("passphrase must not be empty")
)

// Sealed is the persisted form of an encrypted key. All fields are standard
// base64.
type Sealed struct {
	Cipher string `json:"cipher"`
	IV     string `json:"iv"`
	Salt   string `json:"salt"`
}

func (s Sealed) IsZero() bool {
	return s.Cipher == "" && s.IV == "" && s.Salt == ""
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, Iterations, KeySize, sha256.New)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func Encrypt(plaintext, passphrase string) (Sealed, error) {
	if passphrase == "" {
		return Sealed{}, ErrEmptyPassphrase
	}
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Sealed{}, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}

	key := deriveKey(passphrase, salt)
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	return Sealed{
		Cipher: base64.StdEncoding.EncodeToString(ciphertext),
		IV:     base64.StdEncoding.EncodeToString(nonce),
		Salt:   base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// Decrypt fails with ErrDecryption on any malformed input or tag mismatch.
func Decrypt(sealed Sealed, passphrase string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Cipher)
	if err != nil || len(ciphertext) == 0 {
		return "", ErrDecryption
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.IV)
	if err != nil || len(nonce) != NonceSize {
		return "", ErrDecryption
	}
	salt, err := base64.StdEncoding.DecodeString(sealed.Salt)
	if err != nil || len(salt) == 0 {
		return "", ErrDecryption
	}

	key := deriveKey(passphrase, salt)
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
