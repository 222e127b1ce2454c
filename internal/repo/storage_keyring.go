package repo

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const KeyringService = "tabmind"

// KeyringStorage stores each document as one secret in the OS keychain.
type KeyringStorage struct {
	service string
}

func NewKeyringStorage(service string) *KeyringStorage {
	if service == "" {
		service = KeyringService
	}
	return &KeyringStorage{service: service}
}

func (s *KeyringStorage) Get(key string) ([]byte, error) {
	secret, err := keyring.Get(s.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(secret), nil
}

func (s *KeyringStorage) Set(key string, value []byte) error {
	return keyring.Set(s.service, key, string(value))
}

func (s *KeyringStorage) Close() error {
	return nil
}
