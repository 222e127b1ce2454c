package vault

import (
	"sync"

	"tabmind/internal/domain"
)

// KeyState holds the decrypted key and the passphrase for the lifetime of the
// process. Nothing in it is ever persisted.
type KeyState struct {
	mu         sync.Mutex
	apiKey     string
	passphrase string
}

func NewKeyState() *KeyState {
	return &KeyState{}
}

func SealedFrom(st domain.Settings) Sealed {
	return Sealed{Cipher: st.APIKeyCipher, IV: st.APIKeyIV, Salt: st.APIKeySalt}
}

// UsableKey returns the key a request should carry. With requireKey set, an
// encrypted key that cannot be unlocked yields ErrPassphraseRequired.
// A missing key is reported as "" and left to the caller.
func (k *KeyState) UsableKey(st domain.Settings, requireKey bool) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.apiKey != "" {
		return k.apiKey, nil
	}
	if st.APIKeyIsEncrypted && st.APIKeyCipher != "" {
		if k.passphrase == "" {
			if requireKey {
				return "", ErrPassphraseRequired
			}
			return "", nil
		}
		key, err := Decrypt(SealedFrom(st), k.passphrase)
		if err != nil {
			return "", err
		}
		k.apiKey = key
		return key, nil
	}
	return st.APIKey, nil
}

// Unlock decrypts the stored key and caches both the key and the passphrase.
func (k *KeyState) Unlock(st domain.Settings, passphrase string) (string, error) {
	if passphrase == "" {
		return "", ErrEmptyPassphrase
	}
	key, err := Decrypt(SealedFrom(st), passphrase)
	if err != nil {
		return "", err
	}
	k.Remember(key, passphrase)
	return key, nil
}

func (k *KeyState) Remember(apiKey, passphrase string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.apiKey = apiKey
	k.passphrase = passphrase
}

func (k *KeyState) Forget() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.apiKey = ""
	k.passphrase = ""
}

func (k *KeyState) Unlocked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.apiKey != "" || k.passphrase != ""
}

func (k *KeyState) Passphrase() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.passphrase
}
