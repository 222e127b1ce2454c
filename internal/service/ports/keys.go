package ports

import "tabmind/internal/domain"

// KeyVault is the process-lifetime holder of the decrypted API key.
type KeyVault interface {
	UsableKey(st domain.Settings, requireKey bool) (string, error)
	Unlock(st domain.Settings, passphrase string) (string, error)
	Remember(apiKey, passphrase string)
	Forget()
	Unlocked() bool
	Passphrase() string
}
