package settings

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"tabmind/internal/domain"
	"tabmind/internal/provider"
	"tabmind/internal/repo"
	"tabmind/internal/service/ports"
	"tabmind/internal/vault"
)

var ErrStoreUnavailable = errors.New("settings_store_unavailable")
var ErrNoEncryptedKey = errors.New("no encrypted API key is stored")

type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

type Dependencies struct {
	Store  ports.StateStore
	Keys   ports.KeyVault
	Logger logrus.FieldLogger
}

type Service struct {
	deps Dependencies
}

// UpdateInput is a partial settings change. Nil fields are left as they are.
type UpdateInput struct {
	Provider *string
	Endpoint *string
	Model    *string
	Models   *[]string
	APIKey   *string
	Timeout  *int
	Referer  *string
	Title    *string
}

type UpdateOptions struct {
	Passphrase string
	// EncryptAPIKey nil keeps the current storage form of the key.
	EncryptAPIKey *bool
	ClearAPIKey   bool
}

func NewService(deps Dependencies) *Service {
	if deps.Keys == nil {
		deps.Keys = vault.NewKeyState()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Service{deps: deps}
}

func (s *Service) Get() (domain.SafeSettings, error) {
	if err := s.validateStore(); err != nil {
		return domain.SafeSettings{}, err
	}
	return s.safeView(s.deps.Store.Snapshot()), nil
}

// Snapshot returns the full record, key material included. It is meant for
// in-process callers that talk to the provider.
func (s *Service) Snapshot() domain.Settings {
	return s.deps.Store.Snapshot()
}

func (s *Service) UsableKey(requireKey bool) (string, error) {
	if err := s.validateStore(); err != nil {
		return "", err
	}
	return s.deps.Keys.UsableKey(s.deps.Store.Snapshot(), requireKey)
}

// Endpoint returns the canonical base URL of the active provider.
func (s *Service) Endpoint() string {
	st := s.deps.Store.Snapshot()
	return provider.NormalizeEndpoint(st.Provider, st.Endpoints[st.Provider])
}

type keyChange struct {
	forget     bool
	remember   bool
	apiKey     string
	passphrase string
}

func (s *Service) Update(input UpdateInput, opts UpdateOptions) (domain.SafeSettings, error) {
	if err := s.validateStore(); err != nil {
		return domain.SafeSettings{}, err
	}
	if input.Provider != nil && provider.NormalizeProviderID(*input.Provider) == "" {
		return domain.SafeSettings{}, &ValidationError{Code: "invalid_provider", Message: "provider is required"}
	}
	if input.Timeout != nil && *input.Timeout <= 0 {
		return domain.SafeSettings{}, &ValidationError{Code: "invalid_timeout", Message: "timeout must be > 0"}
	}

	var change keyChange
	var switchedFrom string
	if err := s.deps.Store.Write(func(st *domain.Settings) error {
		if input.Provider != nil {
			next := provider.NormalizeProviderID(*input.Provider)
			if next != st.Provider {
				switchedFrom = st.Provider
				st.Provider = next
				st.Endpoint = st.Endpoints[next]
				st.Models = []string{}
				st.Model = ""
			}
		}
		if input.Endpoint != nil {
			endpoint := provider.NormalizeEndpoint(st.Provider, *input.Endpoint)
			st.Endpoint = endpoint
			st.Endpoints[st.Provider] = endpoint
		}
		if input.Models != nil {
			st.Models = append([]string{}, (*input.Models)...)
		}
		if input.Model != nil {
			model := strings.TrimSpace(*input.Model)
			if model != "" && len(st.Models) > 0 && !st.HasModel(model) {
				return &ValidationError{Code: "invalid_model", Message: "model " + model + " is not among the detected models"}
			}
			st.Model = model
		}
		if input.Timeout != nil {
			st.Timeout = *input.Timeout
		}
		if input.Referer != nil {
			st.Referer = strings.TrimSpace(*input.Referer)
		}
		if input.Title != nil {
			st.Title = strings.TrimSpace(*input.Title)
		}

		var err error
		change, err = s.applyKeyChange(st, input.APIKey, opts)
		return err
	}); err != nil {
		return domain.SafeSettings{}, err
	}

	if change.forget {
		s.deps.Keys.Forget()
	}
	if change.remember {
		s.deps.Keys.Remember(change.apiKey, change.passphrase)
	}
	if switchedFrom != "" {
		s.deps.Logger.WithFields(logrus.Fields{
			"from": switchedFrom,
			"to":   s.deps.Store.Snapshot().Provider,
		}).Info("provider switched, model list cleared")
	}
	return s.Get()
}

func (s *Service) applyKeyChange(st *domain.Settings, apiKey *string, opts UpdateOptions) (keyChange, error) {
	wantEncrypted := st.APIKeyIsEncrypted
	if opts.EncryptAPIKey != nil {
		wantEncrypted = *opts.EncryptAPIKey
	}
	passphrase := opts.Passphrase
	if passphrase == "" {
		passphrase = s.deps.Keys.Passphrase()
	}

	switch {
	case opts.ClearAPIKey:
		clearKey(st)
		return keyChange{forget: true}, nil

	// A blank key field is treated as absent; only ClearAPIKey removes a key.
	case apiKey != nil && strings.TrimSpace(*apiKey) != "":
		key := strings.TrimSpace(*apiKey)
		if !wantEncrypted {
			setPlainKey(st, key)
			s.logKey("api key stored", key, false)
			return keyChange{forget: true, remember: true, apiKey: key}, nil
		}
		if err := sealKey(st, key, passphrase); err != nil {
			return keyChange{}, err
		}
		s.logKey("api key stored", key, true)
		return keyChange{forget: true, remember: true, apiKey: key, passphrase: passphrase}, nil

	case wantEncrypted && !st.APIKeyIsEncrypted && st.APIKey != "":
		key := st.APIKey
		if err := sealKey(st, key, passphrase); err != nil {
			return keyChange{}, err
		}
		s.logKey("api key encrypted", key, true)
		return keyChange{forget: true, remember: true, apiKey: key, passphrase: passphrase}, nil

	case !wantEncrypted && st.APIKeyIsEncrypted:
		key, err := s.decryptStored(*st, passphrase)
		if err != nil {
			return keyChange{}, err
		}
		setPlainKey(st, key)
		s.logKey("api key decrypted", key, false)
		return keyChange{forget: true, remember: true, apiKey: key}, nil

	case opts.Passphrase != "" && st.APIKeyIsEncrypted:
		key, err := vault.Decrypt(vault.SealedFrom(*st), opts.Passphrase)
		if err != nil {
			return keyChange{}, err
		}
		return keyChange{remember: true, apiKey: key, passphrase: opts.Passphrase}, nil
	}
	return keyChange{}, nil
}

func (s *Service) decryptStored(st domain.Settings, passphrase string) (string, error) {
	if passphrase != "" {
		return vault.Decrypt(vault.SealedFrom(st), passphrase)
	}
	key, err := s.deps.Keys.UsableKey(st, true)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", vault.ErrPassphraseRequired
	}
	return key, nil
}

// Unlock decrypts the stored key with passphrase for the rest of the process
// lifetime.
func (s *Service) Unlock(passphrase string) (domain.SafeSettings, error) {
	if err := s.validateStore(); err != nil {
		return domain.SafeSettings{}, err
	}
	if passphrase == "" {
		return domain.SafeSettings{}, &ValidationError{Code: "invalid_passphrase", Message: "passphrase is required"}
	}
	st := s.deps.Store.Snapshot()
	if !st.APIKeyIsEncrypted {
		return domain.SafeSettings{}, ErrNoEncryptedKey
	}
	if _, err := s.deps.Keys.Unlock(st, passphrase); err != nil {
		return domain.SafeSettings{}, err
	}
	return s.safeView(st), nil
}

func (s *Service) ForgetKey() (domain.SafeSettings, error) {
	s.deps.Keys.Forget()
	return s.Get()
}

func (s *Service) Reset() (domain.SafeSettings, error) {
	if err := s.validateStore(); err != nil {
		return domain.SafeSettings{}, err
	}
	if err := s.deps.Store.Write(func(st *domain.Settings) error {
		*st = repo.DefaultSettings()
		return nil
	}); err != nil {
		return domain.SafeSettings{}, err
	}
	s.deps.Keys.Forget()
	return s.Get()
}

func (s *Service) ListProviders() []domain.ProviderInfo {
	return provider.ListProviders(s.deps.Store.Snapshot().Provider)
}

func (s *Service) safeView(st domain.Settings) domain.SafeSettings {
	unlocked := s.deps.Keys.Unlocked()
	endpoints := make(map[string]string, len(st.Endpoints))
	for k, v := range st.Endpoints {
		endpoints[k] = v
	}
	return domain.SafeSettings{
		Provider:           st.Provider,
		Endpoint:           st.Endpoint,
		Endpoints:          endpoints,
		Model:              st.Model,
		Models:             append([]string{}, st.Models...),
		Timeout:            st.Timeout,
		Referer:            st.Referer,
		Title:              st.Title,
		HasAPIKey:          st.HasAPIKey(),
		APIKeyIsEncrypted:  st.APIKeyIsEncrypted,
		RequiresPassphrase: st.APIKeyIsEncrypted && !unlocked,
		KeyUnlocked:        st.APIKeyIsEncrypted && unlocked,
	}
}

func (s *Service) validateStore() error {
	if s == nil || s.deps.Store == nil {
		return ErrStoreUnavailable
	}
	return nil
}

func (s *Service) logKey(msg, key string, encrypted bool) {
	s.deps.Logger.WithFields(logrus.Fields{
		"key":       maskKey(key),
		"encrypted": encrypted,
	}).Info(msg)
}

func sealKey(st *domain.Settings, key, passphrase string) error {
	if passphrase == "" {
		return vault.ErrPassphraseRequired
	}
	sealed, err := vault.Encrypt(key, passphrase)
	if err != nil {
		return err
	}
	st.APIKey = ""
	st.APIKeyCipher = sealed.Cipher
	st.APIKeyIV = sealed.IV
	st.APIKeySalt = sealed.Salt
	st.APIKeyIsEncrypted = true
	return nil
}

func setPlainKey(st *domain.Settings, key string) {
	clearKey(st)
	st.APIKey = key
}

func clearKey(st *domain.Settings) {
	st.APIKey = ""
	st.APIKeyCipher = ""
	st.APIKeyIV = ""
	st.APIKeySalt = ""
	st.APIKeyIsEncrypted = false
}

func maskKey(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 6 {
		return "***"
	}
	return s[:3] + "***" + s[len(s)-3:]
}
