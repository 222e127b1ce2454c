package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tabmind/internal/domain"
	"tabmind/internal/provider"
)

const (
	SettingsKey      = "llmSettings"
	DefaultTimeoutMS = 300000
)

// Store caches the settings record in memory and persists every write
// through the configured Storage.
type Store struct {
	mu       sync.RWMutex
	storage  Storage
	settings domain.Settings
}

func NewStore(storage Storage) (*Store, error) {
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	s := &Store{
		storage:  storage,
		settings: DefaultSettings(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func DefaultSettings() domain.Settings {
	endpoint := provider.NormalizeEndpoint(provider.DefaultProviderID, "")
	return domain.Settings{
		Provider:  provider.DefaultProviderID,
		Endpoint:  endpoint,
		Endpoints: map[string]string{provider.DefaultProviderID: endpoint},
		Models:    []string{},
		Timeout:   DefaultTimeoutMS,
	}
}

func (s *Store) load() error {
	raw, err := s.storage.Get(SettingsKey)
	if errors.Is(err, ErrNotFound) {
		return s.saveLocked(s.settings)
	}
	if err != nil {
		return err
	}
	var st domain.Settings
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode %s: %w", SettingsKey, err)
	}
	s.settings = NormalizeSettings(st)
	return nil
}

func (s *Store) saveLocked(st domain.Settings) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.storage.Set(SettingsKey, b)
}

// Read runs fn against the live record under a read lock. fn must not
// retain or mutate it.
func (s *Store) Read(fn func(st *domain.Settings)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&s.settings)
}

// Snapshot returns a deep copy that later writes do not affect.
func (s *Store) Snapshot() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Clone()
}

// Write applies fn to a copy, normalizes and persists it, and only then
// publishes it. A failing fn or storage leaves the record untouched.
func (s *Store) Write(fn func(st *domain.Settings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	next = NormalizeSettings(next)
	if err := s.saveLocked(next); err != nil {
		return err
	}
	s.settings = next
	return nil
}

func (s *Store) Reset() error {
	return s.Write(func(st *domain.Settings) error {
		*st = DefaultSettings()
		return nil
	})
}

func (s *Store) Close() error {
	return s.storage.Close()
}

// NormalizeSettings restores the record invariants: a canonical endpoint for
// the active provider, a model drawn from a non-empty model list, a positive
// timeout and exactly one form of API key.
func NormalizeSettings(st domain.Settings) domain.Settings {
	st.Provider = provider.NormalizeProviderID(st.Provider)
	if st.Provider == "" {
		st.Provider = provider.DefaultProviderID
	}

	if st.Endpoints == nil {
		st.Endpoints = map[string]string{}
	}
	raw := st.Endpoints[st.Provider]
	if strings.TrimSpace(raw) == "" {
		raw = st.Endpoint
	}
	st.Endpoint = provider.NormalizeEndpoint(st.Provider, raw)
	st.Endpoints[st.Provider] = st.Endpoint

	st.Model = strings.TrimSpace(st.Model)
	st.Models = dedupeModels(st.Models)
	if len(st.Models) > 0 && !st.HasModel(st.Model) {
		st.Model = st.Models[0]
	}

	if st.Timeout <= 0 {
		st.Timeout = DefaultTimeoutMS
	}

	if st.APIKeyIsEncrypted && st.APIKeyCipher != "" {
		st.APIKey = ""
	} else {
		st.APIKeyIsEncrypted = false
		st.APIKeyCipher = ""
		st.APIKeyIV = ""
		st.APIKeySalt = ""
	}
	return st
}

func dedupeModels(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, m := range in {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
