package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tabmind/internal/domain"
	"tabmind/internal/provider"
	"tabmind/internal/service/ports"
	"tabmind/internal/vault"
)

const (
	DefaultTimeout = 15 * time.Second
	maxModelsBody  = 4 * 1024 * 1024
	outcomeOK      = "ok"
	outcomeAuth    = "auth_error"
	outcomeRate    = "rate_limited"
	outcomeConfig  = "configuration_error"
	outcomeFailed  = "unavailable"
	outcomeStale   = "discarded"
)

var (
	ErrUnavailable   = errors.New("model discovery unavailable")
	ErrConfiguration = errors.New("model discovery is not configured")

	errProviderChanged = errors.New("provider changed during discovery")
)

type Dependencies struct {
	Store      ports.StateStore
	Keys       ports.KeyVault
	HTTPClient *http.Client
	// Timeout bounds each candidate request.
	Timeout time.Duration
	Logger  logrus.FieldLogger
	Metrics ports.Metrics
}

type Service struct {
	deps Dependencies
}

func NewService(deps Dependencies) *Service {
	if deps.Keys == nil {
		deps.Keys = vault.NewKeyState()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.Timeout <= 0 {
		deps.Timeout = DefaultTimeout
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Service{deps: deps}
}

// Discover lists the models of the active provider and stores the result.
// Any failure leaves an empty model list behind so the UI never offers stale
// entries.
func (s *Service) Discover(ctx context.Context) ([]string, error) {
	if s == nil || s.deps.Store == nil {
		return nil, fmt.Errorf("%w: settings store is unavailable", ErrConfiguration)
	}
	st := s.deps.Store.Snapshot()
	profile := provider.ResolveProfile(st.Provider)
	log := s.deps.Logger.WithField("provider", profile.ID)

	models, err := s.probe(ctx, st, profile)
	if err != nil {
		s.observe(profile.ID, outcomeFor(err))
		if clearErr := s.persist(st.Provider, nil); clearErr != nil && !errors.Is(clearErr, errProviderChanged) {
			log.WithError(clearErr).Warn("failed to clear model list")
		}
		log.WithError(err).Warn("model discovery failed")
		return nil, err
	}

	if err := s.persist(st.Provider, models); err != nil {
		if !errors.Is(err, errProviderChanged) {
			return nil, err
		}
		s.observe(profile.ID, outcomeStale)
		log.Info("provider changed while discovering models, result not saved")
		return models, nil
	}
	s.observe(profile.ID, outcomeOK)
	log.WithField("count", len(models)).Info("models discovered")
	return models, nil
}

func (s *Service) probe(ctx context.Context, st domain.Settings, profile provider.Profile) ([]string, error) {
	raw := strings.TrimSpace(st.Endpoints[profile.ID])
	if raw == "" {
		raw = st.Endpoint
	}
	base := provider.NormalizeEndpoint(profile.ID, raw)

	requireKey := profile.RequiresKey || st.HasAPIKey()
	apiKey, err := s.deps.Keys.UsableKey(st, requireKey)
	if err != nil {
		return nil, err
	}
	if profile.RequiresKey && strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: API key is required for provider %s", ErrConfiguration, profile.Name)
	}

	var worst error
	for _, candidate := range provider.ModelListURLs(profile.ID, base) {
		models, err := s.fetch(ctx, candidate, strings.TrimSpace(apiKey), profile, st)
		if err == nil {
			return models, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if profile.StrictDiscovery {
			return nil, err
		}
		s.deps.Logger.WithFields(logrus.Fields{
			"provider": profile.ID,
			"url":      candidate,
		}).WithError(err).Debug("model list candidate failed")
		if significance(err) > significance(worst) {
			worst = err
		}
	}
	if worst == nil {
		worst = ErrUnavailable
	}
	return nil, worst
}

func (s *Service) fetch(ctx context.Context, url, apiKey string, profile provider.Profile, st domain.Settings) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.deps.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if profile.Attribution != nil {
		profile.Attribution(req.Header, st.Referer, st.Title)
	}

	resp, err := s.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxModelsBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		statusErr := provider.ClassifyStatus(resp.StatusCode, body)
		if errors.Is(statusErr, provider.ErrAuthentication) || errors.Is(statusErr, provider.ErrRateLimited) {
			return nil, statusErr
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, statusErr)
	}

	models := ParseModelList(body)
	if len(models) == 0 {
		return nil, fmt.Errorf("%w: no models listed at %s", ErrUnavailable, url)
	}
	return models, nil
}

// persist stores models for providerID, or clears the list when models is
// nil. It refuses to write once the active provider has moved on.
func (s *Service) persist(providerID string, models []string) error {
	return s.deps.Store.Write(func(st *domain.Settings) error {
		if st.Provider != providerID {
			return errProviderChanged
		}
		if models == nil {
			st.Models = []string{}
			return nil
		}
		st.Models = append([]string{}, models...)
		if st.Model == "" || !st.HasModel(st.Model) {
			st.Model = models[0]
		}
		return nil
	})
}

func (s *Service) observe(providerID, outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveDiscovery(providerID, outcome)
	}
}

func significance(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, provider.ErrAuthentication):
		return 3
	case errors.Is(err, provider.ErrRateLimited):
		return 2
	default:
		return 1
	}
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, provider.ErrAuthentication):
		return outcomeAuth
	case errors.Is(err, provider.ErrRateLimited):
		return outcomeRate
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, vault.ErrPassphraseRequired),
		errors.Is(err, vault.ErrDecryption):
		return outcomeConfig
	default:
		return outcomeFailed
	}
}

type modelEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ParseModelList accepts {data:[...]}, {models:[...]}, a bare array of
// strings or objects, and {model:"..."}. Ids are deduplicated in order.
func ParseModelList(body []byte) []string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		return dedupe(parseEntries(trimmed))
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Models json.RawMessage `json:"models"`
		Model  json.RawMessage `json:"model"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil
	}
	switch {
	case len(envelope.Data) > 0:
		return dedupe(parseEntries(envelope.Data))
	case len(envelope.Models) > 0:
		return dedupe(parseEntries(envelope.Models))
	case len(envelope.Model) > 0:
		if id := entryID(envelope.Model); id != "" {
			return []string{id}
		}
	}
	return nil
}

func parseEntries(raw json.RawMessage) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if id := entryID(item); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func entryID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var entry modelEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ""
	}
	if id := strings.TrimSpace(entry.ID); id != "" {
		return id
	}
	return strings.TrimSpace(entry.Name)
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
