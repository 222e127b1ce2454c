package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	cronv3 "github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	transport "tabmind/internal/app/http"
	"tabmind/internal/config"
	"tabmind/internal/domain"
	"tabmind/internal/observability"
	"tabmind/internal/pagectx"
	"tabmind/internal/provider"
	"tabmind/internal/repo"
	"tabmind/internal/runner"
	"tabmind/internal/service/adapters"
	chatservice "tabmind/internal/service/chat"
	discoveryservice "tabmind/internal/service/discovery"
	"tabmind/internal/service/ports"
	settingsservice "tabmind/internal/service/settings"
	"tabmind/internal/vault"
)

const version = "0.1.0"

type Server struct {
	cfg      config.Config
	logger   logrus.FieldLogger
	store    *repo.Store
	keys     *vault.KeyState
	contexts *pagectx.Registry
	runner   *runner.Runner
	metrics  *observability.Metrics

	settingsService  *settingsservice.Service
	discoveryService ports.ModelDiscoverer
	chatService      *chatservice.Service

	cron *cronv3.Cron

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup

	closeOnce sync.Once
}

func NewServer(cfg config.Config) (*Server, error) {
	return NewServerWithLogger(cfg, logrus.StandardLogger())
}

func NewServerWithLogger(cfg config.Config, logger logrus.FieldLogger) (*Server, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	storage, err := repo.OpenStorage(cfg.Storage, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	store, err := repo.NewStore(storage)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	run := runner.New()
	run.SetLogger(logger.WithField("component", "runner"))

	bgCtx, bgCancel := context.WithCancel(context.Background())
	srv := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		keys:     vault.NewKeyState(),
		contexts: pagectx.NewRegistry(cfg.ContextTTL),
		runner:   run,
		metrics:  observability.NewMetrics(),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	srv.initServices()
	if err := srv.startModelRefresh(); err != nil {
		srv.Close()
		return nil, err
	}
	return srv, nil
}

func (s *Server) initServices() {
	stateStore := adapters.NewRepoStateStore(s.store)
	s.settingsService = settingsservice.NewService(settingsservice.Dependencies{
		Store:  stateStore,
		Keys:   s.keys,
		Logger: s.logger.WithField("component", "settings"),
	})
	s.discoveryService = discoveryservice.NewService(discoveryservice.Dependencies{
		Store:   stateStore,
		Keys:    s.keys,
		Timeout: s.cfg.DiscoveryTimeout,
		Logger:  s.logger.WithField("component", "discovery"),
		Metrics: s.metrics,
	})
	s.chatService = chatservice.NewService(chatservice.Dependencies{
		Store:    stateStore,
		Contexts: s.contexts,
		Runner:   s.runner,
		Keys:     s.keys,
		Logger:   s.logger.WithField("component", "chat"),
		Metrics:  s.metrics,
	})
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.stopModelRefresh()
		s.bgCancel()
		s.bgWG.Wait()
		if err := s.store.Close(); err != nil {
			s.logger.WithError(err).Warn("failed to close settings storage")
		}
	})
}

func (s *Server) Handler() http.Handler {
	return transport.NewRouter(transport.RouterConfig{
		GatewayToken:   s.cfg.GatewayToken,
		RateLimitRPS:   s.cfg.RateLimitRPS,
		RateLimitBurst: s.cfg.RateLimitBurst,
		Logger:         s.logger.WithField("component", "http"),
	}, transport.Handlers{
		Public: transport.PublicHandlers{
			Version:   s.handleVersion,
			Healthz:   s.handleHealthz,
			Providers: s.listProviders,
			Metrics:   s.metrics.Handler(),
		},
		Settings: transport.SettingsHandlers{
			GetSettings:    s.getSettings,
			UpdateSettings: s.updateSettings,
			UnlockKey:      s.unlockKey,
			ForgetKey:      s.forgetKey,
			ResetSettings:  s.resetSettings,
		},
		Models: transport.ModelHandlers{
			ListModels:   s.listModels,
			DetectModels: s.detectModels,
		},
		Tabs: transport.TabHandlers{
			GetContext:    s.getTabContext,
			PutContext:    s.putTabContext,
			DeleteContext: s.deleteTabContext,
			Query:         s.queryTab,
		},
		Control: transport.ControlHandlers{
			Control:   s.handleControl,
			WebSocket: s.handleWebSocket,
		},
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) listProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.settingsService.ListProviders(),
	})
}

// runBackground runs fn on the server lifetime context. Close waits for it.
func (s *Server) runBackground(fn func(ctx context.Context)) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		fn(s.bgCtx)
	}()
}

func tabIDParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "tab_id"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	return dec.Decode(v)
}

const maxRequestBytes = 8 * 1024 * 1024

// errorStatus maps a service error to its HTTP status and machine code.
func errorStatus(err error) (int, string) {
	var validation *settingsservice.ValidationError
	var runErr *runner.RunnerError
	switch {
	case errors.Is(err, chatservice.ErrPromptRequired):
		return http.StatusBadRequest, "invalid_prompt"
	case errors.As(err, &runErr):
		return runnerStatus(runErr.Code), runErr.Code
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Code
	case errors.Is(err, settingsservice.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, settingsservice.ErrNoEncryptedKey):
		return http.StatusConflict, "no_encrypted_key"
	case errors.Is(err, vault.ErrPassphraseRequired):
		return http.StatusLocked, runner.ErrorCodePassphraseRequired
	case errors.Is(err, vault.ErrDecryption):
		return http.StatusForbidden, runner.ErrorCodeDecryption
	case errors.Is(err, vault.ErrEmptyPassphrase):
		return http.StatusBadRequest, "invalid_passphrase"
	case errors.Is(err, pagectx.ErrNoContext):
		return http.StatusNotFound, runner.ErrorCodeNoContext
	case errors.Is(err, provider.ErrAuthentication):
		return http.StatusBadGateway, runner.ErrorCodeAuthentication
	case errors.Is(err, provider.ErrRateLimited):
		return http.StatusTooManyRequests, runner.ErrorCodeRateLimited
	case errors.Is(err, discoveryservice.ErrConfiguration):
		return http.StatusBadRequest, runner.ErrorCodeConfiguration
	case errors.Is(err, discoveryservice.ErrUnavailable):
		return http.StatusBadGateway, "discovery_unavailable"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func runnerStatus(code string) int {
	switch code {
	case runner.ErrorCodeConfiguration:
		return http.StatusBadRequest
	case runner.ErrorCodeNoContext:
		return http.StatusNotFound
	case runner.ErrorCodePassphraseRequired:
		return http.StatusLocked
	case runner.ErrorCodeDecryption:
		return http.StatusForbidden
	case runner.ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case runner.ErrorCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeServiceErr(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeErr(w, status, code, err.Error(), nil)
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, code int, errCode, message string, details interface{}) {
	writeJSON(w, code, domain.APIErrorBody{Error: domain.APIError{Code: errCode, Message: message, Details: details}})
}
