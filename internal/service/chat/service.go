package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tabmind/internal/domain"
	"tabmind/internal/pagectx"
	"tabmind/internal/provider"
	"tabmind/internal/runner"
	"tabmind/internal/service/ports"
	"tabmind/internal/vault"
)

var ErrPromptRequired = errors.New("prompt is required")

type Dependencies struct {
	Store    ports.StateStore
	Contexts ports.ContextProvider
	Runner   ports.ChatRunner
	Keys     ports.KeyVault
	Logger   logrus.FieldLogger
	Metrics  ports.Metrics
}

type Service struct {
	deps Dependencies
}

type QueryInput struct {
	TabID   int
	Prompt  string
	History []domain.ChatMessage
	OnPhase func(runner.Phase)
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

// Query answers prompt against the context last pushed for the tab.
func (s *Service) Query(ctx context.Context, input QueryInput) (string, error) {
	if s == nil || s.deps.Store == nil || s.deps.Runner == nil || s.deps.Contexts == nil {
		return "", &runner.RunnerError{Code: runner.ErrorCodeConfiguration, Message: "chat service is not configured"}
	}
	prompt := strings.TrimSpace(input.Prompt)
	if prompt == "" {
		return "", &runner.RunnerError{Code: runner.ErrorCodeConfiguration, Message: ErrPromptRequired.Error(), Err: ErrPromptRequired}
	}

	pageCtx, err := s.deps.Contexts.Get(input.TabID)
	if err != nil {
		if errors.Is(err, pagectx.ErrNoContext) {
			err = &runner.RunnerError{Code: runner.ErrorCodeNoContext, Message: err.Error(), Err: err}
		}
		return "", fmt.Errorf("failed to query LLM: %w", err)
	}

	st := s.deps.Store.Snapshot()
	providerID := provider.ResolveProfile(st.Provider).ID
	history := make([]domain.ChatMessage, 0, len(input.History)+1)
	history = append(history, input.History...)
	history = append(history, domain.ChatMessage{Role: domain.RoleUser, Content: prompt})

	log := s.deps.Logger.WithFields(logrus.Fields{
		"tab_id":   input.TabID,
		"provider": providerID,
		"model":    st.Model,
	})
	started := time.Now()
	answer, err := s.deps.Runner.QueryChat(ctx, runner.QueryConfig{
		Settings: st,
		Keys:     s.deps.Keys,
		OnPhase:  input.OnPhase,
	}, history, &pageCtx)
	elapsed := time.Since(started)
	if err != nil {
		s.observe(providerID, errorCode(err), elapsed)
		log.WithError(err).WithField("elapsed_ms", elapsed.Milliseconds()).Warn("llm query failed")
		return "", fmt.Errorf("failed to query LLM: %w", err)
	}
	s.observe(providerID, "ok", elapsed)
	log.WithField("elapsed_ms", elapsed.Milliseconds()).Info("llm query answered")
	return answer, nil
}

func (s *Service) observe(providerID, outcome string, elapsed time.Duration) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveQuery(providerID, outcome, elapsed)
	}
}

func errorCode(err error) string {
	var runErr *runner.RunnerError
	if errors.As(err, &runErr) && runErr.Code != "" {
		return runErr.Code
	}
	return runner.ErrorCodeRequestFailed
}
