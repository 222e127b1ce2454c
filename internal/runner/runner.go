package runner

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
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"tabmind/internal/domain"
	"tabmind/internal/pagectx"
	"tabmind/internal/provider"
	"tabmind/internal/sanitize"
	"tabmind/internal/vault"
)

const (
	ErrorCodeConfiguration      = "configuration_error"
	ErrorCodeNoContext          = "no_context"
	ErrorCodePassphraseRequired = "passphrase_required"
	ErrorCodeDecryption         = "decryption_error"
	ErrorCodeAuthentication     = "authentication_error"
	ErrorCodeRateLimited        = "rate_limited"
	ErrorCodeTimeout            = "timeout"
	ErrorCodeHTTP               = "http_error"
	ErrorCodeRequestFailed      = "provider_request_failed"
	ErrorCodeInvalidReply       = "provider_invalid_reply"

	DefaultTimeoutMS = 300000
	MaxTokens        = 2048
	Temperature      = 0.2

	maxContextRunes  = 15000
	maxResponseBytes = 2 * 1024 * 1024
)

const SystemPrompt = `You are a helpful browser assistant. You answer questions based on the provided page context. ` +
	`You must respond with a valid JSON object containing a single field "answer". ` +
	`Example: { "answer": "Your response..." }. Ensure the JSON is valid and properly escaped. ` +
	`Do not include any markdown formatting outside the JSON. Do not include thinking or reasoning traces in the JSON output.`

const jsonReminder = "\n\nRemember: Respond ONLY with valid JSON in the format { \"answer\": \"...\" }. Escape double quotes inside the answer string."

type RunnerError struct {
	Code    string
	Message string
	Err     error
}

func (e *RunnerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *RunnerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Phase reports progress of a single query.
type Phase string

const (
	PhaseBuilding         Phase = "building"
	PhaseAwaitingResponse Phase = "awaiting_response"
	PhaseSanitizing       Phase = "sanitizing"
	PhaseDone             Phase = "done"
	PhaseTimedOut         Phase = "timed_out"
	PhaseFailed           Phase = "failed"
)

// KeySource resolves the API key a request should carry.
type KeySource interface {
	UsableKey(st domain.Settings, requireKey bool) (string, error)
}

type QueryConfig struct {
	// Settings is the snapshot taken when the query started.
	Settings domain.Settings
	Keys     KeySource
	OnPhase  func(Phase)
}

type Runner struct {
	httpClient *http.Client
	logger     logrus.FieldLogger
}

func New() *Runner {
	return NewWithHTTPClient(&http.Client{})
}

// NewWithHTTPClient uses client for every provider call. Deadlines come from
// the settings timeout, so client.Timeout should normally be zero.
func NewWithHTTPClient(client *http.Client) *Runner {
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		httpClient: client,
		logger:     logrus.StandardLogger(),
	}
}

func (r *Runner) SetLogger(logger logrus.FieldLogger) {
	if logger != nil {
		r.logger = logger
	}
}

type chatCompletionRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
	Stream      bool                 `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Response json.RawMessage `json:"response"`
}

// QueryChat sends one chat-completion request and returns the cleaned
// answer. There are no retries.
func (r *Runner) QueryChat(ctx context.Context, cfg QueryConfig, history []domain.ChatMessage, pageCtx *domain.PageContext) (string, error) {
	notify := func(p Phase) {
		if cfg.OnPhase != nil {
			cfg.OnPhase(p)
		}
	}
	fail := func(err error) (string, error) {
		var runErr *RunnerError
		if errors.As(err, &runErr) && runErr.Code == ErrorCodeTimeout {
			notify(PhaseTimedOut)
		} else {
			notify(PhaseFailed)
		}
		return "", err
	}

	notify(PhaseBuilding)
	if pageCtx == nil {
		return fail(&RunnerError{Code: ErrorCodeNoContext, Message: "no page context available", Err: pagectx.ErrNoContext})
	}

	st := cfg.Settings
	profile := provider.ResolveProfile(st.Provider)
	base := provider.NormalizeEndpoint(profile.ID, endpointFor(st, profile.ID))
	chatURL := provider.ChatCompletionsURL(profile.ID, base)

	model := strings.TrimSpace(st.Model)
	if model == "" {
		if profile.FallbackModel == "" {
			return fail(&RunnerError{
				Code:    ErrorCodeConfiguration,
				Message: fmt.Sprintf("model is required for provider %s", profile.Name),
			})
		}
		model = profile.FallbackModel
	}

	apiKey, err := resolveKey(cfg, profile)
	if err != nil {
		return fail(err)
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:       model,
		Messages:    BuildMessages(history, *pageCtx),
		MaxTokens:   MaxTokens,
		Temperature: Temperature,
		Stream:      false,
	})
	if err != nil {
		return fail(&RunnerError{Code: ErrorCodeRequestFailed, Message: "failed to encode provider request", Err: err})
	}

	timeoutMS := st.Timeout
	if timeoutMS <= 0 {
		timeoutMS = DefaultTimeoutMS
	}
	requestCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, chatURL, bytes.NewReader(body))
	if err != nil {
		return fail(&RunnerError{Code: ErrorCodeRequestFailed, Message: "failed to create provider request", Err: err})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if profile.Attribution != nil {
		profile.Attribution(httpReq.Header, st.Referer, st.Title)
	}

	notify(PhaseAwaitingResponse)
	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return fail(transportError(ctx, requestCtx, timeoutMS, "provider request failed", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(transportError(ctx, requestCtx, timeoutMS, "failed to read provider response", err))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fail(statusError(resp.StatusCode, respBody))
	}

	text, err := envelopeText(respBody)
	if err != nil {
		return fail(err)
	}

	notify(PhaseSanitizing)
	extraction := sanitize.Process(text)
	if extraction.Degraded {
		r.logger.WithFields(logrus.Fields{
			"provider": profile.ID,
			"model":    model,
		}).Warn(extraction.Err())
	}
	notify(PhaseDone)
	return extraction.Answer, nil
}

// BuildMessages lays out the prompt: instructions, page context, then the
// conversation, with the JSON reminder appended to the final message.
func BuildMessages(history []domain.ChatMessage, pageCtx domain.PageContext) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history)+2)
	out = append(out,
		domain.ChatMessage{Role: domain.RoleSystem, Content: SystemPrompt},
		domain.ChatMessage{Role: domain.RoleSystem, Content: contextContent(pageCtx)},
	)
	for _, msg := range history {
		out = append(out, domain.ChatMessage{Role: normalizeRole(msg.Role), Content: msg.Content})
	}
	out[len(out)-1].Content += jsonReminder
	return out
}

func contextContent(pageCtx domain.PageContext) string {
	if strings.TrimSpace(pageCtx.Selection) != "" {
		return "Selected Text Context:\n" + truncateRunes(pageCtx.Selection, maxContextRunes)
	}
	return "Page Context:\n" + truncateRunes(pageCtx.Text, maxContextRunes)
}

func endpointFor(st domain.Settings, providerID string) string {
	if v := strings.TrimSpace(st.Endpoints[providerID]); v != "" {
		return v
	}
	return st.Endpoint
}

func resolveKey(cfg QueryConfig, profile provider.Profile) (string, error) {
	st := cfg.Settings
	requireKey := profile.RequiresKey || st.HasAPIKey()

	apiKey := st.APIKey
	if cfg.Keys != nil {
		key, err := cfg.Keys.UsableKey(st, requireKey)
		switch {
		case errors.Is(err, vault.ErrPassphraseRequired):
			return "", &RunnerError{Code: ErrorCodePassphraseRequired, Message: err.Error(), Err: err}
		case errors.Is(err, vault.ErrDecryption):
			return "", &RunnerError{Code: ErrorCodeDecryption, Message: err.Error(), Err: err}
		case err != nil:
			return "", &RunnerError{Code: ErrorCodeConfiguration, Message: err.Error(), Err: err}
		}
		apiKey = key
	}

	if profile.RequiresKey && strings.TrimSpace(apiKey) == "" {
		return "", &RunnerError{
			Code:    ErrorCodeConfiguration,
			Message: fmt.Sprintf("API key is required for provider %s", profile.Name),
		}
	}
	return strings.TrimSpace(apiKey), nil
}

func transportError(parent, requestCtx context.Context, timeoutMS int, message string, err error) error {
	if parent.Err() == nil && errors.Is(requestCtx.Err(), context.DeadlineExceeded) {
		return &RunnerError{
			Code:    ErrorCodeTimeout,
			Message: fmt.Sprintf("request timed out after %dms", timeoutMS),
			Err:     context.DeadlineExceeded,
		}
	}
	return &RunnerError{Code: ErrorCodeRequestFailed, Message: message, Err: err}
}

func statusError(status int, body []byte) error {
	statusErr := provider.ClassifyStatus(status, body)
	code := ErrorCodeHTTP
	switch {
	case errors.Is(statusErr, provider.ErrAuthentication):
		code = ErrorCodeAuthentication
	case errors.Is(statusErr, provider.ErrRateLimited):
		code = ErrorCodeRateLimited
	}
	return &RunnerError{
		Code:    code,
		Message: fmt.Sprintf("LLM API error: %s", statusErr.Error()),
		Err:     statusErr,
	}
}

func envelopeText(body []byte) (string, error) {
	var env chatCompletionResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return "", &RunnerError{Code: ErrorCodeInvalidReply, Message: "failed to decode provider response", Err: err}
	}
	if len(env.Choices) > 0 {
		if text := extractOpenAIContent(env.Choices[0].Message.Content); strings.TrimSpace(text) != "" {
			return text, nil
		}
		if strings.TrimSpace(env.Choices[0].Text) != "" {
			return env.Choices[0].Text, nil
		}
	}
	if len(env.Response) > 0 && string(env.Response) != "null" {
		var direct string
		if err := json.Unmarshal(env.Response, &direct); err == nil {
			return direct, nil
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, env.Response); err == nil {
			return compact.String(), nil
		}
		return string(env.Response), nil
	}
	return "", &RunnerError{Code: ErrorCodeInvalidReply, Message: "provider response has empty content"}
}

func extractOpenAIContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	var arr []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &arr); err == nil {
		parts := make([]string, 0, len(arr))
		for _, item := range arr {
			if item.Type != "text" {
				continue
			}
			text := strings.TrimSpace(item.Text)
			if text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case domain.RoleAssistant:
		return domain.RoleAssistant
	case domain.RoleSystem:
		return domain.RoleSystem
	default:
		return domain.RoleUser
	}
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// IsCode reports whether err carries a RunnerError with the given code.
func IsCode(err error, code string) bool {
	var runErr *RunnerError
	return errors.As(err, &runErr) && runErr.Code == code
}
