package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tabmind/internal/domain"
	"tabmind/internal/pagectx"
	"tabmind/internal/provider"
	"tabmind/internal/vault"
)

func testPage() *domain.PageContext {
	return &domain.PageContext{
		URL:   "https://example.com",
		Title: "Example",
		Text:  "Example page body text",
	}
}

func localSettings(endpoint string) domain.Settings {
	return domain.Settings{
		Provider: provider.ProviderOpenAI,
		Endpoint: endpoint,
		Model:    "m1",
		Timeout:  5000,
	}
}

func history(prompt string) []domain.ChatMessage {
	return []domain.ChatMessage{{Role: "user", Content: prompt}}
}

func TestQueryChatSendsExpectedRequest(t *testing.T) {
	var captured struct {
		path string
		auth string
		ref  string
		body chatCompletionRequest
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.path = r.URL.Path
		captured.auth = r.Header.Get("Authorization")
		captured.ref = r.Header.Get("HTTP-Referer")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &captured.body)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"<think>hmm</think>{\"answer\":\"Hello there\"}"}}]}`))
	}))
	defer srv.Close()

	st := localSettings(srv.URL + "/v1")
	st.Referer = "https://ignored.example"
	var phases []Phase
	got, err := New().QueryChat(context.Background(), QueryConfig{
		Settings: st,
		OnPhase:  func(p Phase) { phases = append(phases, p) },
	}, history("hi"), testPage())
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if got != "Hello there" {
		t.Fatalf("unexpected answer: %q", got)
	}
	if captured.path != "/v1/chat/completions" {
		t.Fatalf("unexpected path: %s", captured.path)
	}
	if captured.auth != "" || captured.ref != "" {
		t.Fatalf("local provider must not send auth or attribution headers: auth=%q ref=%q", captured.auth, captured.ref)
	}
	b := captured.body
	if b.Model != "m1" || b.MaxTokens != 2048 || b.Temperature != 0.2 || b.Stream {
		t.Fatalf("unexpected body: %+v", b)
	}
	if len(b.Messages) != 3 || b.Messages[0].Content != SystemPrompt {
		t.Fatalf("unexpected messages: %+v", b.Messages)
	}
	if !strings.HasSuffix(b.Messages[2].Content, jsonReminder) {
		t.Fatalf("reminder missing from last message: %q", b.Messages[2].Content)
	}
	want := []Phase{PhaseBuilding, PhaseAwaitingResponse, PhaseSanitizing, PhaseDone}
	if len(phases) != len(want) {
		t.Fatalf("unexpected phases: %v", phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("unexpected phases: %v", phases)
		}
	}
}

func TestQueryChatFallsBackToLocalModel(t *testing.T) {
	var model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		model = body.Model
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"answer\":\"ok\"}"}}]}`))
	}))
	defer srv.Close()

	st := localSettings(srv.URL)
	st.Model = ""
	if _, err := New().QueryChat(context.Background(), QueryConfig{Settings: st}, history("q"), testPage()); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if model != "local-model" {
		t.Fatalf("expected local-model fallback, got=%q", model)
	}
}

func TestQueryChatOpenRouterHeaders(t *testing.T) {
	var path, auth, referer, title string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		referer = r.Header.Get("HTTP-Referer")
		title = r.Header.Get("X-Title")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"answer\":\"routed\"}"}}]}`))
	}))
	defer srv.Close()

	st := domain.Settings{
		Provider: provider.ProviderOpenRouter,
		Endpoint: srv.URL,
		Model:    "openai/gpt-4o-mini",
		APIKey:   "sk-or-test",
		Timeout:  5000,
		Referer:  "https://tabmind.example",
		Title:    "TabMind",
	}
	got, err := New().QueryChat(context.Background(), QueryConfig{Settings: st, Keys: vault.NewKeyState()}, history("q"), testPage())
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if got != "routed" {
		t.Fatalf("unexpected answer: %q", got)
	}
	if path != "/api/v1/chat/completions" {
		t.Fatalf("unexpected path: %s", path)
	}
	if auth != "Bearer sk-or-test" || referer != "https://tabmind.example" || title != "TabMind" {
		t.Fatalf("unexpected headers auth=%q referer=%q title=%q", auth, referer, title)
	}
}

func TestQueryChatTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	st := localSettings(srv.URL)
	st.Timeout = 100
	var last Phase
	_, err := New().QueryChat(context.Background(), QueryConfig{
		Settings: st,
		OnPhase:  func(p Phase) { last = p },
	}, history("q"), testPage())
	if !IsCode(err, ErrorCodeTimeout) {
		t.Fatalf("expected timeout error, got=%v", err)
	}
	if !strings.Contains(err.Error(), "100") {
		t.Fatalf("timeout message should name the timeout: %q", err.Error())
	}
	if last != PhaseTimedOut {
		t.Fatalf("expected timed_out phase, got=%s", last)
	}
}

func TestQueryChatClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		code   string
		kind   error
	}{
		{http.StatusUnauthorized, ErrorCodeAuthentication, provider.ErrAuthentication},
		{http.StatusForbidden, ErrorCodeAuthentication, provider.ErrAuthentication},
		{http.StatusTooManyRequests, ErrorCodeRateLimited, provider.ErrRateLimited},
		{http.StatusBadGateway, ErrorCodeHTTP, nil},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte("upstream says no"))
		}))
		_, err := New().QueryChat(context.Background(), QueryConfig{Settings: localSettings(srv.URL)}, history("q"), testPage())
		srv.Close()

		if !IsCode(err, tc.code) {
			t.Fatalf("status %d: expected code %s, got=%v", tc.status, tc.code, err)
		}
		if tc.kind != nil && !errors.Is(err, tc.kind) {
			t.Fatalf("status %d: expected %v in chain, got=%v", tc.status, tc.kind, err)
		}
		var statusErr *provider.StatusError
		if !errors.As(err, &statusErr) || statusErr.Status != tc.status || statusErr.Body != "upstream says no" {
			t.Fatalf("status %d: expected status error with body, got=%v", tc.status, err)
		}
	}
}

func TestQueryChatResponseEnvelopes(t *testing.T) {
	cases := map[string]string{
		`{"response":"{\"answer\":\"from string\"}"}`:                  "from string",
		`{"response":{"answer":"from object"}}`:                        "from object",
		`{"choices":[{"message":{"content":[{"type":"text","text":"{\"answer\":\"parts\"}"}]}}]}`: "parts",
		`{"choices":[{"message":{"content":"plain words"}}]}`:          "plain words",
	}
	for body, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		got, err := New().QueryChat(context.Background(), QueryConfig{Settings: localSettings(srv.URL)}, history("q"), testPage())
		srv.Close()
		if err != nil {
			t.Fatalf("body %s: unexpected error %v", body, err)
		}
		if got != want {
			t.Fatalf("body %s: got=%q want=%q", body, got, want)
		}
	}
}

func TestQueryChatInvalidReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New().QueryChat(context.Background(), QueryConfig{Settings: localSettings(srv.URL)}, history("q"), testPage())
	if !IsCode(err, ErrorCodeInvalidReply) {
		t.Fatalf("expected invalid reply, got=%v", err)
	}
}

func TestQueryChatFailsBeforeCallingProvider(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	_, err := New().QueryChat(context.Background(), QueryConfig{Settings: localSettings(srv.URL)}, history("q"), nil)
	if !IsCode(err, ErrorCodeNoContext) || !errors.Is(err, pagectx.ErrNoContext) {
		t.Fatalf("expected no context error, got=%v", err)
	}

	orNoKey := domain.Settings{Provider: provider.ProviderOpenRouter, Endpoint: srv.URL, Model: "x"}
	_, err = New().QueryChat(context.Background(), QueryConfig{Settings: orNoKey, Keys: vault.NewKeyState()}, history("q"), testPage())
	if !IsCode(err, ErrorCodeConfiguration) {
		t.Fatalf("expected configuration error, got=%v", err)
	}

	orNoModel := domain.Settings{Provider: provider.ProviderOpenRouter, Endpoint: srv.URL, APIKey: "sk"}
	_, err = New().QueryChat(context.Background(), QueryConfig{Settings: orNoModel}, history("q"), testPage())
	if !IsCode(err, ErrorCodeConfiguration) {
		t.Fatalf("expected configuration error for missing model, got=%v", err)
	}

	sealed, sealErr := vault.Encrypt("sk-secret", "pw")
	if sealErr != nil {
		t.Fatalf("encrypt failed: %v", sealErr)
	}
	locked := localSettings(srv.URL)
	locked.APIKeyIsEncrypted = true
	locked.APIKeyCipher, locked.APIKeyIV, locked.APIKeySalt = sealed.Cipher, sealed.IV, sealed.Salt
	_, err = New().QueryChat(context.Background(), QueryConfig{Settings: locked, Keys: vault.NewKeyState()}, history("q"), testPage())
	if !IsCode(err, ErrorCodePassphraseRequired) || !errors.Is(err, vault.ErrPassphraseRequired) {
		t.Fatalf("expected passphrase required, got=%v", err)
	}

	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("provider must not be called, got %d calls", n)
	}
}

func TestBuildMessages(t *testing.T) {
	page := domain.PageContext{Text: "body", Selection: "  picked text  "}
	msgs := BuildMessages([]domain.ChatMessage{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "tool", Content: "second"},
	}, page)

	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got=%d", len(msgs))
	}
	if msgs[1].Content != "Selected Text Context:\n  picked text  " {
		t.Fatalf("selection should win over page text: %q", msgs[1].Content)
	}
	if msgs[3].Role != "assistant" || msgs[4].Role != "user" {
		t.Fatalf("unexpected roles: %+v", msgs)
	}
	if msgs[4].Content != "second"+jsonReminder {
		t.Fatalf("unexpected last message: %q", msgs[4].Content)
	}

	long := strings.Repeat("a", maxContextRunes+50)
	msgs = BuildMessages(nil, domain.PageContext{Text: long})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got=%d", len(msgs))
	}
	wantLen := len("Page Context:\n") + maxContextRunes + len(jsonReminder)
	if len(msgs[1].Content) != wantLen {
		t.Fatalf("context should be truncated, len=%d want=%d", len(msgs[1].Content), wantLen)
	}
}
