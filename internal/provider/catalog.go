package provider

import (
	"net/http"
	"sort"
	"strings"

	"tabmind/internal/domain"
)

const (
	ProviderOpenAI     = "openai"
	ProviderLMStudio   = "lmstudio"
	ProviderOpenRouter = "openrouter"

	DefaultProviderID = ProviderOpenAI
)

// Profile describes how one provider family is addressed on the wire.
type Profile struct {
	ID              string
	Name            string
	DefaultEndpoint string
	Scheme          string
	// BaseSuffix is appended to the normalized host root, e.g. "/api/v1".
	BaseSuffix string
	// ExtraSuffixes are stripped during normalization in addition to the
	// common API suffixes.
	ExtraSuffixes []string
	ChatPath      string
	ModelPaths    []string
	RequiresKey   bool
	// StrictDiscovery propagates the first discovery failure instead of
	// moving on to the next candidate path.
	StrictDiscovery bool
	FallbackModel   string
	Attribution     func(h http.Header, referer, title string)
}

var builtinProfiles = map[string]Profile{
	ProviderOpenAI: {
		ID:              ProviderOpenAI,
		Name:            "Local / OpenAI-compatible",
		DefaultEndpoint: "localhost:1234",
		Scheme:          "http",
		ChatPath:        "/v1/chat/completions",
		ModelPaths:      []string{"/v1/models", "/models"},
		FallbackModel:   "local-model",
	},
	ProviderLMStudio: {
		ID:              ProviderLMStudio,
		Name:            "LM Studio",
		DefaultEndpoint: "localhost:1234",
		Scheme:          "http",
		ChatPath:        "/v1/chat/completions",
		ModelPaths:      []string{"/v1/models", "/models"},
		FallbackModel:   "local-model",
	},
	ProviderOpenRouter: {
		ID:              ProviderOpenRouter,
		Name:            "OpenRouter",
		DefaultEndpoint: "https://openrouter.ai/api/v1",
		Scheme:          "https",
		BaseSuffix:      "/api/v1",
		ExtraSuffixes:   []string{"/chat/completions", "/api"},
		ChatPath:        "/chat/completions",
		ModelPaths:      []string{"/models"},
		RequiresKey:     true,
		StrictDiscovery: true,
		Attribution:     openRouterAttribution,
	},
}

func openRouterAttribution(h http.Header, referer, title string) {
	if v := strings.TrimSpace(referer); v != "" {
		h.Set("HTTP-Referer", v)
	}
	if v := strings.TrimSpace(title); v != "" {
		h.Set("X-Title", v)
	}
}

func ListBuiltinProviderIDs() []string {
	out := make([]string, 0, len(builtinProfiles))
	for id := range builtinProfiles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ResolveProfile returns the profile for providerID. Unknown ids are served
// by the generic OpenAI-compatible profile under their own id.
func ResolveProfile(providerID string) Profile {
	id := NormalizeProviderID(providerID)
	if id == "" {
		id = DefaultProviderID
	}
	if p, ok := builtinProfiles[id]; ok {
		return cloneProfile(p)
	}
	p := cloneProfile(builtinProfiles[ProviderOpenAI])
	p.ID = id
	p.Name = strings.ToUpper(id)
	return p
}

func IsBuiltinProviderID(providerID string) bool {
	id := NormalizeProviderID(providerID)
	if id == "" {
		return false
	}
	_, ok := builtinProfiles[id]
	return ok
}

func ListProviders(activeID string) []domain.ProviderInfo {
	active := NormalizeProviderID(activeID)
	ids := ListBuiltinProviderIDs()
	out := make([]domain.ProviderInfo, 0, len(ids))
	for _, id := range ids {
		p := builtinProfiles[id]
		out = append(out, domain.ProviderInfo{
			ID:              p.ID,
			Name:            p.Name,
			DefaultEndpoint: p.DefaultEndpoint,
			RequiresAPIKey:  p.RequiresKey,
			Active:          p.ID == active,
		})
	}
	return out
}

func NormalizeProviderID(providerID string) string {
	return strings.ToLower(strings.TrimSpace(providerID))
}

func cloneProfile(in Profile) Profile {
	out := in
	out.ExtraSuffixes = append([]string(nil), in.ExtraSuffixes...)
	out.ModelPaths = append([]string(nil), in.ModelPaths...)
	return out
}
