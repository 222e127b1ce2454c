package provider

import (
	"regexp"
	"strings"
)

var (
	schemePattern = regexp.MustCompile(`(?i)^[a-z][a-z0-9+.-]*://`)

	// Longest first so "/v1/models" wins over "/models".
	commonSuffixes = []string{
		"/v1/chat/completions",
		"/v1/completions",
		"/v1/models",
		"/models",
		"/v1",
	}
)

// NormalizeEndpoint reduces a user-entered endpoint to the canonical base URL
// for providerID. Applying it to its own output is a no-op.
func NormalizeEndpoint(providerID, raw string) string {
	p := ResolveProfile(providerID)

	endpoint := strings.TrimSpace(raw)
	if !hasHost(endpoint) {
		endpoint = p.DefaultEndpoint
	}
	if !schemePattern.MatchString(endpoint) {
		endpoint = p.Scheme + "://" + endpoint
	}

	suffixes := append(append([]string{}, commonSuffixes...), p.ExtraSuffixes...)
	hostStart := strings.Index(endpoint, "://") + len("://")
	for {
		trimmed := endpoint[:hostStart] + strings.TrimRight(endpoint[hostStart:], "/")
		lower := strings.ToLower(trimmed)
		for _, suffix := range suffixes {
			if strings.HasSuffix(lower, suffix) && len(trimmed)-len(suffix) > hostStart {
				trimmed = trimmed[:len(trimmed)-len(suffix)]
				break
			}
		}
		if trimmed == endpoint {
			break
		}
		endpoint = trimmed
	}

	return endpoint + p.BaseSuffix
}

// hasHost reports whether endpoint names anything beyond an optional scheme.
func hasHost(endpoint string) bool {
	rest := endpoint
	if loc := schemePattern.FindStringIndex(endpoint); loc != nil {
		rest = endpoint[loc[1]:]
	}
	return strings.Trim(rest, "/") != ""
}

// ChatCompletionsURL expects base to be the output of NormalizeEndpoint.
func ChatCompletionsURL(providerID, base string) string {
	return base + ResolveProfile(providerID).ChatPath
}

// ModelListURLs returns discovery candidates in probe order.
func ModelListURLs(providerID, base string) []string {
	p := ResolveProfile(providerID)
	out := make([]string, 0, len(p.ModelPaths))
	for _, path := range p.ModelPaths {
		out = append(out, base+path)
	}
	return out
}
