package domain

type APIErrorBody struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Settings is the persisted provider configuration. APIKey and the cipher
// triple are mutually exclusive; APIKeyIsEncrypted selects the active form.
type Settings struct {
	Provider          string            `json:"provider"`
	Endpoint          string            `json:"endpoint"`
	Endpoints         map[string]string `json:"endpoints"`
	Model             string            `json:"model"`
	Models            []string          `json:"models"`
	APIKey            string            `json:"apiKey,omitempty"`
	APIKeyCipher      string            `json:"apiKeyCipher,omitempty"`
	APIKeyIV          string            `json:"apiKeyIv,omitempty"`
	APIKeySalt        string            `json:"apiKeySalt,omitempty"`
	APIKeyIsEncrypted bool              `json:"apiKeyIsEncrypted"`
	Timeout           int               `json:"timeout"`
	Referer           string            `json:"referer,omitempty"`
	Title             string            `json:"title,omitempty"`
}

func (s Settings) Clone() Settings {
	out := s
	out.Endpoints = make(map[string]string, len(s.Endpoints))
	for k, v := range s.Endpoints {
		out.Endpoints[k] = v
	}
	out.Models = append([]string{}, s.Models...)
	return out
}

func (s Settings) HasAPIKey() bool {
	if s.APIKeyIsEncrypted {
		return s.APIKeyCipher != ""
	}
	return s.APIKey != ""
}

func (s Settings) HasModel(id string) bool {
	for _, m := range s.Models {
		if m == id {
			return true
		}
	}
	return false
}

// SafeSettings is the view handed to UI callers. It never carries key material.
type SafeSettings struct {
	Provider           string            `json:"provider"`
	Endpoint           string            `json:"endpoint"`
	Endpoints          map[string]string `json:"endpoints"`
	Model              string            `json:"model"`
	Models             []string          `json:"models"`
	Timeout            int               `json:"timeout"`
	Referer            string            `json:"referer,omitempty"`
	Title              string            `json:"title,omitempty"`
	HasAPIKey          bool              `json:"hasApiKey"`
	APIKeyIsEncrypted  bool              `json:"apiKeyIsEncrypted"`
	RequiresPassphrase bool              `json:"requiresPassphrase"`
	KeyUnlocked        bool              `json:"keyUnlocked"`
}

type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type Image struct {
	Alt string `json:"alt"`
	Src string `json:"src"`
}

type Readability struct {
	WordCount   int `json:"wordCount"`
	ReadingTime int `json:"readingTime"`
	Paragraphs  int `json:"paragraphs"`
}

// PageContext is produced by the content script and treated as immutable
// once received.
type PageContext struct {
	URL         string            `json:"url"`
	Title       string            `json:"title"`
	Domain      string            `json:"domain"`
	Text        string            `json:"text"`
	Selection   string            `json:"selection,omitempty"`
	Headings    []Heading         `json:"headings,omitempty"`
	Links       []Link            `json:"links,omitempty"`
	Images      []Image           `json:"images,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Readability *Readability      `json:"readability,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
}

func (p PageContext) Clone() PageContext {
	out := p
	out.Headings = append([]Heading(nil), p.Headings...)
	out.Links = append([]Link(nil), p.Links...)
	out.Images = append([]Image(nil), p.Images...)
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	if p.Readability != nil {
		r := *p.Readability
		out.Readability = &r
	}
	return out
}

type ProviderInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DefaultEndpoint string `json:"default_endpoint"`
	RequiresAPIKey  bool   `json:"requires_api_key"`
	Active          bool   `json:"active"`
}
