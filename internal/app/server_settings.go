package app

import (
	"context"
	"net/http"
	"strings"

	"tabmind/internal/domain"
	settingsservice "tabmind/internal/service/settings"
)

// settingsPatch is the partial settings body shared by PUT /settings and the
// setSettings control action.
type settingsPatch struct {
	Provider *string   `json:"provider,omitempty"`
	Endpoint *string   `json:"endpoint,omitempty"`
	Model    *string   `json:"model,omitempty"`
	Models   *[]string `json:"models,omitempty"`
	APIKey   *string   `json:"apiKey,omitempty"`
	Timeout  *int      `json:"timeout,omitempty"`
	Referer  *string   `json:"referer,omitempty"`
	Title    *string   `json:"title,omitempty"`
}

type settingsOptions struct {
	Passphrase    string `json:"passphrase,omitempty"`
	EncryptAPIKey *bool  `json:"encryptApiKey,omitempty"`
	ClearAPIKey   bool   `json:"clearApiKey,omitempty"`
}

type updateSettingsRequest struct {
	settingsPatch
	Options *settingsOptions `json:"options,omitempty"`
}

type unlockRequest struct {
	Passphrase string `json:"passphrase"`
}

func (p settingsPatch) input() settingsservice.UpdateInput {
	return settingsservice.UpdateInput{
		Provider: p.Provider,
		Endpoint: p.Endpoint,
		Model:    p.Model,
		Models:   p.Models,
		APIKey:   p.APIKey,
		Timeout:  p.Timeout,
		Referer:  p.Referer,
		Title:    p.Title,
	}
}

// touchesConnection reports whether the patch can change what the model
// list endpoint returns.
func (p settingsPatch) touchesConnection(opts settingsOptions) bool {
	return p.Provider != nil || p.Endpoint != nil || (p.APIKey != nil && strings.TrimSpace(*p.APIKey) != "") ||
		opts.Passphrase != "" || opts.ClearAPIKey
}

func (o *settingsOptions) options() settingsservice.UpdateOptions {
	if o == nil {
		return settingsservice.UpdateOptions{}
	}
	return settingsservice.UpdateOptions{
		Passphrase:    o.Passphrase,
		EncryptAPIKey: o.EncryptAPIKey,
		ClearAPIKey:   o.ClearAPIKey,
	}
}

// applySettings saves the patch and, when enabled, refreshes the model list
// in the background.
func (s *Server) applySettings(patch settingsPatch, opts *settingsOptions) (domain.SafeSettings, error) {
	out, err := s.settingsService.Update(patch.input(), opts.options())
	if err != nil {
		return domain.SafeSettings{}, err
	}
	var resolved settingsOptions
	if opts != nil {
		resolved = *opts
	}
	if s.cfg.AutoDetectModels && patch.Models == nil && patch.touchesConnection(resolved) {
		s.runBackground(func(ctx context.Context) {
			if _, err := s.discoveryService.Discover(ctx); err != nil {
				s.logger.WithError(err).Debug("automatic model detection failed")
			}
		})
	}
	return out, nil
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	out, err := s.settingsService.Get()
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body", nil)
		return
	}
	out, err := s.applySettings(req.settingsPatch, req.Options)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) unlockKey(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body", nil)
		return
	}
	out, err := s.settingsService.Unlock(req.Passphrase)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) forgetKey(w http.ResponseWriter, _ *http.Request) {
	out, err := s.settingsService.ForgetKey()
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) resetSettings(w http.ResponseWriter, _ *http.Request) {
	out, err := s.settingsService.Reset()
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
