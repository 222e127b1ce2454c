package app

import (
	"context"
	"net/http"
	"strings"

	"tabmind/internal/domain"
	"tabmind/internal/runner"
	chatservice "tabmind/internal/service/chat"
)

const (
	actionGetContext     = "getContext"
	actionPutContext     = "putContext"
	actionQueryLLM       = "queryLLM"
	actionGetSettings    = "getSettings"
	actionGetLLMSettings = "getLLMSettings"
	actionSetSettings    = "setSettings"
	actionSetLLMSettings = "setLLMSettings"
	actionDetectModels   = "detectModels"
	actionUnlockKey      = "unlockKey"
	actionForgetKey      = "forgetKey"
	actionListProviders  = "listProviders"

	transportHTTP      = "http"
	transportWebSocket = "ws"
)

type controlRequest struct {
	ID         string               `json:"id,omitempty"`
	Action     string               `json:"action"`
	TabID      *int                 `json:"tabId,omitempty"`
	Prompt     string               `json:"prompt,omitempty"`
	History    []domain.ChatMessage `json:"history,omitempty"`
	Context    *domain.PageContext  `json:"context,omitempty"`
	Settings   *settingsPatch       `json:"settings,omitempty"`
	Options    *settingsOptions     `json:"options,omitempty"`
	Passphrase string               `json:"passphrase,omitempty"`
}

type controlResponse struct {
	ID        string                `json:"id,omitempty"`
	Event     string                `json:"event,omitempty"`
	Phase     string                `json:"phase,omitempty"`
	Success   bool                  `json:"success"`
	Error     string                `json:"error,omitempty"`
	Code      string                `json:"code,omitempty"`
	Result    *string               `json:"result,omitempty"`
	Context   *domain.PageContext   `json:"context,omitempty"`
	Settings  *domain.SafeSettings  `json:"settings,omitempty"`
	Models    []string              `json:"models,omitempty"`
	Providers []domain.ProviderInfo `json:"providers,omitempty"`
}

func failure(id string, err error) controlResponse {
	_, code := errorStatus(err)
	return controlResponse{ID: id, Success: false, Error: err.Error(), Code: code}
}

func invalid(id, code, message string) controlResponse {
	return controlResponse{ID: id, Success: false, Error: message, Code: code}
}

// dispatch runs one control message. onPhase may be nil.
func (s *Server) dispatch(ctx context.Context, req controlRequest, transport string, onPhase func(runner.Phase)) controlResponse {
	action := strings.TrimSpace(req.Action)
	s.metrics.ObserveControl(action, transport)

	switch action {
	case actionGetContext:
		if req.TabID == nil {
			return invalid(req.ID, "invalid_tab_id", "tabId is required")
		}
		pageCtx, err := s.contexts.Get(*req.TabID)
		if err != nil {
			return failure(req.ID, err)
		}
		return controlResponse{ID: req.ID, Success: true, Context: &pageCtx}

	case actionPutContext:
		if req.TabID == nil {
			return invalid(req.ID, "invalid_tab_id", "tabId is required")
		}
		if req.Context == nil {
			return invalid(req.ID, "invalid_context", "context is required")
		}
		stored := s.storeContext(*req.TabID, *req.Context)
		return controlResponse{ID: req.ID, Success: true, Context: &stored}

	case actionQueryLLM:
		if req.TabID == nil {
			return invalid(req.ID, "invalid_tab_id", "tabId is required")
		}
		if req.Context != nil {
			s.storeContext(*req.TabID, *req.Context)
		}
		answer, err := s.chatService.Query(ctx, chatservice.QueryInput{
			TabID:   *req.TabID,
			Prompt:  req.Prompt,
			History: req.History,
			OnPhase: onPhase,
		})
		if err != nil {
			return failure(req.ID, err)
		}
		return controlResponse{ID: req.ID, Success: true, Result: &answer}

	case actionGetSettings, actionGetLLMSettings:
		out, err := s.settingsService.Get()
		if err != nil {
			return failure(req.ID, err)
		}
		return controlResponse{ID: req.ID, Success: true, Settings: &out}

	case actionSetSettings, actionSetLLMSettings:
		var patch settingsPatch
		if req.Settings != nil {
			patch = *req.Settings
		}
		out, err := s.applySettings(patch, req.Options)
		if err != nil {
			return failure(req.ID, err)
		}
		return controlResponse{ID: req.ID, Success: true, Settings: &out}

	case actionDetectModels:
		models, err := s.discoveryService.Discover(ctx)
		if err != nil {
			return failure(req.ID, err)
		}
		return controlResponse{ID: req.ID, Success: true, Models: models}

	case actionUnlockKey:
		out, err := s.settingsService.Unlock(req.Passphrase)
		if err != nil {
			return failure(req.ID, err)
		}
		return controlResponse{ID: req.ID, Success: true, Settings: &out}

	case actionForgetKey:
		out, err := s.settingsService.ForgetKey()
		if err != nil {
			return failure(req.ID, err)
		}
		return controlResponse{ID: req.ID, Success: true, Settings: &out}

	case actionListProviders:
		return controlResponse{ID: req.ID, Success: true, Providers: s.settingsService.ListProviders()}

	case "":
		return invalid(req.ID, "invalid_action", "action is required")
	default:
		return invalid(req.ID, "unknown_action", "unknown action: "+action)
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, invalid("", "invalid_json", "invalid request body"))
		return
	}
	writeJSON(w, http.StatusOK, s.dispatch(r.Context(), req, transportHTTP, nil))
}
