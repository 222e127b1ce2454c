package app

import (
	"net/http"
	"strings"

	"tabmind/internal/domain"
	"tabmind/internal/pagectx"
	chatservice "tabmind/internal/service/chat"
)

// queryRequest may carry a freshly extracted context, which replaces the
// stored one before the query runs.
type queryRequest struct {
	Prompt  string               `json:"prompt"`
	History []domain.ChatMessage `json:"history,omitempty"`
	Context *domain.PageContext  `json:"context,omitempty"`
}

func (s *Server) getTabContext(w http.ResponseWriter, r *http.Request) {
	tabID, err := tabIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_tab_id", "tab id must be an integer", nil)
		return
	}
	ctx, err := s.contexts.Get(tabID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctx)
}

// putTabContext stores a pushed page context. A body with only url and title
// stores the fallback context used when extraction failed in the page.
func (s *Server) putTabContext(w http.ResponseWriter, r *http.Request) {
	tabID, err := tabIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_tab_id", "tab id must be an integer", nil)
		return
	}
	var req domain.PageContext
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.storeContext(tabID, req))
}

func (s *Server) storeContext(tabID int, ctx domain.PageContext) domain.PageContext {
	if isFallbackOnly(ctx) {
		ctx = pagectx.Fallback(ctx.URL, ctx.Title)
	}
	return s.contexts.Put(tabID, ctx)
}

func (s *Server) deleteTabContext(w http.ResponseWriter, r *http.Request) {
	tabID, err := tabIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_tab_id", "tab id must be an integer", nil)
		return
	}
	s.contexts.Forget(tabID)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) queryTab(w http.ResponseWriter, r *http.Request) {
	tabID, err := tabIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_tab_id", "tab id must be an integer", nil)
		return
	}
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body", nil)
		return
	}
	if req.Context != nil {
		s.storeContext(tabID, *req.Context)
	}
	answer, err := s.chatService.Query(r.Context(), chatservice.QueryInput{
		TabID:   tabID,
		Prompt:  req.Prompt,
		History: req.History,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": answer})
}

func isFallbackOnly(ctx domain.PageContext) bool {
	return strings.TrimSpace(ctx.URL) != "" &&
		strings.TrimSpace(ctx.Text) == "" &&
		strings.TrimSpace(ctx.Selection) == "" &&
		len(ctx.Headings) == 0 && len(ctx.Links) == 0 && len(ctx.Images) == 0
}
