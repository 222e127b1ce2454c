package app

import (
	"net/http"

	"tabmind/internal/domain"
)

type modelsView struct {
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
	Models   []string `json:"models"`
}

func (s *Server) listModels(w http.ResponseWriter, _ *http.Request) {
	var out modelsView
	s.store.Read(func(st *domain.Settings) {
		out = modelsView{
			Provider: st.Provider,
			Model:    st.Model,
			Models:   append([]string{}, st.Models...),
		}
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) detectModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.discoveryService.Discover(r.Context())
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	st := s.store.Snapshot()
	writeJSON(w, http.StatusOK, modelsView{Provider: st.Provider, Model: st.Model, Models: models})
}
