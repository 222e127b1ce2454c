package transport

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
)

type ModelHandlers struct {
	ListModels   stdhttp.HandlerFunc
	DetectModels stdhttp.HandlerFunc
}

func registerModelRoutes(api chi.Router, handlers ModelHandlers) {
	api.Route("/models", func(r chi.Router) {
		r.Get("/", mustHandler("list-models", handlers.ListModels))
		r.Post("/detect", mustHandler("detect-models", handlers.DetectModels))
	})
}
