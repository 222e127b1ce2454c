package transport

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
)

type TabHandlers struct {
	GetContext    stdhttp.HandlerFunc
	PutContext    stdhttp.HandlerFunc
	DeleteContext stdhttp.HandlerFunc
	Query         stdhttp.HandlerFunc
}

func registerTabRoutes(api chi.Router, handlers TabHandlers) {
	api.Route("/tabs/{tab_id}", func(r chi.Router) {
		r.Get("/context", mustHandler("get-tab-context", handlers.GetContext))
		r.Put("/context", mustHandler("put-tab-context", handlers.PutContext))
		r.Delete("/context", mustHandler("delete-tab-context", handlers.DeleteContext))
		r.Post("/query", mustHandler("query-tab", handlers.Query))
	})
}
