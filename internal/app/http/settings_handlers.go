package transport

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
)

type SettingsHandlers struct {
	GetSettings    stdhttp.HandlerFunc
	UpdateSettings stdhttp.HandlerFunc
	UnlockKey      stdhttp.HandlerFunc
	ForgetKey      stdhttp.HandlerFunc
	ResetSettings  stdhttp.HandlerFunc
}

func registerSettingsRoutes(api chi.Router, handlers SettingsHandlers) {
	api.Route("/settings", func(r chi.Router) {
		r.Get("/", mustHandler("get-settings", handlers.GetSettings))
		r.Put("/", mustHandler("update-settings", handlers.UpdateSettings))
		r.Post("/unlock", mustHandler("unlock-key", handlers.UnlockKey))
		r.Post("/forget-key", mustHandler("forget-key", handlers.ForgetKey))
		r.Post("/reset", mustHandler("reset-settings", handlers.ResetSettings))
	})
}
