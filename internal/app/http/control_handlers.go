package transport

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
)

// ControlHandlers serve the tagged message envelope used by the extension.
type ControlHandlers struct {
	Control   stdhttp.HandlerFunc
	WebSocket stdhttp.HandlerFunc
}

func registerControlRoutes(api chi.Router, handlers ControlHandlers) {
	api.Post("/control", mustHandler("control", handlers.Control))
	api.Get("/ws", mustHandler("websocket", handlers.WebSocket))
}
