package transport

import (
	"fmt"
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"tabmind/internal/observability"
)

type PublicHandlers struct {
	Version   stdhttp.HandlerFunc
	Healthz   stdhttp.HandlerFunc
	Providers stdhttp.HandlerFunc
	Metrics   stdhttp.Handler
}

type Handlers struct {
	Public   PublicHandlers
	Settings SettingsHandlers
	Models   ModelHandlers
	Tabs     TabHandlers
	Control  ControlHandlers
}

type RouterConfig struct {
	GatewayToken   string
	RateLimitRPS   float64
	RateLimitBurst int
	Logger         logrus.FieldLogger
}

func NewRouter(cfg RouterConfig, handlers Handlers) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(observability.RequestID)
	r.Use(observability.Logging(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	registerPublicRoutes(r, handlers.Public)

	r.Group(func(api chi.Router) {
		api.Use(observability.APIKey(cfg.GatewayToken))
		api.Use(observability.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

		registerSettingsRoutes(api, handlers.Settings)
		registerModelRoutes(api, handlers.Models)
		registerTabRoutes(api, handlers.Tabs)
		registerControlRoutes(api, handlers.Control)
	})

	return r
}

func registerPublicRoutes(r chi.Router, handlers PublicHandlers) {
	r.Get("/version", mustHandler("version", handlers.Version))
	r.Get("/healthz", mustHandler("healthz", handlers.Healthz))
	r.Get("/providers", mustHandler("providers", handlers.Providers))
	if handlers.Metrics != nil {
		r.Method(stdhttp.MethodGet, "/metrics", handlers.Metrics)
	}
}

func cors(next stdhttp.Handler) stdhttp.Handler {
	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Request-Id,X-Gateway-Token")
		if r.Method == stdhttp.MethodOptions {
			w.WriteHeader(stdhttp.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func mustHandler(name string, handler stdhttp.HandlerFunc) stdhttp.HandlerFunc {
	if handler != nil {
		return handler
	}
	panic(fmt.Sprintf("transport router missing handler: %s", name))
}
