package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/agrilink/internal/auth"
	etahandler "github.com/example/agrilink/internal/eta/handler"
	ratelimit "github.com/example/agrilink/internal/http/middleware"
	"github.com/example/agrilink/pkg/observability"
)

// RouterConfig collects the presence HTTP surface.
type RouterConfig struct {
	WS        *WS
	REST      *REST
	ETA       *etahandler.HTTP
	JWTSecret string
	Limiter   *ratelimit.RateLimiter
	Ready     []observability.ReadyCheck
}

// NewRouter builds the chi router. Every presence route authenticates first, then rate limits.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter(cfg.Ready...))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret))
		r.Use(cfg.Limiter.Middleware)
		if cfg.WS != nil {
			r.Get("/ws/presence", cfg.WS.ServeHTTP)
		}
		if cfg.REST != nil {
			cfg.REST.Routes(r)
		}
		if cfg.ETA != nil {
			cfg.ETA.Routes(r)
		}
	})
	return r
}
