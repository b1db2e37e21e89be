package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"chartextract/internal/http/handlers"
	"chartextract/internal/middleware"
)

// Options configures the middleware stack around the handlers.
type Options struct {
	JWTSecret       string
	RateLimitPerMin int
	CORSOrigins     []string
	Logger          zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.Logger(opts.Logger),
		chimw.Recoverer,
		middleware.CORS(opts.CORSOrigins),
	)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Health)
		r.Get("/openapi.json", app.OpenAPIJSON)
		r.Get("/docs", app.OpenAPIDocs)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthJWT(opts.JWTSecret))

			r.Route("/charts", func(r chi.Router) {
				r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).Post("/", app.UploadChart)
				r.Get("/", app.ListCharts)
				r.Get("/{id}", app.GetChart)
				r.Get("/{id}/export", app.ExportChart)
				r.Get("/{id}/artifacts.zip", app.ChartArtifactsZip)
				r.Get("/{id}/artifacts/{key}", app.ChartArtifact)
			})
		})
	})

	return r
}
