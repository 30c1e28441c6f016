package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilnbook/kilnbook-backend/api/controllers"
	"github.com/kilnbook/kilnbook-backend/api/middleware"
	"github.com/kilnbook/kilnbook-backend/api/responses"
	"github.com/kilnbook/kilnbook-backend/internal/catalog"
	"github.com/kilnbook/kilnbook-backend/pkg/config"
	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
	"github.com/kilnbook/kilnbook-backend/pkg/logger"
	"github.com/kilnbook/kilnbook-backend/pkg/redis"
)

// Dependencies carries everything the HTTP surface calls into. Nil stores
// disable idempotency or throttling; nil pingers are skipped by readiness.
type Dependencies struct {
	Catalog     catalog.Service
	Verifier    middleware.SubjectVerifier
	Idempotency redis.IdempotencyStore
	RateLimiter redis.RateLimiter
	DB          controllers.Pinger
	ObjectStore controllers.Pinger
	Redis       controllers.Pinger
	Requests    middleware.RequestObserver
	Gatherer    prometheus.Gatherer
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, deps.Requests),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		responses.WriteError(req.Context(), nil, w, pkgerrors.New(pkgerrors.CodeNotFound, "route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":           deps.DB,
			"object_store": deps.ObjectStore,
			"redis":        deps.Redis,
		}))
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	maxUpload := cfg.Photos.MaxUploadBytes()
	createPolicy := middleware.IdempotencyPolicy{MaxBody: 1 << 20}
	uploadPolicy := middleware.IdempotencyPolicy{
		MaxBody: maxUpload + (1 << 20),
		Replay:  controllers.UploadReplay{Catalog: deps.Catalog},
	}
	uploadLimit := middleware.RateLimitPolicy{
		Name:   "photo-upload",
		Limit:  cfg.Photos.UploadRateLimit,
		Window: cfg.Photos.UploadRateWindow,
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(deps.Verifier, logg))

		r.Route("/items", func(r chi.Router) {
			r.With(middleware.Idempotency(deps.Idempotency, createPolicy, logg)).
				Post("/", controllers.CreateItem(deps.Catalog, logg))
			r.Get("/", controllers.ListItems(deps.Catalog, logg))

			r.Route("/{itemId}", func(r chi.Router) {
				r.Get("/", controllers.GetItem(deps.Catalog, logg))
				r.Patch("/", controllers.UpdateItem(deps.Catalog, logg))
				r.Delete("/", controllers.DeleteItem(deps.Catalog, logg))

				r.With(
					middleware.SubjectRateLimit(uploadLimit, deps.RateLimiter, logg),
					middleware.Idempotency(deps.Idempotency, uploadPolicy, logg),
				).Post("/photos", controllers.UploadPhoto(deps.Catalog, maxUpload, logg))

				r.Route("/photos/{photoId}", func(r chi.Router) {
					r.Patch("/", controllers.UpdatePhoto(deps.Catalog, logg))
					r.Delete("/", controllers.DeletePhoto(deps.Catalog, logg))
					r.Post("/primary", controllers.SetPrimaryPhoto(deps.Catalog, logg))
					r.Get("/url", controllers.PhotoURL(deps.Catalog, logg))
				})
			})
		})
	})

	return r
}
