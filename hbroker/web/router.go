package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/radrouter/hbroker-app/hbroker/models"
	"github.com/radrouter/hbroker-app/hbroker/registry"
)

// NewRouter provides the administrative API: broker CRUD, crosswalk audit
// and export, and the synchronous test lookup used by the console.
func NewRouter(reg *registry.Registry, repo models.Repository) http.Handler {
	api := &API{registry: reg, repo: repo}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(NewStructuredLogger())
	r.Use(middleware.Recoverer)

	r.Get("/_health", api.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/brokers", func(r chi.Router) {
			r.Get("/", api.ListBrokers)
			r.Post("/", api.CreateBroker)
			r.Route("/{brokerName}", func(r chi.Router) {
				r.Get("/", api.GetBroker)
				r.Put("/", api.UpdateBroker)
				r.Delete("/", api.DeleteBroker)
				r.Get("/summary", api.GetBrokerSummary)
				r.Get("/crosswalk", api.ListCrosswalk)
				r.Get("/crosswalk/export", api.ExportCrosswalk)
				r.Get("/reverse", api.ReverseLookup)
				r.Post("/test-lookup", api.TestLookup)
			})
		})
		r.Get("/crosswalk/export", api.ExportAllCrosswalks)
	})

	return r
}
