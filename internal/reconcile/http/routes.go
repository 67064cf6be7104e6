package reconcilehttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-epp/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-epp/internal/shared"
)

const (
	remediationLimit = 30
	rateWindow       = time.Minute
)

// MountRoutes registers reconciliation endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/reconciliation", func(r chi.Router) {
		r.Get("/issues", h.handleIssues)
		r.Group(func(gr chi.Router) {
			gr.Use(httprate.Limit(remediationLimit, rateWindow,
				httprate.WithKeyFuncs(actorKey),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					httpx.Problem(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), "")
				}),
			))
			gr.Post("/remediations", h.handleRemediate)
		})
	})
}

func actorKey(r *http.Request) (string, error) {
	if actor := shared.ActorFromContext(r.Context()); actor > 0 {
		return "actor:" + strconv.FormatInt(actor, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
