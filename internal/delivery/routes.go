// Package delivery registers PPE delivery batches and the stock exits they cause.
package delivery

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes wires all delivery domain routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/deliveries/batches", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleRegister)
		r.Get("/{id}", h.handleGet)
	})
}
