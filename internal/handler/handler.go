// Package handler exposes the pricing core over a JSON HTTP API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/velora/promo-engine/internal/catalog"
	"github.com/velora/promo-engine/internal/discount"
	"github.com/velora/promo-engine/internal/ledger"
	"github.com/velora/promo-engine/internal/pricing"
)

// Handler wires the HTTP surface to the pricing service and repositories.
type Handler struct {
	pricing *pricing.Service
	catalog catalog.Repository
	codes   discount.Repository
	records ledger.Reader
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	svc *pricing.Service,
	cat catalog.Repository,
	codes discount.Repository,
	records ledger.Reader,
) *Handler {
	return &Handler{
		pricing: svc,
		catalog: cat,
		codes:   codes,
		records: records,
	}
}

// Routes mounts all API routes. Admin routes additionally require the API
// key middleware, applied by the caller via adminAuth.
func (h *Handler) Routes(adminAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/quote", h.PostQuote)
	r.Post("/orders", h.PostOrder)
	r.Get("/products", h.ListProducts)
	r.Get("/products/{id}", h.GetProduct)

	r.Route("/admin", func(r chi.Router) {
		if adminAuth != nil {
			r.Use(adminAuth)
		}
		r.Post("/codes", h.CreateCode)
		r.Get("/codes/{code}", h.GetCode)
		r.Delete("/codes/{code}", h.DeactivateCode)
		r.Get("/usage", h.ExportUsage)
	})

	return r
}

// errorResponse is the uniform error payload.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeJSON encodes v with the given status. Encoding failures are logged,
// not surfaced; headers are already gone by then.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zctx.From(r.Context()).Error("encode response", zap.Error(err))
	}
}

// writeError sends the uniform error payload.
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Code: status, Message: msg})
}

// internalError logs the underlying cause and sends a generic retryable
// failure, never leaking internals to the client.
func internalError(w http.ResponseWriter, r *http.Request, err error) {
	zctx.From(r.Context()).Error("request failed", zap.Error(err))
	writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable, try again")
}
