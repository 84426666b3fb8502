package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/velora/promo-engine/internal/discount"
	"github.com/velora/promo-engine/internal/money"
)

// tierRequest is one quantity tier in a create request.
type tierRequest struct {
	MinQuantity int             `json:"minQuantity"`
	Price       decimal.Decimal `json:"price"`
}

// createCodeRequest defines a new discount code. Monetary amounts arrive in
// major units and convert to cents at this boundary.
type createCodeRequest struct {
	Code              string                   `json:"code"`
	Kind              string                   `json:"kind"`
	Description       string                   `json:"description"`
	Value             decimal.Decimal          `json:"value"`
	MinOrderAmount    decimal.Decimal          `json:"minOrderAmount"`
	MaxDiscountAmount decimal.Decimal          `json:"maxDiscountAmount"`
	UsageLimit        int                      `json:"usageLimit"`
	ValidFrom         time.Time                `json:"validFrom"`
	ValidUntil        time.Time                `json:"validUntil"`
	OverridePrices    map[string]decimal.Decimal `json:"overridePrices,omitempty"`
	QuantityTiers     map[string][]tierRequest   `json:"quantityTiers,omitempty"`
}

// codeResponse is the admin view of a code definition and its usage.
type codeResponse struct {
	ID                string    `json:"id"`
	Code              string    `json:"code"`
	Kind              string    `json:"kind"`
	Description       string    `json:"description,omitempty"`
	Value             float64   `json:"value"`
	MinOrderAmount    float64   `json:"minOrderAmount,omitempty"`
	MaxDiscountAmount float64   `json:"maxDiscountAmount,omitempty"`
	UsageLimit        int       `json:"usageLimit"`
	UsedCount         int       `json:"usedCount"`
	ValidFrom         time.Time `json:"validFrom"`
	ValidUntil        time.Time `json:"validUntil"`
	Active            bool      `json:"active"`
}

// CreateCode validates and stores a new discount code. Structural problems
// in the definition are reported per field with 422; they are caught here,
// at creation time, so evaluation never has to fail a quote over them.
func (h *Handler) CreateCode(w http.ResponseWriter, r *http.Request) {
	var req createCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}

	code := &discount.Code{
		Code:              req.Code,
		Kind:              discount.Kind(req.Kind),
		Description:       req.Description,
		Value:             req.Value,
		MinOrderAmount:    money.FromDecimal(req.MinOrderAmount),
		MaxDiscountAmount: money.FromDecimal(req.MaxDiscountAmount),
		UsageLimit:        req.UsageLimit,
		ValidFrom:         req.ValidFrom,
		ValidUntil:        req.ValidUntil,
		Active:            true,
	}

	if len(req.OverridePrices) > 0 {
		code.OverridePrices = make(map[string]money.Cents, len(req.OverridePrices))
		for pid, price := range req.OverridePrices {
			code.OverridePrices[pid] = money.FromDecimal(price)
		}
	}
	if len(req.QuantityTiers) > 0 {
		code.QuantityTiers = make(map[string][]discount.Tier, len(req.QuantityTiers))
		for pid, tiers := range req.QuantityTiers {
			out := make([]discount.Tier, len(tiers))
			for i, t := range tiers {
				out[i] = discount.Tier{MinQuantity: t.MinQuantity, Price: money.FromDecimal(t.Price)}
			}
			code.QuantityTiers[pid] = out
		}
	}

	if err := h.codes.Create(r.Context(), code); err != nil {
		var defErr *discount.DefinitionError
		if errors.As(err, &defErr) {
			writeError(w, r, http.StatusUnprocessableEntity, defErr.Error())
			return
		}
		internalError(w, r, err)
		return
	}

	zctx.From(r.Context()).Info("discount code created",
		zap.String("code", code.Code),
		zap.String("id", code.ID),
	)
	writeJSON(w, r, http.StatusCreated, toCodeResponse(code))
}

// GetCode returns the current definition and usage of an active code.
func (h *Handler) GetCode(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "code")

	code, err := h.codes.FindByCode(r.Context(), token)
	if err != nil {
		if errors.Is(err, discount.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "code not found")
			return
		}
		internalError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, toCodeResponse(code))
}

// DeactivateCode flips the kill-switch on a code. The definition and its
// ledger entries remain.
func (h *Handler) DeactivateCode(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "code")

	if err := h.codes.Deactivate(r.Context(), token); err != nil {
		if errors.Is(err, discount.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "code not found")
			return
		}
		internalError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ExportUsage streams the usage ledger of one code as NDJSON, one record per
// line, so large histories never buffer in memory as a single document.
func (h *Handler) ExportUsage(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("code")
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "code query parameter required")
		return
	}

	code, err := h.codes.FindByCode(r.Context(), token)
	if err != nil {
		if errors.Is(err, discount.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "code not found")
			return
		}
		internalError(w, r, err)
		return
	}

	records, err := h.records.ListByCode(r.Context(), code.ID)
	if err != nil {
		internalError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	var e jx.Encoder
	for _, rec := range records {
		e.Reset()
		e.ObjStart()
		e.FieldStart("id")
		e.Str(rec.ID)
		e.FieldStart("discountCodeId")
		e.Str(rec.DiscountCodeID)
		e.FieldStart("orderReference")
		e.Str(rec.OrderReference)
		e.FieldStart("customerId")
		e.Str(rec.CustomerID)
		e.FieldStart("discountAmount")
		e.Float64(rec.DiscountAmount.Float64())
		e.FieldStart("orderTotal")
		e.Float64(rec.OrderTotal.Float64())
		e.FieldStart("redeemedAt")
		e.Str(rec.RedeemedAt.Format(time.RFC3339Nano))
		e.ObjEnd()

		if _, err := w.Write(append(e.Bytes(), '\n')); err != nil {
			zctx.From(r.Context()).Warn("usage export aborted", zap.Error(err))
			return
		}
	}
}

func toCodeResponse(c *discount.Code) codeResponse {
	return codeResponse{
		ID:                c.ID,
		Code:              c.Code,
		Kind:              string(c.Kind),
		Description:       c.Description,
		Value:             c.Value.InexactFloat64(),
		MinOrderAmount:    c.MinOrderAmount.Float64(),
		MaxDiscountAmount: c.MaxDiscountAmount.Float64(),
		UsageLimit:        c.UsageLimit,
		UsedCount:         c.UsedCount,
		ValidFrom:         c.ValidFrom,
		ValidUntil:        c.ValidUntil,
		Active:            c.Active,
	}
}
