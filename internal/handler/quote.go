package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"

	"github.com/velora/promo-engine/internal/pricing"
)

// itemRequest is one client-supplied cart line.
type itemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// quoteRequest asks for a non-committing price computation.
type quoteRequest struct {
	CouponCode string        `json:"couponCode"`
	Items      []itemRequest `json:"items"`
}

// itemOutcome is the resolved pricing of one line item.
type itemOutcome struct {
	ProductID      string  `json:"productId"`
	Quantity       int     `json:"quantity"`
	UnitPrice      float64 `json:"unitPrice"`
	FinalUnitPrice float64 `json:"finalUnitPrice"`
	AppliedRule    string  `json:"appliedRule"`
	UnitSavings    float64 `json:"unitSavings"`
	LineTotal      float64 `json:"lineTotal"`
}

// quoteResponse carries either a rejection reason or the pricing outcome.
// The totals are always emitted: a full discount legitimately prices a cart
// to zero, and clients must not read that as absent.
type quoteResponse struct {
	Valid            bool          `json:"valid"`
	Reason           string        `json:"reason,omitempty"`
	Items            []itemOutcome `json:"items,omitempty"`
	SubtotalOriginal float64       `json:"subtotalOriginal"`
	SubtotalFinal    float64       `json:"subtotalFinal"`
	TotalSavings     float64       `json:"totalSavings"`
}

// PostQuote prices a cart against a code without consuming usage. Safe to
// call repeatedly while a cart is edited.
func (h *Handler) PostQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.CouponCode == "" {
		writeError(w, r, http.StatusBadRequest, "couponCode required")
		return
	}

	q, err := h.pricing.Quote(r.Context(), req.CouponCode, toCartItems(req.Items))
	if err != nil {
		h.writeCartError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, toQuoteResponse(q))
}

// writeCartError maps cart validation failures to client errors and
// everything else to a generic retryable failure.
func (h *Handler) writeCartError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, pricing.ErrEmptyItems) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var iqErr *pricing.InvalidQuantityError
	if errors.As(err, &iqErr) {
		writeError(w, r, http.StatusUnprocessableEntity, iqErr.Error())
		return
	}

	var pnfErr *pricing.ProductNotFoundError
	if errors.As(err, &pnfErr) {
		writeError(w, r, http.StatusUnprocessableEntity, pnfErr.Error())
		return
	}

	internalError(w, r, err)
}

func toCartItems(items []itemRequest) []pricing.CartItem {
	out := make([]pricing.CartItem, len(items))
	for i, it := range items {
		out[i] = pricing.CartItem{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return out
}

func toQuoteResponse(q *pricing.Quote) quoteResponse {
	if !q.Result.Valid() {
		return quoteResponse{Reason: string(q.Result.Reason)}
	}

	out := q.Result.Outcome
	resp := quoteResponse{
		Valid:            true,
		Items:            make([]itemOutcome, len(out.Items)),
		SubtotalOriginal: out.SubtotalOriginal.Float64(),
		SubtotalFinal:    out.SubtotalFinal.Float64(),
		TotalSavings:     out.TotalSavings.Float64(),
	}
	for i, ip := range out.Items {
		resp.Items[i] = itemOutcome{
			ProductID:      ip.ProductID,
			Quantity:       ip.Quantity,
			UnitPrice:      ip.UnitPrice.Float64(),
			FinalUnitPrice: ip.FinalUnitPrice.Float64(),
			AppliedRule:    string(ip.AppliedRule),
			UnitSavings:    ip.UnitSavings.Float64(),
			LineTotal:      ip.LineTotal.Float64(),
		}
	}
	return resp
}
