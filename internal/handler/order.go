package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"

	"github.com/velora/promo-engine/internal/ledger"
	"github.com/velora/promo-engine/internal/pricing"
)

// orderRequest commits an order: the quote is re-validated against current
// state and one usage slot is consumed.
type orderRequest struct {
	CouponCode string        `json:"couponCode"`
	CustomerID string        `json:"customerId"`
	Reference  string        `json:"reference,omitempty"`
	Items      []itemRequest `json:"items"`
}

// usageRecordResponse is the redemption receipt.
type usageRecordResponse struct {
	ID             string    `json:"id"`
	DiscountCodeID string    `json:"discountCodeId"`
	OrderReference string    `json:"orderReference"`
	CustomerID     string    `json:"customerId,omitempty"`
	DiscountAmount float64   `json:"discountAmount"`
	OrderTotal     float64   `json:"orderTotal"`
	RedeemedAt     time.Time `json:"redeemedAt"`
}

// orderResponse is the committed pricing outcome plus the usage record.
type orderResponse struct {
	quoteResponse
	Record *usageRecordResponse `json:"record,omitempty"`
}

// PostOrder commits an order. The code is re-evaluated against current state
// before redemption, so quotes that went stale while the cart idled are
// rejected here with their reason.
func (h *Handler) PostOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.CouponCode == "" {
		writeError(w, r, http.StatusBadRequest, "couponCode required")
		return
	}

	c, err := h.pricing.Commit(r.Context(), pricing.Order{
		Reference:  req.Reference,
		CustomerID: req.CustomerID,
		CouponCode: req.CouponCode,
		Items:      toCartItems(req.Items),
	})
	if err != nil {
		h.writeCommitError(w, r, err)
		return
	}

	if !c.Quote.Result.Valid() {
		writeJSON(w, r, http.StatusUnprocessableEntity, orderResponse{
			quoteResponse: quoteResponse{Reason: string(c.Quote.Result.Reason)},
		})
		return
	}

	writeJSON(w, r, http.StatusOK, orderResponse{
		quoteResponse: toQuoteResponse(c.Quote),
		Record:        toRecordResponse(c.Record),
	})
}

// writeCommitError maps redemption failures. Limit exhaustion is a normal
// business outcome; contention and store failures surface as a generic
// retryable error without leaking retry internals.
func (h *Handler) writeCommitError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ledger.ErrLimitReached) {
		writeError(w, r, http.StatusConflict, "usage limit reached")
		return
	}
	if errors.Is(err, ledger.ErrContention) {
		internalError(w, r, err)
		return
	}
	h.writeCartError(w, r, err)
}

func toRecordResponse(rec *ledger.UsageRecord) *usageRecordResponse {
	return &usageRecordResponse{
		ID:             rec.ID,
		DiscountCodeID: rec.DiscountCodeID,
		OrderReference: rec.OrderReference,
		CustomerID:     rec.CustomerID,
		DiscountAmount: rec.DiscountAmount.Float64(),
		OrderTotal:     rec.OrderTotal.Float64(),
		RedeemedAt:     rec.RedeemedAt,
	}
}
