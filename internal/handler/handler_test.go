package handler

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/promo-engine/internal/auth"
	"github.com/velora/promo-engine/internal/catalog"
	"github.com/velora/promo-engine/internal/discount"
	"github.com/velora/promo-engine/internal/ledger"
	"github.com/velora/promo-engine/internal/pricing"
	"github.com/velora/promo-engine/internal/storage/memstore"
)

const testPepper = "test-pepper"

// staticKeys is an auth.Repository with a single known key hash.
type staticKeys struct {
	hash string
}

func (s staticKeys) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	if hash != s.hash {
		return nil, auth.ErrNotFound
	}
	return &auth.APIKeyInfo{ID: "test", KeyHash: s.hash, Name: "test key"}, nil
}

func hashKey(key string) string {
	mac := hmac.New(sha256.New, []byte(testPepper))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()

	store := memstore.New()
	store.PutProduct(catalog.Product{ID: "1", Name: "Waffle", Price: 650, Category: "Waffle"})
	store.PutProduct(catalog.Product{ID: "2", Name: "Tiramisu", Price: 550, Category: "Tiramisu"})

	svc := pricing.NewService(store, store, ledger.NewGuard(store))
	h := NewHandler(svc, store, store, store)
	adminAuth := RequireAPIKey(staticKeys{hash: hashKey("secret")}, []byte(testPepper))

	srv := httptest.NewServer(h.Routes(adminAuth))
	t.Cleanup(srv.Close)
	return srv, store
}

func seedCode(t *testing.T, store *memstore.Store, c *discount.Code) *discount.Code {
	t.Helper()
	if c.ValidFrom.IsZero() {
		c.ValidFrom = time.Now().Add(-time.Hour)
	}
	if c.ValidUntil.IsZero() {
		c.ValidUntil = time.Now().Add(time.Hour)
	}
	require.NoError(t, store.Create(context.Background(), c))
	return c
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestPostQuote(t *testing.T) {
	srv, store := newTestServer(t)
	seedCode(t, store, &discount.Code{
		Code:       "TENOFF",
		Kind:       discount.KindPercentage,
		Value:      decimal.NewFromInt(10),
		UsageLimit: 10,
		Active:     true,
	})

	resp := postJSON(t, srv.URL+"/quote",
		`{"couponCode":"TENOFF","items":[{"productId":"1","quantity":2}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body quoteResponse
	decodeBody(t, resp, &body)
	assert.True(t, body.Valid)
	assert.Equal(t, 13.0, body.SubtotalOriginal)
	assert.Equal(t, 11.7, body.SubtotalFinal)
	assert.Equal(t, 1.3, body.TotalSavings)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "percentage", body.Items[0].AppliedRule)
	assert.Equal(t, 5.85, body.Items[0].FinalUnitPrice)
}

func TestPostQuote_FullDiscountEmitsZeroTotals(t *testing.T) {
	srv, store := newTestServer(t)
	seedCode(t, store, &discount.Code{
		Code:       "FREEBIE",
		Kind:       discount.KindPercentage,
		Value:      decimal.NewFromInt(100),
		UsageLimit: 10,
		Active:     true,
	})

	resp := postJSON(t, srv.URL+"/quote",
		`{"couponCode":"FREEBIE","items":[{"productId":"1","quantity":1}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A zero total must be present in the payload, not dropped, so clients
	// can tell "free" apart from "missing".
	var raw map[string]json.RawMessage
	decodeBody(t, resp, &raw)
	require.Contains(t, raw, "subtotalFinal")
	require.Contains(t, raw, "totalSavings")
	assert.JSONEq(t, "0", string(raw["subtotalFinal"]))
	assert.JSONEq(t, "6.5", string(raw["totalSavings"]))
}

func TestPostQuote_RejectionsAre200(t *testing.T) {
	srv, store := newTestServer(t)
	seedCode(t, store, &discount.Code{
		Code:       "GONE",
		Kind:       discount.KindPercentage,
		Value:      decimal.NewFromInt(10),
		UsageLimit: 10,
		ValidFrom:  time.Now().Add(-2 * time.Hour),
		ValidUntil: time.Now().Add(-time.Hour),
		Active:     true,
	})

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{name: "expired code", token: "GONE", reason: "expired"},
		{name: "unknown code", token: "NOPE", reason: "code_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/quote",
				fmt.Sprintf(`{"couponCode":%q,"items":[{"productId":"1","quantity":1}]}`, tt.token))
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var body quoteResponse
			decodeBody(t, resp, &body)
			assert.False(t, body.Valid)
			assert.Equal(t, tt.reason, body.Reason)
		})
	}
}

func TestPostQuote_BadRequests(t *testing.T) {
	srv, store := newTestServer(t)
	seedCode(t, store, &discount.Code{
		Code:       "TENOFF",
		Kind:       discount.KindPercentage,
		Value:      decimal.NewFromInt(10),
		UsageLimit: 10,
		Active:     true,
	})

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed json", body: `{`, want: http.StatusBadRequest},
		{name: "missing coupon code", body: `{"items":[{"productId":"1","quantity":1}]}`, want: http.StatusBadRequest},
		{name: "empty items", body: `{"couponCode":"TENOFF","items":[]}`, want: http.StatusBadRequest},
		{name: "zero quantity", body: `{"couponCode":"TENOFF","items":[{"productId":"1","quantity":0}]}`, want: http.StatusUnprocessableEntity},
		{name: "unknown product", body: `{"couponCode":"TENOFF","items":[{"productId":"404","quantity":1}]}`, want: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/quote", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestPostOrder_CommitsAndReturnsRecord(t *testing.T) {
	srv, store := newTestServer(t)
	code := seedCode(t, store, &discount.Code{
		Code:       "TENOFF",
		Kind:       discount.KindPercentage,
		Value:      decimal.NewFromInt(10),
		UsageLimit: 10,
		Active:     true,
	})

	resp := postJSON(t, srv.URL+"/orders",
		`{"couponCode":"TENOFF","customerId":"cust-1","reference":"ord-1","items":[{"productId":"1","quantity":2}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body orderResponse
	decodeBody(t, resp, &body)
	assert.True(t, body.Valid)
	require.NotNil(t, body.Record)
	assert.Equal(t, "ord-1", body.Record.OrderReference)
	assert.Equal(t, code.ID, body.Record.DiscountCodeID)
	assert.Equal(t, 1.3, body.Record.DiscountAmount)
	assert.Equal(t, 11.7, body.Record.OrderTotal)

	used, err := store.UsedCount(context.Background(), code.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestPostOrder_InvalidCodeIs422(t *testing.T) {
	srv, store := newTestServer(t)
	seedCode(t, store, &discount.Code{
		Code:       "ONESLOT",
		Kind:       discount.KindPercentage,
		Value:      decimal.NewFromInt(10),
		UsageLimit: 1,
		UsedCount:  1,
		Active:     true,
	})

	resp := postJSON(t, srv.URL+"/orders",
		`{"couponCode":"ONESLOT","items":[{"productId":"1","quantity":1}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body orderResponse
	decodeBody(t, resp, &body)
	assert.False(t, body.Valid)
	assert.Equal(t, "usage_limit_reached", body.Reason)
	assert.Nil(t, body.Record)
}

func TestProducts(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/products")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []productResponse
	decodeBody(t, resp, &list)
	assert.Len(t, list, 2)

	resp, err = http.Get(srv.URL + "/products/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var p productResponse
	decodeBody(t, resp, &p)
	assert.Equal(t, "Waffle", p.Name)
	assert.Equal(t, 6.5, p.Price)

	resp, err = http.Get(srv.URL + "/products/404")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func adminReq(t *testing.T, method, url, key, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAdmin_RequiresAPIKey(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := adminReq(t, http.MethodGet, srv.URL+"/admin/codes/ANY", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = adminReq(t, http.MethodGet, srv.URL+"/admin/codes/ANY", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdmin_CodeLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	create := `{
		"code": "TIERED",
		"kind": "price_override",
		"description": "contract pricing",
		"usageLimit": 50,
		"validFrom": "2026-01-01T00:00:00Z",
		"validUntil": "2027-01-01T00:00:00Z",
		"overridePrices": {"1": 4.99},
		"quantityTiers": {"2": [{"minQuantity": 1, "price": 4.5}, {"minQuantity": 10, "price": 4.0}]}
	}`

	resp := adminReq(t, http.MethodPost, srv.URL+"/admin/codes", "secret", create)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created codeResponse
	decodeBody(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "TIERED", created.Code)
	assert.True(t, created.Active)

	resp = adminReq(t, http.MethodGet, srv.URL+"/admin/codes/tiered", "secret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched codeResponse
	decodeBody(t, resp, &fetched)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, 50, fetched.UsageLimit)

	resp = adminReq(t, http.MethodDelete, srv.URL+"/admin/codes/TIERED", "secret", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = adminReq(t, http.MethodDelete, srv.URL+"/admin/codes/NEVER", "secret", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_CreateCodeValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	bad := `{"code":"BAD","kind":"percentage","value":150,"usageLimit":10,
		"validFrom":"2026-01-01T00:00:00Z","validUntil":"2027-01-01T00:00:00Z"}`
	resp := adminReq(t, http.MethodPost, srv.URL+"/admin/codes", "secret", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAdmin_ExportUsageNDJSON(t *testing.T) {
	srv, store := newTestServer(t)
	seedCode(t, store, &discount.Code{
		Code:       "TENOFF",
		Kind:       discount.KindPercentage,
		Value:      decimal.NewFromInt(10),
		UsageLimit: 10,
		Active:     true,
	})

	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/orders",
			fmt.Sprintf(`{"couponCode":"TENOFF","reference":"ord-%d","items":[{"productId":"1","quantity":1}]}`, i))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := adminReq(t, http.MethodGet, srv.URL+"/admin/usage?code=TENOFF", "secret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	scanner := bufio.NewScanner(&buf)
	var lines int
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec), "each line is standalone JSON")
		assert.Equal(t, fmt.Sprintf("ord-%d", lines), rec["orderReference"])
		lines++
	}
	assert.Equal(t, 3, lines)

	resp = adminReq(t, http.MethodGet, srv.URL+"/admin/usage", "secret", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
