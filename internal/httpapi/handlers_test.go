package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storefront/backend/internal/cache"
	"storefront/backend/internal/notify"
	"storefront/backend/internal/payment"
	"storefront/backend/internal/promotion"
	"storefront/backend/internal/service"
	"storefront/backend/internal/settings"
	"storefront/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	evaluator := promotion.NewEvaluator(repo, cache.Noop{}, 5*time.Second)
	settingsRepo := settings.NewRepository(repo, cache.Noop{}, time.Minute)
	svc := service.New(repo, evaluator, settingsRepo, payment.NewMemoryGateway(), notify.LogNotifier{})
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func doJSON(t *testing.T, handler http.Handler, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func loginAs(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatalf("expected an access token for %s", username)
	}
	return body.AccessToken
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RateLimit(t *testing.T) {
	handler := newTestAPI(t).Handler()

	// The limiter allows 5 attempts per minute per client address.
	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		last = doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "admin",
			"password": "badpass",
		})
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on the sixth attempt, got %d", last.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/cart", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/cart", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a junk token, got %d", rec.Code)
	}
}

func TestAdminRoutesRejectCustomers(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "amina", "amina123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/promotions", token, map[string]any{
		"name": "Flash", "type": "fixed", "value_cents": 1000,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a customer on an admin route, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCheckoutRoundTrip(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "amina", "amina123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/cart/items", token, map[string]any{
		"product_id": "prod-mouse", "quantity": 2,
	})
	if rec.Code != http.StatusOK && rec.Code != http.StatusCreated {
		t.Fatalf("add cart item: expected success, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/addresses", token, map[string]any{
		"label": "home", "line1": "12 Nile St", "city": "Cairo", "area": "Cairo", "phone": "0100000000",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create address: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Address struct {
			ID string `json:"id"`
		} `json:"address"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode address: %v", err)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders/evaluate", token, map[string]any{
		"address_id": created.Address.ID, "coupon_code": "SAVE20",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var evaluated struct {
		Quote struct {
			SubtotalCents int64 `json:"subtotal_cents"`
			DiscountCents int64 `json:"discount_cents"`
			TotalCents    int64 `json:"total_cents"`
		} `json:"quote"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&evaluated); err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	if q := evaluated.Quote; q.SubtotalCents != 30000 || q.DiscountCents != 6000 || q.TotalCents != 26000 {
		t.Fatalf("unexpected quote: %+v", evaluated.Quote)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders", token, map[string]any{
		"address_id": created.Address.ID, "payment_method": "cod", "coupon_code": "SAVE20",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("place order: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var placed struct {
		Order struct {
			ID         string `json:"id"`
			TotalCents int64  `json:"total_cents"`
		} `json:"order"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&placed); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if placed.Order.ID == "" || placed.Order.TotalCents != 26000 {
		t.Fatalf("unexpected order: %+v", placed.Order)
	}

	// The order shows up in the customer's history.
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/orders/"+placed.Order.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get order: expected 200, got %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := loginAs(t, handler, "amina", "amina123")

	// Unknown resource.
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/orders/ord-missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing order, got %d", rec.Code)
	}

	// Oversized quantities surface as a stock conflict at placement.
	if rec := doJSON(t, handler, http.MethodPost, "/api/v1/cart/items", token, map[string]any{
		"product_id": "prod-monitor", "quantity": 6,
	}); rec.Code != http.StatusOK && rec.Code != http.StatusCreated {
		t.Fatalf("add cart item: got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/addresses", token, map[string]any{
		"label": "home", "line1": "1 Corniche", "city": "Cairo", "area": "Cairo", "phone": "0100000001",
	})
	var created struct {
		Address struct {
			ID string `json:"id"`
		} `json:"address"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode address: %v", err)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders", token, map[string]any{
		"address_id": created.Address.ID, "payment_method": "cod",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient stock, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	// Unknown JSON fields are rejected.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/cart/items", token, map[string]any{
		"product_id": "prod-mouse", "quantity": 1, "bogus": true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown field, got %d", rec.Code)
	}
}

func TestReturnFlowOverHTTP(t *testing.T) {
	handler := newTestAPI(t).Handler()
	customer := loginAs(t, handler, "amina", "amina123")
	admin := loginAs(t, handler, "admin", "admin123")

	doJSON(t, handler, http.MethodPost, "/api/v1/cart/items", customer, map[string]any{
		"product_id": "prod-mouse", "quantity": 1,
	})
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/addresses", customer, map[string]any{
		"label": "home", "line1": "12 Nile St", "city": "Cairo", "area": "Cairo", "phone": "0100000000",
	})
	var created struct {
		Address struct {
			ID string `json:"id"`
		} `json:"address"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode address: %v", err)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders", customer, map[string]any{
		"address_id": created.Address.ID, "payment_method": "card",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("place order: got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var placed struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&placed); err != nil {
		t.Fatalf("decode order: %v", err)
	}

	for _, step := range []string{"paid", "ship", "deliver"} {
		rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders/"+placed.Order.ID+"/"+step, admin, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("step %s: expected 200, got %d (body: %s)", step, rec.Code, rec.Body.String())
		}
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders/"+placed.Order.ID+"/return", customer, map[string]any{
		"reason": "defective",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("request return: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders/"+placed.Order.ID+"/return/approve", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve return: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/orders/"+placed.Order.ID+"/return/complete", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete return: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var settled struct {
		Order struct {
			ReturnStatus  string `json:"return_status"`
			PaymentStatus string `json:"payment_status"`
		} `json:"order"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&settled); err != nil {
		t.Fatalf("decode settled order: %v", err)
	}
	if settled.Order.ReturnStatus != "refund_processed" || settled.Order.PaymentStatus != "refunded" {
		t.Fatalf("unexpected settled state: %+v", settled.Order)
	}
}
