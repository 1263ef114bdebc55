package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/herrberki/brokagefirm/internal/broker"
	"github.com/herrberki/brokagefirm/internal/ledger"
	"github.com/herrberki/brokagefirm/internal/order"
	"github.com/herrberki/brokagefirm/internal/rate"
	"github.com/herrberki/brokagefirm/libs/auth"
)

var jwtSecret = []byte("test-secret")

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeService struct {
	createResult *order.Order
	createErr    error
	lastCreate   *broker.CreateOrderInput

	cancelResult *order.Order
	cancelErr    error

	getResult *order.Order
	getErr    error

	matched    int
	matchedAll int
}

func (f *fakeService) CreateOrder(_ context.Context, input broker.CreateOrderInput) (*order.Order, error) {
	f.lastCreate = &input
	return f.createResult, f.createErr
}

func (f *fakeService) CancelOrder(context.Context, uuid.UUID, uuid.UUID) (*order.Order, error) {
	return f.cancelResult, f.cancelErr
}

func (f *fakeService) GetOrder(context.Context, uuid.UUID, uuid.UUID) (*order.Order, error) {
	return f.getResult, f.getErr
}

func (f *fakeService) ListOrders(context.Context, uuid.UUID, int, int) ([]*order.Order, error) {
	return nil, nil
}

func (f *fakeService) ListExecutions(context.Context, uuid.UUID, uuid.UUID) ([]order.Execution, error) {
	return nil, nil
}

func (f *fakeService) TriggerMatching(context.Context, string) (int, error) {
	return f.matched, nil
}

func (f *fakeService) TriggerMatchingAll(context.Context) int {
	return f.matchedAll
}

func (f *fakeService) UsableBalance(context.Context, uuid.UUID, string) (decimal.Decimal, error) {
	return d("70"), nil
}

func (f *fakeService) TotalBalance(context.Context, uuid.UUID, string) (decimal.Decimal, error) {
	return d("100"), nil
}

func (f *fakeService) Deposit(context.Context, uuid.UUID, string, decimal.Decimal) error {
	return nil
}

func newRouter(svc OrderService, limiter rate.Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := New(svc, limiter, nil)
	h.Register(router, jwtSecret)
	return router
}

func signToken(t *testing.T, customerID uuid.UUID) string {
	t.Helper()
	claims := auth.Claims{
		Role: "CUSTOMER",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   customerID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func errorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Code
}

func TestCreateOrderRequiresToken(t *testing.T) {
	router := newRouter(&fakeService{}, nil)

	resp := doRequest(t, router, http.MethodPost, "/api/v1/orders", "",
		map[string]string{"asset_name": "BTC"})

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestCreateOrderCreated(t *testing.T) {
	customer := uuid.New()
	created := order.New(customer, "BTC", order.SideBuy, d("1"), d("50000"))
	svc := &fakeService{createResult: created}
	router := newRouter(svc, nil)

	resp := doRequest(t, router, http.MethodPost, "/api/v1/orders", signToken(t, customer),
		map[string]string{"asset_name": "btc", "side": "buy", "size": "1", "price": "50000"})

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.lastCreate == nil {
		t.Fatalf("service not called")
	}
	if svc.lastCreate.AssetName != "BTC" || svc.lastCreate.Side != order.SideBuy {
		t.Fatalf("input not normalized: %+v", svc.lastCreate)
	}
	if svc.lastCreate.CustomerID != customer {
		t.Fatalf("customer id must come from the token")
	}
}

func TestCreateOrderInsufficientBalance(t *testing.T) {
	svc := &fakeService{createErr: ledger.ErrInsufficientBalance}
	router := newRouter(svc, nil)

	resp := doRequest(t, router, http.MethodPost, "/api/v1/orders", signToken(t, uuid.New()),
		map[string]string{"asset_name": "BTC", "side": "BUY", "size": "1", "price": "50000"})

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if code := errorCode(t, resp); code != "INSUFFICIENT_BALANCE" {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %s", code)
	}
}

func TestCreateOrderBadDecimal(t *testing.T) {
	router := newRouter(&fakeService{}, nil)

	resp := doRequest(t, router, http.MethodPost, "/api/v1/orders", signToken(t, uuid.New()),
		map[string]string{"asset_name": "BTC", "side": "BUY", "size": "one", "price": "50000"})

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestCancelOrderStateConflict(t *testing.T) {
	svc := &fakeService{cancelErr: order.ErrInvalidOrderState}
	router := newRouter(svc, nil)

	resp := doRequest(t, router, http.MethodDelete, "/api/v1/orders/"+uuid.NewString(),
		signToken(t, uuid.New()), nil)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	if code := errorCode(t, resp); code != "INVALID_STATE" {
		t.Fatalf("expected INVALID_STATE, got %s", code)
	}
}

func TestCancelOrderNotFound(t *testing.T) {
	svc := &fakeService{cancelErr: order.ErrOrderNotFound}
	router := newRouter(svc, nil)

	resp := doRequest(t, router, http.MethodDelete, "/api/v1/orders/"+uuid.NewString(),
		signToken(t, uuid.New()), nil)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestGetOrderForbiddenForOtherCustomer(t *testing.T) {
	svc := &fakeService{getErr: order.ErrUnauthorized}
	router := newRouter(svc, nil)

	resp := doRequest(t, router, http.MethodGet, "/api/v1/orders/"+uuid.NewString(),
		signToken(t, uuid.New()), nil)

	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestGetBalance(t *testing.T) {
	router := newRouter(&fakeService{}, nil)

	resp := doRequest(t, router, http.MethodGet, "/api/v1/assets/TRY/balance",
		signToken(t, uuid.New()), nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body balanceResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Size != "100" || body.UsableSize != "70" {
		t.Fatalf("unexpected balance %+v", body)
	}
}

func TestTriggerMatchingForAsset(t *testing.T) {
	svc := &fakeService{matched: 3}
	router := newRouter(svc, nil)

	resp := doRequest(t, router, http.MethodPost, "/api/v1/matching/trigger?asset=BTC",
		signToken(t, uuid.New()), nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Matches int `json:"matches"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Matches != 3 {
		t.Fatalf("expected 3 matches, got %d", body.Matches)
	}
}

func TestCreateOrderRateLimited(t *testing.T) {
	customer := uuid.New()
	created := order.New(customer, "BTC", order.SideBuy, d("1"), d("50000"))
	svc := &fakeService{createResult: created}
	router := newRouter(svc, rate.NewMemory(1, time.Minute))

	body := map[string]string{"asset_name": "BTC", "side": "BUY", "size": "1", "price": "50000"}
	token := signToken(t, customer)

	if resp := doRequest(t, router, http.MethodPost, "/api/v1/orders", token, body); resp.Code != http.StatusCreated {
		t.Fatalf("first request expected 201, got %d", resp.Code)
	}

	resp := doRequest(t, router, http.MethodPost, "/api/v1/orders", token, body)
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}
