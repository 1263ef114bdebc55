package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/herrberki/brokagefirm/internal/broker"
	"github.com/herrberki/brokagefirm/internal/ledger"
	"github.com/herrberki/brokagefirm/internal/order"
	"github.com/herrberki/brokagefirm/internal/rate"
	"github.com/herrberki/brokagefirm/libs/auth"
)

const defaultListLimit = 50

type OrderService interface {
	CreateOrder(ctx context.Context, input broker.CreateOrderInput) (*order.Order, error)
	CancelOrder(ctx context.Context, orderID, customerID uuid.UUID) (*order.Order, error)
	GetOrder(ctx context.Context, orderID, customerID uuid.UUID) (*order.Order, error)
	ListOrders(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]*order.Order, error)
	ListExecutions(ctx context.Context, orderID, customerID uuid.UUID) ([]order.Execution, error)
	TriggerMatching(ctx context.Context, assetName string) (int, error)
	TriggerMatchingAll(ctx context.Context) int
	UsableBalance(ctx context.Context, customerID uuid.UUID, assetName string) (decimal.Decimal, error)
	TotalBalance(ctx context.Context, customerID uuid.UUID, assetName string) (decimal.Decimal, error)
	Deposit(ctx context.Context, customerID uuid.UUID, assetName string, amount decimal.Decimal) error
}

type Handler struct {
	Service OrderService
	Limiter rate.Limiter
	Logger  *slog.Logger
}

type createOrderRequest struct {
	AssetName string `json:"asset_name"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
}

type orderItem struct {
	OrderID               string `json:"order_id"`
	CustomerID            string `json:"customer_id"`
	AssetName             string `json:"asset_name"`
	Side                  string `json:"side"`
	Price                 string `json:"price"`
	Size                  string `json:"size"`
	ExecutedSize          string `json:"executed_size"`
	RemainingSize         string `json:"remaining_size"`
	AverageExecutionPrice string `json:"average_execution_price"`
	Status                string `json:"status"`
	CancelReason          string `json:"cancel_reason,omitempty"`
	CreatedAt             string `json:"created_at"`
	UpdatedAt             string `json:"updated_at"`
}

type executionItem struct {
	ExecutionID string `json:"execution_id"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	AssetName   string `json:"asset_name"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	Value       string `json:"value"`
	ExecutedAt  string `json:"executed_at"`
}

type balanceResponse struct {
	AssetName  string `json:"asset_name"`
	Size       string `json:"size"`
	UsableSize string `json:"usable_size"`
}

type depositRequest struct {
	Amount string `json:"amount"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(service OrderService, limiter rate.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Limiter: limiter, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/api/v1", auth.Middleware(jwtSecret))
	group.POST("/orders", h.rateLimited, h.CreateOrder)
	group.GET("/orders", h.ListOrders)
	group.GET("/orders/:id", h.GetOrder)
	group.GET("/orders/:id/executions", h.ListExecutions)
	group.DELETE("/orders/:id", h.CancelOrder)
	group.GET("/assets/:asset/balance", h.GetBalance)
	group.POST("/assets/:asset/deposit", h.Deposit)
	group.POST("/matching/trigger", h.TriggerMatching)
}

func (h *Handler) rateLimited(c *gin.Context) {
	if h.Limiter == nil {
		c.Next()
		return
	}
	customerID, ok := customerIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing customer")
		c.Abort()
		return
	}
	allowed, retryAfter, err := h.Limiter.Allow(c.Request.Context(), customerID.String(), time.Now())
	if err != nil {
		// Limiter outages must not take order submission down with them.
		h.Logger.Error("rate limiter check failed", "error", err)
		c.Next()
		return
	}
	if !allowed {
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many orders, slow down")
		c.Abort()
		return
	}
	c.Next()
}

func (h *Handler) CreateOrder(c *gin.Context) {
	customerID, ok := customerIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing customer")
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	side := order.Side(strings.ToUpper(strings.TrimSpace(req.Side)))
	size, err := decimal.NewFromString(strings.TrimSpace(req.Size))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid size")
		return
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid price")
		return
	}

	input := broker.CreateOrderInput{
		CustomerID: customerID,
		AssetName:  strings.ToUpper(strings.TrimSpace(req.AssetName)),
		Side:       side,
		Size:       size,
		Price:      price,
	}

	created, err := h.Service.CreateOrder(c.Request.Context(), input)
	if err != nil {
		h.writeServiceError(c, err, "create order failed")
		return
	}

	c.JSON(http.StatusCreated, orderToItem(created))
}

func (h *Handler) GetOrder(c *gin.Context) {
	customerID, ok := customerIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing customer")
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}

	found, err := h.Service.GetOrder(c.Request.Context(), orderID, customerID)
	if err != nil {
		h.writeServiceError(c, err, "get order failed")
		return
	}

	c.JSON(http.StatusOK, orderToItem(found))
}

func (h *Handler) ListOrders(c *gin.Context) {
	customerID, ok := customerIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing customer")
		return
	}

	limit := defaultListLimit
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		limit = n
	}
	offset := 0
	if offsetStr := strings.TrimSpace(c.Query("offset")); offsetStr != "" {
		n, err := strconv.Atoi(offsetStr)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid offset")
			return
		}
		offset = n
	}

	orders, err := h.Service.ListOrders(c.Request.Context(), customerID, limit, offset)
	if err != nil {
		h.writeServiceError(c, err, "list orders failed")
		return
	}

	items := make([]orderItem, 0, len(orders))
	for _, o := range orders {
		items = append(items, orderToItem(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": items})
}

func (h *Handler) ListExecutions(c *gin.Context) {
	customerID, ok := customerIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing customer")
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}

	execs, err := h.Service.ListExecutions(c.Request.Context(), orderID, customerID)
	if err != nil {
		h.writeServiceError(c, err, "list executions failed")
		return
	}

	items := make([]executionItem, 0, len(execs))
	for _, e := range execs {
		items = append(items, executionItem{
			ExecutionID: e.ID.String(),
			BuyOrderID:  e.BuyOrderID.String(),
			SellOrderID: e.SellOrderID.String(),
			AssetName:   e.AssetName,
			Price:       e.Price.String(),
			Size:        e.Size.String(),
			Value:       e.Value.String(),
			ExecutedAt:  e.ExecutedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"executions": items})
}

func (h *Handler) CancelOrder(c *gin.Context) {
	customerID, ok := customerIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing customer")
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}

	canceled, err := h.Service.CancelOrder(c.Request.Context(), orderID, customerID)
	if err != nil {
		h.writeServiceError(c, err, "cancel order failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":   canceled.ID.String(),
		"status":     string(canceled.Status),
		"updated_at": canceled.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) GetBalance(c *gin.Context) {
	customerID, ok := customerIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing customer")
		return
	}

	assetName := strings.ToUpper(strings.TrimSpace(c.Param("asset")))
	if assetName == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "missing asset")
		return
	}

	total, err := h.Service.TotalBalance(c.Request.Context(), customerID, assetName)
	if err != nil {
		h.writeServiceError(c, err, "get balance failed")
		return
	}
	usable, err := h.Service.UsableBalance(c.Request.Context(), customerID, assetName)
	if err != nil {
		h.writeServiceError(c, err, "get balance failed")
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		AssetName:  assetName,
		Size:       total.String(),
		UsableSize: usable.String(),
	})
}

func (h *Handler) Deposit(c *gin.Context) {
	customerID, ok := customerIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing customer")
		return
	}

	assetName := strings.ToUpper(strings.TrimSpace(c.Param("asset")))
	if assetName == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "missing asset")
		return
	}

	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "amount must be positive")
		return
	}

	if err := h.Service.Deposit(c.Request.Context(), customerID, assetName, amount); err != nil {
		h.writeServiceError(c, err, "deposit failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"asset_name": assetName, "amount": amount.String()})
}

// TriggerMatching sweeps one asset when the asset query parameter is
// present, every asset otherwise.
func (h *Handler) TriggerMatching(c *gin.Context) {
	if _, ok := customerIDFromContext(c); !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing customer")
		return
	}

	assetName := strings.ToUpper(strings.TrimSpace(c.Query("asset")))

	var matched int
	if assetName != "" {
		var err error
		matched, err = h.Service.TriggerMatching(c.Request.Context(), assetName)
		if err != nil {
			h.writeServiceError(c, err, "matching trigger failed")
			return
		}
	} else {
		matched = h.Service.TriggerMatchingAll(c.Request.Context())
	}

	c.JSON(http.StatusOK, gin.H{"matches": matched})
}

func (h *Handler) writeServiceError(c *gin.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, order.ErrInvalidOrder):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(c, http.StatusBadRequest, "INSUFFICIENT_BALANCE", "insufficient usable balance")
	case errors.Is(err, ledger.ErrAssetNotFound):
		writeError(c, http.StatusBadRequest, "INSUFFICIENT_BALANCE", "no balance for asset")
	case errors.Is(err, order.ErrOrderNotFound):
		writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
	case errors.Is(err, order.ErrUnauthorized):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "order belongs to another customer")
	case errors.Is(err, order.ErrInvalidOrderState):
		writeError(c, http.StatusConflict, "INVALID_STATE", "order is not cancelable")
	default:
		h.Logger.Error(logMsg, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func orderToItem(o *order.Order) orderItem {
	return orderItem{
		OrderID:               o.ID.String(),
		CustomerID:            o.CustomerID.String(),
		AssetName:             o.AssetName,
		Side:                  string(o.Side),
		Price:                 o.Price.String(),
		Size:                  o.Size.String(),
		ExecutedSize:          o.ExecutedSize.String(),
		RemainingSize:         o.RemainingSize.String(),
		AverageExecutionPrice: o.AverageExecutionPrice.String(),
		Status:                string(o.Status),
		CancelReason:          o.CancelReason,
		CreatedAt:             o.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:             o.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func customerIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(auth.ContextCustomerIDKey)
	if !ok {
		return uuid.Nil, false
	}
	raw, ok := val.(string)
	if !ok {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}
