package broker

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/herrberki/brokagefirm/internal/audit"
	"github.com/herrberki/brokagefirm/internal/book"
	"github.com/herrberki/brokagefirm/internal/engine"
	"github.com/herrberki/brokagefirm/internal/events"
	"github.com/herrberki/brokagefirm/internal/ledger"
	"github.com/herrberki/brokagefirm/internal/order"
	"github.com/herrberki/brokagefirm/internal/storage"
)

const cancelReasonCustomer = "canceled by customer"

var assetNamePattern = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)

// Limits bound accepted order parameters. Values mirror the instrument
// scale: sizes to 4 decimal places, prices to 2.
type Limits struct {
	MinOrderSize  decimal.Decimal
	MinOrderPrice decimal.Decimal
}

func DefaultLimits() Limits {
	return Limits{
		MinOrderSize:  decimal.RequireFromString("0.0001"),
		MinOrderPrice: decimal.RequireFromString("0.01"),
	}
}

// Service coordinates the order lifecycle: validation, fund blocking,
// persistence, book insertion, cancellation and matching triggers. All
// compound mutations of one asset's orders run under that asset's guard,
// making cancellation and matching mutually exclusive per order.
type Service struct {
	ledger     *ledger.Ledger
	books      *book.Registry
	engine     *engine.Engine
	orders     storage.OrderStore
	executions storage.ExecutionStore
	emitter    *events.Emitter
	auditSink  audit.Sink
	logger     *slog.Logger
	metrics    *Metrics
	quoteAsset string
	limits     Limits
}

func NewService(
	ldg *ledger.Ledger,
	books *book.Registry,
	eng *engine.Engine,
	orders storage.OrderStore,
	executions storage.ExecutionStore,
	emitter *events.Emitter,
	auditSink audit.Sink,
	quoteAsset string,
	limits Limits,
	logger *slog.Logger,
	metrics *Metrics,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	return &Service{
		ledger:     ldg,
		books:      books,
		engine:     eng,
		orders:     orders,
		executions: executions,
		emitter:    emitter,
		auditSink:  auditSink,
		logger:     logger,
		metrics:    metrics,
		quoteAsset: quoteAsset,
		limits:     limits,
	}
}

type CreateOrderInput struct {
	CustomerID uuid.UUID
	AssetName  string
	Side       order.Side
	Size       decimal.Decimal
	Price      decimal.Decimal
}

// CreateOrder validates the request, blocks the backing funds, persists the
// order as PENDING and inserts it into the book. Matching is not triggered
// here; crossable liquidity rests until an explicit trigger.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*order.Order, error) {
	start := time.Now()

	if err := s.validateCreate(input); err != nil {
		s.observeCreate("invalid", start)
		return nil, err
	}

	blockAsset, blockAmount := s.requiredBlock(input.Side, input.AssetName, input.Size, input.Price)
	if err := s.ledger.Block(ctx, input.CustomerID, blockAsset, blockAmount); err != nil {
		s.observeCreate("rejected", start)
		return nil, err
	}

	o := order.New(input.CustomerID, input.AssetName, input.Side, input.Size, input.Price)

	guard := s.books.Guard(o.AssetName)
	guard.Lock()
	if err := s.orders.Save(ctx, o); err != nil {
		guard.Unlock()
		// The block is compensated so a persistence failure leaves no
		// funds stranded.
		if relErr := s.ledger.Release(ctx, input.CustomerID, blockAsset, blockAmount); relErr != nil {
			s.logger.Error("release after failed persist", "order_id", o.ID, "error", relErr)
		}
		s.observeCreate("error", start)
		return nil, err
	}
	if err := s.books.Book(o.AssetName).Insert(o); err != nil {
		guard.Unlock()
		s.observeCreate("error", start)
		return nil, err
	}
	// Snapshot inside the guard: once released, a triggered sweep may
	// mutate the live instance.
	snapshot := o.Clone()
	guard.Unlock()

	s.auditSink.Record(ctx, audit.ActionOrderPlaced, "Order", snapshot.ID.String(), "",
		fmt.Sprintf("%s %s %s @ %s", snapshot.Side, snapshot.Size, snapshot.AssetName, snapshot.Price))
	s.emitter.OrderCreated(ctx, snapshot)
	s.observeCreate("created", start)

	s.logger.Info("order created",
		"order_id", snapshot.ID, "customer_id", snapshot.CustomerID,
		"asset", snapshot.AssetName, "side", snapshot.Side, "size", snapshot.Size, "price", snapshot.Price)
	return snapshot, nil
}

// CancelOrder releases the remaining blocked funds and marks the order
// CANCELED. It holds the asset guard for the whole check-release-persist
// cycle so a concurrent matching sweep cannot settle the same order.
func (s *Service) CancelOrder(ctx context.Context, orderID, customerID uuid.UUID) (*order.Order, error) {
	found, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		s.observeCancel("not_found")
		return nil, err
	}

	guard := s.books.Guard(found.AssetName)
	guard.Lock()
	defer guard.Unlock()

	// Prefer the live book instance; the stored copy may lag behind fills
	// applied earlier in the current guard window.
	o := s.books.Book(found.AssetName).Get(orderID)
	if o == nil {
		o, err = s.orders.FindByID(ctx, orderID)
		if err != nil {
			s.observeCancel("not_found")
			return nil, err
		}
	}

	if o.CustomerID != customerID {
		s.observeCancel("unauthorized")
		return nil, fmt.Errorf("%w: order %s", order.ErrUnauthorized, orderID)
	}
	if !o.IsCancelable() {
		s.observeCancel("invalid_state")
		return nil, fmt.Errorf("%w: status %s", order.ErrInvalidOrderState, o.Status)
	}

	prevStatus := o.Status
	releaseAsset, releaseAmount := s.requiredBlock(o.Side, o.AssetName, o.RemainingSize, o.Price)

	// Persist the cancel on a copy before mutating the live instance or the
	// ledger. A store failure then leaves the order fully tradable with its
	// funds still blocked, never a canceled order resting in the book.
	staged := o.Clone()
	staged.Status = order.StatusCanceled
	staged.CancelReason = cancelReasonCustomer
	staged.UpdatedAt = time.Now().UTC()
	if err := s.orders.Save(ctx, staged); err != nil {
		s.observeCancel("error")
		return nil, err
	}

	o.Status = staged.Status
	o.CancelReason = staged.CancelReason
	o.UpdatedAt = staged.UpdatedAt
	s.books.Book(o.AssetName).Remove(o.ID)

	// A release failure strands the funds blocked, which is recoverable;
	// the order itself is already canceled everywhere.
	if err := s.ledger.Release(ctx, o.CustomerID, releaseAsset, releaseAmount); err != nil {
		s.logger.Error("release after cancel", "order_id", o.ID, "error", err)
		s.observeCancel("error")
		return nil, err
	}

	s.auditSink.Record(ctx, audit.ActionOrderCanceled, "Order", o.ID.String(),
		string(prevStatus), string(order.StatusCanceled))
	s.emitter.OrderCanceled(ctx, o)
	s.observeCancel("canceled")

	s.logger.Info("order canceled", "order_id", o.ID, "customer_id", customerID)
	return o.Clone(), nil
}

// TriggerMatching runs one sweep for the asset. Calling it with no
// crossable orders is a no-op.
func (s *Service) TriggerMatching(ctx context.Context, assetName string) (int, error) {
	if s.metrics != nil {
		s.metrics.MatchingTriggersTotal.WithLabelValues("asset").Inc()
	}
	return s.engine.MatchAsset(ctx, assetName)
}

// TriggerMatchingAll sweeps every asset with resting orders; per-asset
// failures are isolated inside the engine.
func (s *Service) TriggerMatchingAll(ctx context.Context) int {
	if s.metrics != nil {
		s.metrics.MatchingTriggersTotal.WithLabelValues("all").Inc()
	}
	return s.engine.MatchAll(ctx)
}

func (s *Service) UsableBalance(ctx context.Context, customerID uuid.UUID, assetName string) (decimal.Decimal, error) {
	return s.ledger.UsableBalance(ctx, customerID, assetName)
}

func (s *Service) TotalBalance(ctx context.Context, customerID uuid.UUID, assetName string) (decimal.Decimal, error) {
	return s.ledger.TotalBalance(ctx, customerID, assetName)
}

// Deposit credits a customer balance through the ledger's single credit
// path.
func (s *Service) Deposit(ctx context.Context, customerID uuid.UUID, assetName string, amount decimal.Decimal) error {
	return s.ledger.Deposit(ctx, customerID, assetName, amount)
}

func (s *Service) GetOrder(ctx context.Context, orderID, customerID uuid.UUID) (*order.Order, error) {
	o, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, fmt.Errorf("%w: order %s", order.ErrUnauthorized, orderID)
	}
	return o, nil
}

func (s *Service) ListOrders(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]*order.Order, error) {
	return s.orders.FindByCustomer(ctx, customerID, limit, offset)
}

func (s *Service) ListExecutions(ctx context.Context, orderID, customerID uuid.UUID) ([]order.Execution, error) {
	if _, err := s.GetOrder(ctx, orderID, customerID); err != nil {
		return nil, err
	}
	return s.executions.FindByOrder(ctx, orderID)
}

// Rebuild loads every active order into the books, preserving creation
// order so time priority survives a restart.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	active, err := s.orders.FindActive(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, o := range active {
		guard := s.books.Guard(o.AssetName)
		guard.Lock()
		err := s.books.Book(o.AssetName).Insert(o)
		guard.Unlock()
		if err != nil {
			s.logger.Error("rebuild insert failed", "order_id", o.ID, "error", err)
			continue
		}
		loaded++
	}
	s.logger.Info("order books rebuilt", "orders", loaded)
	return loaded, nil
}

func (s *Service) validateCreate(input CreateOrderInput) error {
	if input.Side != order.SideBuy && input.Side != order.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", order.ErrInvalidOrder)
	}
	if input.Size.LessThan(s.limits.MinOrderSize) {
		return fmt.Errorf("%w: size must be at least %s", order.ErrInvalidOrder, s.limits.MinOrderSize)
	}
	if input.Price.LessThan(s.limits.MinOrderPrice) {
		return fmt.Errorf("%w: price must be at least %s", order.ErrInvalidOrder, s.limits.MinOrderPrice)
	}
	if !assetNamePattern.MatchString(input.AssetName) {
		return fmt.Errorf("%w: malformed asset name %q", order.ErrInvalidOrder, input.AssetName)
	}
	if input.AssetName == s.quoteAsset {
		return fmt.Errorf("%w: cannot trade %s against %s", order.ErrInvalidOrder, s.quoteAsset, s.quoteAsset)
	}
	return nil
}

// requiredBlock computes the asset and amount backing an order: the quote
// consideration for a BUY, the base inventory for a SELL.
func (s *Service) requiredBlock(side order.Side, assetName string, size, price decimal.Decimal) (string, decimal.Decimal) {
	if side == order.SideBuy {
		return s.quoteAsset, size.Mul(price)
	}
	return assetName, size
}

func (s *Service) observeCreate(status string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OrdersCreated.WithLabelValues(status).Inc()
	s.metrics.OrderCreationLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func (s *Service) observeCancel(status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.OrdersCanceled.WithLabelValues(status).Inc()
}
