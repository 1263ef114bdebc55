package engine

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/herrberki/brokagefirm/internal/audit"
	"github.com/herrberki/brokagefirm/internal/book"
	"github.com/herrberki/brokagefirm/internal/events"
	"github.com/herrberki/brokagefirm/internal/ledger"
	"github.com/herrberki/brokagefirm/internal/order"
	"github.com/herrberki/brokagefirm/internal/pricing"
	"github.com/herrberki/brokagefirm/internal/storage"
)

// Engine drains crossable top-of-book pairs for an asset. Matching never
// runs on insert; it is triggered explicitly, per asset or as a sweep over
// every asset with resting orders.
type Engine struct {
	books      *book.Registry
	ledger     *ledger.Ledger
	orders     storage.OrderStore
	executions storage.ExecutionStore
	strategy   pricing.Strategy
	emitter    *events.Emitter
	auditSink  audit.Sink
	logger     *slog.Logger
	metrics    *Metrics
	quoteAsset string
}

func New(
	books *book.Registry,
	ldg *ledger.Ledger,
	orders storage.OrderStore,
	executions storage.ExecutionStore,
	strategy pricing.Strategy,
	emitter *events.Emitter,
	auditSink audit.Sink,
	quoteAsset string,
	logger *slog.Logger,
	metrics *Metrics,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	return &Engine{
		books:      books,
		ledger:     ldg,
		orders:     orders,
		executions: executions,
		strategy:   strategy,
		emitter:    emitter,
		auditSink:  auditSink,
		logger:     logger,
		metrics:    metrics,
		quoteAsset: quoteAsset,
	}
}

// MatchAsset runs one sweep to exhaustion for the asset and returns the
// number of executions produced. The per-asset guard is held for the whole
// sweep, so cancellations cannot interleave with settlement.
func (e *Engine) MatchAsset(ctx context.Context, asset string) (int, error) {
	start := time.Now()
	guard := e.books.Guard(asset)
	guard.Lock()
	defer guard.Unlock()

	b := e.books.Book(asset)
	matched := 0
	var sweepErr error

	for {
		buy := b.PeekBest(order.SideBuy)
		sell := b.PeekBest(order.SideSell)
		if buy == nil || sell == nil {
			break
		}
		// Terminal orders never trade. One can still be resting when a
		// cancel persisted but its book removal did not complete.
		if !buy.Status.IsActive() {
			b.Remove(buy.ID)
			continue
		}
		if !sell.Status.IsActive() {
			b.Remove(sell.ID)
			continue
		}
		// Top of book no longer crosses; deeper levels cannot cross
		// either given the price ordering.
		if !e.strategy.CanMatch(buy, sell) {
			break
		}

		if err := e.settleLocked(ctx, b, buy, sell); err != nil {
			sweepErr = err
			break
		}
		matched++
	}

	if e.metrics != nil {
		e.metrics.SweepDuration.WithLabelValues(asset).Observe(time.Since(start).Seconds())
		e.metrics.BookDepth.WithLabelValues(asset, string(order.SideBuy)).Set(float64(b.Depth(order.SideBuy)))
		e.metrics.BookDepth.WithLabelValues(asset, string(order.SideSell)).Set(float64(b.Depth(order.SideSell)))
		if sweepErr != nil {
			e.metrics.SweepErrors.WithLabelValues(asset).Inc()
		}
	}
	if matched > 0 {
		e.logger.Info("matching sweep completed", "asset", asset, "executions", matched)
	}
	return matched, sweepErr
}

// MatchAll sweeps every asset that has a book. A failure while matching one
// asset is logged and does not abort matching for the others.
func (e *Engine) MatchAll(ctx context.Context) int {
	total := 0
	for _, asset := range e.books.Assets() {
		n, err := e.MatchAsset(ctx, asset)
		total += n
		if err != nil {
			e.logger.Error("matching failed for asset", "asset", asset, "error", err)
		}
	}
	return total
}

// settleLocked executes one match between the top bid and ask. Caller holds
// the asset guard. The fill is staged on copies; the live book instances
// change only after persistence and both ledger legs have gone through, so
// a failure leaves the book at its pre-match state.
func (e *Engine) settleLocked(ctx context.Context, b *book.Book, buy, sell *order.Order) error {
	matchSize := decimal.Min(buy.RemainingSize, sell.RemainingSize)
	execPrice := e.strategy.ExecutionPrice(buy, sell)
	buyPrice := buy.Price

	buyFill := buy.Clone()
	sellFill := sell.Clone()
	buyFill.ApplyFill(matchSize, execPrice)
	sellFill.ApplyFill(matchSize, execPrice)

	if err := e.orders.Save(ctx, buyFill); err != nil {
		return fmt.Errorf("persist buy order %s: %w", buy.ID, err)
	}
	if err := e.orders.Save(ctx, sellFill); err != nil {
		return fmt.Errorf("persist sell order %s: %w", sell.ID, err)
	}

	exec := order.NewExecution(buyFill, sellFill, execPrice, matchSize)
	if err := e.executions.Save(ctx, exec); err != nil {
		return fmt.Errorf("persist execution: %w", err)
	}

	// Both legs draw on funds blocked at order creation: the buyer's quote
	// consideration and the seller's base inventory.
	quoteAmount := execPrice.Mul(matchSize)
	if err := e.ledger.SettleFromBlocked(ctx, buy.CustomerID, sell.CustomerID, e.quoteAsset, quoteAmount); err != nil {
		return fmt.Errorf("settle quote leg: %w", err)
	}
	if err := e.ledger.SettleFromBlocked(ctx, sell.CustomerID, buy.CustomerID, b.Asset(), matchSize); err != nil {
		return fmt.Errorf("settle base leg: %w", err)
	}

	// Commit the staged fills to the instances the book references.
	*buy = *buyFill
	*sell = *sellFill

	// The buyer blocked matchSize x bid price but paid the execution price.
	// Returning the difference keeps blocked funds equal to
	// remainingSize x price, which cancellation relies on.
	improvement := buyPrice.Sub(execPrice).Mul(matchSize)
	if improvement.IsPositive() {
		if err := e.ledger.Release(ctx, buy.CustomerID, e.quoteAsset, improvement); err != nil {
			return fmt.Errorf("release price improvement: %w", err)
		}
	}

	if buy.RemainingSize.IsZero() {
		b.Remove(buy.ID)
	}
	if sell.RemainingSize.IsZero() {
		b.Remove(sell.ID)
	}

	if e.metrics != nil {
		e.metrics.MatchesTotal.WithLabelValues(b.Asset()).Inc()
	}
	e.auditSink.Record(ctx, audit.ActionOrderMatched, "Execution", exec.ID.String(),
		"", fmt.Sprintf("%s %s @ %s", b.Asset(), matchSize, execPrice))
	e.emitter.OrderMatched(ctx, exec)

	return nil
}
