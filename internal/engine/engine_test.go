package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/herrberki/brokagefirm/internal/book"
	"github.com/herrberki/brokagefirm/internal/events"
	"github.com/herrberki/brokagefirm/internal/ledger"
	"github.com/herrberki/brokagefirm/internal/order"
	"github.com/herrberki/brokagefirm/internal/pricing"
	"github.com/herrberki/brokagefirm/internal/storage"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	eng    *Engine
	books  *book.Registry
	ledger *ledger.Ledger
	orders *storage.MemoryOrderStore
	execs  *storage.MemoryExecutionStore
}

func newTestEnv(t *testing.T, kind pricing.Kind) *testEnv {
	t.Helper()

	orders := storage.NewMemoryOrderStore()
	execs := storage.NewMemoryExecutionStore()
	ldg := ledger.New(storage.NewMemoryBalanceStore(), nil, nil)
	books := book.NewRegistry()
	emitter := events.NewEmitter(nil, events.DefaultTopics(), nil)

	eng := New(books, ldg, orders, execs, pricing.ForKind(kind), emitter, nil, "TRY", nil, nil)
	return &testEnv{eng: eng, books: books, ledger: ldg, orders: orders, execs: execs}
}

func (env *testEnv) fund(t *testing.T, customer uuid.UUID, asset, amount string) {
	t.Helper()
	if err := env.ledger.Deposit(context.Background(), customer, asset, d(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

// place blocks the backing funds, persists the order and rests it in the
// book, the same sequence order creation performs.
func (env *testEnv) place(t *testing.T, customer uuid.UUID, asset string, side order.Side, size, price string) *order.Order {
	t.Helper()
	ctx := context.Background()

	o := order.New(customer, asset, side, d(size), d(price))
	if side == order.SideBuy {
		if err := env.ledger.Block(ctx, customer, "TRY", d(size).Mul(d(price))); err != nil {
			t.Fatalf("block quote: %v", err)
		}
	} else {
		if err := env.ledger.Block(ctx, customer, asset, d(size)); err != nil {
			t.Fatalf("block base: %v", err)
		}
	}
	if err := env.orders.Save(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}
	guard := env.books.Guard(asset)
	guard.Lock()
	err := env.books.Book(asset).Insert(o)
	guard.Unlock()
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return o
}

func (env *testEnv) usable(t *testing.T, customer uuid.UUID, asset string) decimal.Decimal {
	t.Helper()
	v, err := env.ledger.UsableBalance(context.Background(), customer, asset)
	if err != nil {
		t.Fatalf("usable: %v", err)
	}
	return v
}

func (env *testEnv) total(t *testing.T, customer uuid.UUID, asset string) decimal.Decimal {
	t.Helper()
	v, err := env.ledger.TotalBalance(context.Background(), customer, asset)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	return v
}

func (env *testEnv) stored(t *testing.T, id uuid.UUID) *order.Order {
	t.Helper()
	o, err := env.orders.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	return o
}

func TestFullMatchAtSellPrice(t *testing.T) {
	env := newTestEnv(t, pricing.KindTaker)
	buyer, seller := uuid.New(), uuid.New()

	env.fund(t, buyer, "TRY", "50000")
	env.fund(t, seller, "BTC", "1")

	buy := env.place(t, buyer, "BTC", order.SideBuy, "1", "50000")
	sell := env.place(t, seller, "BTC", order.SideSell, "1", "49000")

	matched, err := env.eng.MatchAsset(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if matched != 1 {
		t.Fatalf("expected 1 execution, got %d", matched)
	}

	buyStored := env.stored(t, buy.ID)
	if buyStored.Status != order.StatusMatched {
		t.Fatalf("buy expected MATCHED, got %s", buyStored.Status)
	}
	if !buyStored.AverageExecutionPrice.Equal(d("49000")) {
		t.Fatalf("buy expected avg price 49000, got %s", buyStored.AverageExecutionPrice)
	}
	sellStored := env.stored(t, sell.ID)
	if sellStored.Status != order.StatusMatched {
		t.Fatalf("sell expected MATCHED, got %s", sellStored.Status)
	}

	b := env.books.Book("BTC")
	if b.Contains(buy.ID) || b.Contains(sell.ID) {
		t.Fatalf("filled orders must leave the book")
	}

	// Buyer paid 49000 of the 50000 blocked; the 1000 improvement is usable
	// again. Seller holds the full proceeds.
	if v := env.total(t, buyer, "TRY"); !v.Equal(d("1000")) {
		t.Fatalf("buyer TRY total expected 1000, got %s", v)
	}
	if v := env.usable(t, buyer, "TRY"); !v.Equal(d("1000")) {
		t.Fatalf("buyer TRY usable expected 1000, got %s", v)
	}
	if v := env.total(t, buyer, "BTC"); !v.Equal(d("1")) {
		t.Fatalf("buyer BTC expected 1, got %s", v)
	}
	if v := env.total(t, seller, "TRY"); !v.Equal(d("49000")) {
		t.Fatalf("seller TRY expected 49000, got %s", v)
	}
	if v := env.total(t, seller, "BTC"); !v.IsZero() {
		t.Fatalf("seller BTC expected 0, got %s", v)
	}

	execs := env.execs.All()
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution record, got %d", len(execs))
	}
	if !execs[0].Price.Equal(d("49000")) || !execs[0].Size.Equal(d("1")) {
		t.Fatalf("execution expected 1 @ 49000, got %s @ %s", execs[0].Size, execs[0].Price)
	}
}

func TestPartialFillKeepsRemainderResting(t *testing.T) {
	env := newTestEnv(t, pricing.KindTaker)
	buyer, seller := uuid.New(), uuid.New()

	env.fund(t, buyer, "TRY", "100000")
	env.fund(t, seller, "BTC", "1")

	buy := env.place(t, buyer, "BTC", order.SideBuy, "2", "50000")
	sell := env.place(t, seller, "BTC", order.SideSell, "1", "49000")

	matched, err := env.eng.MatchAsset(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if matched != 1 {
		t.Fatalf("expected 1 execution, got %d", matched)
	}

	buyStored := env.stored(t, buy.ID)
	if buyStored.Status != order.StatusPartiallyMatched {
		t.Fatalf("buy expected PARTIALLY_MATCHED, got %s", buyStored.Status)
	}
	if !buyStored.RemainingSize.Equal(d("1")) {
		t.Fatalf("buy expected remaining 1, got %s", buyStored.RemainingSize)
	}

	// 100000 blocked; 49000 settled plus 1000 improvement released leaves
	// exactly remainingSize x price = 50000 still blocked.
	if v := env.usable(t, buyer, "TRY"); !v.Equal(d("1000")) {
		t.Fatalf("expected 1000 usable after improvement release, got %s", v)
	}

	b := env.books.Book("BTC")
	if !b.Contains(buy.ID) {
		t.Fatalf("partially filled buy must keep resting")
	}
	if b.Contains(sell.ID) {
		t.Fatalf("fully filled sell must leave the book")
	}
}

func TestNoCrossNoExecutions(t *testing.T) {
	env := newTestEnv(t, pricing.KindTaker)
	buyer, seller := uuid.New(), uuid.New()

	env.fund(t, buyer, "TRY", "48000")
	env.fund(t, seller, "BTC", "1")

	env.place(t, buyer, "BTC", order.SideBuy, "1", "48000")
	env.place(t, seller, "BTC", order.SideSell, "1", "49000")

	matched, err := env.eng.MatchAsset(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if matched != 0 {
		t.Fatalf("expected 0 executions, got %d", matched)
	}
	if len(env.execs.All()) != 0 {
		t.Fatalf("no execution records expected")
	}
}

func TestMidPointExecution(t *testing.T) {
	env := newTestEnv(t, pricing.KindMidPoint)
	buyer, seller := uuid.New(), uuid.New()

	env.fund(t, buyer, "TRY", "50000")
	env.fund(t, seller, "BTC", "1")

	env.place(t, buyer, "BTC", order.SideBuy, "1", "50000")
	env.place(t, seller, "BTC", order.SideSell, "1", "49000")

	if _, err := env.eng.MatchAsset(context.Background(), "BTC"); err != nil {
		t.Fatalf("match: %v", err)
	}

	execs := env.execs.All()
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
	if !execs[0].Price.Equal(d("49500")) {
		t.Fatalf("expected mid-point price 49500, got %s", execs[0].Price)
	}

	// Blocked 50000, paid 49500: the 500 difference becomes usable again.
	if v := env.usable(t, buyer, "TRY"); !v.Equal(d("500")) {
		t.Fatalf("buyer TRY usable expected 500, got %s", v)
	}
}

func TestPriceThenTimePriority(t *testing.T) {
	env := newTestEnv(t, pricing.KindTaker)
	buyerHigh, buyerLow := uuid.New(), uuid.New()
	sellerLow, sellerHigh := uuid.New(), uuid.New()

	env.fund(t, buyerHigh, "TRY", "51000")
	env.fund(t, buyerLow, "TRY", "50000")
	env.fund(t, sellerLow, "BTC", "1")
	env.fund(t, sellerHigh, "BTC", "1")

	high := env.place(t, buyerHigh, "BTC", order.SideBuy, "1", "51000")
	low := env.place(t, buyerLow, "BTC", order.SideBuy, "1", "50000")
	cheap := env.place(t, sellerLow, "BTC", order.SideSell, "1", "49000")
	env.place(t, sellerHigh, "BTC", order.SideSell, "1", "50000")

	matched, err := env.eng.MatchAsset(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if matched != 2 {
		t.Fatalf("expected 2 executions, got %d", matched)
	}

	// The 51000 bid takes the 49000 ask before the 50000 pair meets.
	execs := env.execs.All()
	if execs[0].BuyOrderID != high.ID || execs[0].SellOrderID != cheap.ID {
		t.Fatalf("best bid must take best ask first")
	}
	if !execs[0].Price.Equal(d("49000")) {
		t.Fatalf("first execution expected 49000, got %s", execs[0].Price)
	}
	if execs[1].BuyOrderID != low.ID || !execs[1].Price.Equal(d("50000")) {
		t.Fatalf("second execution expected low bid at 50000")
	}

	// First buyer blocked 51000, paid 49000; the difference is usable again.
	if v := env.usable(t, buyerHigh, "TRY"); !v.Equal(d("2000")) {
		t.Fatalf("expected 2000 released to aggressive bidder, got %s", v)
	}
	if v := env.usable(t, buyerLow, "TRY"); !v.IsZero() {
		t.Fatalf("second buyer paid the full block, got %s", v)
	}
}

func TestSelfTradeNeverMatches(t *testing.T) {
	env := newTestEnv(t, pricing.KindTaker)
	customer := uuid.New()

	env.fund(t, customer, "TRY", "51000")
	env.fund(t, customer, "BTC", "1")

	env.place(t, customer, "BTC", order.SideBuy, "1", "51000")
	env.place(t, customer, "BTC", order.SideSell, "1", "49000")

	matched, err := env.eng.MatchAsset(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if matched != 0 {
		t.Fatalf("self-crossing orders must not execute, got %d", matched)
	}
}

func TestSweepRunsToExhaustion(t *testing.T) {
	env := newTestEnv(t, pricing.KindTaker)
	buyer, sellerA, sellerB := uuid.New(), uuid.New(), uuid.New()

	env.fund(t, buyer, "TRY", "150000")
	env.fund(t, sellerA, "BTC", "1")
	env.fund(t, sellerB, "BTC", "1")

	buy := env.place(t, buyer, "BTC", order.SideBuy, "3", "50000")
	env.place(t, sellerA, "BTC", order.SideSell, "1", "49000")
	env.place(t, sellerB, "BTC", order.SideSell, "1", "49500")

	matched, err := env.eng.MatchAsset(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if matched != 2 {
		t.Fatalf("expected 2 executions in one sweep, got %d", matched)
	}

	buyStored := env.stored(t, buy.ID)
	if buyStored.Status != order.StatusPartiallyMatched {
		t.Fatalf("buy expected PARTIALLY_MATCHED, got %s", buyStored.Status)
	}
	if !buyStored.ExecutedSize.Equal(d("2")) {
		t.Fatalf("buy expected executed 2, got %s", buyStored.ExecutedSize)
	}
	// Fills at 49000 and 49500: size-weighted average 49250.
	if !buyStored.AverageExecutionPrice.Equal(d("49250")) {
		t.Fatalf("buy expected avg 49250, got %s", buyStored.AverageExecutionPrice)
	}
}

func TestSweepDropsTerminalRestingOrders(t *testing.T) {
	env := newTestEnv(t, pricing.KindTaker)
	buyer, seller := uuid.New(), uuid.New()

	env.fund(t, buyer, "TRY", "50000")
	env.fund(t, seller, "BTC", "1")

	buy := env.place(t, buyer, "BTC", order.SideBuy, "1", "50000")
	env.place(t, seller, "BTC", order.SideSell, "1", "50000")

	// Flip the resting bid terminal without removing it, the state a cancel
	// leaves behind when it dies between persistence and book removal.
	guard := env.books.Guard("BTC")
	guard.Lock()
	live := env.books.Book("BTC").Get(buy.ID)
	live.Status = order.StatusCanceled
	guard.Unlock()

	matched, err := env.eng.MatchAsset(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if matched != 0 {
		t.Fatalf("terminal order must not trade, got %d executions", matched)
	}
	if env.books.Book("BTC").Contains(buy.ID) {
		t.Fatalf("terminal order must be dropped from the book")
	}
	if live.Status != order.StatusCanceled {
		t.Fatalf("status must not regress, got %s", live.Status)
	}
	if len(env.execs.All()) != 0 {
		t.Fatalf("no execution records expected")
	}
}

type failingOrderStore struct {
	storage.OrderStore
	failures int
}

func (s *failingOrderStore) Save(ctx context.Context, o *order.Order) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	return s.OrderStore.Save(ctx, o)
}

func TestFailedPersistLeavesBookAndLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemoryOrderStore()
	flaky := &failingOrderStore{OrderStore: inner}
	execs := storage.NewMemoryExecutionStore()
	ldg := ledger.New(storage.NewMemoryBalanceStore(), nil, nil)
	books := book.NewRegistry()
	emitter := events.NewEmitter(nil, events.DefaultTopics(), nil)
	eng := New(books, ldg, flaky, execs, pricing.ForKind(pricing.KindTaker),
		emitter, nil, "TRY", nil, nil)
	env := &testEnv{eng: eng, books: books, ledger: ldg, orders: inner, execs: execs}

	buyer, seller := uuid.New(), uuid.New()
	env.fund(t, buyer, "TRY", "50000")
	env.fund(t, seller, "BTC", "1")

	buy := env.place(t, buyer, "BTC", order.SideBuy, "1", "50000")
	sell := env.place(t, seller, "BTC", order.SideSell, "1", "49000")

	flaky.failures = 1
	matched, err := eng.MatchAsset(ctx, "BTC")
	if err == nil {
		t.Fatalf("expected sweep error on store failure")
	}
	if matched != 0 {
		t.Fatalf("expected 0 executions, got %d", matched)
	}

	// The live book instances must still carry the pre-match state.
	liveBuy := books.Book("BTC").Get(buy.ID)
	if liveBuy == nil || !liveBuy.RemainingSize.Equal(d("1")) || liveBuy.Status != order.StatusPending {
		t.Fatalf("live buy mutated by failed match")
	}
	liveSell := books.Book("BTC").Get(sell.ID)
	if liveSell == nil || !liveSell.RemainingSize.Equal(d("1")) || liveSell.Status != order.StatusPending {
		t.Fatalf("live sell mutated by failed match")
	}
	if v := env.usable(t, buyer, "TRY"); !v.IsZero() {
		t.Fatalf("ledger must be untouched, buyer usable %s", v)
	}
	if v := env.total(t, seller, "BTC"); !v.Equal(d("1")) {
		t.Fatalf("ledger must be untouched, seller BTC %s", v)
	}
	if len(env.execs.All()) != 0 {
		t.Fatalf("no execution records expected after failed match")
	}

	// Once the store recovers, a re-trigger settles at the original sizes.
	matched, err = eng.MatchAsset(ctx, "BTC")
	if err != nil {
		t.Fatalf("match after recovery: %v", err)
	}
	if matched != 1 {
		t.Fatalf("expected 1 execution after recovery, got %d", matched)
	}
	if v := env.total(t, buyer, "BTC"); !v.Equal(d("1")) {
		t.Fatalf("buyer BTC expected 1, got %s", v)
	}
	if v := env.total(t, seller, "TRY"); !v.Equal(d("49000")) {
		t.Fatalf("seller TRY expected 49000, got %s", v)
	}
	if v := env.usable(t, buyer, "TRY"); !v.Equal(d("1000")) {
		t.Fatalf("buyer improvement expected 1000 usable, got %s", v)
	}
}

func TestMatchAllSweepsEveryAsset(t *testing.T) {
	env := newTestEnv(t, pricing.KindTaker)
	buyer, seller := uuid.New(), uuid.New()

	env.fund(t, buyer, "TRY", "51000")
	env.fund(t, seller, "BTC", "1")
	env.fund(t, buyer, "TRY", "300")
	env.fund(t, seller, "ETH", "1")

	env.place(t, buyer, "BTC", order.SideBuy, "1", "50000")
	env.place(t, seller, "BTC", order.SideSell, "1", "50000")
	env.place(t, buyer, "ETH", order.SideBuy, "1", "300")
	env.place(t, seller, "ETH", order.SideSell, "1", "300")

	total := env.eng.MatchAll(context.Background())
	if total != 2 {
		t.Fatalf("expected 2 executions across assets, got %d", total)
	}
}
