package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/herrberki/brokagefirm/internal/audit"
)

// Ledger owns every (customer, asset) balance row and serializes all
// mutations per row. Locks are never held across event publishes; the audit
// sink is best-effort and called before the row lock is released only
// because it cannot block or fail.
type Ledger struct {
	store  BalanceStore
	audit  audit.Sink
	logger *slog.Logger

	mu   sync.Mutex
	rows map[string]*sync.Mutex
}

func New(store BalanceStore, auditSink audit.Sink, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	return &Ledger{
		store:  store,
		audit:  auditSink,
		logger: logger,
		rows:   make(map[string]*sync.Mutex),
	}
}

func rowKey(customerID uuid.UUID, assetName string) string {
	return customerID.String() + "|" + assetName
}

func (l *Ledger) rowLock(customerID uuid.UUID, assetName string) *sync.Mutex {
	key := rowKey(customerID, assetName)
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.rows[key]
	if !ok {
		m = &sync.Mutex{}
		l.rows[key] = m
	}
	return m
}

// lockPair acquires both row locks in deterministic key order so that two
// opposite transfers on the same pair cannot deadlock.
func (l *Ledger) lockPair(aID uuid.UUID, aAsset string, bID uuid.UUID, bAsset string) func() {
	aKey := rowKey(aID, aAsset)
	bKey := rowKey(bID, bAsset)
	if aKey == bKey {
		m := l.rowLock(aID, aAsset)
		m.Lock()
		return m.Unlock
	}
	first, second := l.rowLock(aID, aAsset), l.rowLock(bID, bAsset)
	if bKey < aKey {
		first, second = second, first
	}
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

// Block reserves amount out of the customer's usable balance. Fails with
// ErrAssetNotFound if no row exists and ErrInsufficientBalance if the usable
// balance does not cover the amount; on failure the row is untouched.
func (l *Ledger) Block(ctx context.Context, customerID uuid.UUID, assetName string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("block amount must be positive")
	}

	mu := l.rowLock(customerID, assetName)
	mu.Lock()
	defer mu.Unlock()

	bal, err := l.store.Find(ctx, customerID, assetName)
	if err != nil {
		return err
	}
	if bal.UsableSize.LessThan(amount) {
		return fmt.Errorf("%w: required %s %s, available %s",
			ErrInsufficientBalance, amount, assetName, bal.UsableSize)
	}

	oldUsable := bal.UsableSize
	bal.UsableSize = bal.UsableSize.Sub(amount)
	bal.UpdatedAt = time.Now().UTC()
	if err := l.store.Save(ctx, bal); err != nil {
		return err
	}

	l.audit.Record(ctx, audit.ActionAssetBlocked, "Asset", rowKey(customerID, assetName),
		oldUsable.String(), bal.UsableSize.String())
	return nil
}

// Release returns amount to the usable balance, capped at the total size so
// that a duplicate release can never push UsableSize past Size.
func (l *Ledger) Release(ctx context.Context, customerID uuid.UUID, assetName string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("release amount must be positive")
	}

	mu := l.rowLock(customerID, assetName)
	mu.Lock()
	defer mu.Unlock()

	bal, err := l.store.Find(ctx, customerID, assetName)
	if err != nil {
		return err
	}

	oldUsable := bal.UsableSize
	bal.UsableSize = bal.UsableSize.Add(amount)
	if bal.UsableSize.GreaterThan(bal.Size) {
		bal.UsableSize = bal.Size
	}
	bal.UpdatedAt = time.Now().UTC()
	if err := l.store.Save(ctx, bal); err != nil {
		return err
	}

	l.audit.Record(ctx, audit.ActionAssetReleased, "Asset", rowKey(customerID, assetName),
		oldUsable.String(), bal.UsableSize.String())
	return nil
}

// Deposit credits both Size and UsableSize, creating the row on first use.
// This is the single credit path shared by deposits, transfers and
// settlement.
func (l *Ledger) Deposit(ctx context.Context, customerID uuid.UUID, assetName string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("deposit amount must be positive")
	}

	mu := l.rowLock(customerID, assetName)
	mu.Lock()
	defer mu.Unlock()

	return l.creditLocked(ctx, customerID, assetName, amount)
}

// creditLocked assumes the caller holds the row lock for (customerID, assetName).
func (l *Ledger) creditLocked(ctx context.Context, customerID uuid.UUID, assetName string, amount decimal.Decimal) error {
	bal, err := l.store.Find(ctx, customerID, assetName)
	if errors.Is(err, ErrAssetNotFound) {
		bal = &Balance{
			CustomerID: customerID,
			AssetName:  assetName,
			Size:       decimal.Zero,
			UsableSize: decimal.Zero,
		}
		err = nil
	}
	if err != nil {
		return err
	}

	oldSize := bal.Size
	bal.Size = bal.Size.Add(amount)
	bal.UsableSize = bal.UsableSize.Add(amount)
	bal.UpdatedAt = time.Now().UTC()
	if err := l.store.Save(ctx, bal); err != nil {
		return err
	}

	l.audit.Record(ctx, audit.ActionBalanceUpdated, "Asset", rowKey(customerID, assetName),
		oldSize.String(), bal.Size.String())
	return nil
}

// Transfer moves amount of usable balance between two customers. The sender
// loses both Size and UsableSize; the receiver is credited through the same
// path deposits use.
func (l *Ledger) Transfer(ctx context.Context, fromID, toID uuid.UUID, assetName string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("transfer amount must be positive")
	}

	unlock := l.lockPair(fromID, assetName, toID, assetName)
	defer unlock()

	from, err := l.store.Find(ctx, fromID, assetName)
	if err != nil {
		return err
	}
	if from.UsableSize.LessThan(amount) {
		return fmt.Errorf("%w: transfer of %s %s, available %s",
			ErrInsufficientBalance, amount, assetName, from.UsableSize)
	}

	from.Size = from.Size.Sub(amount)
	from.UsableSize = from.UsableSize.Sub(amount)
	from.UpdatedAt = time.Now().UTC()
	if err := l.store.Save(ctx, from); err != nil {
		return err
	}
	if err := l.creditLocked(ctx, toID, assetName, amount); err != nil {
		return err
	}

	l.audit.Record(ctx, audit.ActionBalanceUpdated, "Asset", rowKey(fromID, assetName),
		"transfer out "+amount.String(), "to "+toID.String())
	return nil
}

// SettleFromBlocked moves amount that was blocked at order creation from
// sender to receiver. The usable balance is deliberately not re-checked:
// the funds were reserved up front, so only the blocked portion is
// consulted. Sender Size decreases directly; UsableSize stays as is.
func (l *Ledger) SettleFromBlocked(ctx context.Context, fromID, toID uuid.UUID, assetName string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("settle amount must be positive")
	}

	unlock := l.lockPair(fromID, assetName, toID, assetName)
	defer unlock()

	from, err := l.store.Find(ctx, fromID, assetName)
	if err != nil {
		return err
	}
	if from.BlockedSize().LessThan(amount) {
		return fmt.Errorf("%w: settle of %s %s exceeds blocked %s",
			ErrInsufficientBalance, amount, assetName, from.BlockedSize())
	}

	from.Size = from.Size.Sub(amount)
	from.UpdatedAt = time.Now().UTC()
	if err := l.store.Save(ctx, from); err != nil {
		return err
	}
	if err := l.creditLocked(ctx, toID, assetName, amount); err != nil {
		return err
	}

	l.audit.Record(ctx, audit.ActionBalanceUpdated, "Asset", rowKey(fromID, assetName),
		"settle out "+amount.String(), "to "+toID.String())
	return nil
}

// UsableBalance returns the usable size, or zero when no row exists.
func (l *Ledger) UsableBalance(ctx context.Context, customerID uuid.UUID, assetName string) (decimal.Decimal, error) {
	bal, err := l.store.Find(ctx, customerID, assetName)
	if errors.Is(err, ErrAssetNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return bal.UsableSize, nil
}

// TotalBalance returns the total size, or zero when no row exists.
func (l *Ledger) TotalBalance(ctx context.Context, customerID uuid.UUID, assetName string) (decimal.Decimal, error) {
	bal, err := l.store.Find(ctx, customerID, assetName)
	if errors.Is(err, ErrAssetNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Size, nil
}

// Balance returns a snapshot of the row, or ErrAssetNotFound.
func (l *Ledger) Balance(ctx context.Context, customerID uuid.UUID, assetName string) (*Balance, error) {
	return l.store.Find(ctx, customerID, assetName)
}
