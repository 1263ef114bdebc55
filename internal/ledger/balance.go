package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAssetNotFound       = errors.New("asset not found")
)

// Balance is one (customer, asset) row. Size is the total owned amount,
// UsableSize the portion not blocked by open orders. Invariant:
// 0 <= UsableSize <= Size. The blocked amount is always derived, never
// stored on its own.
type Balance struct {
	CustomerID uuid.UUID
	AssetName  string
	Size       decimal.Decimal
	UsableSize decimal.Decimal
	UpdatedAt  time.Time
}

func (b *Balance) BlockedSize() decimal.Decimal {
	return b.Size.Sub(b.UsableSize)
}

func (b *Balance) Clone() *Balance {
	cp := *b
	return &cp
}

// BalanceStore is the persistence seam for balance rows. Find must return
// ErrAssetNotFound when no row exists. Callers hold the per-row lock for the
// duration of any read-modify-write cycle, so implementations only need
// plain CRUD semantics.
type BalanceStore interface {
	Find(ctx context.Context, customerID uuid.UUID, assetName string) (*Balance, error)
	Save(ctx context.Context, balance *Balance) error
}
