package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type Status string

const (
	StatusPending          Status = "PENDING"
	StatusPartiallyMatched Status = "PARTIALLY_MATCHED"
	StatusMatched          Status = "MATCHED"
	StatusCanceled         Status = "CANCELED"
)

// IsTerminal reports whether no further mutation of the order is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusMatched || s == StatusCanceled
}

func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusPartiallyMatched
}

// Order is the authoritative record of a customer order. The order book
// holds references into the same object; book membership is a derived index.
type Order struct {
	ID                    uuid.UUID
	CustomerID            uuid.UUID
	AssetName             string
	Side                  Side
	Price                 decimal.Decimal
	Size                  decimal.Decimal
	ExecutedSize          decimal.Decimal
	RemainingSize         decimal.Decimal
	TotalAmount           decimal.Decimal
	AverageExecutionPrice decimal.Decimal
	Status                Status
	CancelReason          string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func New(customerID uuid.UUID, assetName string, side Side, size, price decimal.Decimal) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:            uuid.New(),
		CustomerID:    customerID,
		AssetName:     assetName,
		Side:          side,
		Price:         price,
		Size:          size,
		ExecutedSize:  decimal.Zero,
		RemainingSize: size,
		TotalAmount:   size.Mul(price),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (o *Order) IsCancelable() bool {
	return o.Status.IsActive()
}

// ApplyFill records a partial or full execution against the order. The
// average execution price is the size-weighted mean over all fills, rounded
// half-up to two decimal places.
func (o *Order) ApplyFill(size, price decimal.Decimal) {
	prevNotional := o.AverageExecutionPrice.Mul(o.ExecutedSize)
	o.ExecutedSize = o.ExecutedSize.Add(size)
	o.RemainingSize = o.Size.Sub(o.ExecutedSize)
	o.AverageExecutionPrice = prevNotional.Add(price.Mul(size)).Div(o.ExecutedSize).Round(2)
	if o.RemainingSize.IsZero() {
		o.Status = StatusMatched
	} else {
		o.Status = StatusPartiallyMatched
	}
	o.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep enough copy for handing out past the locking
// boundary; decimals are value types so a struct copy suffices.
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// Execution is the immutable record of one completed match.
type Execution struct {
	ID             uuid.UUID
	AssetName      string
	BuyOrderID     uuid.UUID
	SellOrderID    uuid.UUID
	BuyCustomerID  uuid.UUID
	SellCustomerID uuid.UUID
	Price          decimal.Decimal
	Size           decimal.Decimal
	Value          decimal.Decimal
	ExecutedAt     time.Time
}

func NewExecution(buy, sell *Order, price, size decimal.Decimal) Execution {
	return Execution{
		ID:             uuid.New(),
		AssetName:      buy.AssetName,
		BuyOrderID:     buy.ID,
		SellOrderID:    sell.ID,
		BuyCustomerID:  buy.CustomerID,
		SellCustomerID: sell.CustomerID,
		Price:          price,
		Size:           size,
		Value:          price.Mul(size),
		ExecutedAt:     time.Now().UTC(),
	}
}
