package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/herrberki/brokagefirm/internal/order"
)

// OrderStore persists order records. FindByID must return
// order.ErrOrderNotFound when absent. Exclusive access during
// read-modify-write cycles is provided by the callers' per-asset guard, so
// implementations only need plain CRUD semantics.
type OrderStore interface {
	Save(ctx context.Context, o *order.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	// FindActive returns every order whose status is PENDING or
	// PARTIALLY_MATCHED, used to rebuild the books on startup.
	FindActive(ctx context.Context) ([]*order.Order, error)
	FindByCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]*order.Order, error)
}

// ExecutionStore appends immutable match records.
type ExecutionStore interface {
	Save(ctx context.Context, exec order.Execution) error
	FindByOrder(ctx context.Context, orderID uuid.UUID) ([]order.Execution, error)
}
