package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/herrberki/brokagefirm/internal/ledger"
	"github.com/herrberki/brokagefirm/internal/order"
)

// PostgresOrderStore persists orders in the orders table. Decimals travel
// as text to keep full scale.
type PostgresOrderStore struct {
	pool *pgxpool.Pool
}

func NewPostgresOrderStore(pool *pgxpool.Pool) *PostgresOrderStore {
	return &PostgresOrderStore{pool: pool}
}

func (s *PostgresOrderStore) Save(ctx context.Context, o *order.Order) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (
			id, customer_id, asset_name, order_side, price, size,
			executed_size, remaining_size, total_amount, average_execution_price,
			status, cancel_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			executed_size = EXCLUDED.executed_size,
			remaining_size = EXCLUDED.remaining_size,
			average_execution_price = EXCLUDED.average_execution_price,
			status = EXCLUDED.status,
			cancel_reason = EXCLUDED.cancel_reason,
			updated_at = EXCLUDED.updated_at
	`, o.ID, o.CustomerID, o.AssetName, string(o.Side), o.Price.String(), o.Size.String(),
		o.ExecutedSize.String(), o.RemainingSize.String(), o.TotalAmount.String(),
		o.AverageExecutionPrice.String(), string(o.Status), o.CancelReason,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

func (s *PostgresOrderStore) FindByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, asset_name, order_side, price::text, size::text,
			executed_size::text, remaining_size::text, total_amount::text,
			average_execution_price::text, status, cancel_reason, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	return o, err
}

func (s *PostgresOrderStore) FindActive(ctx context.Context) ([]*order.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, customer_id, asset_name, order_side, price::text, size::text,
			executed_size::text, remaining_size::text, total_amount::text,
			average_execution_price::text, status, cancel_reason, created_at, updated_at
		FROM orders
		WHERE status IN ('PENDING', 'PARTIALLY_MATCHED')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *PostgresOrderStore) FindByCustomer(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]*order.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, customer_id, asset_name, order_side, price::text, size::text,
			executed_size::text, remaining_size::text, total_amount::text,
			average_execution_price::text, status, cancel_reason, created_at, updated_at
		FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, customerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var o order.Order
	var side, status string
	var priceStr, sizeStr, executedStr, remainingStr, totalStr, avgStr string
	if err := row.Scan(&o.ID, &o.CustomerID, &o.AssetName, &side, &priceStr, &sizeStr,
		&executedStr, &remainingStr, &totalStr, &avgStr, &status, &o.CancelReason,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Side = order.Side(side)
	o.Status = order.Status(status)

	var err error
	if o.Price, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if o.Size, err = decimal.NewFromString(sizeStr); err != nil {
		return nil, fmt.Errorf("parse size: %w", err)
	}
	if o.ExecutedSize, err = decimal.NewFromString(executedStr); err != nil {
		return nil, fmt.Errorf("parse executed_size: %w", err)
	}
	if o.RemainingSize, err = decimal.NewFromString(remainingStr); err != nil {
		return nil, fmt.Errorf("parse remaining_size: %w", err)
	}
	if o.TotalAmount, err = decimal.NewFromString(totalStr); err != nil {
		return nil, fmt.Errorf("parse total_amount: %w", err)
	}
	if o.AverageExecutionPrice, err = decimal.NewFromString(avgStr); err != nil {
		return nil, fmt.Errorf("parse average_execution_price: %w", err)
	}
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]*order.Order, error) {
	var out []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PostgresBalanceStore persists (customer, asset) rows in the assets table.
type PostgresBalanceStore struct {
	pool *pgxpool.Pool
}

func NewPostgresBalanceStore(pool *pgxpool.Pool) *PostgresBalanceStore {
	return &PostgresBalanceStore{pool: pool}
}

func (s *PostgresBalanceStore) Find(ctx context.Context, customerID uuid.UUID, assetName string) (*ledger.Balance, error) {
	var bal ledger.Balance
	var sizeStr, usableStr string
	row := s.pool.QueryRow(ctx, `
		SELECT customer_id, asset_name, size::text, usable_size::text, updated_at
		FROM assets
		WHERE customer_id = $1 AND asset_name = $2
	`, customerID, assetName)
	if err := row.Scan(&bal.CustomerID, &bal.AssetName, &sizeStr, &usableStr, &bal.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrAssetNotFound
		}
		return nil, err
	}

	var err error
	if bal.Size, err = decimal.NewFromString(sizeStr); err != nil {
		return nil, fmt.Errorf("parse size: %w", err)
	}
	if bal.UsableSize, err = decimal.NewFromString(usableStr); err != nil {
		return nil, fmt.Errorf("parse usable_size: %w", err)
	}
	return &bal, nil
}

func (s *PostgresBalanceStore) Save(ctx context.Context, balance *ledger.Balance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assets (customer_id, asset_name, size, usable_size, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (customer_id, asset_name) DO UPDATE SET
			size = EXCLUDED.size,
			usable_size = EXCLUDED.usable_size,
			updated_at = EXCLUDED.updated_at
	`, balance.CustomerID, balance.AssetName, balance.Size.String(), balance.UsableSize.String(), balance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

type PostgresExecutionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresExecutionStore(pool *pgxpool.Pool) *PostgresExecutionStore {
	return &PostgresExecutionStore{pool: pool}
}

func (s *PostgresExecutionStore) Save(ctx context.Context, exec order.Execution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_executions (
			id, asset_name, buy_order_id, sell_order_id, buy_customer_id,
			sell_customer_id, execution_price, execution_size, execution_value, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, exec.ID, exec.AssetName, exec.BuyOrderID, exec.SellOrderID, exec.BuyCustomerID,
		exec.SellCustomerID, exec.Price.String(), exec.Size.String(), exec.Value.String(), exec.ExecutedAt)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *PostgresExecutionStore) FindByOrder(ctx context.Context, orderID uuid.UUID) ([]order.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, asset_name, buy_order_id, sell_order_id, buy_customer_id,
			sell_customer_id, execution_price::text, execution_size::text,
			execution_value::text, executed_at
		FROM order_executions
		WHERE buy_order_id = $1 OR sell_order_id = $1
		ORDER BY executed_at
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []order.Execution
	for rows.Next() {
		var e order.Execution
		var priceStr, sizeStr, valueStr string
		if err := rows.Scan(&e.ID, &e.AssetName, &e.BuyOrderID, &e.SellOrderID,
			&e.BuyCustomerID, &e.SellCustomerID, &priceStr, &sizeStr, &valueStr,
			&e.ExecutedAt); err != nil {
			return nil, err
		}
		if e.Price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("parse execution_price: %w", err)
		}
		if e.Size, err = decimal.NewFromString(sizeStr); err != nil {
			return nil, fmt.Errorf("parse execution_size: %w", err)
		}
		if e.Value, err = decimal.NewFromString(valueStr); err != nil {
			return nil, fmt.Errorf("parse execution_value: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PostgresAuditSink appends audit rows best-effort; insert failures are
// logged and swallowed.
type PostgresAuditSink struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresAuditSink(pool *pgxpool.Pool, logger *slog.Logger) *PostgresAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresAuditSink{pool: pool, logger: logger}
}

func (s *PostgresAuditSink) Record(ctx context.Context, action, entity, entityID, oldValue, newValue string) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, action, entity, entity_id, old_value, new_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), action, entity, entityID, oldValue, newValue, time.Now().UTC())
	if err != nil {
		s.logger.Error("audit insert failed", "action", action, "entity_id", entityID, "error", err)
	}
}
