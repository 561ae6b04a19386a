package postgres

import (
	"context"
	"fmt"

	"github.com/cimillas/storefront-core/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *PaymentRepository) CreateTarget(ctx context.Context, target domain.PaymentTarget, secretKey string) error {
	const stmt = `
INSERT INTO payment_targets (id, order_id, address, secret_key, amount, tolerance, state, expires_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`

	_, err := r.exec(ctx, stmt,
		target.ID,
		target.OrderID,
		target.Address,
		secretKey,
		target.Amount,
		target.Tolerance,
		target.State,
		target.ExpiresAt,
		target.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrTargetExists
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create payment target: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetTargetByOrder(ctx context.Context, orderID string) (*domain.PaymentTarget, error) {
	const query = `
SELECT id, order_id, address, amount, tolerance, amount_received, sender_address, state, expires_at, created_at
FROM payment_targets
WHERE order_id = $1`

	var t domain.PaymentTarget
	err := r.queryRow(ctx, query, orderID).
		Scan(&t.ID, &t.OrderID, &t.Address, &t.Amount, &t.Tolerance, &t.AmountReceived, &t.SenderAddress, &t.State, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment target: %w", err)
	}
	return &t, nil
}

func (r *PaymentRepository) ListAwaiting(ctx context.Context, limit int) ([]domain.PaymentTarget, error) {
	const query = `
SELECT id, order_id, address, amount, tolerance, amount_received, sender_address, state, expires_at, created_at
FROM payment_targets
WHERE state = 'awaiting'
ORDER BY created_at
LIMIT $1`

	rows, err := r.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list awaiting targets: %w", err)
	}
	defer rows.Close()

	var out []domain.PaymentTarget
	for rows.Next() {
		var t domain.PaymentTarget
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Address, &t.Amount, &t.Tolerance, &t.AmountReceived, &t.SenderAddress, &t.State, &t.ExpiresAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment target: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list awaiting targets: %w", err)
	}
	return out, nil
}

// ListUnresolved returns settled targets whose order is still at the
// payment stage: the settle committed, but the outcome callback was
// lost to a fault or crash before the order moved. The poller replays
// these until the order advances.
func (r *PaymentRepository) ListUnresolved(ctx context.Context, limit int) ([]domain.PaymentTarget, error) {
	const query = `
SELECT t.id, t.order_id, t.address, t.amount, t.tolerance, t.amount_received, t.sender_address, t.state, t.expires_at, t.created_at
FROM payment_targets t
JOIN orders o ON o.id = t.order_id
WHERE t.state <> 'awaiting' AND o.status IN ('awaiting_payment', 'paid')
ORDER BY t.created_at
LIMIT $1`

	rows, err := r.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved targets: %w", err)
	}
	defer rows.Close()

	var out []domain.PaymentTarget
	for rows.Next() {
		var t domain.PaymentTarget
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Address, &t.Amount, &t.Tolerance, &t.AmountReceived, &t.SenderAddress, &t.State, &t.ExpiresAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment target: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unresolved targets: %w", err)
	}
	return out, nil
}

// MarkConfirmed flips an awaiting target to confirmed. The state
// guard makes the confirm edge fire exactly once even when poll
// cycles overlap.
func (r *PaymentRepository) MarkConfirmed(ctx context.Context, id string, received decimal.Decimal, sender string) (bool, error) {
	return r.settle(ctx, id, domain.PaymentConfirmed, received, sender)
}

func (r *PaymentRepository) MarkUnderpaid(ctx context.Context, id string, received decimal.Decimal, sender string) (bool, error) {
	return r.settle(ctx, id, domain.PaymentUnderpaid, received, sender)
}

func (r *PaymentRepository) MarkExpired(ctx context.Context, id string) (bool, error) {
	return r.settle(ctx, id, domain.PaymentExpired, decimal.Zero, "")
}

func (r *PaymentRepository) settle(ctx context.Context, id string, state domain.PaymentState, received decimal.Decimal, sender string) (bool, error) {
	const stmt = `
UPDATE payment_targets
SET state = $2, amount_received = $3, sender_address = $4, updated_at = NOW()
WHERE id = $1 AND state = 'awaiting'`

	tag, err := r.exec(ctx, stmt, id, state, received, sender)
	if err != nil {
		return false, fmt.Errorf("settle payment target: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PaymentRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *PaymentRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *PaymentRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
