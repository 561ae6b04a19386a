package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cimillas/storefront-core/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReservationRepository struct {
	pool *pgxpool.Pool
}

func NewReservationRepository(pool *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{pool: pool}
}

func (r *ReservationRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

// GetProductForReserve locks a product row without queuing behind a
// concurrent reservation attempt. A row somebody else already holds
// is skipped, which surfaces as ErrStockUnavailable: the racing
// buyer loses fast instead of waiting.
func (r *ReservationRepository) GetProductForReserve(ctx context.Context, productID string) (domain.Product, error) {
	const query = `
SELECT id, name, price, stock, created_at
FROM products
WHERE id = $1
FOR UPDATE SKIP LOCKED`

	var p domain.Product
	err := r.queryRow(ctx, query, productID).
		Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.CreatedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Product{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Product{}, r.classifyMissingProduct(ctx, productID)
		}
		return domain.Product{}, fmt.Errorf("get product for reserve: %w", err)
	}
	return p, nil
}

// classifyMissingProduct distinguishes a product that does not exist
// from one whose row is locked by a concurrent reservation.
func (r *ReservationRepository) classifyMissingProduct(ctx context.Context, productID string) error {
	var exists bool
	err := r.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check product exists: %w", err)
	}
	if exists {
		return domain.ErrStockUnavailable
	}
	return domain.ErrProductNotFound
}

func (r *ReservationRepository) SumHeld(ctx context.Context, productID string, now time.Time) (int, error) {
	const query = `
SELECT COALESCE(SUM(quantity), 0)
FROM reservations
WHERE product_id = $1 AND state = 'held' AND expires_at > $2`

	var total int
	if err := r.queryRow(ctx, query, productID, now).Scan(&total); err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		return 0, fmt.Errorf("sum held reservations: %w", err)
	}
	return total, nil
}

func (r *ReservationRepository) CreateReservation(ctx context.Context, res domain.Reservation) error {
	const stmt = `
INSERT INTO reservations (id, order_id, product_id, quantity, state, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.exec(ctx, stmt,
		res.ID,
		res.OrderID,
		res.ProductID,
		res.Quantity,
		res.State,
		res.ExpiresAt,
		res.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrProductNotFound
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (r *ReservationRepository) GetReservationForUpdate(ctx context.Context, id string) (domain.Reservation, error) {
	const query = `
SELECT id, order_id, product_id, quantity, state, expires_at, created_at
FROM reservations
WHERE id = $1
FOR UPDATE`

	var res domain.Reservation
	err := r.queryRow(ctx, query, id).
		Scan(&res.ID, &res.OrderID, &res.ProductID, &res.Quantity, &res.State, &res.ExpiresAt, &res.CreatedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Reservation{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Reservation{}, domain.ErrReservationNotFound
		}
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return res, nil
}

func (r *ReservationRepository) SetReservationState(ctx context.Context, id string, state domain.ReservationState) error {
	const stmt = `UPDATE reservations SET state = $2 WHERE id = $1`

	tag, err := r.exec(ctx, stmt, id, state)
	if err != nil {
		return fmt.Errorf("set reservation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

// DecrementStock permanently removes consumed units. The stock check
// is a second line of defense; consume only runs against a held,
// unexpired reservation.
func (r *ReservationRepository) DecrementStock(ctx context.Context, productID string, quantity int) error {
	const stmt = `UPDATE products SET stock = stock - $2 WHERE id = $1 AND stock >= $2`

	tag, err := r.exec(ctx, stmt, productID, quantity)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStockUnavailable
	}
	return nil
}

func (r *ReservationRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	const query = `
SELECT id, order_id, product_id, quantity, state, expires_at, created_at
FROM reservations
WHERE order_id = $1
ORDER BY created_at`

	rows, err := r.query(ctx, query, orderID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.ID, &res.OrderID, &res.ProductID, &res.Quantity, &res.State, &res.ExpiresAt, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return out, nil
}

// ReleaseExpired returns timed-out holds to available stock. Run
// periodically by the sweeper; returns how many were released.
func (r *ReservationRepository) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	const stmt = `UPDATE reservations SET state = 'released' WHERE state = 'held' AND expires_at <= $1`

	tag, err := r.exec(ctx, stmt, now)
	if err != nil {
		return 0, fmt.Errorf("release expired reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *ReservationRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *ReservationRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *ReservationRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
