package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cimillas/storefront-core/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DeliveryRepository struct {
	pool *pgxpool.Pool
}

func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

func (r *DeliveryRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *DeliveryRepository) CreateTask(ctx context.Context, task domain.DeliveryTask) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	const stmt = `
INSERT INTO delivery_tasks (id, order_id, recipient, payload, attempt_count, max_attempts, next_attempt_at, status, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`

	_, err = r.exec(ctx, stmt,
		task.ID,
		task.OrderID,
		task.Recipient,
		payload,
		task.AttemptCount,
		task.MaxAttempts,
		task.NextAttemptAt,
		task.Status,
		task.LastError,
		task.CreatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create delivery task: %w", err)
	}
	return nil
}

func (r *DeliveryRepository) GetTaskByOrder(ctx context.Context, orderID string) (*domain.DeliveryTask, error) {
	const query = `
SELECT id, order_id, recipient, payload, attempt_count, max_attempts, next_attempt_at, status, last_error, created_at
FROM delivery_tasks
WHERE order_id = $1`

	task, err := scanTask(r.queryRow(ctx, query, orderID))
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get delivery task: %w", err)
	}
	return &task, nil
}

// Claim moves a pending task to in_flight. Returns false when the
// task is already claimed or terminal, so the synchronous first
// attempt and the retry worker can never both send it.
func (r *DeliveryRepository) Claim(ctx context.Context, taskID string) (bool, error) {
	const stmt = `
UPDATE delivery_tasks
SET status = 'in_flight', updated_at = NOW()
WHERE id = $1 AND status = 'pending'`

	tag, err := r.exec(ctx, stmt, taskID)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("claim delivery task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// inFlightLease bounds how long a claim may sit unfinished. A claim
// goes stale when the process dies mid-attempt or a storage fault
// loses the write that would have settled or rescheduled the task.
const inFlightLease = 15 * time.Minute

// ClaimDue claims a bounded batch of due pending tasks in one
// statement, plus in_flight tasks whose lease ran out. SKIP LOCKED
// keeps concurrent workers from clashing on the same rows; a
// duplicate pickup of a lease-expired task is safe because delivery
// settles through guarded updates.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryTask, error) {
	const stmt = `
UPDATE delivery_tasks
SET status = 'in_flight', updated_at = NOW()
WHERE id IN (
	SELECT id FROM delivery_tasks
	WHERE (status = 'pending' AND next_attempt_at <= $1)
	   OR (status = 'in_flight' AND updated_at <= $2)
	ORDER BY next_attempt_at
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING id, order_id, recipient, payload, attempt_count, max_attempts, next_attempt_at, status, last_error, created_at`

	rows, err := r.query(ctx, stmt, now, now.Add(-inFlightLease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	return out, nil
}

func (r *DeliveryRepository) MarkDelivered(ctx context.Context, taskID string, attemptCount int) error {
	const stmt = `
UPDATE delivery_tasks
SET status = 'delivered', attempt_count = $2, last_error = '', updated_at = NOW()
WHERE id = $1`

	tag, err := r.exec(ctx, stmt, taskID, attemptCount)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// ScheduleRetry returns an in_flight task to pending with its next
// due time, keeping the backoff state durable across restarts.
func (r *DeliveryRepository) ScheduleRetry(ctx context.Context, taskID string, attemptCount int, nextAttemptAt time.Time, lastError string) error {
	const stmt = `
UPDATE delivery_tasks
SET status = 'pending', attempt_count = $2, next_attempt_at = $3, last_error = $4, updated_at = NOW()
WHERE id = $1`

	tag, err := r.exec(ctx, stmt, taskID, attemptCount, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (r *DeliveryRepository) MarkFailed(ctx context.Context, taskID string, attemptCount int, lastError string) error {
	const stmt = `
UPDATE delivery_tasks
SET status = 'failed', attempt_count = $2, last_error = $3, updated_at = NOW()
WHERE id = $1`

	tag, err := r.exec(ctx, stmt, taskID, attemptCount, lastError)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.DeliveryTask, error) {
	var t domain.DeliveryTask
	var payload []byte
	err := row.Scan(&t.ID, &t.OrderID, &t.Recipient, &payload, &t.AttemptCount, &t.MaxAttempts, &t.NextAttemptAt, &t.Status, &t.LastError, &t.CreatedAt)
	if err != nil {
		return domain.DeliveryTask{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return domain.DeliveryTask{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return t, nil
}

func (r *DeliveryRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *DeliveryRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *DeliveryRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
