package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/courier/internal/domain"
)

type pgOutboxRepository struct {
	pool *pgxpool.Pool
}

// NewPgOutboxRepository returns an OutboxRepository backed by PostgreSQL.
func NewPgOutboxRepository(pool *pgxpool.Pool) OutboxRepository {
	return &pgOutboxRepository{pool: pool}
}

// ClaimBatch claims pending rows with FOR UPDATE SKIP LOCKED so
// concurrent dispatchers never block each other. A row whose claim is
// older than the lease counts as abandoned and is claimed again.
func (r *pgOutboxRepository) ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*domain.OutboxRow, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox
		SET claimed_by = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'pending'
			  AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, notification_id, topic, payload, status,
		          claimed_by, claimed_at, created_at, updated_at`,
		workerID, lease, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

func (r *pgOutboxRepository) MarkPublished(ctx context.Context, rowIDs []int64, processingNotificationIDs []string) error {
	if len(rowIDs) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		UPDATE outbox
		SET status = 'published', updated_at = NOW()
		WHERE id = ANY($1)`, rowIDs)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}

	if len(processingNotificationIDs) > 0 {
		// Only pending rows advance; a reconciler reset or a terminal
		// outcome recorded meanwhile must not be clobbered.
		_, err = tx.Exec(ctx, `
			UPDATE notifications
			SET status = 'processing', updated_at = NOW()
			WHERE id = ANY($1) AND status = 'pending'`, processingNotificationIDs)
		if err != nil {
			return fmt.Errorf("advance notifications to processing: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mark published: %w", err)
	}
	return nil
}

func (r *pgOutboxRepository) DeleteOldPublished(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE status = 'published' AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete old published: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOutboxRows(rows pgx.Rows) ([]*domain.OutboxRow, error) {
	var result []*domain.OutboxRow
	for rows.Next() {
		var o domain.OutboxRow
		err := rows.Scan(
			&o.ID, &o.NotificationID, &o.Topic, &o.Payload, &o.Status,
			&o.ClaimedBy, &o.ClaimedAt, &o.CreatedAt, &o.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, &o)
	}
	return result, rows.Err()
}
