package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/courier/internal/domain"
)

type pgStatusOutboxRepository struct {
	pool *pgxpool.Pool
}

// NewPgStatusOutboxRepository returns a StatusOutboxRepository backed by PostgreSQL.
func NewPgStatusOutboxRepository(pool *pgxpool.Pool) StatusOutboxRepository {
	return &pgStatusOutboxRepository{pool: pool}
}

func (r *pgStatusOutboxRepository) ClaimUnprocessed(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*domain.StatusOutboxRow, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE status_outbox
		SET claimed_by = $1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM status_outbox
			WHERE NOT processed
			  AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, notification_id, status, processed,
		          claimed_by, claimed_at, created_at`,
		workerID, lease, limit)
	if err != nil {
		return nil, fmt.Errorf("claim status outbox batch: %w", err)
	}
	defer rows.Close()

	var result []*domain.StatusOutboxRow
	for rows.Next() {
		var s domain.StatusOutboxRow
		err := rows.Scan(
			&s.ID, &s.NotificationID, &s.Status, &s.Processed,
			&s.ClaimedBy, &s.ClaimedAt, &s.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, &s)
	}
	return result, rows.Err()
}

func (r *pgStatusOutboxRepository) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE status_outbox SET processed = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark status outbox processed: %w", err)
	}
	return nil
}
