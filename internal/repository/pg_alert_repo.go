package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/courier/internal/domain"
)

type pgAlertRepository struct {
	pool *pgxpool.Pool
}

// NewPgAlertRepository returns an AlertRepository backed by PostgreSQL.
func NewPgAlertRepository(pool *pgxpool.Pool) AlertRepository {
	return &pgAlertRepository{pool: pool}
}

// Upsert relies on the partial unique index over unresolved alerts:
// a second unresolved alert for the same (notification_id, type) is a
// no-op rather than a duplicate row.
func (r *pgAlertRepository) Upsert(ctx context.Context, a *domain.Alert) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO alerts (id, notification_id, type, severity, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (COALESCE(notification_id, '00000000-0000-0000-0000-000000000000'::uuid), type)
			WHERE NOT resolved
		DO NOTHING`,
		a.ID, a.NotificationID, a.Type, a.Severity, a.Message, a.Metadata, a.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert alert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgAlertRepository) GetByID(ctx context.Context, id string) (*domain.Alert, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, notification_id, type, severity, message, metadata,
		       resolved, resolved_at, created_at
		FROM alerts WHERE id = $1`, id)

	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

func (r *pgAlertRepository) List(ctx context.Context, resolved *bool, limit, offset int) ([]*domain.Alert, int, error) {
	where := ""
	args := []any{}
	if resolved != nil {
		where = " WHERE resolved = $1"
		args = append(args, *resolved)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM alerts"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count alerts: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT id, notification_id, type, severity, message, metadata,
		       resolved, resolved_at, created_at
		FROM alerts%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		alerts = append(alerts, a)
	}
	return alerts, total, rows.Err()
}

func (r *pgAlertRepository) Resolve(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE alerts
		SET resolved = TRUE, resolved_at = NOW()
		WHERE id = $1 AND NOT resolved`, id)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing alert from an already-resolved one.
		var resolved bool
		err := r.pool.QueryRow(ctx, `SELECT resolved FROM alerts WHERE id = $1`, id).Scan(&resolved)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check alert: %w", err)
		}
		return domain.ErrAlertResolved
	}
	return nil
}

func scanAlert(row pgx.Row) (*domain.Alert, error) {
	var a domain.Alert
	err := row.Scan(
		&a.ID, &a.NotificationID, &a.Type, &a.Severity, &a.Message,
		&a.Metadata, &a.Resolved, &a.ResolvedAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
