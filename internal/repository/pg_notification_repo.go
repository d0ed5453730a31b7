package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/courier/internal/domain"
)

type pgNotificationRepository struct {
	pool *pgxpool.Pool
}

// NewPgNotificationRepository returns a NotificationRepository backed by PostgreSQL.
func NewPgNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &pgNotificationRepository{pool: pool}
}

const notificationColumns = `
	id, request_id, client_id, channel, provider, recipient, content,
	variables, webhook_url, status, scheduled_at, retry_count,
	error_message, created_at, updated_at`

func (r *pgNotificationRepository) CreateWithOutbox(ctx context.Context, n *domain.Notification, topic string, payload json.RawMessage) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO notifications
			(id, request_id, client_id, channel, provider, recipient, content,
			 variables, webhook_url, status, scheduled_at, retry_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		n.ID, n.RequestID, n.ClientID, n.Channel, n.Provider, n.Recipient, n.Content,
		n.Variables, n.WebhookURL, n.Status, n.ScheduledAt, n.RetryCount, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("insert notification: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (notification_id, topic, payload)
		VALUES ($1, $2, $3)`,
		n.ID, topic, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

func (r *pgNotificationRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT"+notificationColumns+" FROM notifications WHERE id = $1", id)

	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return n, err
}

func (r *pgNotificationRepository) List(ctx context.Context, f domain.ListFilter) ([]*domain.Notification, int, error) {
	where, args := buildListWhere(f)
	offset := (f.Page - 1) * f.Limit

	// Count total matching rows for pagination metadata.
	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM notifications"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	// Append pagination args after the WHERE args.
	args = append(args, f.Limit, offset)
	query := fmt.Sprintf(
		"SELECT"+notificationColumns+" FROM notifications%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications, err := scanNotifications(rows)
	return notifications, total, err
}

func (r *pgNotificationRepository) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notifications SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	return err
}

func (r *pgNotificationRepository) MarkDelivered(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'delivered', error_message = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

func (r *pgNotificationRepository) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'failed', error_message = $1, updated_at = NOW()
		WHERE id = $2`, errMsg, id)
	return err
}

func (r *pgNotificationRepository) SetRetryCount(ctx context.Context, id string, retryCount int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notifications SET retry_count = $1, updated_at = NOW() WHERE id = $2`, retryCount, id)
	return err
}

func (r *pgNotificationRepository) MarkDeliveredWithStatusOutbox(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE notifications
		SET status = 'delivered', error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("heal notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else already moved it; nothing to publish.
		return domain.ErrNotRecoverable
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO status_outbox (notification_id, status)
		VALUES ($1, 'delivered')`, id)
	if err != nil {
		return fmt.Errorf("insert status outbox row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit heal: %w", err)
	}
	return nil
}

func (r *pgNotificationRepository) ResetToPending(ctx context.Context, id string, content json.RawMessage, topic string, payload json.RawMessage) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var tag pgconn.CommandTag
	if content != nil {
		tag, err = tx.Exec(ctx, `
			UPDATE notifications
			SET status = 'pending', content = $1, error_message = NULL, updated_at = NOW()
			WHERE id = $2 AND status IN ('processing', 'failed')`, content, id)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE notifications
			SET status = 'pending', error_message = NULL, updated_at = NOW()
			WHERE id = $1 AND status IN ('processing', 'failed')`, id)
	}
	if err != nil {
		return fmt.Errorf("reset notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotRecoverable
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (notification_id, topic, payload)
		VALUES ($1, $2, $3)`, id, topic, payload)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

func (r *pgNotificationRepository) FindStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT"+notificationColumns+`
		FROM notifications
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("find stuck processing: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *pgNotificationRepository) CountOldPending(ctx context.Context, olderThan time.Time) (int, error) {
	var count int
	// Rows waiting on a future scheduled_at are healthy, not orphaned.
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE status = 'pending' AND created_at < $1
		  AND (scheduled_at IS NULL OR scheduled_at < NOW())`, olderThan).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count old pending: %w", err)
	}
	return count, nil
}

// ---- helpers ----

// scanNotification reads a single notification row from any pgx row type.
func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	err := row.Scan(
		&n.ID, &n.RequestID, &n.ClientID, &n.Channel, &n.Provider,
		&n.Recipient, &n.Content, &n.Variables, &n.WebhookURL,
		&n.Status, &n.ScheduledAt, &n.RetryCount, &n.ErrorMessage,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNotifications(rows pgx.Rows) ([]*domain.Notification, error) {
	var result []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// buildListWhere builds a parameterised WHERE clause from a ListFilter.
func buildListWhere(f domain.ListFilter) (string, []any) {
	var conditions []string
	var args []any

	add := func(condition string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.Channel != nil {
		add("channel = $%d", *f.Channel)
	}
	if f.ClientID != nil {
		add("client_id = $%d", *f.ClientID)
	}
	if f.RequestID != nil {
		add("request_id = $%d", *f.RequestID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
