// Package notifications (repository.go) работает с таблицей notifications.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"serotonyl.ru/token-ledger/internal/db/postgres"
)

// Repository: хранилище уведомлений.
// Create вызывается внутри транзакции вызывающего (через контекст).
type Repository interface {
	CreateNotification(ctx context.Context, n *Notification) error
	HasRecentNotification(ctx context.Context, userID int64, typ Type, since time.Time) (bool, error)
	// ListUndelivered возвращает недоставленные записи с next_attempt_at <= now
	// и attempts < maxAttempts, ближайшие к отправке первыми.
	ListUndelivered(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*Notification, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	// MarkFailed увеличивает attempts и переносит следующую попытку на next.
	MarkFailed(ctx context.Context, id int64, next time.Time) error
}

// PgRepository: реализация Repository на PostgreSQL.
type PgRepository struct {
	db postgres.Querier
}

func NewRepository(db postgres.Querier) *PgRepository {
	return &PgRepository{db: db}
}

func (r *PgRepository) CreateNotification(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("ошибка сериализации данных уведомления: %w", err)
	}
	query := `
		INSERT INTO notifications (user_id, type, title, message, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err = postgres.Conn(ctx, r.db).QueryRow(ctx, query,
		n.UserID, string(n.Type), n.Title, n.Message, data,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания уведомления: %w", err)
	}
	return nil
}

// HasRecentNotification проверяет, было ли уведомление этого типа пользователю начиная с since.
func (r *PgRepository) HasRecentNotification(ctx context.Context, userID int64, typ Type, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM notifications
			WHERE user_id = $1 AND type = $2 AND created_at >= $3
		)
	`
	var exists bool
	if err := postgres.Conn(ctx, r.db).QueryRow(ctx, query, userID, string(typ), since).Scan(&exists); err != nil {
		return false, fmt.Errorf("ошибка проверки недавних уведомлений: %w", err)
	}
	return exists, nil
}

func (r *PgRepository) ListUndelivered(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*Notification, error) {
	query := `
		SELECT id, user_id, type, title, message, data, created_at, attempts, next_attempt_at
		FROM notifications
		WHERE delivered_at IS NULL AND next_attempt_at <= $1 AND attempts < $2
		ORDER BY next_attempt_at, id
		LIMIT $3
	`
	rows, err := postgres.Conn(ctx, r.db).Query(ctx, query, now, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения уведомлений: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var (
			n    Notification
			typ  string
			data []byte
		)
		if err := rows.Scan(
			&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &data, &n.CreatedAt, &n.Attempts, &n.NextAttemptAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования уведомления: %w", err)
		}
		n.Type = Type(typ)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("ошибка разбора данных уведомления %d: %w", n.ID, err)
			}
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения строк: %w", err)
	}
	return out, nil
}

func (r *PgRepository) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE notifications SET delivered_at = $2 WHERE id = $1`
	if _, err := postgres.Conn(ctx, r.db).Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("ошибка отметки доставки: %w", err)
	}
	return nil
}

func (r *PgRepository) MarkFailed(ctx context.Context, id int64, next time.Time) error {
	query := `UPDATE notifications SET attempts = attempts + 1, next_attempt_at = $2 WHERE id = $1`
	if _, err := postgres.Conn(ctx, r.db).Exec(ctx, query, id, next); err != nil {
		return fmt.Errorf("ошибка отметки неудачной доставки: %w", err)
	}
	return nil
}
