// Package admin (repository.go) работает с таблицами admin_sessions и admin_login_attempts.
package admin

import (
	"context"
	"fmt"
	"time"

	"serotonyl.ru/token-ledger/internal/db/postgres"
)

// Repository: хранилище сессий и попыток входа.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	// GetActiveSession возвращает nil, nil, если активной сессии нет.
	GetActiveSession(ctx context.Context, userID int64, now time.Time) (*Session, error)
	DeactivateSessions(ctx context.Context, userID int64) error
	TouchSession(ctx context.Context, userID int64, at time.Time) error
	LogAttempt(ctx context.Context, userID int64, success bool, at time.Time) error
	CountFailedAttempts(ctx context.Context, userID int64, since time.Time) (int, error)
}

// PgRepository: реализация Repository на PostgreSQL.
type PgRepository struct {
	db postgres.Querier
}

// NewRepository создаёт репозиторий.
func NewRepository(db postgres.Querier) *PgRepository {
	return &PgRepository{db: db}
}

// CreateSession создаёт новую сессию администратора.
func (r *PgRepository) CreateSession(ctx context.Context, s *Session) error {
	query := `
		INSERT INTO admin_sessions (user_id, session_token, expires_at, is_active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING id, authenticated_at, last_activity
	`
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, query, s.UserID, s.SessionToken, s.ExpiresAt).
		Scan(&s.ID, &s.AuthenticatedAt, &s.LastActivity)
	if err != nil {
		return fmt.Errorf("ошибка создания сессии: %w", err)
	}
	s.IsActive = true
	return nil
}

// GetActiveSession возвращает активную сессию пользователя.
func (r *PgRepository) GetActiveSession(ctx context.Context, userID int64, now time.Time) (*Session, error) {
	query := `
		SELECT id, user_id, session_token, authenticated_at, expires_at, last_activity, is_active
		FROM admin_sessions
		WHERE user_id = $1 AND is_active = TRUE AND expires_at > $2
		ORDER BY authenticated_at DESC
		LIMIT 1
	`
	rows, err := postgres.Conn(ctx, r.db).Query(ctx, query, userID, now)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения сессии: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var s Session
	if err := rows.Scan(
		&s.ID, &s.UserID, &s.SessionToken, &s.AuthenticatedAt,
		&s.ExpiresAt, &s.LastActivity, &s.IsActive,
	); err != nil {
		return nil, fmt.Errorf("ошибка сканирования сессии: %w", err)
	}
	return &s, nil
}

// DeactivateSessions деактивирует все сессии пользователя.
func (r *PgRepository) DeactivateSessions(ctx context.Context, userID int64) error {
	query := `UPDATE admin_sessions SET is_active = FALSE WHERE user_id = $1`
	_, err := postgres.Conn(ctx, r.db).Exec(ctx, query, userID)
	return err
}

// TouchSession обновляет время последней активности.
func (r *PgRepository) TouchSession(ctx context.Context, userID int64, at time.Time) error {
	query := `UPDATE admin_sessions SET last_activity = $2 WHERE user_id = $1 AND is_active = TRUE`
	_, err := postgres.Conn(ctx, r.db).Exec(ctx, query, userID, at)
	return err
}

// LogAttempt записывает попытку входа.
func (r *PgRepository) LogAttempt(ctx context.Context, userID int64, success bool, at time.Time) error {
	query := `INSERT INTO admin_login_attempts (user_id, success, attempt_time) VALUES ($1, $2, $3)`
	_, err := postgres.Conn(ctx, r.db).Exec(ctx, query, userID, success, at)
	return err
}

// CountFailedAttempts возвращает количество неудачных попыток начиная с since.
func (r *PgRepository) CountFailedAttempts(ctx context.Context, userID int64, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM admin_login_attempts
		WHERE user_id = $1 AND success = FALSE AND attempt_time >= $2
	`
	var count int
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, query, userID, since).Scan(&count)
	return count, err
}
