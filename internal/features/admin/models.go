// Package admin реализует админ-команды с парольной аутентификацией:
// ручная корректировка балансов и семейные настройки пользователей.
// models.go описывает структуры сессий и попыток входа.
package admin

import "time"

// Session: активная сессия администратора.
type Session struct {
	ID              int64     `db:"id"`
	UserID          int64     `db:"user_id"`
	SessionToken    string    `db:"session_token"`
	AuthenticatedAt time.Time `db:"authenticated_at"`
	ExpiresAt       time.Time `db:"expires_at"`
	LastActivity    time.Time `db:"last_activity"`
	IsActive        bool      `db:"is_active"`
}

// LoginAttempt: попытка входа (для защиты от brute-force).
type LoginAttempt struct {
	ID          int64     `db:"id"`
	UserID      int64     `db:"user_id"`
	AttemptTime time.Time `db:"attempt_time"`
	Success     bool      `db:"success"`
}

// State: состояние диалога с админом.
type State struct {
	State     string    // Текущее состояние ("", "awaiting_password")
	ExpiresAt time.Time // Когда состояние истекает (5 минут)
}

// Возможные состояния админ-диалога
const (
	StateNone             = ""                  // Нет активного состояния
	StateAwaitingPassword = "awaiting_password" // Ждём пароль
)

const (
	maxFailedAttempts = 3
	attemptsWindow    = time.Hour
	sessionTTL        = 24 * time.Hour
	stateTTL          = 5 * time.Minute
)
