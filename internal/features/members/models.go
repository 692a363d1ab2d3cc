// Package members управляет пользователями бота: регистрацией, семейной ролью и группой.
// models.go описывает структуры данных для работы с таблицей members.
package members

import (
	"time"

	"serotonyl.ru/token-ledger/internal/features/tokens"
)

// Role: семейная роль пользователя.
type Role string

const (
	RoleNone      Role = ""          // Обычный пользователь
	RoleGuardian  Role = "guardian"  // Родитель: одобряет покупки детей своей группы
	RoleDependent Role = "dependent" // Ребёнок: покупки могут требовать одобрения
)

// TokenMode: с какого баланса пользователь тратит токены.
type TokenMode string

const (
	TokenModeIndividual TokenMode = "individual" // Личный баланс
	TokenModeGroup      TokenMode = "group"      // Общий баланс группы
)

// Member представляет пользователя в базе данных.
// Запись создаётся при первом сообщении боту.
type Member struct {
	ID                       int64     `db:"id"`
	UserID                   int64     `db:"user_id"`    // Telegram user ID (уникальный)
	Username                 string    `db:"username"`   // @username (может быть пустым)
	FirstName                string    `db:"first_name"` // Имя пользователя
	LastName                 string    `db:"last_name"`  // Фамилия (может быть пустой)
	Role                     Role      `db:"role"`
	GroupID                  *int64    `db:"group_id"` // Семья/группа (nil, без группы)
	TokenMode                TokenMode `db:"token_mode"`
	RequiresPurchaseApproval bool      `db:"requires_purchase_approval"` // Покупки только с одобрения родителя
	IsAdmin                  bool      `db:"is_admin"`                   // Флаг администратора
	CreatedAt                time.Time `db:"created_at"`
	UpdatedAt                time.Time `db:"updated_at"`
}

// Family: семейные настройки, которые назначает админ.
type Family struct {
	Role                     Role
	GroupID                  *int64
	TokenMode                TokenMode
	RequiresPurchaseApproval bool
}

// DisplayName возвращает отображаемое имя пользователя.
// Если есть @username, возвращает его, иначе имя и фамилию.
func (m *Member) DisplayName() string {
	if m.Username != "" {
		return "@" + m.Username
	}
	name := m.FirstName
	if m.LastName != "" {
		name += " " + m.LastName
	}
	return name
}

// Account: снимок «кто платит» на момент вызова.
func (m *Member) Account() tokens.Account {
	return tokens.Account{
		UserID:     m.UserID,
		GroupID:    m.GroupID,
		SharedPool: m.TokenMode == TokenModeGroup && m.GroupID != nil,
	}
}

// SameGroup: оба пользователя состоят в одной группе.
func (m *Member) SameGroup(other *Member) bool {
	return m.GroupID != nil && other.GroupID != nil && *m.GroupID == *other.GroupID
}
