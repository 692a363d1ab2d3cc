// Package members (repository.go) отвечает за все операции с таблицей members в БД.
// Каждая функция выполняет один SQL-запрос и возвращает результат или ошибку.
package members

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/db/postgres"
)

// Repository: хранилище пользователей.
// Методы Get* и FindGuardian возвращают common.ErrUserNotFound, если записи нет.
type Repository interface {
	UpsertMember(ctx context.Context, m *Member) error
	GetByUserID(ctx context.Context, userID int64) (*Member, error)
	GetByUsername(ctx context.Context, username string) (*Member, error)
	FindGuardian(ctx context.Context, groupID int64) (*Member, error)
	UpdateFamily(ctx context.Context, userID int64, f Family) error
	SetAdmin(ctx context.Context, userID int64, isAdmin bool) error
}

// PgRepository: реализация Repository на PostgreSQL.
type PgRepository struct {
	db postgres.Querier
}

func NewRepository(db postgres.Querier) *PgRepository {
	return &PgRepository{db: db}
}

const memberColumns = `
	id, user_id, username, first_name, last_name, role, group_id, token_mode,
	requires_purchase_approval, is_admin, created_at, updated_at
`

func scanMember(row pgx.Row) (*Member, error) {
	var (
		m         Member
		role      string
		tokenMode string
	)
	err := row.Scan(
		&m.ID, &m.UserID, &m.Username, &m.FirstName, &m.LastName, &role, &m.GroupID, &tokenMode,
		&m.RequiresPurchaseApproval, &m.IsAdmin, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Role, m.TokenMode = Role(role), TokenMode(tokenMode)
	return &m, nil
}

// UpsertMember добавляет пользователя.
// На конфликте по user_id обновляет только имя/username (не трогает роль, группу, админку).
func (r *PgRepository) UpsertMember(ctx context.Context, m *Member) error {
	query := `
		INSERT INTO members (user_id, username, first_name, last_name, is_admin)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET username = EXCLUDED.username,
		    first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    updated_at = NOW()
	`
	_, err := postgres.Conn(ctx, r.db).Exec(ctx, query, m.UserID, m.Username, m.FirstName, m.LastName, m.IsAdmin)
	if err != nil {
		return fmt.Errorf("ошибка создания/обновления участника: %w", err)
	}
	return nil
}

func (r *PgRepository) GetByUserID(ctx context.Context, userID int64) (*Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE user_id = $1`
	m, err := scanMember(postgres.Conn(ctx, r.db).QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user_id=%d: %w", userID, common.ErrUserNotFound)
		}
		return nil, fmt.Errorf("ошибка чтения участника (user_id=%d): %w", userID, err)
	}
	return m, nil
}

func (r *PgRepository) GetByUsername(ctx context.Context, username string) (*Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE LOWER(username) = LOWER($1)`
	m, err := scanMember(postgres.Conn(ctx, r.db).QueryRow(ctx, query, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("username=%s: %w", username, common.ErrUserNotFound)
		}
		return nil, fmt.Errorf("ошибка чтения участника (username=%s): %w", username, err)
	}
	return m, nil
}

// FindGuardian возвращает родителя группы (первого по дате регистрации).
func (r *PgRepository) FindGuardian(ctx context.Context, groupID int64) (*Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members
		WHERE group_id = $1 AND role = 'guardian'
		ORDER BY created_at, id
		LIMIT 1`
	m, err := scanMember(postgres.Conn(ctx, r.db).QueryRow(ctx, query, groupID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("родитель группы %d: %w", groupID, common.ErrUserNotFound)
		}
		return nil, fmt.Errorf("ошибка поиска родителя группы %d: %w", groupID, err)
	}
	return m, nil
}

func (r *PgRepository) UpdateFamily(ctx context.Context, userID int64, f Family) error {
	query := `
		UPDATE members
		SET role = $2, group_id = $3, token_mode = $4, requires_purchase_approval = $5, updated_at = NOW()
		WHERE user_id = $1
	`
	tag, err := postgres.Conn(ctx, r.db).Exec(ctx, query,
		userID, string(f.Role), f.GroupID, string(f.TokenMode), f.RequiresPurchaseApproval,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления семейных настроек: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user_id=%d: %w", userID, common.ErrUserNotFound)
	}
	return nil
}

func (r *PgRepository) SetAdmin(ctx context.Context, userID int64, isAdmin bool) error {
	query := `UPDATE members SET is_admin = $2, updated_at = NOW() WHERE user_id = $1`
	if _, err := postgres.Conn(ctx, r.db).Exec(ctx, query, userID, isAdmin); err != nil {
		return fmt.Errorf("ошибка обновления флага админа: %w", err)
	}
	return nil
}
