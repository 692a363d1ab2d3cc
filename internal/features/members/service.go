// Package members (service.go) содержит бизнес-логику управления пользователями.
// Сервис регистрирует пользователей, отдаёт семейные связи и определяет,
// с какого баланса пользователь платит.
package members

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

// Service управляет пользователями.
type Service struct {
	repo     Repository
	adminIDs func(userID int64) bool // Входит ли пользователь в ADMIN_IDS
}

// NewService создаёт новый сервис. isAdmin может быть nil.
func NewService(repo Repository, isAdmin func(userID int64) bool) *Service {
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	return &Service{repo: repo, adminIDs: isAdmin}
}

// EnsureMember гарантирует, что пользователь есть в базе, и обновляет его имя.
// Флаг админа выставляется по списку ADMIN_IDS.
func (s *Service) EnsureMember(ctx context.Context, userID int64, username, firstName, lastName string) (*Member, error) {
	isAdmin := s.adminIDs(userID)
	err := s.repo.UpsertMember(ctx, &Member{
		UserID:    userID,
		Username:  username,
		FirstName: firstName,
		LastName:  lastName,
		IsAdmin:   isAdmin,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка регистрации участника: %w", err)
	}

	m, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if isAdmin && !m.IsAdmin {
		if err := s.repo.SetAdmin(ctx, userID, true); err != nil {
			return nil, err
		}
		m.IsAdmin = true
		log.WithField("user_id", userID).Info("Пользователь отмечен как админ")
	}
	return m, nil
}

// GetByUserID возвращает пользователя по Telegram user ID.
func (s *Service) GetByUserID(ctx context.Context, userID int64) (*Member, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// GetByUsername возвращает пользователя по @username (без @).
func (s *Service) GetByUsername(ctx context.Context, username string) (*Member, error) {
	return s.repo.GetByUsername(ctx, username)
}

// FindGuardian возвращает родителя группы.
func (s *Service) FindGuardian(ctx context.Context, groupID int64) (*Member, error) {
	return s.repo.FindGuardian(ctx, groupID)
}

// ResolveAccount возвращает аккаунт для списаний: личный или общий баланс группы.
func (s *Service) ResolveAccount(ctx context.Context, userID int64) (tokens.Account, error) {
	m, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return tokens.Account{}, err
	}
	return m.Account(), nil
}

// SetFamily назначает семейную роль и группу. Используется админом.
func (s *Service) SetFamily(ctx context.Context, userID int64, f Family) error {
	switch f.Role {
	case RoleNone, RoleGuardian, RoleDependent:
	default:
		return fmt.Errorf("неизвестная роль %q", f.Role)
	}
	if f.Role != RoleNone && f.GroupID == nil {
		return errors.New("для семейной роли нужна группа")
	}
	if f.TokenMode == "" {
		f.TokenMode = TokenModeIndividual
	}
	if f.TokenMode == TokenModeGroup && f.GroupID == nil {
		return errors.New("общий баланс доступен только участникам группы")
	}
	if f.Role != RoleDependent {
		f.RequiresPurchaseApproval = false
	}

	if err := s.repo.UpdateFamily(ctx, userID, f); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"user_id":           userID,
		"role":              f.Role,
		"group_id":          f.GroupID,
		"token_mode":        f.TokenMode,
		"requires_approval": f.RequiresPurchaseApproval,
	}).Info("Семейные настройки обновлены")
	return nil
}

// IsNotFound: пользователь не найден.
func IsNotFound(err error) bool {
	return errors.Is(err, common.ErrUserNotFound)
}
