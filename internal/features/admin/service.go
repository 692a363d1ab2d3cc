// Package admin (service.go) содержит логику аутентификации, управления сессиями
// и админ-операции над балансами и пользователями.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/features/members"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

// Service управляет админ-командами.
type Service struct {
	repo         Repository
	members      *members.Service
	ledger       *tokens.Service
	passwordHash string
	states       map[int64]*State // Состояния диалогов (in-memory)
	statesMu     sync.RWMutex
	now          func() time.Time
}

// NewService создаёт сервис. passwordHash берётся из ADMIN_PASSWORD_HASH в формате Argon2id.
func NewService(repo Repository, memberService *members.Service, ledger *tokens.Service, passwordHash string) *Service {
	return &Service{
		repo:         repo,
		members:      memberService,
		ledger:       ledger,
		passwordHash: passwordHash,
		states:       make(map[int64]*State),
		now:          time.Now,
	}
}

// SetClock подменяет часы (сессии, блокировка входа, таймаут диалога).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// VerifyPassword проверяет пароль администратора с использованием Argon2id.
// Включает защиту от brute-force: 3 неудачные попытки = блокировка на 1 час.
func (s *Service) VerifyPassword(ctx context.Context, userID int64, password string) error {
	if _, err := s.requireAdmin(ctx, userID); err != nil {
		return err
	}

	now := s.now()
	attempts, err := s.repo.CountFailedAttempts(ctx, userID, now.Add(-attemptsWindow))
	if err != nil {
		return err
	}
	if attempts >= maxFailedAttempts {
		return common.ErrTooManyAttempts
	}

	match := verifyArgon2id(password, s.passwordHash)
	if err := s.repo.LogAttempt(ctx, userID, match, now); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Не удалось записать попытку входа")
	}
	if !match {
		log.WithField("user_id", userID).Warn("Неверный пароль администратора")
		return common.ErrWrongPassword
	}

	session := &Session{
		UserID:       userID,
		SessionToken: generateSecureToken(),
		ExpiresAt:    now.Add(sessionTTL),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return err
	}
	log.WithField("user_id", userID).Info("Администратор вошёл")
	return nil
}

// Logout завершает все сессии администратора.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	return s.repo.DeactivateSessions(ctx, userID)
}

// HasActiveSession проверяет, есть ли у пользователя активная сессия.
func (s *Service) HasActiveSession(ctx context.Context, userID int64) bool {
	session, err := s.repo.GetActiveSession(ctx, userID, s.now())
	return err == nil && session != nil
}

// RequireSession проверяет, что пользователь является админом с активной сессией.
func (s *Service) RequireSession(ctx context.Context, userID int64) error {
	if _, err := s.requireAdmin(ctx, userID); err != nil {
		return err
	}
	if !s.HasActiveSession(ctx, userID) {
		return common.ErrSessionExpired
	}
	if err := s.repo.TouchSession(ctx, userID, s.now()); err != nil {
		log.WithError(err).Debug("Не удалось обновить активность сессии")
	}
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, userID int64) (*members.Member, error) {
	m, err := s.members.GetByUserID(ctx, userID)
	if err != nil {
		if members.IsNotFound(err) {
			return nil, common.ErrNotAdmin
		}
		return nil, err
	}
	if !m.IsAdmin {
		return nil, common.ErrNotAdmin
	}
	return m, nil
}

// GetState возвращает текущее состояние диалога.
func (s *Service) GetState(userID int64) *State {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()

	state, ok := s.states[userID]
	if !ok {
		return nil
	}
	// Проверяем истечение
	if s.now().After(state.ExpiresAt) {
		return nil
	}
	return state
}

// SetState устанавливает состояние диалога с 5-минутным таймаутом.
func (s *Service) SetState(userID int64, stateName string) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	s.states[userID] = &State{
		State:     stateName,
		ExpiresAt: s.now().Add(stateTTL),
	}
}

// ClearState сбрасывает состояние диалога.
func (s *Service) ClearState(userID int64) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	delete(s.states, userID)
}

// FindTarget ищет пользователя по "123456" (user ID) или "@username".
func (s *Service) FindTarget(ctx context.Context, ref string) (*members.Member, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.members.GetByUserID(ctx, id)
	}
	username := strings.TrimPrefix(ref, "@")
	if username == "" {
		return nil, common.ErrUserNotFound
	}
	return s.members.GetByUsername(ctx, username)
}

// AdjustUser корректирует баланс, с которого платит пользователь (личный или общий).
func (s *Service) AdjustUser(ctx context.Context, adminID int64, target *members.Member, amount int64, note string) tokens.Result {
	return s.ledger.AdjustByAdmin(ctx, target.Account().Payer(), amount, adminID, note)
}

// AdjustGroup корректирует общий баланс группы.
func (s *Service) AdjustGroup(ctx context.Context, adminID, groupID, amount int64, note string) tokens.Result {
	return s.ledger.AdjustByAdmin(ctx, tokens.GroupOwner(groupID), amount, adminID, note)
}

// SetFamily назначает пользователю семейную роль, группу и режим баланса.
func (s *Service) SetFamily(ctx context.Context, adminID int64, target *members.Member, f members.Family) error {
	if err := s.members.SetFamily(ctx, target.UserID, f); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"admin_id": adminID,
		"user_id":  target.UserID,
	}).Info("Админ изменил семейные настройки")
	return nil
}

// --- Криптографические утилиты ---

// verifyArgon2id проверяет пароль по хешу Argon2id.
// Формат хеша: $argon2id$v=19$m=65536,t=3,p=2$<salt_base64>$<hash_base64>
func verifyArgon2id(password, encodedHash string) bool {
	// Парсим хеш
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		log.Error("Некорректный формат хеша Argon2id")
		return false
	}

	// Извлекаем параметры
	var memory uint32
	var iterations uint32
	var parallelism uint8
	_, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism)
	if err != nil {
		log.WithError(err).Error("Ошибка парсинга параметров Argon2id")
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		log.WithError(err).Error("Ошибка декодирования соли")
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		log.WithError(err).Error("Ошибка декодирования хеша")
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expectedHash)))

	// Сравниваем в постоянном времени (защита от timing attack)
	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1
}

// HashPassword кодирует пароль в формат, который понимает verifyArgon2id.
// Используется утилитой cmd/hashpass и тестами.
func HashPassword(password string, salt []byte) string {
	const (
		memory      = 64 * 1024
		iterations  = 3
		parallelism = 2
		keyLen      = 32
	)
	hash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memory, iterations, parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
}

// generateSecureToken генерирует криптографически безопасный токен сессии.
func generateSecureToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return base64.URLEncoding.EncodeToString(b)
}
