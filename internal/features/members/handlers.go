// Package members (handlers.go) обрабатывает /start: регистрация и приветствие.
package members

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/token-ledger/internal/common"
)

// Handler обрабатывает события пользователей.
type Handler struct {
	service *Service
	bot     common.MessageSender
}

// NewHandler создаёт новый обработчик.
func NewHandler(service *Service, bot common.MessageSender) *Handler {
	return &Handler{service: service, bot: bot}
}

// HandleStart регистрирует пользователя и показывает список команд.
func (h *Handler) HandleStart(ctx context.Context, chatID int64, user *tgbotapi.User) {
	m, err := h.service.EnsureMember(ctx, user.ID, user.UserName, user.FirstName, user.LastName)
	if err != nil {
		log.WithError(err).WithField("user_id", user.ID).Error("Ошибка регистрации пользователя")
		common.Reply(h.bot, chatID, "❌ "+common.ErrIntegration.Message)
		return
	}

	var sb strings.Builder
	sb.WriteString("👋 Привет, " + m.FirstName + "!\n\n")
	sb.WriteString("/balance — баланс токенов\n")
	sb.WriteString("/history — последние операции\n")
	sb.WriteString("/packages — пакеты токенов\n")
	sb.WriteString("/buy <номер> — купить пакет\n")
	sb.WriteString("/requests — запросы на покупку\n")
	switch m.Role {
	case RoleGuardian:
		sb.WriteString("/approve <id>, /reject <id> [причина] — решить запрос ребёнка\n")
	case RoleDependent:
		sb.WriteString("/cancel <id> — отменить свой запрос\n")
	}
	if m.IsAdmin {
		sb.WriteString("\n🛠 /login, /adjust, /adjust_group, /family\n")
	}
	common.Reply(h.bot, chatID, sb.String())
}
