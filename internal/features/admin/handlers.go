// Package admin (handlers.go) обрабатывает админ-команды в личных сообщениях:
// /login, /logout, /adjust, /adjust_group, /family.
package admin

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/features/members"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

// Handler обрабатывает админ-команды.
type Handler struct {
	service *Service
	bot     common.MessageSender
}

// NewHandler создаёт обработчик админ-команд.
func NewHandler(service *Service, bot common.MessageSender) *Handler {
	return &Handler{service: service, bot: bot}
}

// HandleStateMessage обрабатывает сообщение, если админ в середине диалога (ждём пароль).
// Возвращает true, если сообщение поглощено.
func (h *Handler) HandleStateMessage(ctx context.Context, chatID, userID int64, text string) bool {
	state := h.service.GetState(userID)
	if state == nil || state.State != StateAwaitingPassword {
		return false
	}
	h.service.ClearState(userID)
	h.login(ctx, chatID, userID, strings.TrimSpace(text))
	return true
}

// HandleLogin обрабатывает /login [пароль]. Без пароля спрашивает его следующим сообщением.
func (h *Handler) HandleLogin(ctx context.Context, chatID, userID int64, args []string) {
	if len(args) == 0 {
		if _, err := h.service.requireAdmin(ctx, userID); err != nil {
			common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
			return
		}
		h.service.SetState(userID, StateAwaitingPassword)
		common.Reply(h.bot, chatID, "🔐 Введите пароль администратора:")
		return
	}
	h.login(ctx, chatID, userID, strings.Join(args, " "))
}

func (h *Handler) login(ctx context.Context, chatID, userID int64, password string) {
	if err := h.service.VerifyPassword(ctx, userID, password); err != nil {
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
		return
	}
	common.Reply(h.bot, chatID, "✅ Аутентификация успешна. Сессия действует 24 часа.")
}

// HandleLogout обрабатывает /logout.
func (h *Handler) HandleLogout(ctx context.Context, chatID, userID int64) {
	if err := h.service.Logout(ctx, userID); err != nil {
		log.WithError(err).Error("Ошибка завершения сессии")
	}
	common.Reply(h.bot, chatID, "👋 Сессия завершена")
}

// HandleAdjust обрабатывает /adjust <user_id|@username> <сумма> [комментарий].
func (h *Handler) HandleAdjust(ctx context.Context, chatID, adminID int64, args []string) {
	if !h.authorized(ctx, chatID, adminID) {
		return
	}
	if len(args) < 2 {
		common.Reply(h.bot, chatID, "❌ Формат: /adjust <user_id|@username> <сумма> [комментарий]")
		return
	}
	amount, ok := h.parseAmount(chatID, args[1])
	if !ok {
		return
	}

	target, err := h.service.FindTarget(ctx, args[0])
	if err != nil {
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
		return
	}

	res := h.service.AdjustUser(ctx, adminID, target, amount, strings.Join(args[2:], " "))
	h.replyAdjust(chatID, target.DisplayName(), res)
}

// HandleAdjustGroup обрабатывает /adjust_group <group_id> <сумма> [комментарий].
func (h *Handler) HandleAdjustGroup(ctx context.Context, chatID, adminID int64, args []string) {
	if !h.authorized(ctx, chatID, adminID) {
		return
	}
	if len(args) < 2 {
		common.Reply(h.bot, chatID, "❌ Формат: /adjust_group <group_id> <сумма> [комментарий]")
		return
	}
	groupID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || groupID <= 0 {
		common.Reply(h.bot, chatID, "❌ group_id должен быть положительным числом")
		return
	}
	amount, ok := h.parseAmount(chatID, args[1])
	if !ok {
		return
	}

	res := h.service.AdjustGroup(ctx, adminID, groupID, amount, strings.Join(args[2:], " "))
	h.replyAdjust(chatID, fmt.Sprintf("группа %d", groupID), res)
}

// HandleFamily обрабатывает /family <user_id|@username> <guardian|dependent|none> [group_id] [pool] [approval].
//
// Примеры:
//
//	/family @mom guardian 7
//	/family @kid dependent 7 pool approval
//	/family @kid none
func (h *Handler) HandleFamily(ctx context.Context, chatID, adminID int64, args []string) {
	if !h.authorized(ctx, chatID, adminID) {
		return
	}
	if len(args) < 2 {
		common.Reply(h.bot, chatID, "❌ Формат: /family <user_id|@username> <guardian|dependent|none> [group_id] [pool] [approval]")
		return
	}

	target, err := h.service.FindTarget(ctx, args[0])
	if err != nil {
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
		return
	}

	f, err := parseFamily(args[1:])
	if err != nil {
		common.Reply(h.bot, chatID, "❌ "+err.Error())
		return
	}
	if err := h.service.SetFamily(ctx, adminID, target, f); err != nil {
		common.Reply(h.bot, chatID, "❌ "+err.Error())
		return
	}
	common.Reply(h.bot, chatID, fmt.Sprintf("✅ %s: роль %s, баланс %s, одобрение покупок: %v",
		target.DisplayName(), roleTitle(f.Role), f.TokenMode, f.RequiresPurchaseApproval))
}

func parseFamily(args []string) (members.Family, error) {
	f := members.Family{TokenMode: members.TokenModeIndividual}
	switch strings.ToLower(args[0]) {
	case "guardian":
		f.Role = members.RoleGuardian
	case "dependent":
		f.Role = members.RoleDependent
	case "none", "-":
		return f, nil
	default:
		return f, fmt.Errorf("неизвестная роль %q", args[0])
	}

	if len(args) < 2 {
		return f, fmt.Errorf("укажите group_id")
	}
	groupID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || groupID <= 0 {
		return f, fmt.Errorf("group_id должен быть положительным числом")
	}
	f.GroupID = &groupID

	for _, flag := range args[2:] {
		switch strings.ToLower(flag) {
		case "pool":
			f.TokenMode = members.TokenModeGroup
		case "approval":
			f.RequiresPurchaseApproval = true
		default:
			return f, fmt.Errorf("неизвестный флаг %q", flag)
		}
	}
	return f, nil
}

func roleTitle(r members.Role) string {
	switch r {
	case members.RoleGuardian:
		return "родитель"
	case members.RoleDependent:
		return "ребёнок"
	}
	return "нет"
}

func (h *Handler) authorized(ctx context.Context, chatID, userID int64) bool {
	if err := h.service.RequireSession(ctx, userID); err != nil {
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err)+"\nВойдите: /login")
		return false
	}
	return true
}

func (h *Handler) parseAmount(chatID int64, raw string) (int64, bool) {
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || amount == 0 {
		common.Reply(h.bot, chatID, "❌ Сумма должна быть ненулевым целым числом (можно отрицательным)")
		return 0, false
	}
	return amount, true
}

func (h *Handler) replyAdjust(chatID int64, who string, res tokens.Result) {
	switch res.Outcome {
	case tokens.OutcomeOK:
		common.Reply(h.bot, chatID, fmt.Sprintf("✅ %s: %s\nБаланс: %s (бесплатные %s, купленные %s)",
			who,
			common.FormatTokensAmount(res.Transaction.Amount),
			common.FormatBalance(res.Balance.Balance),
			common.FormatNumber(res.Balance.FreeBalance),
			common.FormatNumber(res.Balance.PaidBalance),
		))
	case tokens.OutcomeNotFound:
		common.Reply(h.bot, chatID, "❌ У "+who+" ещё нет баланса")
	default:
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(res.AsError()))
	}
}
