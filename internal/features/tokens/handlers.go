// Package tokens (handlers.go) обрабатывает команды:
// /balance (баланс), /history (история операций), /packages (пакеты для покупки).
package tokens

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/token-ledger/internal/common"
)

// AccountResolver находит аккаунт пользователя (кто платит: он сам или его группа).
type AccountResolver interface {
	ResolveAccount(ctx context.Context, userID int64) (Account, error)
}

// Handler обрабатывает команды баланса.
type Handler struct {
	service  *Service
	accounts AccountResolver
	bot      common.MessageSender
	loc      *time.Location
}

// NewHandler создаёт обработчик команд баланса.
func NewHandler(service *Service, accounts AccountResolver, bot common.MessageSender, loc *time.Location) *Handler {
	return &Handler{
		service:  service,
		accounts: accounts,
		bot:      bot,
		loc:      loc,
	}
}

// HandleBalance обрабатывает /balance.
//
// Формат ответа:
//
//	💰 Баланс: 1 200 000 токенов
//	🎁 Бесплатные: 700 000 (обновятся 01.02.2026 12:00)
//	💳 Купленные: 500 000
func (h *Handler) HandleBalance(ctx context.Context, chatID, userID int64) {
	acc, err := h.accounts.ResolveAccount(ctx, userID)
	if err != nil {
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
		return
	}
	payer := acc.Payer()

	b, err := h.service.GetOrCreateBalance(ctx, payer)
	if err != nil {
		log.WithError(err).Error("Ошибка получения баланса")
		common.Reply(h.bot, chatID, "❌ Ошибка получения баланса")
		return
	}
	stats, err := h.service.GetHistoryStats(ctx, payer)
	if err != nil {
		log.WithError(err).Error("Ошибка получения статистики")
		stats = &HistoryStats{}
	}

	var sb strings.Builder
	if payer.Kind == OwnerGroup {
		sb.WriteString("👨‍👩‍👧 Общий баланс семьи\n")
	}
	fmt.Fprintf(&sb, "💰 Баланс: %s\n", common.FormatBalance(b.Balance))
	fmt.Fprintf(&sb, "🎁 Бесплатные: %s (обновятся %s)\n",
		common.FormatNumber(b.FreeBalance), common.FormatDateTime(b.FreeBalanceResetAt, h.loc))
	fmt.Fprintf(&sb, "💳 Купленные: %s\n\n", common.FormatNumber(b.PaidBalance))
	fmt.Fprintf(&sb, "📊 За месяц потрачено: %s\n", common.FormatBalance(stats.MonthlyUsage))
	if stats.MonthlyPurchaseTokens > 0 {
		fmt.Fprintf(&sb, "🛒 За месяц куплено: %s\n", common.FormatBalance(stats.MonthlyPurchaseTokens))
	}
	common.Reply(h.bot, chatID, sb.String())
}

// HandleHistory обрабатывает /history: последние операции.
func (h *Handler) HandleHistory(ctx context.Context, chatID, userID int64) {
	acc, err := h.accounts.ResolveAccount(ctx, userID)
	if err != nil {
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
		return
	}

	history, err := h.service.History(ctx, acc.Payer(), defaultHistoryLimit)
	if err != nil {
		log.WithError(err).Error("Ошибка получения истории")
		common.Reply(h.bot, chatID, "❌ Ошибка получения истории операций")
		return
	}
	common.Reply(h.bot, chatID, FormatHistory(history, h.loc))
}

// HandlePackages обрабатывает /packages: список пакетов для покупки.
func (h *Handler) HandlePackages(ctx context.Context, chatID int64) {
	packages, err := h.service.ListPackages(ctx)
	if err != nil {
		log.WithError(err).Error("Ошибка получения пакетов")
		common.Reply(h.bot, chatID, "❌ Ошибка получения списка пакетов")
		return
	}
	if len(packages) == 0 {
		common.Reply(h.bot, chatID, "Сейчас нет пакетов для покупки")
		return
	}

	var sb strings.Builder
	sb.WriteString("🛒 Пакеты токенов:\n\n")
	for _, p := range packages {
		fmt.Fprintf(&sb, "%d. %s — %s за %s\n",
			p.ID, p.Name, common.FormatBalance(p.TokenAmount), common.FormatMoney(p.Price, p.Currency))
	}
	sb.WriteString("\nКупить: /buy <номер пакета>")
	common.Reply(h.bot, chatID, sb.String())
}

// FormatHistory форматирует список операций для сообщения.
func FormatHistory(history []*Transaction, loc *time.Location) string {
	if len(history) == 0 {
		return "📜 Операций пока нет"
	}

	var sb strings.Builder
	sb.WriteString("📜 Последние операции:\n\n")
	for _, t := range history {
		fmt.Fprintf(&sb, "%s %s %s\n   %s · баланс %s\n",
			txIcon(t.Type),
			common.FormatDateTime(t.CreatedAt, loc),
			common.FormatTokensAmount(t.Amount),
			t.Reason,
			common.FormatNumber(t.BalanceAfter),
		)
	}
	return sb.String()
}

func txIcon(t TxType) string {
	switch t {
	case TxConsume, TxAIUsage:
		return "🔻"
	case TxPurchase:
		return "💳"
	case TxRefund:
		return "↩️"
	case TxFreeReset:
		return "🎁"
	case TxAdminAdjust:
		return "🛠"
	}
	return "•"
}
