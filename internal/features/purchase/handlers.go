// Package purchase (handlers.go) обрабатывает команды покупки:
// /buy, /requests, /approve, /reject, /cancel.
package purchase

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/features/members"
	"serotonyl.ru/token-ledger/internal/features/payment"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

// Checkout: оплата пакета картой без одобрения.
type Checkout interface {
	CheckoutCreator
	Enabled() bool
}

// Handler обрабатывает команды покупки.
type Handler struct {
	service  *Service
	members  Members
	catalog  tokens.Catalog
	checkout Checkout
	bot      common.MessageSender
	loc      *time.Location
}

// NewHandler создаёт обработчик команд покупки.
func NewHandler(service *Service, members Members, catalog tokens.Catalog, checkout Checkout, bot common.MessageSender, loc *time.Location) *Handler {
	return &Handler{
		service:  service,
		members:  members,
		catalog:  catalog,
		checkout: checkout,
		bot:      bot,
		loc:      loc,
	}
}

// HandleBuy обрабатывает /buy <номер пакета>.
// Ребёнку с обязательным одобрением создаётся запрос родителю,
// остальным сразу отправляется ссылка на оплату.
func (h *Handler) HandleBuy(ctx context.Context, chatID, userID int64, args []string) {
	packageID, ok := h.parseID(chatID, args, "❌ Формат: /buy <номер пакета>. Список: /packages")
	if !ok {
		return
	}

	m, err := h.members.GetByUserID(ctx, userID)
	if err != nil {
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
		return
	}

	if m.Role == members.RoleDependent && m.RequiresPurchaseApproval {
		req, err := h.service.Create(ctx, userID, packageID)
		if err != nil {
			common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
			return
		}
		common.Reply(h.bot, chatID, fmt.Sprintf("📨 Запрос #%d отправлен родителю. Отменить: /cancel %d", req.ID, req.ID))
		return
	}

	if h.checkout == nil || !h.checkout.Enabled() {
		common.Reply(h.bot, chatID, "❌ Оплата картой сейчас недоступна")
		return
	}
	pkg, err := h.catalog.FindPackage(ctx, packageID)
	if err != nil || !pkg.IsActive {
		common.Reply(h.bot, chatID, "❌ "+common.ErrPackageNotFound.Message)
		return
	}
	intent, err := h.checkout.CreateCheckoutIntent(ctx, m.Account(), pkg, "")
	if err != nil {
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
		return
	}
	common.Reply(h.bot, chatID, fmt.Sprintf("💳 «%s» — %s за %s\nОплатить: %s",
		pkg.Name, common.FormatBalance(pkg.TokenAmount), common.FormatMoney(pkg.Price, pkg.Currency), intent.URL))
}

// HandleRequests обрабатывает /requests: родителю показывает запросы детей, остальным их собственные.
func (h *Handler) HandleRequests(ctx context.Context, chatID, userID int64) {
	m, err := h.members.GetByUserID(ctx, userID)
	if err != nil {
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
		return
	}

	var list []*Request
	if m.Role == members.RoleGuardian {
		list, err = h.service.ListPendingForGuardian(ctx, userID)
	} else {
		list, err = h.service.ListPending(ctx, userID)
	}
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Ошибка получения запросов")
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
		return
	}
	if len(list) == 0 {
		common.Reply(h.bot, chatID, "📭 Ожидающих запросов нет")
		return
	}

	var sb strings.Builder
	sb.WriteString("📋 Ожидающие запросы:\n\n")
	for _, r := range list {
		fmt.Fprintf(&sb, "#%d · пакет %d · %s", r.ID, r.PackageID, common.FormatDateTime(r.CreatedAt, h.loc))
		if m.Role == members.RoleGuardian {
			fmt.Fprintf(&sb, " · от %d", r.RequesterID)
		}
		sb.WriteString("\n")
	}
	if m.Role == members.RoleGuardian {
		sb.WriteString("\n/approve <id> или /reject <id> [причина]")
	} else {
		sb.WriteString("\n/cancel <id> — отменить")
	}
	common.Reply(h.bot, chatID, sb.String())
}

// HandleApprove обрабатывает /approve <id>.
func (h *Handler) HandleApprove(ctx context.Context, chatID, userID int64, args []string) {
	id, ok := h.parseID(chatID, args, "❌ Формат: /approve <id запроса>")
	if !ok {
		return
	}
	req, err := h.service.Approve(ctx, id, userID)
	if err != nil {
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
		return
	}
	text := fmt.Sprintf("✅ Запрос #%d одобрен", req.ID)
	if req.CheckoutURL != nil {
		text += ". Ссылка на оплату отправлена ребёнку"
	}
	common.Reply(h.bot, chatID, text)
}

// HandleReject обрабатывает /reject <id> [причина].
func (h *Handler) HandleReject(ctx context.Context, chatID, userID int64, args []string) {
	id, ok := h.parseID(chatID, args, "❌ Формат: /reject <id запроса> [причина]")
	if !ok {
		return
	}
	req, err := h.service.Reject(ctx, id, userID, strings.Join(args[1:], " "))
	if err != nil {
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
		return
	}
	common.Reply(h.bot, chatID, fmt.Sprintf("🚫 Запрос #%d отклонён", req.ID))
}

// HandleCancel обрабатывает /cancel <id>.
func (h *Handler) HandleCancel(ctx context.Context, chatID, userID int64, args []string) {
	id, ok := h.parseID(chatID, args, "❌ Формат: /cancel <id запроса>")
	if !ok {
		return
	}
	req, err := h.service.Cancel(ctx, id, userID)
	if err != nil {
		common.Reply(h.bot, chatID, "❌ "+common.UserMessage(err))
		return
	}
	common.Reply(h.bot, chatID, fmt.Sprintf("↩️ Запрос #%d отменён", req.ID))
}

func (h *Handler) parseID(chatID int64, args []string, usage string) (int64, bool) {
	if len(args) == 0 {
		common.Reply(h.bot, chatID, usage)
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		common.Reply(h.bot, chatID, usage)
		return 0, false
	}
	return id, true
}

var _ Checkout = (*payment.Service)(nil)
