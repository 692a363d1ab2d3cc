// Package bot содержит главный модуль бота: запуск polling, маршрутизацию команд и остановку.
package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/token-ledger/internal/bot/filters"
	"serotonyl.ru/token-ledger/internal/bot/middleware"
	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/config"
	"serotonyl.ru/token-ledger/internal/features/admin"
	"serotonyl.ru/token-ledger/internal/features/members"
	"serotonyl.ru/token-ledger/internal/features/purchase"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

// Handlers: обработчики команд по фичам.
type Handlers struct {
	Members  *members.Handler
	Tokens   *tokens.Handler
	Purchase *purchase.Handler
	Admin    *admin.Handler
}

// Bot: главная структура бота, объединяющая все компоненты.
type Bot struct {
	api    *tgbotapi.BotAPI
	sender common.MessageSender
	cfg    *config.Config

	chatFilter  *filters.ChatFilter
	rateLimiter *middleware.RateLimiter

	memberService *members.Service
	adminService  *admin.Service
	handlers      Handlers

	parser *CommandParser

	// ограничитель параллелизма обработки апдейтов
	inflight chan struct{}
}

// New создаёт новый экземпляр бота. api может быть nil (тесты): тогда Start недоступен,
// а сообщения уходят через sender.
func New(
	api *tgbotapi.BotAPI,
	sender common.MessageSender,
	cfg *config.Config,
	memberService *members.Service,
	adminService *admin.Service,
	handlers Handlers,
) *Bot {
	maxInFlight := cfg.BotMaxInflight
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	if sender == nil {
		sender = api
	}

	return &Bot{
		api:           api,
		sender:        sender,
		cfg:           cfg,
		chatFilter:    filters.NewChatFilter(),
		rateLimiter:   middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		memberService: memberService,
		adminService:  adminService,
		handlers:      handlers,
		parser:        NewCommandParser(),
		inflight:      make(chan struct{}, maxInFlight),
	}
}

// Start запускает polling обновлений от Telegram и блокируется до отмены ctx.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.BotUpdateTimeoutSeconds

	updates := b.api.GetUpdatesChan(u)

	log.WithFields(log.Fields{
		"max_inflight": b.cfg.BotMaxInflight,
		"timeout_sec":  b.cfg.BotUpdateTimeoutSeconds,
	}).Info("Бот запущен и ожидает сообщения...")

	for {
		select {
		case <-ctx.Done():
			log.Info("Бот останавливается (ctx done)...")
			b.api.StopReceivingUpdates()
			b.rateLimiter.Close()
			// Дожидаемся обработчиков, которые ещё работают
			for i := 0; i < cap(b.inflight); i++ {
				b.inflight <- struct{}{}
			}
			return

		case update, ok := <-updates:
			if !ok {
				log.Info("Канал updates закрыт, бот остановлен")
				return
			}

			// лимит параллелизма
			b.inflight <- struct{}{}
			go func(upd tgbotapi.Update) {
				defer func() { <-b.inflight }()
				b.HandleUpdate(ctx, upd)
			}(update)
		}
	}
}

// HandleUpdate обрабатывает одно обновление от Telegram.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer middleware.RecoverFromPanic(log.Fields{"update_id": update.UpdateID})

	message := update.Message
	if message == nil || message.Text == "" {
		return
	}
	if !b.chatFilter.CheckAccess(message) {
		return
	}

	chatID := message.Chat.ID
	userID := message.From.ID

	// Если ждём пароль от админа, текст не логируем
	awaitingPassword := false
	if st := b.adminService.GetState(userID); st != nil && st.State == admin.StateAwaitingPassword {
		awaitingPassword = true
	}
	middleware.LogMessage(message, awaitingPassword)

	if !b.rateLimiter.Allow(userID) {
		log.WithField("user_id", userID).Debug("rate limited")
		updatesTotal.WithLabelValues("rate_limited").Inc()
		return
	}

	// EnsureMember: ошибки нельзя игнорировать, иначе потом будет "оно не работает"
	if _, err := b.memberService.EnsureMember(ctx, userID,
		message.From.UserName, message.From.FirstName, message.From.LastName,
	); err != nil {
		log.WithError(err).WithField("user_id", userID).Error("EnsureMember failed")
		common.Reply(b.sender, chatID, "❌ "+common.ErrIntegration.Message)
		return
	}

	// Диалог админа (ввод пароля) перехватывает сообщение целиком
	if b.handlers.Admin.HandleStateMessage(ctx, chatID, userID, message.Text) {
		updatesTotal.WithLabelValues("login").Inc()
		return
	}

	cmd, args, isCommand := b.parser.ParseCommand(message.Text)
	if !isCommand {
		updatesTotal.WithLabelValues("text").Inc()
		return
	}
	b.routeCommand(ctx, chatID, message.From, cmd, args)
}

// routeCommand маршрутизирует команду к нужному обработчику.
func (b *Bot) routeCommand(ctx context.Context, chatID int64, from *tgbotapi.User, cmd string, args []string) {
	userID := from.ID
	log.WithFields(log.Fields{
		"cmd":  cmd,
		"args": len(args),
	}).Debug("routing command")

	label := cmd
	switch cmd {
	case "start", "help", "помощь":
		label = "start"
		b.handlers.Members.HandleStart(ctx, chatID, from)

	case "balance", "баланс":
		label = "balance"
		b.handlers.Tokens.HandleBalance(ctx, chatID, userID)

	case "history", "история":
		label = "history"
		b.handlers.Tokens.HandleHistory(ctx, chatID, userID)

	case "packages", "пакеты":
		label = "packages"
		b.handlers.Tokens.HandlePackages(ctx, chatID)

	case "buy", "купить":
		label = "buy"
		b.handlers.Purchase.HandleBuy(ctx, chatID, userID, args)

	case "requests", "запросы":
		label = "requests"
		b.handlers.Purchase.HandleRequests(ctx, chatID, userID)

	case "approve", "одобрить":
		label = "approve"
		b.handlers.Purchase.HandleApprove(ctx, chatID, userID, args)

	case "reject", "отклонить":
		label = "reject"
		b.handlers.Purchase.HandleReject(ctx, chatID, userID, args)

	case "cancel", "отменить":
		label = "cancel"
		b.handlers.Purchase.HandleCancel(ctx, chatID, userID, args)

	case "login":
		b.handlers.Admin.HandleLogin(ctx, chatID, userID, args)

	case "logout":
		b.handlers.Admin.HandleLogout(ctx, chatID, userID)

	case "adjust":
		b.handlers.Admin.HandleAdjust(ctx, chatID, userID, args)

	case "adjust_group":
		b.handlers.Admin.HandleAdjustGroup(ctx, chatID, userID, args)

	case "family":
		b.handlers.Admin.HandleFamily(ctx, chatID, userID, args)

	default:
		label = "unknown"
		common.Reply(b.sender, chatID, "🤷 Неизвестная команда. Список команд: /help")
	}
	updatesTotal.WithLabelValues(label).Inc()
}

// SendMessageToUser отправляет сообщение пользователю в личку (доставка уведомлений).
func (b *Bot) SendMessageToUser(userID int64, text string) error {
	msg := tgbotapi.NewMessage(userID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.sender.Send(msg); err != nil {
		log.WithError(err).WithField("user_id", userID).Debug("Не удалось отправить сообщение")
		return err
	}
	log.WithField("user_id", userID).Debug("message sent")
	return nil
}

// CommandParser парсит команды с префиксами !, . и /
type CommandParser struct {
	validPrefixes []string
}

// NewCommandParser создаёт парсер команд.
func NewCommandParser() *CommandParser {
	return &CommandParser{
		validPrefixes: []string{"!", ".", "/"},
	}
}

// ParseCommand разбирает текст на команду и аргументы.
// Суффикс с именем бота (/balance@my_bot) отбрасывается.
func (p *CommandParser) ParseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)

	hasPrefix := false
	for _, prefix := range p.validPrefixes {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimPrefix(text, prefix)
			hasPrefix = true
			break
		}
	}

	if !hasPrefix {
		return "", nil, false
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil, false
	}

	command := strings.ToLower(parts[0])
	if i := strings.Index(command, "@"); i > 0 {
		command = command[:i]
	}
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return command, args, true
}
