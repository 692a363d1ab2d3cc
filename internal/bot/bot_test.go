package bot_test

import (
	"context"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/token-ledger/internal/bot"
	"serotonyl.ru/token-ledger/internal/config"
	"serotonyl.ru/token-ledger/internal/db/memory"
	"serotonyl.ru/token-ledger/internal/features/admin"
	"serotonyl.ru/token-ledger/internal/features/members"
	"serotonyl.ru/token-ledger/internal/features/notifications"
	"serotonyl.ru/token-ledger/internal/features/payment"
	"serotonyl.ru/token-ledger/internal/features/purchase"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

const (
	adminID       = int64(1)
	guardianID    = int64(10)
	childID       = int64(20)
	adminPassword = "s3cret pass"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (s *recordingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		s.sent = append(s.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSender) last(t *testing.T) tgbotapi.MessageConfig {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent, "бот ничего не ответил")
	return s.sent[len(s.sent)-1]
}

type harness struct {
	store  *memory.Store
	sender *recordingSender
	bot    *bot.Bot
	pkg    *tokens.Package
}

func newHarness(t *testing.T, rateLimit int) *harness {
	t.Helper()
	store := memory.New()
	sender := &recordingSender{}
	cfg := &config.Config{
		BotMaxInflight:    4,
		RateLimitRequests: rateLimit,
		RateLimitWindow:   time.Minute,
	}

	notifier := notifications.NewService(store, nil)
	ledger := tokens.NewService(store, store, notifier, tokens.Settings{FreeMonthly: 1000, LowThreshold: 200})
	memberService := members.NewService(store, func(id int64) bool { return id == adminID })
	paymentService := payment.NewService(nil, ledger, memberService, "", "")
	purchaseService := purchase.NewService(store, store, memberService, store, notifier, purchase.NewDirectGranter(ledger))
	adminService := admin.NewService(store, memberService, ledger, admin.HashPassword(adminPassword, []byte("saltsaltsaltsalt")))

	handlers := bot.Handlers{
		Members:  members.NewHandler(memberService, sender),
		Tokens:   tokens.NewHandler(ledger, memberService, sender, time.UTC),
		Purchase: purchase.NewHandler(purchaseService, memberService, store, paymentService, sender, time.UTC),
		Admin:    admin.NewHandler(adminService, sender),
	}
	return &harness{
		store:  store,
		sender: sender,
		bot:    bot.New(nil, sender, cfg, memberService, adminService, handlers),
		pkg:    store.AddPackage(tokens.Package{Name: "Старт", TokenAmount: 5000, Price: 19900, Currency: "rub", IsActive: true}),
	}
}

func privateUpdate(userID int64, username, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: int(userID),
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: userID, UserName: username, FirstName: username},
			Chat: &tgbotapi.Chat{ID: userID, Type: "private"},
			Text: text,
		},
	}
}

// say отправляет сообщение и возвращает ответ бота.
func (h *harness) say(t *testing.T, userID int64, text string) string {
	t.Helper()
	before := h.sender.count()
	h.bot.HandleUpdate(context.Background(), privateUpdate(userID, "user", text))
	require.Greater(t, h.sender.count(), before, "нет ответа на %q", text)
	reply := h.sender.last(t)
	assert.Equal(t, userID, reply.ChatID)
	return reply.Text
}

func (h *harness) paid(t *testing.T, owner tokens.Owner) int64 {
	t.Helper()
	b, err := h.store.FindBalance(context.Background(), owner)
	require.NoError(t, err)
	return b.PaidBalance
}

func TestHandleUpdate_StartAndBalance(t *testing.T) {
	h := newHarness(t, 0)

	assert.Contains(t, h.say(t, childID, "/start"), "/balance")
	m, err := h.store.GetByUserID(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, "user", m.Username)

	reply := h.say(t, childID, "/баланс")
	assert.Contains(t, reply, "💰 Баланс: 1 000 токенов")
	assert.Contains(t, reply, "💳 Купленные: 0")

	assert.Contains(t, h.say(t, childID, "/history"), "Операций пока нет")
	assert.Contains(t, h.say(t, childID, "!packages"), "1. Старт")
	assert.Contains(t, h.say(t, childID, "/dance"), "Неизвестная команда")
}

func TestHandleUpdate_IgnoresNonPrivateAndPlainText(t *testing.T) {
	h := newHarness(t, 0)

	group := privateUpdate(childID, "user", "/balance")
	group.Message.Chat = &tgbotapi.Chat{ID: -100500, Type: "supergroup"}
	h.bot.HandleUpdate(context.Background(), group)

	fromBot := privateUpdate(childID, "user", "/balance")
	fromBot.Message.From.IsBot = true
	h.bot.HandleUpdate(context.Background(), fromBot)

	h.bot.HandleUpdate(context.Background(), privateUpdate(childID, "user", "просто текст"))
	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{UpdateID: 1})

	assert.Zero(t, h.sender.count())
}

func TestHandleUpdate_RateLimit(t *testing.T) {
	h := newHarness(t, 2)

	h.say(t, childID, "/balance")
	h.say(t, childID, "/balance")
	h.bot.HandleUpdate(context.Background(), privateUpdate(childID, "user", "/balance"))
	assert.Equal(t, 2, h.sender.count())

	// Лимит: на пользователя
	h.say(t, guardianID, "/balance")
}

func TestHandleUpdate_AdminAdjust(t *testing.T) {
	h := newHarness(t, 0)
	h.say(t, childID, "/balance")

	assert.Contains(t, h.say(t, adminID, "/adjust 20 500"), "Войдите: /login")
	assert.Contains(t, h.say(t, childID, "/login"), "нет прав администратора")

	assert.Contains(t, h.say(t, adminID, "/login"), "Введите пароль")
	assert.Contains(t, h.say(t, adminID, adminPassword), "Аутентификация успешна")

	assert.Contains(t, h.say(t, adminID, "/adjust @user 0"), "ненулевым")
	assert.Contains(t, h.say(t, adminID, "/adjust 20 500 бонус за тесты"), "✅")
	assert.Equal(t, int64(500), h.paid(t, tokens.UserOwner(childID)))

	assert.Contains(t, h.say(t, adminID, "/adjust_group 5 100"), "ещё нет баланса")

	h.say(t, adminID, "/logout")
	assert.Contains(t, h.say(t, adminID, "/adjust 20 1"), "Войдите: /login")
}

func TestHandleUpdate_FamilyPurchaseFlow(t *testing.T) {
	h := newHarness(t, 0)
	h.say(t, guardianID, "/start")
	h.say(t, childID, "/start")
	h.say(t, adminID, "/login "+adminPassword)

	assert.Contains(t, h.say(t, adminID, "/family 10 guardian 5"), "роль родитель")
	assert.Contains(t, h.say(t, adminID, "/family 20 dependent 5 approval"), "одобрение покупок: true")
	assert.Contains(t, h.say(t, adminID, "/family 20 boss 5"), "неизвестная роль")

	assert.Contains(t, h.say(t, childID, "/buy 1"), "Запрос #1 отправлен родителю")
	assert.Contains(t, h.say(t, guardianID, "/requests"), "#1 · пакет 1")
	assert.Contains(t, h.say(t, childID, "/approve 1"), "нет прав")
	assert.Contains(t, h.say(t, guardianID, "/approve #1"), "✅ Запрос #1 одобрен")
	assert.Equal(t, int64(5000), h.paid(t, tokens.UserOwner(childID)))

	assert.Contains(t, h.say(t, guardianID, "/reject 1"), "уже не ожидает решения")
	assert.Contains(t, h.say(t, guardianID, "/requests"), "Ожидающих запросов нет")
}

func TestHandleUpdate_BuyWithoutCheckout(t *testing.T) {
	h := newHarness(t, 0)

	assert.Contains(t, h.say(t, childID, "/buy"), "Формат: /buy")
	assert.Contains(t, h.say(t, childID, "/купить 1"), "Оплата картой сейчас недоступна")
}

func TestHandleUpdate_RecoversFromPanic(t *testing.T) {
	store := memory.New()
	sender := &recordingSender{}
	memberService := members.NewService(store, nil)
	adminService := admin.NewService(store, memberService, nil, "")
	b := bot.New(nil, sender, &config.Config{}, memberService, adminService, bot.Handlers{
		Admin: admin.NewHandler(adminService, sender),
	})

	assert.NotPanics(t, func() {
		b.HandleUpdate(context.Background(), privateUpdate(childID, "user", "/balance"))
	})
}

func TestSendMessageToUser(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.bot.SendMessageToUser(childID, "🔔 Токенов осталось мало"))

	msg := h.sender.last(t)
	assert.Equal(t, childID, msg.ChatID)
	assert.Equal(t, "🔔 Токенов осталось мало", msg.Text)
}

func TestCommandParser(t *testing.T) {
	p := bot.NewCommandParser()

	tests := []struct {
		text    string
		cmd     string
		args    []string
		isValid bool
	}{
		{"/balance", "balance", nil, true},
		{"  !BUY 3  ", "buy", []string{"3"}, true},
		{".reject 7 слишком дорого", "reject", []string{"7", "слишком", "дорого"}, true},
		{"/balance@ledger_bot", "balance", nil, true},
		{"/", "", nil, false},
		{"balance", "", nil, false},
		{"", "", nil, false},
	}
	for _, tt := range tests {
		cmd, args, ok := p.ParseCommand(tt.text)
		assert.Equal(t, tt.isValid, ok, tt.text)
		assert.Equal(t, tt.cmd, cmd, tt.text)
		assert.Equal(t, tt.args, args, tt.text)
	}
}
