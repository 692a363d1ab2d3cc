// Package app инициализирует все компоненты приложения.
// app.go служит точкой сборки: выбирает хранилище, создаёт репозитории, сервисы, обработчики,
// HTTP-сервер для webhook и собирает всё в один объект Bot.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/token-ledger/internal/bot"
	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/config"
	"serotonyl.ru/token-ledger/internal/db"
	"serotonyl.ru/token-ledger/internal/db/memory"
	"serotonyl.ru/token-ledger/internal/db/postgres"
	"serotonyl.ru/token-ledger/internal/features/admin"
	"serotonyl.ru/token-ledger/internal/features/members"
	"serotonyl.ru/token-ledger/internal/features/notifications"
	"serotonyl.ru/token-ledger/internal/features/payment"
	"serotonyl.ru/token-ledger/internal/features/purchase"
	"serotonyl.ru/token-ledger/internal/features/tokens"
	"serotonyl.ru/token-ledger/internal/jobs"
)

// App содержит все компоненты приложения.
type App struct {
	Bot       *bot.Bot
	Scheduler *jobs.Scheduler
	HTTP      *http.Server
	BotAPI    *tgbotapi.BotAPI

	closeStorage func()
}

// storage: репозитории выбранного драйвера.
type storage struct {
	tx            db.Transactor
	tokens        tokens.Repository
	members       members.Repository
	purchases     purchase.Repository
	notifications notifications.Repository
	events        payment.EventRepository
	admin         admin.Repository
	close         func()
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен, компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// === 1. Хранилище ===
	st, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// === 2. Telegram Bot API ===
	botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		st.close()
		return nil, fmt.Errorf("ошибка создания Telegram API: %w", err)
	}
	botAPI.Debug = cfg.AppEnv == "development" && cfg.AppLogLevel == "trace"
	log.Infof("Авторизован как @%s", botAPI.Self.UserName)

	loc := common.LoadLocation(cfg.AppTimezone)

	// === 3. Сервисы ===
	notificationService := notifications.NewService(st.notifications, nil)
	memberService := members.NewService(st.members, cfg.IsAdminID)
	ledger := tokens.NewService(st.tokens, st.tx, notificationService, tokens.Settings{
		FreeMonthly:  cfg.TokenFreeMonthly,
		LowThreshold: cfg.TokenLowThreshold,
		Location:     loc,
	})

	var (
		processor    payment.Processor
		stripeClient *payment.StripeClient
	)
	if cfg.StripeSecretKey != "" {
		stripeClient = payment.NewStripeClient(payment.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		})
		processor = stripeClient
	}
	paymentService := payment.NewService(processor, ledger, memberService, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)

	var granter purchase.Granter
	switch cfg.PurchaseApprovalMode {
	case config.ApprovalModeDirect:
		granter = purchase.NewDirectGranter(ledger)
	default:
		granter = purchase.NewCheckoutGranter(paymentService)
	}
	purchaseService := purchase.NewService(st.purchases, st.tx, memberService, st.tokens, notificationService, granter)
	adminService := admin.NewService(st.admin, memberService, ledger, cfg.AdminPasswordHash)

	// === 4. Обработчики ===
	handlers := bot.Handlers{
		Members:  members.NewHandler(memberService, botAPI),
		Tokens:   tokens.NewHandler(ledger, memberService, botAPI, loc),
		Purchase: purchase.NewHandler(purchaseService, memberService, st.tokens, paymentService, botAPI, loc),
		Admin:    admin.NewHandler(adminService, botAPI),
	}

	// === 5. Собираем бота ===
	b := bot.New(botAPI, nil, cfg, memberService, adminService, handlers)
	notificationService.SetSender(b)

	// === 6. Планировщик задач ===
	scheduler := jobs.NewScheduler(ledger, notificationService, loc, cfg.NotifyDeliveryInterval)

	// === 7. HTTP: webhook Stripe + метрики ===
	var webhookHandler *payment.WebhookHandler
	if stripeClient != nil {
		webhookHandler = payment.NewWebhookHandler(stripeClient, st.events, paymentService)
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(cfg, webhookHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(log.Fields{
		"db_driver":     cfg.DBDriver,
		"approval_mode": cfg.PurchaseApprovalMode,
		"stripe":        stripeClient != nil,
		"http_addr":     cfg.HTTPAddr,
	}).Info("Приложение собрано")

	return &App{
		Bot:          b,
		Scheduler:    scheduler,
		HTTP:         server,
		BotAPI:       botAPI,
		closeStorage: st.close,
	}, nil
}

// Close освобождает хранилище.
func (a *App) Close() {
	if a.closeStorage != nil {
		a.closeStorage()
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if cfg.DBDriver == config.DriverMemory {
		log.Warn("DB_DRIVER=memory: данные живут до перезапуска")
		m := memory.New()
		seedDevCatalog(m)
		return &storage{
			tx:            m,
			tokens:        m,
			members:       m,
			purchases:     m,
			notifications: m,
			events:        m,
			admin:         m,
			close:         func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}
	if err := postgres.RunMigrations(ctx, pool, migrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка миграций: %w", err)
	}
	return &storage{
		tx:            postgres.NewTxManager(pool),
		tokens:        tokens.NewRepository(pool),
		members:       members.NewRepository(pool),
		purchases:     purchase.NewRepository(pool),
		notifications: notifications.NewRepository(pool),
		events:        payment.NewEventRepository(pool),
		admin:         admin.NewRepository(pool),
		close:         pool.Close,
	}, nil
}

// seedDevCatalog: пакеты для локального запуска без БД.
func seedDevCatalog(m *memory.Store) {
	m.AddPackage(tokens.Package{Name: "Старт", TokenAmount: 500_000, Price: 19900, Currency: "rub", IsActive: true})
	m.AddPackage(tokens.Package{Name: "Стандарт", TokenAmount: 2_000_000, Price: 59900, Currency: "rub", IsActive: true})
	m.AddPackage(tokens.Package{Name: "Семейный", TokenAmount: 5_000_000, Price: 129900, Currency: "rub", IsActive: true})
}

// newRouter собирает gin-роутер с логированием запросов через logrus.
func newRouter(cfg *config.Config, webhook *payment.WebhookHandler) *gin.Engine {
	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	payment.RegisterRoutes(r, webhook)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP запрос")
	}
}
