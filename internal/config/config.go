// Package config загружает конфигурацию сервиса из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Режимы выдачи токенов после одобрения запроса родителем.
const (
	ApprovalModeCheckout = "checkout" // Ребёнку отправляется ссылка на оплату
	ApprovalModeDirect   = "direct"   // Токены начисляются сразу, без оплаты
)

// Хранилища данных.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- Telegram ---
	AdminIDsRaw      string  `envconfig:"ADMIN_IDS" required:"true"`
	AdminIDs         []int64 `envconfig:"-"` // заполним вручную
	TelegramBotToken string  `envconfig:"TELEGRAM_BOT_TOKEN" required:"true"`

	// --- Database ---
	// memory: только для локальной разработки, данные живут до перезапуска.
	DBDriver   string `envconfig:"DB_DRIVER" default:"postgres"`
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"ledger"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"token_ledger"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`
	AppTimezone string `envconfig:"APP_TIMEZONE" default:"Europe/Moscow"`

	// --- Bot runtime ---
	// Сколько апдейтов обрабатываем параллельно.
	BotMaxInflight int `envconfig:"BOT_MAX_INFLIGHT" default:"64"`
	// Таймаут long polling (секунды)
	BotUpdateTimeoutSeconds int `envconfig:"BOT_UPDATE_TIMEOUT_SECONDS" default:"60"`

	// --- Admin ---
	AdminPasswordHash string `envconfig:"ADMIN_PASSWORD_HASH" required:"true"`

	// --- Tokens ---
	// Бесплатный месячный лимит, им же засевается новый баланс.
	TokenFreeMonthly int64 `envconfig:"TOKEN_FREE_MONTHLY" default:"1000000"`
	// Порог уведомления «токенов мало».
	TokenLowThreshold int64 `envconfig:"TOKEN_LOW_THRESHOLD" default:"200000"`

	// --- Purchases ---
	PurchaseApprovalMode string `envconfig:"PURCHASE_APPROVAL_MODE" default:"checkout"`
	StripeSecretKey      string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret  string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	CheckoutSuccessURL   string `envconfig:"CHECKOUT_SUCCESS_URL" default:"https://t.me/"`
	CheckoutCancelURL    string `envconfig:"CHECKOUT_CANCEL_URL" default:"https://t.me/"`

	// --- HTTP (webhooks + metrics) ---
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	// --- Notifications ---
	NotifyDeliveryInterval time.Duration `envconfig:"NOTIFY_DELIVERY_INTERVAL" default:"30s"`

	// --- Rate Limiting ---
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"10"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// IsAdminID проверяет, входит ли пользователь в список ADMIN_IDS.
func (c *Config) IsAdminID(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Config) Validate() error {
	if c.BotMaxInflight <= 0 {
		return fmt.Errorf("BOT_MAX_INFLIGHT должен быть > 0")
	}
	if c.BotUpdateTimeoutSeconds <= 0 {
		return fmt.Errorf("BOT_UPDATE_TIMEOUT_SECONDS должен быть > 0")
	}
	switch c.DBDriver {
	case DriverPostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD не задан")
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("неизвестный DB_DRIVER %q", c.DBDriver)
	}
	if c.TokenFreeMonthly < 0 {
		return fmt.Errorf("TOKEN_FREE_MONTHLY не может быть отрицательным")
	}
	if c.TokenLowThreshold <= 0 {
		return fmt.Errorf("TOKEN_LOW_THRESHOLD должен быть > 0")
	}
	switch c.PurchaseApprovalMode {
	case ApprovalModeCheckout:
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY обязателен в режиме %s", ApprovalModeCheckout)
		}
	case ApprovalModeDirect:
	default:
		return fmt.Errorf("неизвестный PURCHASE_APPROVAL_MODE %q", c.PurchaseApprovalMode)
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET обязателен, если задан STRIPE_SECRET_KEY")
	}
	if c.NotifyDeliveryInterval < time.Second {
		return fmt.Errorf("NOTIFY_DELIVERY_INTERVAL должен быть не меньше 1s")
	}
	return nil
}

// Load читает переменные окружения и заполняет структуру Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}

	ids, err := parseInt64CSV(cfg.AdminIDsRaw)
	if err != nil {
		return nil, fmt.Errorf("ADMIN_IDS parse: %w", err)
	}
	cfg.AdminIDs = ids

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseInt64CSV(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad int64 %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
