package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ADMIN_IDS", "111, 222")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("ADMIN_PASSWORD_HASH", "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA")
	t.Setenv("DB_DRIVER", DriverMemory)
	t.Setenv("PURCHASE_APPROVAL_MODE", ApprovalModeDirect)
}

func TestLoad(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TOKEN_FREE_MONTHLY", "5000")
	t.Setenv("NOTIFY_DELIVERY_INTERVAL", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int64{111, 222}, cfg.AdminIDs)
	assert.True(t, cfg.IsAdminID(222))
	assert.False(t, cfg.IsAdminID(333))
	assert.Equal(t, int64(5000), cfg.TokenFreeMonthly)
	assert.Equal(t, int64(200000), cfg.TokenLowThreshold)
	assert.Equal(t, 2*time.Minute, cfg.NotifyDeliveryInterval)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		setBaseEnv(t)
		require.NoError(t, os.Unsetenv("TELEGRAM_BOT_TOKEN"))
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("bad admin ids", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("ADMIN_IDS", "111,boss")
		_, err := Load()
		assert.ErrorContains(t, err, "ADMIN_IDS")
	})

	t.Run("checkout without stripe", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("PURCHASE_APPROVAL_MODE", ApprovalModeCheckout)
		_, err := Load()
		assert.ErrorContains(t, err, "STRIPE_SECRET_KEY")
	})
}

func validConfig() *Config {
	return &Config{
		BotMaxInflight:          64,
		BotUpdateTimeoutSeconds: 60,
		DBDriver:                DriverPostgres,
		DBPassword:              "secret",
		DBMaxConns:              25,
		DBMinConns:              5,
		TokenFreeMonthly:        1000,
		TokenLowThreshold:       200,
		PurchaseApprovalMode:    ApprovalModeCheckout,
		StripeSecretKey:         "sk_test_1",
		StripeWebhookSecret:     "whsec_1",
		NotifyDeliveryInterval:  30 * time.Second,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no inflight", func(c *Config) { c.BotMaxInflight = 0 }},
		{"no poll timeout", func(c *Config) { c.BotUpdateTimeoutSeconds = 0 }},
		{"unknown driver", func(c *Config) { c.DBDriver = "sqlite" }},
		{"no db password", func(c *Config) { c.DBPassword = "" }},
		{"min above max", func(c *Config) { c.DBMinConns = 30 }},
		{"negative free", func(c *Config) { c.TokenFreeMonthly = -1 }},
		{"zero threshold", func(c *Config) { c.TokenLowThreshold = 0 }},
		{"unknown mode", func(c *Config) { c.PurchaseApprovalMode = "gift" }},
		{"checkout without key", func(c *Config) { c.StripeSecretKey = "" }},
		{"key without webhook secret", func(c *Config) { c.StripeWebhookSecret = "" }},
		{"too frequent delivery", func(c *Config) { c.NotifyDeliveryInterval = 100 * time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidate_MemoryDirect(t *testing.T) {
	c := validConfig()
	c.DBDriver = DriverMemory
	c.DBPassword = ""
	c.PurchaseApprovalMode = ApprovalModeDirect
	c.StripeSecretKey = ""
	c.StripeWebhookSecret = ""
	assert.NoError(t, c.Validate())
}

func TestDatabaseDSN(t *testing.T) {
	c := &Config{DBUser: "ledger", DBPassword: "pw", DBHost: "db", DBPort: 5432, DBName: "tokens", DBSSLMode: "disable"}
	assert.Equal(t, "postgres://ledger:pw@db:5432/tokens?sslmode=disable", c.DatabaseDSN())
}
