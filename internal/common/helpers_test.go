package common

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPluralizeTokens(t *testing.T) {
	tests := map[int64]string{
		0:   "токенов",
		1:   "токен",
		2:   "токена",
		4:   "токена",
		5:   "токенов",
		11:  "токенов",
		12:  "токенов",
		14:  "токенов",
		21:  "токен",
		22:  "токена",
		101: "токен",
		111: "токенов",
		-1:  "токен",
		-3:  "токена",
	}
	for n, want := range tests {
		assert.Equal(t, want, PluralizeTokens(n), "n=%d", n)
	}
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "0", FormatNumber(0))
	assert.Equal(t, "999", FormatNumber(999))
	assert.Equal(t, "1 000", FormatNumber(1000))
	assert.Equal(t, "2 350", FormatNumber(2350))
	assert.Equal(t, "1 000 005", FormatNumber(1000005))
	assert.Equal(t, "-12 500", FormatNumber(-12500))
}

func TestFormatBalanceAndAmount(t *testing.T) {
	assert.Equal(t, "1 500 токенов", FormatBalance(1500))
	assert.Equal(t, "1 токен", FormatBalance(1))
	assert.Equal(t, "+100 токенов", FormatTokensAmount(100))
	assert.Equal(t, "-50 токенов", FormatTokensAmount(-50))
	assert.Equal(t, "+0 токенов", FormatTokensAmount(0))
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "1 500.00 RUB", FormatMoney(150000, "rub"))
	assert.Equal(t, "0.99 USD", FormatMoney(99, "usd"))
	assert.Equal(t, "-2.05 EUR", FormatMoney(-205, "eur"))
}

func TestStartOfMonth(t *testing.T) {
	msk := time.FixedZone("MSK", 3*60*60)
	got := StartOfMonth(time.Date(2026, 2, 17, 23, 59, 0, 0, msk))
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, msk), got)
}

func TestFormatDateTime(t *testing.T) {
	at := time.Date(2026, 1, 31, 22, 30, 0, 0, time.UTC)
	assert.Equal(t, "31.01.2026 22:30", FormatDateTime(at, nil))
	assert.Equal(t, "01.02.2026 01:30", FormatDateTime(at, time.FixedZone("MSK", 3*60*60)))
}

func TestLoadLocation_Fallback(t *testing.T) {
	loc := LoadLocation("Nowhere/Atlantis")
	_, offset := time.Date(2026, 1, 1, 0, 0, 0, 0, loc).Zone()
	assert.Equal(t, 3*60*60, offset)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("boom")))
	assert.Equal(t, CodeInsufficientBalance, CodeOf(ErrInsufficientBalance))

	wrapped := fmt.Errorf("списание: %w", ErrSettlementShortfall)
	assert.Equal(t, CodeSettlementShortfall, CodeOf(wrapped))
	assert.ErrorIs(t, wrapped, ErrSettlementShortfall)
	assert.NotErrorIs(t, wrapped, ErrInsufficientBalance)
}
