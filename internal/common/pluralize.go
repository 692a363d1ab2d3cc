// Package common (pluralize.go) содержит форматирование знаковых сумм и чисел.
// Основная логика плюрализации реализована в helpers.go.
package common

import (
	"fmt"
	"strings"
)

// FormatTokensAmount создаёт строку вида "+100 токенов" или "-50 токенов".
// Знак «+» или «-» добавляется автоматически.
//
// Примеры:
//
//	FormatTokensAmount(100)  → "+100 токенов"
//	FormatTokensAmount(-50)  → "-50 токенов"
//	FormatTokensAmount(1)    → "+1 токен"
func FormatTokensAmount(amount int64) string {
	if amount >= 0 {
		return fmt.Sprintf("+%s %s", FormatNumber(amount), PluralizeTokens(amount))
	}
	return fmt.Sprintf("%s %s", FormatNumber(amount), PluralizeTokens(amount))
}

// FormatNumber форматирует число с разделителями тысяч (пробелами).
// Пример: FormatNumber(2350) → "2 350"
func FormatNumber(n int64) string {
	if n < 0 {
		return "-" + FormatNumber(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}

	rest := n / 1000
	last := n % 1000
	return fmt.Sprintf("%s %03d", FormatNumber(rest), last)
}

// FormatMoney форматирует сумму в минимальных единицах валюты (копейки, центы).
// Пример: FormatMoney(150000, "rub") → "1 500.00 RUB"
func FormatMoney(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%s.%02d %s", sign, FormatNumber(minor/100), minor%100, strings.ToUpper(currency))
}
