// Package common содержит общие утилиты, используемые во всём проекте.
// Сюда входят: русская плюрализация, форматирование сумм, работа с временем.
package common

import (
	"fmt"
	"math"
	"time"
)

// PluralizeTokens возвращает правильную форму слова «токен» для числа n.
//
// Правила русского языка:
//   - n%10==1 И n%100!=11 → "токен" (1, 21, 31, 101, ...)
//   - n%10 в [2,3,4] И n%100 НЕ в [12,13,14] → "токена" (2, 3, 4, 22, ...)
//   - Остальные случаи → "токенов" (0, 5-20, 25-30, 100, ...)
//
// Примеры:
//
//	PluralizeTokens(1)  → "токен"
//	PluralizeTokens(3)  → "токена"
//	PluralizeTokens(11) → "токенов"
func PluralizeTokens(n int64) string {
	absN := int64(math.Abs(float64(n)))
	lastDigit := absN % 10
	lastTwoDigits := absN % 100

	if lastDigit == 1 && lastTwoDigits != 11 {
		return "токен"
	}
	if lastDigit >= 2 && lastDigit <= 4 && (lastTwoDigits < 12 || lastTwoDigits > 14) {
		return "токена"
	}
	return "токенов"
}

// FormatBalance форматирует баланс в читабельную строку.
// Пример: FormatBalance(1500) → "1 500 токенов"
func FormatBalance(balance int64) string {
	return fmt.Sprintf("%s %s", FormatNumber(balance), PluralizeTokens(balance))
}

// StartOfMonth возвращает начало месяца (00:00 первого числа) для момента t
// в его же часовом поясе. Используется для месячной статистики.
func StartOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// LoadLocation загружает часовой пояс по имени.
// Если не удалось, возвращает фиксированный UTC+3 (Москва).
func LoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("MSK", 3*60*60)
	}
	return loc
}

// FormatDateTime форматирует время в формат "02.01.2006 15:04".
// Используется для отображения дат транзакций и запросов.
func FormatDateTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("02.01.2006 15:04")
}
