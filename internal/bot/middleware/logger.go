// Package middleware содержит промежуточные обработчики для логирования,
// восстановления после паники и rate-limiting.
package middleware

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

// Команды, аргументы которых нельзя писать в лог.
var secretCommands = []string{"login"}

// LogMessage логирует входящее сообщение.
// Записывает: user_id, chat_id, username, текст (первые 50 символов).
// Для /login и ответа на запрос пароля текст маскируется.
func LogMessage(message *tgbotapi.Message, secret bool) {
	if message == nil || message.From == nil || message.Chat == nil {
		return
	}

	log.WithFields(log.Fields{
		"user_id":  message.From.ID,
		"chat_id":  message.Chat.ID,
		"username": message.From.UserName,
		"text":     MaskText(message.Text, secret),
	}).Debug("Входящее сообщение")
}

// MaskText обрезает текст для лога и скрывает секреты.
func MaskText(text string, secret bool) string {
	if secret {
		return "***"
	}
	fields := strings.Fields(text)
	if len(fields) > 1 {
		cmd := strings.ToLower(strings.TrimLeft(fields[0], "/!."))
		for _, c := range secretCommands {
			if cmd == c {
				return fields[0] + " ***"
			}
		}
	}

	runes := []rune(text)
	if len(runes) > 50 {
		return string(runes[:50]) + "..."
	}
	return text
}
