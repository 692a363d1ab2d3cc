package common

import (
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

// MessageSender описывает то, что нужно обработчикам от Telegram API. *tgbotapi.BotAPI подходит.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Reply отправляет текстовое сообщение и логирует ошибку отправки.
func Reply(bot MessageSender, chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := bot.Send(msg); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}

// UserMessage возвращает текст доменной ошибки для пользователя.
// Для ошибок без кода отдаёт общее сообщение, детали остаются в логах.
func UserMessage(err error) string {
	switch CodeOf(err) {
	case "", CodeUnknown, CodeIntegration:
		return ErrIntegration.Message
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrIntegration.Message
}
