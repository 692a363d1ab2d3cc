package common

import (
	"errors"
	"fmt"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []tgbotapi.Chattable
	err  error
}

func (s *recordingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.sent = append(s.sent, c)
	return tgbotapi.Message{}, s.err
}

func TestReply(t *testing.T) {
	sender := &recordingSender{}
	Reply(sender, 42, "привет")

	require.Len(t, sender.sent, 1)
	msg, ok := sender.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, "привет", msg.Text)
	assert.True(t, msg.DisableWebPagePreview)

	// Ошибка отправки только логируется
	failing := &recordingSender{err: errors.New("chat not found")}
	assert.NotPanics(t, func() { Reply(failing, 42, "x") })
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, ErrInsufficientBalance.Message, UserMessage(fmt.Errorf("consume: %w", ErrInsufficientBalance)))
	assert.Equal(t, ErrForbiddenActor.Message, UserMessage(ErrForbiddenActor))
	assert.Equal(t, ErrIntegration.Message, UserMessage(errors.New("pq: connection refused")))
	assert.Equal(t, ErrIntegration.Message, UserMessage(ErrIntegration))
	assert.Equal(t, ErrIntegration.Message, UserMessage(nil))
}
