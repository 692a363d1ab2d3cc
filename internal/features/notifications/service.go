// Package notifications (service.go): создание уведомлений и их доставка.
package notifications

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// deliveryBatch: сколько уведомлений отправляем за один тик.
	deliveryBatch = 50
	// maxDeliveryAttempts: после стольких неудач уведомление больше не отправляется.
	maxDeliveryAttempts = 8
	retryBaseDelay      = time.Minute
	retryMaxDelay       = 6 * time.Hour
)

// retryDelay: 1м, 2м, 4м ... но не больше retryMaxDelay.
func retryDelay(attempts int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempts && d < retryMaxDelay; i++ {
		d *= 2
	}
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return d
}

// Sender отправляет текст пользователю. В проде это Telegram-бот.
type Sender interface {
	SendMessageToUser(userID int64, text string) error
}

// Service: бизнес-логика уведомлений.
type Service struct {
	repo   Repository
	sender Sender
	now    func() time.Time
}

// NewService создаёт сервис уведомлений. sender может быть nil, тогда доставка отключена.
func NewService(repo Repository, sender Sender) *Service {
	return &Service{repo: repo, sender: sender, now: time.Now}
}

// SetClock подменяет часы (окно антиспама и время доставки).
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetSender подключает отправителя после старта бота.
func (s *Service) SetSender(sender Sender) {
	s.sender = sender
}

// Notify создаёт запись уведомления. Если в ctx есть транзакция, пишет в неё.
func (s *Service) Notify(ctx context.Context, n *Notification) error {
	if err := s.repo.CreateNotification(ctx, n); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"user_id": n.UserID,
		"type":    n.Type,
	}).Debug("Уведомление поставлено в очередь")
	return nil
}

// HasRecent проверяет, было ли уведомление типа typ пользователю за последние window.
func (s *Service) HasRecent(ctx context.Context, userID int64, typ Type, window time.Duration) (bool, error) {
	return s.repo.HasRecentNotification(ctx, userID, typ, s.now().Add(-window))
}

// DeliverPending отправляет уведомления, срок попытки которых наступил.
// Неудачная отправка откладывает запись с растущей паузой, поэтому упавшие записи
// не занимают всю пачку и не задерживают новые уведомления.
func (s *Service) DeliverPending(ctx context.Context) (int, error) {
	if s.sender == nil {
		return 0, nil
	}

	now := s.now()
	pending, err := s.repo.ListUndelivered(ctx, now, maxDeliveryAttempts, deliveryBatch)
	if err != nil {
		return 0, fmt.Errorf("не удалось получить очередь уведомлений: %w", err)
	}

	delivered := 0
	for _, n := range pending {
		if err := s.sender.SendMessageToUser(n.UserID, n.Text()); err != nil {
			attempts := n.Attempts + 1
			entry := log.WithError(err).WithFields(log.Fields{
				"notification_id": n.ID,
				"user_id":         n.UserID,
				"attempts":        attempts,
			})
			if attempts >= maxDeliveryAttempts {
				entry.Error("Уведомление не доставлено, попытки исчерпаны")
			} else {
				entry.Warn("Не удалось доставить уведомление")
			}
			if err := s.repo.MarkFailed(ctx, n.ID, now.Add(retryDelay(attempts))); err != nil {
				return delivered, err
			}
			continue
		}
		if err := s.repo.MarkDelivered(ctx, n.ID, s.now()); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}
