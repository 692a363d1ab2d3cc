// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает расписание: ежечасный сброс бесплатных токенов
// и доставку уведомлений из очереди.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// BalanceResetter сбрасывает бесплатные токены у балансов, чей срок подошёл.
type BalanceResetter interface {
	ResetDueBalances(ctx context.Context) (int, error)
}

// Deliverer доставляет уведомления из очереди.
type Deliverer interface {
	DeliverPending(ctx context.Context) (int, error)
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron      *cron.Cron
	resetter  BalanceResetter
	deliverer Deliverer
	interval  time.Duration
}

// NewScheduler создаёт планировщик в часовом поясе loc.
// deliveryInterval: как часто разбирать очередь уведомлений.
func NewScheduler(resetter BalanceResetter, deliverer Deliverer, loc *time.Location, deliveryInterval time.Duration) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	// Если прошлый запуск ещё идёт, пропускаем
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	return &Scheduler{
		cron:      c,
		resetter:  resetter,
		deliverer: deliverer,
		interval:  deliveryInterval,
	}
}

// Start запускает все фоновые задачи.
func (s *Scheduler) Start(ctx context.Context) error {
	// Сброс бесплатных токенов: в начале каждого часа
	if _, err := s.cron.AddFunc("0 * * * *", func() { s.ResetBalances(ctx) }); err != nil {
		return fmt.Errorf("ошибка регистрации задачи сброса: %w", err)
	}

	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.DeliverNotifications(ctx) }); err != nil {
		return fmt.Errorf("ошибка регистрации задачи доставки: %w", err)
	}

	s.cron.Start()
	log.WithField("delivery_interval", s.interval.String()).Info("Планировщик задач запущен")
	return nil
}

// ResetBalances: один проход сброса бесплатных токенов.
func (s *Scheduler) ResetBalances(ctx context.Context) {
	n, err := s.resetter.ResetDueBalances(ctx)
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка сброса бесплатных токенов")
	}
	if n > 0 {
		log.WithField("count", n).Info("[CRON] Бесплатные токены сброшены")
	}
}

// DeliverNotifications: один проход доставки уведомлений.
func (s *Scheduler) DeliverNotifications(ctx context.Context) {
	n, err := s.deliverer.DeliverPending(ctx)
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка доставки уведомлений")
		return
	}
	if n > 0 {
		log.WithField("count", n).Debug("[CRON] Уведомления доставлены")
	}
}

// Stop останавливает планировщик и ждёт завершения запущенных задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}
