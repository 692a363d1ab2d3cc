// Package tokens (service.go) содержит бизнес-логику баланса токенов.
//
// Каждая операция, меняющая баланс, выполняется в одной транзакции БД:
// блокировка строки баланса → расчёт → UPDATE → запись в журнал.
// Блокировка строки (SELECT ... FOR UPDATE) сериализует операции одного владельца,
// поэтому два параллельных списания не прочитают один и тот же старый баланс.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/db"
	"serotonyl.ru/token-ledger/internal/features/notifications"
)

const (
	// lowBalanceWindow: не чаще одного уведомления «мало токенов» за это время.
	lowBalanceWindow = 24 * time.Hour
	// defaultHistoryLimit: сколько операций показывать в истории по умолчанию.
	defaultHistoryLimit = 20

	relatedPackage = "token_package"
)

// Notifier ставит уведомления в очередь. Вызывается внутри транзакции операции.
type Notifier interface {
	Notify(ctx context.Context, n *notifications.Notification) error
	HasRecent(ctx context.Context, userID int64, typ notifications.Type, window time.Duration) (bool, error)
}

// Settings: параметры начисления и уведомлений.
type Settings struct {
	FreeMonthly  int64          // Бесплатные токены на месяц (ими же засевается новый баланс)
	LowThreshold int64          // Порог «мало токенов»
	Location     *time.Location // Часовой пояс для месячной статистики
	Clock        func() time.Time
}

// Service: сервис учёта токенов.
type Service struct {
	repo     Repository
	tx       db.Transactor
	notifier Notifier
	settings Settings
}

// NewService создаёт сервис. notifier может быть nil, тогда уведомления о балансе не создаются.
func NewService(repo Repository, tx db.Transactor, notifier Notifier, settings Settings) *Service {
	if settings.Clock == nil {
		settings.Clock = time.Now
	}
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	return &Service{
		repo:     repo,
		tx:       tx,
		notifier: notifier,
		settings: settings,
	}
}

func (s *Service) now() time.Time {
	return s.settings.Clock().UTC()
}

// seed заполняет новый баланс: весь месячный лимит бесплатно, сброс через месяц.
func (s *Service) seed(owner Owner) *Balance {
	next := s.now().AddDate(0, 1, 0)
	b := &Balance{
		Owner:                  owner,
		FreeBalance:            s.settings.FreeMonthly,
		FreeBalanceResetAt:     next,
		MonthlyConsumedResetAt: next,
	}
	b.recompute()
	return b
}

// GetOrCreateBalance возвращает баланс владельца, создавая его при первом обращении.
func (s *Service) GetOrCreateBalance(ctx context.Context, owner Owner) (*Balance, error) {
	b, err := s.repo.GetOrCreateBalance(ctx, s.seed(owner))
	if err != nil {
		return nil, fmt.Errorf("не удалось получить баланс %s: %w", owner, err)
	}
	return b, nil
}

// lockPayer создаёт баланс при необходимости и блокирует его строку до конца транзакции.
func (s *Service) lockPayer(ctx context.Context, owner Owner) (*Balance, error) {
	if _, err := s.repo.GetOrCreateBalance(ctx, s.seed(owner)); err != nil {
		return nil, err
	}
	return s.repo.LockBalance(ctx, owner)
}

// CheckBalance проверяет, хватит ли токенов на amount. Ничего не меняет.
func (s *Service) CheckBalance(ctx context.Context, acc Account, amount int64) bool {
	b, err := s.GetOrCreateBalance(ctx, acc.Payer())
	if err != nil {
		log.WithError(err).WithField("user_id", acc.UserID).Error("Ошибка проверки баланса")
		return false
	}
	return b.Balance >= amount
}

// Consume списывает amount токенов: сначала бесплатные, потом платные.
//
// Нехватка токенов считается обычным исходом (OutcomeInsufficientFunds), баланс не меняется.
// После списания проверяются пороги и при необходимости создаётся уведомление.
func (s *Service) Consume(ctx context.Context, acc Account, amount int64, reason string, related *Related) Result {
	return observe("consume", s.consume(ctx, acc, amount, reason, related))
}

func (s *Service) consume(ctx context.Context, acc Account, amount int64, reason string, related *Related) Result {
	payer := acc.Payer()
	fields := log.Fields{
		"user_id": acc.UserID,
		"owner":   payer.String(),
		"amount":  amount,
		"reason":  reason,
	}
	if amount <= 0 {
		return violation(common.ErrInvalidAmount)
	}

	var res Result
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.lockPayer(ctx, payer)
		if err != nil {
			return err
		}
		if b.Balance < amount {
			log.WithFields(fields).WithField("balance", b.Balance).Warn("Недостаточно токенов")
			res = Result{Outcome: OutcomeInsufficientFunds, Balance: b}
			return nil
		}

		debit(b, amount)
		if err := s.repo.UpdateBalance(ctx, b); err != nil {
			return err
		}
		t := &Transaction{
			Owner:        payer,
			UserID:       &acc.UserID,
			Type:         TxConsume,
			Amount:       -amount,
			BalanceAfter: b.Balance,
			Reason:       reason,
			Related:      related,
		}
		if err := s.repo.CreateTransaction(ctx, t); err != nil {
			return err
		}
		if err := s.notifyThreshold(ctx, acc.UserID, b); err != nil {
			return err
		}
		res = ok(b, t)
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(fields).Error("Ошибка списания токенов")
		return failure(err)
	}

	if res.OK() {
		consumedTotal.Add(float64(amount))
		log.WithFields(fields).WithField("balance_after", res.Balance.Balance).Debug("Токены списаны")
	}
	return res
}

// debit списывает amount: бесплатные до нуля, остаток из платных.
func debit(b *Balance, amount int64) {
	if b.FreeBalance >= amount {
		b.FreeBalance -= amount
	} else {
		b.PaidBalance -= amount - b.FreeBalance
		b.FreeBalance = 0
	}
	b.recompute()
	b.TotalConsumed += amount
	b.MonthlyConsumed += amount
}

// notifyThreshold ставит уведомление, если баланс закончился или стал ниже порога.
// «Закончились» отправляется каждый раз, «мало» не чаще раза в сутки.
//
// Уведомление получает пользователь, а не владелец баланса, поэтому окно «мало»
// считается по пользователю: у общего баланса группы каждый участник, который
// тратит токены, получит своё предупреждение (не чаще раза в сутки на человека).
func (s *Service) notifyThreshold(ctx context.Context, userID int64, b *Balance) error {
	if s.notifier == nil {
		return nil
	}

	switch {
	case b.Balance <= 0:
		return s.notifier.Notify(ctx, &notifications.Notification{
			UserID:  userID,
			Type:    notifications.TypeTokenDepleted,
			Title:   "Токены закончились",
			Message: "Чтобы продолжить пользоваться AI-функциями, купите пакет токенов: /packages",
			Data:    map[string]any{"balance": int64(0)},
		})
	case b.Balance <= s.settings.LowThreshold:
		recent, err := s.notifier.HasRecent(ctx, userID, notifications.TypeTokenLow, lowBalanceWindow)
		if err != nil {
			return err
		}
		if recent {
			return nil
		}
		return s.notifier.Notify(ctx, &notifications.Notification{
			UserID:  userID,
			Type:    notifications.TypeTokenLow,
			Title:   "Токенов осталось мало",
			Message: "Текущий баланс: " + common.FormatBalance(b.Balance),
			Data:    map[string]any{"balance": b.Balance},
		})
	}
	return nil
}

// RecordAICost записывает фактическую стоимость AI-запроса в журнал.
// Баланс не меняется: токены уже списаны заранее через Consume.
func (s *Service) RecordAICost(ctx context.Context, acc Account, amount int64, reason string, related *Related, usage map[string]any) Result {
	return observe("ai_usage", s.recordAICost(ctx, acc, amount, reason, related, usage))
}

func (s *Service) recordAICost(ctx context.Context, acc Account, amount int64, reason string, related *Related, usage map[string]any) Result {
	if amount < 0 {
		return violation(common.ErrInvalidAmount)
	}
	payer := acc.Payer()

	var res Result
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.lockPayer(ctx, payer)
		if err != nil {
			return err
		}
		t := &Transaction{
			Owner:        payer,
			UserID:       &acc.UserID,
			Type:         TxAIUsage,
			Amount:       -amount,
			BalanceAfter: b.Balance,
			Reason:       reason,
			Related:      related,
			Metadata:     usage,
		}
		if err := s.repo.CreateTransaction(ctx, t); err != nil {
			return err
		}
		res = ok(b, t)
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id": acc.UserID,
			"amount":  amount,
		}).Error("Ошибка записи стоимости AI")
		return failure(err)
	}

	log.WithFields(log.Fields{
		"user_id": acc.UserID,
		"amount":  amount,
		"reason":  reason,
		"details": usage,
	}).Info("Стоимость AI записана")
	return res
}

// Settle сверяет предоплату estimated с фактической стоимостью actual.
//
//   - estimated == actual: ничего не делает;
//   - estimated > actual: разница возвращается на платный баланс;
//   - estimated < actual: разница списывается дополнительно.
//
// Если на доплату не хватает токенов, предоплата возвращается целиком, а результатом будет
// OutcomeDomainViolation с common.ErrSettlementShortfall: вызывающий должен прервать операцию.
func (s *Service) Settle(ctx context.Context, acc Account, estimated, actual int64, reason string, related *Related) Result {
	return observe("settle", s.settle(ctx, acc, estimated, actual, reason, related))
}

func (s *Service) settle(ctx context.Context, acc Account, estimated, actual int64, reason string, related *Related) Result {
	fields := log.Fields{
		"user_id":   acc.UserID,
		"estimated": estimated,
		"actual":    actual,
	}
	if estimated < 0 || actual < 0 {
		return violation(common.ErrInvalidAmount)
	}

	difference := estimated - actual
	switch {
	case difference == 0:
		log.WithFields(fields).Info("Расчёт не нужен: предоплата совпала со стоимостью")
		return Result{Outcome: OutcomeOK}
	case difference > 0:
		return s.refund(ctx, acc, difference, reason+" (возврат разницы)", related)
	}

	shortfall := -difference
	res := s.consume(ctx, acc, shortfall, reason+" (доплата)", related)
	if res.Outcome != OutcomeInsufficientFunds {
		return res
	}

	log.WithFields(fields).WithField("balance", res.Balance.Balance).Error("Недостаточно токенов для доплаты")
	shortErr := fmt.Errorf("нужно %d, на балансе %d: %w", shortfall, res.Balance.Balance, common.ErrSettlementShortfall)

	balance := res.Balance
	if estimated > 0 {
		back := s.refund(ctx, acc, estimated, reason+" (возврат предоплаты)", related)
		if !back.OK() {
			log.WithError(back.Err).WithFields(fields).Error("Не удалось вернуть предоплату")
			return Result{Outcome: OutcomeDomainViolation, Balance: balance, Err: errors.Join(shortErr, back.Err)}
		}
		balance = back.Balance
	}
	return Result{Outcome: OutcomeDomainViolation, Balance: balance, Err: shortErr}
}

// refund возвращает токены на платный баланс. Бесплатные токены возвратом не восстанавливаются.
func (s *Service) refund(ctx context.Context, acc Account, amount int64, reason string, related *Related) Result {
	t := &Transaction{
		UserID:  &acc.UserID,
		Type:    TxRefund,
		Amount:  amount,
		Reason:  reason,
		Related: related,
	}

	var res Result
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.lockPayer(ctx, acc.Payer())
		if err != nil {
			return err
		}
		if err := s.creditPaid(ctx, b, t); err != nil {
			return err
		}
		res = ok(b, t)
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id": acc.UserID,
			"amount":  amount,
		}).Error("Ошибка возврата токенов")
		return failure(err)
	}

	creditedTotal.WithLabelValues(string(TxRefund)).Add(float64(amount))
	log.WithFields(log.Fields{
		"user_id": acc.UserID,
		"amount":  amount,
		"reason":  reason,
	}).Info("Токены возвращены")
	return res
}

// creditPaid начисляет t.Amount на платный баланс заблокированной строки b и пишет t в журнал.
func (s *Service) creditPaid(ctx context.Context, b *Balance, t *Transaction) error {
	if t.Amount <= 0 {
		return common.ErrInvalidAmount
	}
	if !b.canCredit(t.Amount) {
		return fmt.Errorf("начисление %d переполнит баланс %s: %w", t.Amount, b.Owner, common.ErrInvalidAmount)
	}
	b.PaidBalance += t.Amount
	b.recompute()
	if err := s.repo.UpdateBalance(ctx, b); err != nil {
		return err
	}
	t.Owner = b.Owner
	t.BalanceAfter = b.Balance
	return s.repo.CreateTransaction(ctx, t)
}

// AdjustByAdmin вручную меняет баланс владельца на amount (может быть отрицательным).
//
// Баланс должен уже существовать. Корректировка меняет только платную часть;
// при списании платная часть не уходит ниже нуля, лишнее списание отбрасывается.
// В журнал пишется фактическое изменение, а запрошенная сумма уходит в metadata.
func (s *Service) AdjustByAdmin(ctx context.Context, owner Owner, amount int64, adminID int64, note string) Result {
	return observe("admin_adjust", s.adjustByAdmin(ctx, owner, amount, adminID, note))
}

func (s *Service) adjustByAdmin(ctx context.Context, owner Owner, amount int64, adminID int64, note string) Result {
	fields := log.Fields{
		"admin_id": adminID,
		"owner":    owner.String(),
		"amount":   amount,
	}
	if amount == 0 {
		return violation(common.ErrInvalidAmount)
	}

	var res Result
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.repo.LockBalance(ctx, owner)
		if err != nil {
			return err
		}

		if amount > 0 && !b.canCredit(amount) {
			return fmt.Errorf("корректировка %d переполнит баланс %s: %w", amount, owner, common.ErrInvalidAmount)
		}
		before := b.Balance
		b.PaidBalance += amount
		if amount < 0 && b.PaidBalance < 0 {
			b.PaidBalance = 0
		}
		b.recompute()
		if err := s.repo.UpdateBalance(ctx, b); err != nil {
			return err
		}

		t := &Transaction{
			Owner:        owner,
			Type:         TxAdminAdjust,
			Amount:       b.Balance - before,
			BalanceAfter: b.Balance,
			Reason:       "admin_adjustment",
			AdminUserID:  &adminID,
			Metadata:     map[string]any{"requested": amount},
		}
		if note != "" {
			t.AdminNote = &note
		}
		if err := s.repo.CreateTransaction(ctx, t); err != nil {
			return err
		}
		res = ok(b, t)
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrBalanceNotFound) {
			log.WithFields(fields).Warn("Корректировка: баланс не найден")
			return Result{Outcome: OutcomeNotFound, Err: err}
		}
		log.WithError(err).WithFields(fields).Error("Ошибка корректировки баланса")
		return failure(err)
	}

	if applied := res.Transaction.Amount; applied > 0 {
		creditedTotal.WithLabelValues(string(TxAdminAdjust)).Add(float64(applied))
	}
	log.WithFields(fields).WithField("applied", res.Transaction.Amount).Info("Баланс скорректирован админом")
	return res
}

// CreditPurchase зачисляет пакет на платный баланс ровно один раз для paymentRef.
//
// Повторный вызов с тем же paymentRef ничего не меняет и возвращает Result.Duplicate.
// Кроме записи в журнал создаётся запись payment_history.
func (s *Service) CreditPurchase(ctx context.Context, acc Account, pkg *Package, paymentRef, method string) Result {
	return observe("purchase", s.creditPurchase(ctx, acc, pkg, paymentRef, method))
}

func (s *Service) creditPurchase(ctx context.Context, acc Account, pkg *Package, paymentRef, method string) Result {
	if pkg == nil || pkg.TokenAmount <= 0 {
		return violation(common.ErrInvalidAmount)
	}
	if paymentRef == "" {
		return violation(fmt.Errorf("пустой идентификатор платежа: %w", common.ErrMalformedWebhook))
	}
	payer := acc.Payer()
	fields := log.Fields{
		"user_id":     acc.UserID,
		"owner":       payer.String(),
		"package_id":  pkg.ID,
		"payment_ref": paymentRef,
		"method":      method,
	}

	var res Result
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.lockPayer(ctx, payer)
		if err != nil {
			return err
		}
		seen, err := s.repo.PaymentRefExists(ctx, paymentRef)
		if err != nil {
			return err
		}
		if seen {
			res = Result{Outcome: OutcomeOK, Balance: b, Duplicate: true}
			return nil
		}

		t := &Transaction{
			UserID:     &acc.UserID,
			Type:       TxPurchase,
			Amount:     pkg.TokenAmount,
			Reason:     fmt.Sprintf("Покупка пакета «%s»", pkg.Name),
			Related:    &Related{Type: relatedPackage, ID: pkg.ID},
			PaymentRef: &paymentRef,
			Metadata:   map[string]any{"method": method},
		}
		if err := s.creditPaid(ctx, b, t); err != nil {
			return err
		}
		if err := s.repo.CreatePaymentRecord(ctx, &PaymentRecord{
			Owner:       payer,
			UserID:      acc.UserID,
			PaymentRef:  paymentRef,
			PackageID:   pkg.ID,
			Amount:      pkg.Price,
			Currency:    pkg.Currency,
			TokenAmount: pkg.TokenAmount,
			Status:      PaymentSucceeded,
			Method:      method,
		}); err != nil {
			return err
		}
		res = ok(b, t)
		return nil
	})
	if err != nil {
		// Параллельная доставка того же платежа упёрлась в уникальный индекс
		if errors.Is(err, common.ErrDuplicatePayment) {
			log.WithFields(fields).Info("Платёж уже зачислен")
			b, _ := s.repo.FindBalance(ctx, payer)
			return Result{Outcome: OutcomeOK, Balance: b, Duplicate: true}
		}
		log.WithError(err).WithFields(fields).Error("Ошибка зачисления покупки")
		return failure(err)
	}

	if res.Duplicate {
		log.WithFields(fields).Info("Платёж уже зачислен")
		return res
	}
	creditedTotal.WithLabelValues(string(TxPurchase)).Add(float64(pkg.TokenAmount))
	log.WithFields(fields).WithField("token_amount", pkg.TokenAmount).Info("Покупка зачислена")
	return res
}

// ResetFreeBalance восстанавливает месячный лимит бесплатных токенов и обнуляет месячный расход.
// Сумма операции free_reset в журнале равна фактическому изменению баланса.
func (s *Service) ResetFreeBalance(ctx context.Context, owner Owner) Result {
	return observe("free_reset", s.resetFreeBalance(ctx, owner, time.Time{}))
}

// ResetDueBalances сбрасывает бесплатные токены всем, у кого подошёл срок.
func (s *Service) ResetDueBalances(ctx context.Context) (int, error) {
	now := s.now()
	owners, err := s.repo.ListOwnersDueForReset(ctx, now)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, owner := range owners {
		res := observe("free_reset", s.resetFreeBalance(ctx, owner, now))
		if !res.OK() {
			log.WithError(res.Err).WithField("owner", owner.String()).Error("Не удалось сбросить бесплатные токены")
			continue
		}
		if res.Transaction != nil {
			reset++
		}
	}
	return reset, nil
}

// resetFreeBalance: если dueAt не нулевое, баланс сбрасывается только при наступлении срока
// (его мог уже сбросить параллельный запуск).
func (s *Service) resetFreeBalance(ctx context.Context, owner Owner, dueAt time.Time) Result {
	var res Result
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := s.repo.LockBalance(ctx, owner)
		if err != nil {
			return err
		}
		if !dueAt.IsZero() && b.FreeBalanceResetAt.After(dueAt) {
			res = ok(b, nil)
			return nil
		}

		before := b.Balance
		next := s.now().AddDate(0, 1, 0)
		b.FreeBalance = s.settings.FreeMonthly
		b.MonthlyConsumed = 0
		b.FreeBalanceResetAt = next
		b.MonthlyConsumedResetAt = next
		b.recompute()
		if err := s.repo.UpdateBalance(ctx, b); err != nil {
			return err
		}

		t := &Transaction{
			Owner:        owner,
			Type:         TxFreeReset,
			Amount:       b.Balance - before,
			BalanceAfter: b.Balance,
			Reason:       "monthly_free_reset",
		}
		if err := s.repo.CreateTransaction(ctx, t); err != nil {
			return err
		}
		res = ok(b, t)
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrBalanceNotFound) {
			return Result{Outcome: OutcomeNotFound, Err: err}
		}
		return failure(err)
	}
	return res
}

// History возвращает последние операции владельца, новые первыми.
func (s *Service) History(ctx context.Context, owner Owner, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.repo.ListTransactions(ctx, owner, limit)
}

// GetHistoryStats возвращает статистику за текущий календарный месяц.
func (s *Service) GetHistoryStats(ctx context.Context, owner Owner) (*HistoryStats, error) {
	since := common.StartOfMonth(s.settings.Clock().In(s.settings.Location))

	amount, err := s.repo.SumPaymentsSince(ctx, owner, since)
	if err != nil {
		return nil, err
	}
	purchased, err := s.repo.SumPurchasedTokensSince(ctx, owner, since)
	if err != nil {
		return nil, err
	}

	stats := &HistoryStats{
		MonthlyPurchaseAmount: amount,
		MonthlyPurchaseTokens: purchased,
	}
	b, err := s.repo.FindBalance(ctx, owner)
	switch {
	case err == nil:
		stats.MonthlyUsage = b.MonthlyConsumed
	case !errors.Is(err, common.ErrBalanceNotFound):
		return nil, err
	}
	return stats, nil
}

// FindPackage возвращает пакет из каталога.
func (s *Service) FindPackage(ctx context.Context, id int64) (*Package, error) {
	return s.repo.FindPackage(ctx, id)
}

// ListPackages возвращает активные пакеты.
func (s *Service) ListPackages(ctx context.Context) ([]*Package, error) {
	return s.repo.ListPackages(ctx)
}
