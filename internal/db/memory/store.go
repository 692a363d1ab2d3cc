// Package memory реализует хранилище в памяти процесса с теми же контрактами, что и PostgreSQL:
// атомарные транзакции с откатом, уникальность payment_ref, сортировки выборок.
//
// Используется в тестах и для локального запуска (DB_DRIVER=memory).
// Все операции сериализуются одним мьютексом, поэтому блокировка строки
// (LockBalance, GetRequestForUpdate) здесь означает «держим мьютекс до конца транзакции».
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/token-ledger/internal/db"
	"serotonyl.ru/token-ledger/internal/features/admin"
	"serotonyl.ru/token-ledger/internal/features/members"
	"serotonyl.ru/token-ledger/internal/features/notifications"
	"serotonyl.ru/token-ledger/internal/features/payment"
	"serotonyl.ru/token-ledger/internal/features/purchase"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

type txKey struct{}

// state: все таблицы. Значения в map никогда не меняются на месте:
// запись кладёт новую копию, поэтому для отката хватает поверхностной копии.
type state struct {
	seq map[string]int64

	balances      map[tokens.Owner]*tokens.Balance
	transactions  []*tokens.Transaction
	payments      []*tokens.PaymentRecord
	packages      map[int64]*tokens.Package
	members       map[int64]*members.Member // по user_id
	requests      map[int64]*purchase.Request
	notifications []*notifications.Notification
	webhooks      map[string]string // provider/event_id → event_type
	sessions      []*admin.Session
	attempts      []*admin.LoginAttempt
}

func newState() *state {
	return &state{
		seq:      make(map[string]int64),
		balances: make(map[tokens.Owner]*tokens.Balance),
		packages: make(map[int64]*tokens.Package),
		members:  make(map[int64]*members.Member),
		requests: make(map[int64]*purchase.Request),
		webhooks: make(map[string]string),
	}
}

func (s *state) snapshot() *state {
	c := &state{
		seq:           make(map[string]int64, len(s.seq)),
		balances:      make(map[tokens.Owner]*tokens.Balance, len(s.balances)),
		transactions:  append([]*tokens.Transaction(nil), s.transactions...),
		payments:      append([]*tokens.PaymentRecord(nil), s.payments...),
		packages:      make(map[int64]*tokens.Package, len(s.packages)),
		members:       make(map[int64]*members.Member, len(s.members)),
		requests:      make(map[int64]*purchase.Request, len(s.requests)),
		notifications: append([]*notifications.Notification(nil), s.notifications...),
		webhooks:      make(map[string]string, len(s.webhooks)),
		sessions:      append([]*admin.Session(nil), s.sessions...),
		attempts:      append([]*admin.LoginAttempt(nil), s.attempts...),
	}
	for k, v := range s.seq {
		c.seq[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.packages {
		c.packages[k] = v
	}
	for k, v := range s.members {
		c.members[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	return c
}

func (s *state) next(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

// Store реализует db.Transactor и репозитории всех фич.
type Store struct {
	mu    sync.Mutex
	data  *state
	clock func() time.Time
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{data: newState(), clock: time.Now}
}

// SetClock подменяет часы, которыми проставляются created_at/updated_at.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// WithinTx выполняет fn атомарно. При ошибке или панике все изменения откатываются.
// Вложенный вызов присоединяется к внешней транзакции.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.data.snapshot()
	defer func() {
		if r := recover(); r != nil {
			s.data = saved
			log.WithField("panic", r).Error("Откат транзакции в памяти после паники")
			panic(r)
		}
		if err != nil {
			s.data = saved
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, s))
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(txKey{}).(*Store)
	return ok && owner == s
}

// do выполняет операцию репозитория: внутри транзакции мьютекс уже взят.
func (s *Store) do(ctx context.Context, fn func(d *state) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("контекст отменён: %w", err)
	}
	if s.inTx(ctx) {
		return fn(s.data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

var (
	_ db.Transactor            = (*Store)(nil)
	_ tokens.Repository        = (*Store)(nil)
	_ members.Repository       = (*Store)(nil)
	_ purchase.Repository      = (*Store)(nil)
	_ notifications.Repository = (*Store)(nil)
	_ payment.EventRepository  = (*Store)(nil)
	_ admin.Repository         = (*Store)(nil)
)
