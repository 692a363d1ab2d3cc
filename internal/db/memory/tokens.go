package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

func cloneBalance(b *tokens.Balance) *tokens.Balance {
	c := *b
	return &c
}

func cloneTransaction(t *tokens.Transaction) *tokens.Transaction {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Related != nil {
		r := *t.Related
		c.Related = &r
	}
	return &c
}

// GetOrCreateBalance создаёт баланс из seed, если его ещё нет.
func (s *Store) GetOrCreateBalance(ctx context.Context, seed *tokens.Balance) (*tokens.Balance, error) {
	var out *tokens.Balance
	err := s.do(ctx, func(d *state) error {
		if b, ok := d.balances[seed.Owner]; ok {
			out = cloneBalance(b)
			return nil
		}
		b := cloneBalance(seed)
		b.ID = d.next("token_balances")
		b.Balance = b.FreeBalance + b.PaidBalance
		b.CreatedAt = s.now()
		b.UpdatedAt = b.CreatedAt
		d.balances[b.Owner] = b
		out = cloneBalance(b)
		return nil
	})
	return out, err
}

func (s *Store) FindBalance(ctx context.Context, owner tokens.Owner) (*tokens.Balance, error) {
	var out *tokens.Balance
	err := s.do(ctx, func(d *state) error {
		b, ok := d.balances[owner]
		if !ok {
			return fmt.Errorf("баланс %s: %w", owner, common.ErrBalanceNotFound)
		}
		out = cloneBalance(b)
		return nil
	})
	return out, err
}

// LockBalance работает как FindBalance, а внутри транзакции мьютекс держится до её конца.
func (s *Store) LockBalance(ctx context.Context, owner tokens.Owner) (*tokens.Balance, error) {
	return s.FindBalance(ctx, owner)
}

func (s *Store) UpdateBalance(ctx context.Context, b *tokens.Balance) error {
	return s.do(ctx, func(d *state) error {
		cur, ok := d.balances[b.Owner]
		if !ok || cur.ID != b.ID {
			return fmt.Errorf("баланс %s: %w", b.Owner, common.ErrBalanceNotFound)
		}
		if b.FreeBalance < 0 || b.PaidBalance < 0 {
			return fmt.Errorf("баланс %s: отрицательная часть (free=%d, paid=%d)", b.Owner, b.FreeBalance, b.PaidBalance)
		}
		b.Balance = b.FreeBalance + b.PaidBalance
		b.UpdatedAt = s.now()
		d.balances[b.Owner] = cloneBalance(b)
		return nil
	})
}

// CreateTransaction повторяет частичный UNIQUE индекс: payment_ref уникален среди покупок.
func (s *Store) CreateTransaction(ctx context.Context, t *tokens.Transaction) error {
	return s.do(ctx, func(d *state) error {
		if t.Type == tokens.TxPurchase && t.PaymentRef != nil && purchaseRefExists(d, *t.PaymentRef) {
			return fmt.Errorf("транзакция с payment_ref: %w", common.ErrDuplicatePayment)
		}
		t.ID = d.next("token_transactions")
		t.CreatedAt = s.now()
		d.transactions = append(d.transactions, cloneTransaction(t))
		return nil
	})
}

func purchaseRefExists(d *state, ref string) bool {
	for _, t := range d.transactions {
		if t.Type == tokens.TxPurchase && t.PaymentRef != nil && *t.PaymentRef == ref {
			return true
		}
	}
	return false
}

func (s *Store) PaymentRefExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := s.do(ctx, func(d *state) error {
		exists = purchaseRefExists(d, ref)
		return nil
	})
	return exists, err
}

func (s *Store) CreatePaymentRecord(ctx context.Context, p *tokens.PaymentRecord) error {
	return s.do(ctx, func(d *state) error {
		for _, existing := range d.payments {
			if existing.PaymentRef == p.PaymentRef {
				return fmt.Errorf("payment_history: %w", common.ErrDuplicatePayment)
			}
		}
		p.ID = d.next("payment_history")
		p.CreatedAt = s.now()
		c := *p
		d.payments = append(d.payments, &c)
		return nil
	})
}

// ListTransactions возвращает последние limit операций владельца, новые первыми.
func (s *Store) ListTransactions(ctx context.Context, owner tokens.Owner, limit int) ([]*tokens.Transaction, error) {
	var out []*tokens.Transaction
	err := s.do(ctx, func(d *state) error {
		for i := len(d.transactions) - 1; i >= 0; i-- {
			if d.transactions[i].Owner == owner {
				out = append(out, cloneTransaction(d.transactions[i]))
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID > out[j].ID
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (s *Store) SumPaymentsSince(ctx context.Context, owner tokens.Owner, since time.Time) (int64, error) {
	var sum int64
	err := s.do(ctx, func(d *state) error {
		for _, p := range d.payments {
			if p.Owner == owner && p.Status == tokens.PaymentSucceeded && !p.CreatedAt.Before(since) {
				sum += p.Amount
			}
		}
		return nil
	})
	return sum, err
}

func (s *Store) SumPurchasedTokensSince(ctx context.Context, owner tokens.Owner, since time.Time) (int64, error) {
	var sum int64
	err := s.do(ctx, func(d *state) error {
		for _, t := range d.transactions {
			if t.Owner == owner && t.Type == tokens.TxPurchase && !t.CreatedAt.Before(since) {
				sum += t.Amount
			}
		}
		return nil
	})
	return sum, err
}

func (s *Store) ListOwnersDueForReset(ctx context.Context, now time.Time) ([]tokens.Owner, error) {
	var due []*tokens.Balance
	err := s.do(ctx, func(d *state) error {
		for _, b := range d.balances {
			if !b.FreeBalanceResetAt.After(now) {
				due = append(due, b)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	out := make([]tokens.Owner, 0, len(due))
	for _, b := range due {
		out = append(out, b.Owner)
	}
	return out, nil
}

func (s *Store) FindPackage(ctx context.Context, id int64) (*tokens.Package, error) {
	var out *tokens.Package
	err := s.do(ctx, func(d *state) error {
		p, ok := d.packages[id]
		if !ok {
			return fmt.Errorf("пакет %d: %w", id, common.ErrPackageNotFound)
		}
		c := *p
		out = &c
		return nil
	})
	return out, err
}

// ListPackages возвращает активные пакеты, дешёвые первыми.
func (s *Store) ListPackages(ctx context.Context) ([]*tokens.Package, error) {
	var out []*tokens.Package
	err := s.do(ctx, func(d *state) error {
		for _, p := range d.packages {
			if p.IsActive {
				c := *p
				out = append(out, &c)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

// AddPackage добавляет пакет в каталог. Если ID не задан, присваивает следующий.
func (s *Store) AddPackage(p tokens.Package) *tokens.Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.data.next("token_packages")
	} else if p.ID > s.data.seq["token_packages"] {
		s.data.seq["token_packages"] = p.ID
	}
	s.data.packages[p.ID] = &p
	c := p
	return &c
}
