// Package tokens (repository.go) работает с таблицами token_balances, token_transactions,
// payment_history и token_packages.
// Методы не открывают транзакций сами: атомарность обеспечивает вызывающий через db.Transactor.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/db/postgres"
)

// Catalog: каталог пакетов токенов.
type Catalog interface {
	// FindPackage возвращает common.ErrPackageNotFound, если пакета нет.
	FindPackage(ctx context.Context, id int64) (*Package, error)
	ListPackages(ctx context.Context) ([]*Package, error)
}

// Repository: хранилище балансов и журнала.
type Repository interface {
	Catalog

	// GetOrCreateBalance создаёт баланс из seed, если его ещё нет, и возвращает текущий.
	GetOrCreateBalance(ctx context.Context, seed *Balance) (*Balance, error)
	// FindBalance и LockBalance возвращают common.ErrBalanceNotFound, если баланса нет.
	FindBalance(ctx context.Context, owner Owner) (*Balance, error)
	// LockBalance читает баланс с блокировкой строки до конца транзакции.
	LockBalance(ctx context.Context, owner Owner) (*Balance, error)
	UpdateBalance(ctx context.Context, b *Balance) error

	// CreateTransaction возвращает common.ErrDuplicatePayment при повторном payment_ref покупки.
	CreateTransaction(ctx context.Context, t *Transaction) error
	PaymentRefExists(ctx context.Context, ref string) (bool, error)
	CreatePaymentRecord(ctx context.Context, p *PaymentRecord) error
	ListTransactions(ctx context.Context, owner Owner, limit int) ([]*Transaction, error)

	SumPaymentsSince(ctx context.Context, owner Owner, since time.Time) (int64, error)
	SumPurchasedTokensSince(ctx context.Context, owner Owner, since time.Time) (int64, error)
	ListOwnersDueForReset(ctx context.Context, now time.Time) ([]Owner, error)
}

// PgRepository: реализация Repository на PostgreSQL.
type PgRepository struct {
	db postgres.Querier
}

func NewRepository(db postgres.Querier) *PgRepository {
	return &PgRepository{db: db}
}

const balanceColumns = `
	id, owner_type, owner_id, balance, free_balance, paid_balance,
	total_consumed, monthly_consumed, free_balance_reset_at, monthly_consumed_reset_at,
	created_at, updated_at
`

func scanBalance(row pgx.Row) (*Balance, error) {
	var (
		b    Balance
		kind string
	)
	err := row.Scan(
		&b.ID, &kind, &b.Owner.ID, &b.Balance, &b.FreeBalance, &b.PaidBalance,
		&b.TotalConsumed, &b.MonthlyConsumed, &b.FreeBalanceResetAt, &b.MonthlyConsumedResetAt,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Owner.Kind = OwnerKind(kind)
	return &b, nil
}

// GetOrCreateBalance: INSERT ... ON CONFLICT DO NOTHING, затем чтение.
// Два одновременных первых обращения создадут ровно одну строку.
func (r *PgRepository) GetOrCreateBalance(ctx context.Context, seed *Balance) (*Balance, error) {
	q := postgres.Conn(ctx, r.db)
	_, err := q.Exec(ctx, `
		INSERT INTO token_balances (
			owner_type, owner_id, balance, free_balance, paid_balance,
			free_balance_reset_at, monthly_consumed_reset_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_type, owner_id) DO NOTHING
	`,
		string(seed.Owner.Kind), seed.Owner.ID, seed.FreeBalance+seed.PaidBalance,
		seed.FreeBalance, seed.PaidBalance, seed.FreeBalanceResetAt, seed.MonthlyConsumedResetAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания баланса %s: %w", seed.Owner, err)
	}
	return r.FindBalance(ctx, seed.Owner)
}

func (r *PgRepository) FindBalance(ctx context.Context, owner Owner) (*Balance, error) {
	return r.selectBalance(ctx, owner, "")
}

func (r *PgRepository) LockBalance(ctx context.Context, owner Owner) (*Balance, error) {
	return r.selectBalance(ctx, owner, "FOR UPDATE")
}

func (r *PgRepository) selectBalance(ctx context.Context, owner Owner, lock string) (*Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM token_balances
		WHERE owner_type = $1 AND owner_id = $2 ` + lock
	b, err := scanBalance(postgres.Conn(ctx, r.db).QueryRow(ctx, query, string(owner.Kind), owner.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("баланс %s: %w", owner, common.ErrBalanceNotFound)
		}
		return nil, fmt.Errorf("ошибка чтения баланса %s: %w", owner, err)
	}
	return b, nil
}

// UpdateBalance перезаписывает все изменяемые поля баланса.
func (r *PgRepository) UpdateBalance(ctx context.Context, b *Balance) error {
	b.recompute()
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		UPDATE token_balances
		SET balance = $2, free_balance = $3, paid_balance = $4,
		    total_consumed = $5, monthly_consumed = $6,
		    free_balance_reset_at = $7, monthly_consumed_reset_at = $8,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`,
		b.ID, b.Balance, b.FreeBalance, b.PaidBalance,
		b.TotalConsumed, b.MonthlyConsumed,
		b.FreeBalanceResetAt, b.MonthlyConsumedResetAt,
	).Scan(&b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления баланса %s: %w", b.Owner, err)
	}
	return nil
}

func (r *PgRepository) CreateTransaction(ctx context.Context, t *Transaction) error {
	var metadata []byte
	if len(t.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(t.Metadata); err != nil {
			return fmt.Errorf("ошибка сериализации metadata: %w", err)
		}
	}
	var (
		relatedType *string
		relatedID   *int64
	)
	if t.Related != nil {
		relatedType, relatedID = &t.Related.Type, &t.Related.ID
	}

	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO token_transactions (
			owner_type, owner_id, user_id, type, amount, balance_after, reason,
			related_type, related_id, metadata, admin_user_id, admin_note, payment_ref
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at
	`,
		string(t.Owner.Kind), t.Owner.ID, t.UserID, string(t.Type), t.Amount, t.BalanceAfter, t.Reason,
		relatedType, relatedID, metadata, t.AdminUserID, t.AdminNote, t.PaymentRef,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("транзакция с payment_ref: %w", common.ErrDuplicatePayment)
		}
		return fmt.Errorf("ошибка записи транзакции: %w", err)
	}
	return nil
}

func (r *PgRepository) PaymentRefExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM token_transactions WHERE type = 'purchase' AND payment_ref = $1
		)
	`, ref).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки payment_ref: %w", err)
	}
	return exists, nil
}

func (r *PgRepository) CreatePaymentRecord(ctx context.Context, p *PaymentRecord) error {
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		INSERT INTO payment_history (
			owner_type, owner_id, user_id, payment_ref, package_id,
			amount, currency, token_amount, status, method
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`,
		string(p.Owner.Kind), p.Owner.ID, p.UserID, p.PaymentRef, p.PackageID,
		p.Amount, p.Currency, p.TokenAmount, p.Status, p.Method,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("payment_history: %w", common.ErrDuplicatePayment)
		}
		return fmt.Errorf("ошибка записи истории платежа: %w", err)
	}
	return nil
}

// ListTransactions возвращает последние limit операций владельца, новые первыми.
func (r *PgRepository) ListTransactions(ctx context.Context, owner Owner, limit int) ([]*Transaction, error) {
	rows, err := postgres.Conn(ctx, r.db).Query(ctx, `
		SELECT id, owner_type, owner_id, user_id, type, amount, balance_after, reason,
		       related_type, related_id, metadata, admin_user_id, admin_note, payment_ref, created_at
		FROM token_transactions
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, string(owner.Kind), owner.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения транзакций: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var (
			t           Transaction
			kind, typ   string
			relatedType *string
			relatedID   *int64
			metadata    []byte
		)
		if err := rows.Scan(
			&t.ID, &kind, &t.Owner.ID, &t.UserID, &typ, &t.Amount, &t.BalanceAfter, &t.Reason,
			&relatedType, &relatedID, &metadata, &t.AdminUserID, &t.AdminNote, &t.PaymentRef, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования транзакции: %w", err)
		}
		t.Owner.Kind, t.Type = OwnerKind(kind), TxType(typ)
		if relatedType != nil && relatedID != nil {
			t.Related = &Related{Type: *relatedType, ID: *relatedID}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
				return nil, fmt.Errorf("ошибка разбора metadata транзакции %d: %w", t.ID, err)
			}
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения строк: %w", err)
	}
	return out, nil
}

func (r *PgRepository) SumPaymentsSince(ctx context.Context, owner Owner, since time.Time) (int64, error) {
	var sum int64
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payment_history
		WHERE owner_type = $1 AND owner_id = $2 AND status = 'succeeded' AND created_at >= $3
	`, string(owner.Kind), owner.ID, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта платежей: %w", err)
	}
	return sum, nil
}

func (r *PgRepository) SumPurchasedTokensSince(ctx context.Context, owner Owner, since time.Time) (int64, error) {
	var sum int64
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM token_transactions
		WHERE owner_type = $1 AND owner_id = $2 AND type = 'purchase' AND created_at >= $3
	`, string(owner.Kind), owner.ID, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта покупок: %w", err)
	}
	return sum, nil
}

// ListOwnersDueForReset возвращает владельцев, у которых подошёл срок сброса бесплатных токенов.
func (r *PgRepository) ListOwnersDueForReset(ctx context.Context, now time.Time) ([]Owner, error) {
	rows, err := postgres.Conn(ctx, r.db).Query(ctx, `
		SELECT owner_type, owner_id FROM token_balances
		WHERE free_balance_reset_at <= $1
		ORDER BY id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска балансов для сброса: %w", err)
	}
	defer rows.Close()

	var out []Owner
	for rows.Next() {
		var (
			o    Owner
			kind string
		)
		if err := rows.Scan(&kind, &o.ID); err != nil {
			return nil, fmt.Errorf("ошибка сканирования владельца: %w", err)
		}
		o.Kind = OwnerKind(kind)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *PgRepository) FindPackage(ctx context.Context, id int64) (*Package, error) {
	var p Package
	err := postgres.Conn(ctx, r.db).QueryRow(ctx, `
		SELECT id, name, token_amount, price, currency, COALESCE(stripe_price_id, ''), is_active
		FROM token_packages WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.TokenAmount, &p.Price, &p.Currency, &p.StripePriceID, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("пакет %d: %w", id, common.ErrPackageNotFound)
		}
		return nil, fmt.Errorf("ошибка чтения пакета %d: %w", id, err)
	}
	return &p, nil
}

// ListPackages возвращает активные пакеты, дешёвые первыми.
func (r *PgRepository) ListPackages(ctx context.Context) ([]*Package, error) {
	rows, err := postgres.Conn(ctx, r.db).Query(ctx, `
		SELECT id, name, token_amount, price, currency, COALESCE(stripe_price_id, ''), is_active
		FROM token_packages WHERE is_active = TRUE
		ORDER BY price, id
	`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пакетов: %w", err)
	}
	defer rows.Close()

	var out []*Package
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.ID, &p.Name, &p.TokenAmount, &p.Price, &p.Currency, &p.StripePriceID, &p.IsActive); err != nil {
			return nil, fmt.Errorf("ошибка сканирования пакета: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
