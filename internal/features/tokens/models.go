// Package tokens ведёт учёт токенов: балансы (бесплатная и платная части),
// списания, доплаты и возвраты, ручные корректировки и неизменяемый журнал операций.
// models.go описывает структуры для балансов, транзакций и пакетов.
package tokens

import (
	"fmt"
	"math"
	"time"
)

// OwnerKind: тип владельца баланса.
type OwnerKind string

const (
	OwnerUser  OwnerKind = "user"  // Личный баланс пользователя
	OwnerGroup OwnerKind = "group" // Общий баланс семьи/группы
)

// Owner описывает владельца баланса: ровно один тип и один ID.
type Owner struct {
	Kind OwnerKind
	ID   int64
}

// UserOwner: личный баланс пользователя.
func UserOwner(userID int64) Owner {
	return Owner{Kind: OwnerUser, ID: userID}
}

// GroupOwner: общий баланс группы.
func GroupOwner(groupID int64) Owner {
	return Owner{Kind: OwnerGroup, ID: groupID}
}

func (o Owner) String() string {
	return fmt.Sprintf("%s:%d", o.Kind, o.ID)
}

// Balance: баланс владельца.
// Balance всегда равен FreeBalance + PaidBalance: поле пересчитывается при каждом изменении.
type Balance struct {
	ID                     int64     `db:"id"`
	Owner                  Owner     `db:"-"`
	Balance                int64     `db:"balance"`          // Сколько можно потратить всего
	FreeBalance            int64     `db:"free_balance"`     // Бесплатные токены месяца (тратятся первыми)
	PaidBalance            int64     `db:"paid_balance"`     // Купленные, возвращённые, начисленные админом
	TotalConsumed          int64     `db:"total_consumed"`   // Потрачено за всё время
	MonthlyConsumed        int64     `db:"monthly_consumed"` // Потрачено с последнего сброса
	FreeBalanceResetAt     time.Time `db:"free_balance_reset_at"`
	MonthlyConsumedResetAt time.Time `db:"monthly_consumed_reset_at"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

func (b *Balance) recompute() {
	b.Balance = b.FreeBalance + b.PaidBalance
}

// canCredit: начисление amount на платную часть не переполнит int64.
// Обе части неотрицательны, поэтому достаточно проверить общий баланс.
func (b *Balance) canCredit(amount int64) bool {
	return amount <= math.MaxInt64-b.Balance
}

// TxType: тип операции в журнале.
type TxType string

const (
	TxConsume     TxType = "consume"      // Списание за использование
	TxPurchase    TxType = "purchase"     // Покупка пакета
	TxAdminAdjust TxType = "admin_adjust" // Ручная корректировка админом
	TxFreeReset   TxType = "free_reset"   // Ежемесячный сброс бесплатных токенов
	TxRefund      TxType = "refund"       // Возврат (разница при расчёте)
	TxAIUsage     TxType = "ai_usage"     // Учёт фактической стоимости AI (без списания)
)

// Related: ссылка на сущность, за которую списали/начислили токены.
type Related struct {
	Type string
	ID   int64
}

// Transaction: запись журнала. Никогда не изменяется и не удаляется.
type Transaction struct {
	ID           int64          `db:"id"`
	Owner        Owner          `db:"-"`
	UserID       *int64         `db:"user_id"` // Кто действовал (nil для системных операций)
	Type         TxType         `db:"type"`
	Amount       int64          `db:"amount"`        // Со знаком: списания отрицательные
	BalanceAfter int64          `db:"balance_after"` // Balance сразу после операции
	Reason       string         `db:"reason"`
	Related      *Related       `db:"-"`
	Metadata     map[string]any `db:"metadata"`
	AdminUserID  *int64         `db:"admin_user_id"`
	AdminNote    *string        `db:"admin_note"`
	PaymentRef   *string        `db:"payment_ref"` // ID платежа (только для purchase)
	CreatedAt    time.Time      `db:"created_at"`
}

// Account: кто тратит токены и с какого баланса.
// Плательщик вычисляется один раз и не меняется внутри операции.
type Account struct {
	UserID     int64
	GroupID    *int64
	SharedPool bool // Пользователь тратит общий баланс группы
}

// Payer возвращает владельца баланса, с которого идут списания и начисления.
func (a Account) Payer() Owner {
	if a.SharedPool && a.GroupID != nil {
		return GroupOwner(*a.GroupID)
	}
	return UserOwner(a.UserID)
}

// Package описывает пакет токенов из каталога (только чтение).
type Package struct {
	ID            int64  `db:"id"`
	Name          string `db:"name"`
	TokenAmount   int64  `db:"token_amount"`
	Price         int64  `db:"price"` // В минимальных единицах валюты
	Currency      string `db:"currency"`
	StripePriceID string `db:"stripe_price_id"`
	IsActive      bool   `db:"is_active"`
}

// Статусы и способы оплаты в payment_history.
const (
	PaymentSucceeded = "succeeded"

	MethodCard           = "card"
	MethodManualApproval = "manual_approval"
)

// PaymentRecord: запись истории платежей.
type PaymentRecord struct {
	ID          int64     `db:"id"`
	Owner       Owner     `db:"-"`
	UserID      int64     `db:"user_id"`
	PaymentRef  string    `db:"payment_ref"`
	PackageID   int64     `db:"package_id"`
	Amount      int64     `db:"amount"` // Деньги, в минимальных единицах
	Currency    string    `db:"currency"`
	TokenAmount int64     `db:"token_amount"`
	Status      string    `db:"status"`
	Method      string    `db:"method"`
	CreatedAt   time.Time `db:"created_at"`
}

// HistoryStats: статистика за текущий месяц.
type HistoryStats struct {
	MonthlyPurchaseAmount int64 // Потрачено денег на покупки
	MonthlyPurchaseTokens int64 // Куплено токенов
	MonthlyUsage          int64 // Потрачено токенов
}
