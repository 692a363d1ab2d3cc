// Package purchase реализует запросы ребёнка на покупку пакета токенов
// и их одобрение родителем.
//
// Переходы: pending → approved | rejected | canceled. Решённый запрос больше не меняется.
package purchase

import "time"

// Status: статус запроса.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusCanceled Status = "canceled"
)

// Request: запрос на покупку.
type Request struct {
	ID              int64      `db:"id"`
	RequesterID     int64      `db:"requester_id"` // Кто просит (ребёнок)
	PackageID       int64      `db:"package_id"`
	Status          Status     `db:"status"`
	ApproverID      *int64     `db:"approver_id"` // Кто решил (родитель), nil до решения
	RejectionReason *string    `db:"rejection_reason"`
	CheckoutURL     *string    `db:"checkout_url"` // Ссылка на оплату после одобрения
	CreatedAt       time.Time  `db:"created_at"`
	ResolvedAt      *time.Time `db:"resolved_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// IsPending: запрос ещё ждёт решения.
func (r *Request) IsPending() bool {
	return r.Status == StatusPending
}

// Grant: результат выдачи токенов после одобрения.
type Grant struct {
	CheckoutURL string // Заполнено в режиме checkout
	Credited    bool   // Токены уже зачислены (режим direct)
}
