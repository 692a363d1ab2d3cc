// Package notifications хранит уведомления пользователям (outbox) и доставляет их в Telegram.
// Ядро только создаёт записи в таблице notifications, доставка идёт отдельной задачей.
package notifications

import "time"

// Type: тип уведомления.
type Type string

const (
	TypeTokenLow         Type = "token_low"         // Токенов осталось мало
	TypeTokenDepleted    Type = "token_depleted"    // Токены закончились
	TypePurchaseRequest  Type = "purchase_request"  // Ребёнок просит купить пакет
	TypePurchaseApproved Type = "purchase_approved" // Родитель одобрил покупку
	TypePurchaseRejected Type = "purchase_rejected" // Родитель отклонил покупку
	TypePurchaseCanceled Type = "purchase_canceled" // Ребёнок отменил запрос
)

// Notification: одна запись outbox.
type Notification struct {
	ID          int64          `db:"id"`
	UserID      int64          `db:"user_id"` // Кому (Telegram user ID, он же chat ID лички)
	Type        Type           `db:"type"`
	Title       string         `db:"title"`
	Message     string         `db:"message"`
	Data        map[string]any `db:"data"` // Произвольные данные (баланс, ID запроса, ссылка на оплату)
	CreatedAt   time.Time      `db:"created_at"`
	DeliveredAt *time.Time     `db:"delivered_at"` // nil: ещё не доставлено

	Attempts      int       `db:"attempts"`        // Неудачных попыток доставки
	NextAttemptAt time.Time `db:"next_attempt_at"` // Раньше этого времени не отправляем
}

// Text собирает текст сообщения для Telegram.
func (n *Notification) Text() string {
	text := "🔔 " + n.Title
	if n.Message != "" {
		text += "\n\n" + n.Message
	}
	if url, ok := n.Data["checkout_url"].(string); ok && url != "" {
		text += "\n\n💳 Оплатить: " + url
	}
	return text
}
