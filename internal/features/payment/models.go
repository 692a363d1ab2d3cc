// Package payment связывает пакеты токенов со Stripe: создаёт сессии оплаты
// и по webhook зачисляет оплаченные пакеты ровно один раз.
package payment

// Ключи метаданных сессии оплаты.
const (
	MetaUserID       = "user_id"
	MetaPackageID    = "package_id"
	MetaTokenAmount  = "token_amount"
	MetaPurchaseType = "purchase_type"

	PurchaseTypeTokens = "token_purchase"
)

// Типы событий Stripe, которые мы обрабатываем.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventCheckoutAsyncSuccess = "checkout.session.async_payment_succeeded"
	EventPaymentSucceeded     = "payment_intent.succeeded"
	EventPaymentFailed        = "payment_intent.payment_failed"
)

// ProviderStripe: провайдер в таблице webhook_events.
const ProviderStripe = "stripe"

// Intent: созданная сессия оплаты.
type Intent struct {
	SessionID string
	URL       string
}
