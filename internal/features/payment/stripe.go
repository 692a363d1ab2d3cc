package payment

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeClient: обёртка над stripe-go для разовых платежей за пакеты.
type StripeClient struct {
	webhookSecret string
}

// StripeConfig: ключи Stripe.
type StripeConfig struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
}

// NewStripeClient создаёт клиента. stripe-go использует глобальный ключ API.
func NewStripeClient(cfg StripeConfig) *StripeClient {
	stripe.Key = cfg.SecretKey
	return &StripeClient{webhookSecret: cfg.WebhookSecret}
}

// CheckoutParams: параметры сессии оплаты пакета.
type CheckoutParams struct {
	PriceID           string
	ClientReferenceID string
	Metadata          map[string]string
	SuccessURL        string
	CancelURL         string
	IdempotencyKey    string
}

// CreateCheckoutSession создаёт сессию Stripe Checkout в режиме разового платежа.
// Метаданные копируются и в PaymentIntent, чтобы payment_intent.succeeded можно было сопоставить.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.ClientReferenceID),
		Metadata:          p.Metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: p.Metadata,
		},
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать сессию оплаты: %w", err)
	}

	log.WithFields(log.Fields{
		"session_id": sess.ID,
		"price_id":   p.PriceID,
		"reference":  p.ClientReferenceID,
	}).Info("Создана сессия Stripe Checkout")
	return sess, nil
}

// VerifyAndParseWebhook проверяет подпись Stripe-Signature и разбирает событие.
func (c *StripeClient) VerifyAndParseWebhook(payload []byte, signature string) (*stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки подписи webhook: %w", err)
	}
	return &event, nil
}
