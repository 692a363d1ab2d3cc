// Package payment (webhook.go) принимает события Stripe по HTTP (gin).
package payment

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

// maxWebhookBody: Stripe не присылает события больше 64 КБ.
const maxWebhookBody = 64 << 10

// EventVerifier проверяет подпись и разбирает событие.
type EventVerifier interface {
	VerifyAndParseWebhook(payload []byte, signature string) (*stripe.Event, error)
}

// WebhookHandler: обработчик POST /webhooks/stripe.
type WebhookHandler struct {
	verifier EventVerifier
	events   EventRepository
	service  *Service
}

func NewWebhookHandler(verifier EventVerifier, events EventRepository, service *Service) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, events: events, service: service}
}

// RegisterRoutes подключает webhook и /metrics. Без Stripe (h == nil) остаются только /metrics и /health.
func RegisterRoutes(r *gin.Engine, h *WebhookHandler) {
	if h != nil {
		r.POST("/webhooks/stripe", h.HandleStripe)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// HandleStripe отвечает 400 на неверную подпись или данные, 500 на ошибку обработки (Stripe повторит)
// и 200, если событие обработано сейчас или раньше.
func (h *WebhookHandler) HandleStripe(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}

	event, err := h.verifier.VerifyAndParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		log.WithError(err).Warn("Webhook Stripe с неверной подписью")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	ctx := c.Request.Context()
	fields := log.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	}

	done, err := h.events.WebhookProcessed(ctx, ProviderStripe, event.ID)
	if err != nil {
		log.WithError(err).WithFields(fields).Error("Ошибка проверки webhook-события")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
		return
	}
	if done {
		log.WithFields(fields).Info("Webhook-событие уже обработано")
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	}

	if err := h.dispatch(ctx, event); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, common.ErrMalformedWebhook) || errors.Is(err, common.ErrPackageNotFound) {
			status = http.StatusBadRequest
		}
		log.WithError(err).WithFields(fields).Error("Ошибка обработки webhook Stripe")
		c.JSON(status, gin.H{"error": string(common.CodeOf(err))})
		return
	}

	if err := h.events.MarkWebhookProcessed(ctx, ProviderStripe, event.ID, string(event.Type)); err != nil {
		// Повторная доставка всё равно не зачислит дважды: есть dedup по payment_ref
		log.WithError(err).WithFields(fields).Warn("Не удалось отметить webhook-событие")
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *WebhookHandler) dispatch(ctx context.Context, event *stripe.Event) error {
	if event.Data == nil {
		return common.ErrMalformedWebhook
	}

	var res tokens.Result
	switch string(event.Type) {
	case EventCheckoutCompleted, EventCheckoutAsyncSuccess:
		var sess stripe.CheckoutSession
		if err := sess.UnmarshalJSON(event.Data.Raw); err != nil {
			return errors.Join(common.ErrMalformedWebhook, err)
		}
		res = h.service.OnCheckoutConfirmed(ctx, &sess)
	case EventPaymentSucceeded:
		var pi stripe.PaymentIntent
		if err := pi.UnmarshalJSON(event.Data.Raw); err != nil {
			return errors.Join(common.ErrMalformedWebhook, err)
		}
		res = h.service.OnPaymentConfirmed(ctx, &pi)
	case EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := pi.UnmarshalJSON(event.Data.Raw); err == nil {
			log.WithFields(log.Fields{
				"payment_intent_id": pi.ID,
				"user_id":           pi.Metadata[MetaUserID],
			}).Warn("Платёж не прошёл")
		}
		return nil
	default:
		log.WithField("event_type", event.Type).Debug("Необрабатываемый тип события Stripe")
		return nil
	}

	if res.Duplicate {
		log.WithField("event_id", event.ID).Info("Платёж уже был зачислен ранее")
	}
	return res.AsError()
}
