// Package payment (service.go): создание оплаты и обработка подтверждений.
//
// Сессия оплаты несёт в метаданных user_id, package_id, token_amount и purchase_type,
// поэтому подтверждение восстанавливает покупку без локальной таблицы ожидающих оплат.
// Повторная доставка одного платежа отсекается по payment_ref в журнале токенов.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

// Processor: платёжная система.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error)
}

// AccountResolver находит, с какого баланса пользователь платит.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, userID int64) (tokens.Account, error)
}

// Service: сервис оплаты пакетов.
type Service struct {
	processor  Processor
	ledger     *tokens.Service
	accounts   AccountResolver
	successURL string
	cancelURL  string
}

// NewService создаёт сервис оплаты. processor может быть nil, тогда оплата недоступна,
// но подтверждения (webhook) обрабатываются.
func NewService(processor Processor, ledger *tokens.Service, accounts AccountResolver, successURL, cancelURL string) *Service {
	return &Service{
		processor:  processor,
		ledger:     ledger,
		accounts:   accounts,
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

// Enabled: оплата картой настроена.
func (s *Service) Enabled() bool {
	return s.processor != nil
}

// CreateCheckoutIntent создаёт сессию оплаты пакета для пользователя.
// Пустой idempotencyKey заменяется случайным.
func (s *Service) CreateCheckoutIntent(ctx context.Context, acc tokens.Account, pkg *tokens.Package, idempotencyKey string) (*Intent, error) {
	fields := log.Fields{
		"user_id":    acc.UserID,
		"package_id": pkg.ID,
	}
	if s.processor == nil {
		return nil, fmt.Errorf("оплата не настроена: %w", common.ErrIntegration)
	}
	if pkg.StripePriceID == "" {
		log.WithFields(fields).Error("У пакета нет stripe_price_id")
		return nil, fmt.Errorf("пакет %d без цены в Stripe: %w", pkg.ID, common.ErrIntegration)
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	userID := strconv.FormatInt(acc.UserID, 10)
	sess, err := s.processor.CreateCheckoutSession(ctx, CheckoutParams{
		PriceID:           pkg.StripePriceID,
		ClientReferenceID: userID,
		Metadata: map[string]string{
			MetaUserID:       userID,
			MetaPackageID:    strconv.FormatInt(pkg.ID, 10),
			MetaTokenAmount:  strconv.FormatInt(pkg.TokenAmount, 10),
			MetaPurchaseType: PurchaseTypeTokens,
		},
		SuccessURL:     s.successURL,
		CancelURL:      s.cancelURL,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		log.WithError(err).WithFields(fields).Error("Ошибка создания сессии оплаты")
		return nil, fmt.Errorf("%w: %v", common.ErrIntegration, err)
	}
	return &Intent{SessionID: sess.ID, URL: sess.URL}, nil
}

// OnCheckoutConfirmed зачисляет пакет по завершённой сессии оплаты
// (checkout.session.completed и checkout.session.async_payment_succeeded).
//
// user_id берётся из метаданных, а если их нет, то из client_reference_id.
// Неоплаченная сессия (асинхронный способ оплаты) ничего не зачисляет: пакет придёт
// с payment_intent.succeeded или async_payment_succeeded.
// Ссылкой на платёж всегда служит ID PaymentIntent, как и в OnPaymentConfirmed.
// ID сессии используется только для сессий без оплаты, у которых PaymentIntent не бывает.
func (s *Service) OnCheckoutConfirmed(ctx context.Context, sess *stripe.CheckoutSession) tokens.Result {
	if sess.Mode != stripe.CheckoutSessionModePayment {
		return tokens.Result{Outcome: tokens.OutcomeOK}
	}
	if t := sess.Metadata[MetaPurchaseType]; t != "" && t != PurchaseTypeTokens {
		return tokens.Result{Outcome: tokens.OutcomeOK}
	}

	fields := log.Fields{
		"session_id":     sess.ID,
		"payment_status": sess.PaymentStatus,
	}
	switch sess.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
	default:
		log.WithFields(fields).Info("Сессия завершена без оплаты, ждём подтверждения платежа")
		return tokens.Result{Outcome: tokens.OutcomeOK}
	}

	userRaw := sess.Metadata[MetaUserID]
	if userRaw == "" {
		userRaw = sess.ClientReferenceID
	}
	var ref string
	if sess.PaymentIntent != nil {
		ref = sess.PaymentIntent.ID
	}
	if ref == "" {
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			log.WithFields(fields).Error("В оплаченной сессии нет payment_intent")
			return tokens.Result{
				Outcome: tokens.OutcomeDomainViolation,
				Err:     fmt.Errorf("сессия %s без payment_intent: %w", sess.ID, common.ErrMalformedWebhook),
			}
		}
		ref = sess.ID
	}
	return s.credit(ctx, userRaw, sess.Metadata[MetaPackageID], ref, fields)
}

// OnPaymentConfirmed обрабатывает payment_intent.succeeded.
// Платёж без наших метаданных пропускается: его обрабатывает checkout.session.completed.
// Платёж с метаданными зачисляется с той же ссылкой, что и по сессии, поэтому дважды не зачислится.
func (s *Service) OnPaymentConfirmed(ctx context.Context, pi *stripe.PaymentIntent) tokens.Result {
	if pi.Metadata[MetaPurchaseType] != PurchaseTypeTokens {
		log.WithField("payment_intent_id", pi.ID).Debug("Платёж без метаданных покупки токенов, пропускаем")
		return tokens.Result{Outcome: tokens.OutcomeOK}
	}
	return s.credit(ctx, pi.Metadata[MetaUserID], pi.Metadata[MetaPackageID], pi.ID, log.Fields{"payment_intent_id": pi.ID})
}

func (s *Service) credit(ctx context.Context, userRaw, packageRaw, ref string, fields log.Fields) tokens.Result {
	userID, err := strconv.ParseInt(userRaw, 10, 64)
	if err != nil || userID <= 0 {
		log.WithFields(fields).WithField("user_id", userRaw).Error("В платеже нет user_id")
		return tokens.Result{Outcome: tokens.OutcomeDomainViolation, Err: fmt.Errorf("user_id %q: %w", userRaw, common.ErrMalformedWebhook)}
	}
	packageID, err := strconv.ParseInt(packageRaw, 10, 64)
	if err != nil || packageID <= 0 {
		log.WithFields(fields).WithField("package_id", packageRaw).Error("В платеже нет package_id")
		return tokens.Result{Outcome: tokens.OutcomeDomainViolation, Err: fmt.Errorf("package_id %q: %w", packageRaw, common.ErrMalformedWebhook)}
	}
	fields["user_id"], fields["package_id"], fields["payment_ref"] = userID, packageID, ref

	pkg, err := s.ledger.FindPackage(ctx, packageID)
	if err != nil {
		log.WithError(err).WithFields(fields).Error("Пакет из платежа не найден")
		if errors.Is(err, common.ErrPackageNotFound) {
			return tokens.Result{Outcome: tokens.OutcomeDomainViolation, Err: err}
		}
		return tokens.Result{Outcome: tokens.OutcomeIntegrationFailure, Err: err}
	}

	acc, err := s.accounts.ResolveAccount(ctx, userID)
	if err != nil {
		if !errors.Is(err, common.ErrUserNotFound) {
			return tokens.Result{Outcome: tokens.OutcomeIntegrationFailure, Err: err}
		}
		log.WithFields(fields).Warn("Покупатель не найден, зачисляем на личный баланс")
		acc = tokens.Account{UserID: userID}
	}

	return s.ledger.CreditPurchase(ctx, acc, pkg, ref, tokens.MethodCard)
}
