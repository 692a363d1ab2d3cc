package purchase

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"serotonyl.ru/token-ledger/internal/features/members"
	"serotonyl.ru/token-ledger/internal/features/payment"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

// DirectGranter сразу зачисляет пакет на баланс ребёнка (без оплаты).
type DirectGranter struct {
	ledger *tokens.Service
}

func NewDirectGranter(ledger *tokens.Service) *DirectGranter {
	return &DirectGranter{ledger: ledger}
}

// Grant зачисляет пакет в той же транзакции, что и одобрение.
func (g *DirectGranter) Grant(ctx context.Context, req *Request, requester *members.Member, pkg *tokens.Package) (Grant, error) {
	ref := fmt.Sprintf("manual_approval_%d", req.ID)
	res := g.ledger.CreditPurchase(ctx, requester.Account(), pkg, ref, tokens.MethodManualApproval)
	if !res.OK() {
		return Grant{}, res.AsError()
	}
	return Grant{Credited: true}, nil
}

// CheckoutCreator создаёт сессию оплаты. Реализация: payment.Service.
type CheckoutCreator interface {
	CreateCheckoutIntent(ctx context.Context, acc tokens.Account, pkg *tokens.Package, idempotencyKey string) (*payment.Intent, error)
}

// CheckoutGranter создаёт для ребёнка ссылку на оплату.
// Токены зачислит webhook после оплаты.
type CheckoutGranter struct {
	checkout CheckoutCreator
}

func NewCheckoutGranter(checkout CheckoutCreator) *CheckoutGranter {
	return &CheckoutGranter{checkout: checkout}
}

// Grant создаёт сессию оплаты с ключом идемпотентности от ID запроса:
// повтор после сбоя вернёт ту же сессию, а не создаст вторую.
func (g *CheckoutGranter) Grant(ctx context.Context, req *Request, requester *members.Member, pkg *tokens.Package) (Grant, error) {
	key := IdempotencyKey(req.ID)
	intent, err := g.checkout.CreateCheckoutIntent(ctx, requester.Account(), pkg, key)
	if err != nil {
		return Grant{}, err
	}
	return Grant{CheckoutURL: intent.URL}, nil
}

// IdempotencyKey: детерминированный UUIDv5 для запроса на покупку.
func IdempotencyKey(requestID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("purchase-request:%d", requestID))).String()
}
