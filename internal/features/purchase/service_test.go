package purchase_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/db/memory"
	"serotonyl.ru/token-ledger/internal/features/members"
	"serotonyl.ru/token-ledger/internal/features/notifications"
	"serotonyl.ru/token-ledger/internal/features/payment"
	"serotonyl.ru/token-ledger/internal/features/purchase"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

const (
	guardianID = int64(10)
	childID    = int64(20)
	strangerID = int64(30)
	loneID     = int64(40)
	familyID   = int64(5)
)

type fakeCheckout struct {
	keys []string
	err  error
}

func (f *fakeCheckout) CreateCheckoutIntent(_ context.Context, _ tokens.Account, _ *tokens.Package, key string) (*payment.Intent, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	return &payment.Intent{SessionID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

type env struct {
	store   *memory.Store
	ledger  *tokens.Service
	service *purchase.Service
	pkg     *tokens.Package
}

func newEnv(t *testing.T, granter func(ledger *tokens.Service) purchase.Granter) *env {
	t.Helper()
	store := memory.New()
	notifier := notifications.NewService(store, nil)
	ledger := tokens.NewService(store, store, notifier, tokens.Settings{FreeMonthly: 1000, LowThreshold: 200})
	memberService := members.NewService(store, nil)

	family, other := familyID, int64(6)
	store.PutMember(members.Member{UserID: guardianID, FirstName: "Мама", Role: members.RoleGuardian, GroupID: &family})
	store.PutMember(members.Member{UserID: childID, Username: "kid", Role: members.RoleDependent, GroupID: &family, RequiresPurchaseApproval: true})
	store.PutMember(members.Member{UserID: strangerID, FirstName: "Чужой", Role: members.RoleGuardian, GroupID: &other})
	store.PutMember(members.Member{UserID: loneID, FirstName: "Один"})

	e := &env{
		store:  store,
		ledger: ledger,
		pkg: store.AddPackage(tokens.Package{
			Name: "Старт", TokenAmount: 5000, Price: 19900, Currency: "rub",
			StripePriceID: "price_start", IsActive: true,
		}),
	}
	e.service = purchase.NewService(store, store, memberService, store, notifier, granter(ledger))
	return e
}

func direct(ledger *tokens.Service) purchase.Granter {
	return purchase.NewDirectGranter(ledger)
}

func (e *env) notificationsFor(userID int64, typ notifications.Type) []*notifications.Notification {
	var out []*notifications.Notification
	for _, n := range e.store.Notifications() {
		if n.UserID == userID && n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func TestCreate(t *testing.T) {
	e := newEnv(t, direct)
	ctx := context.Background()

	req, err := e.service.Create(ctx, childID, e.pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusPending, req.Status)
	assert.Equal(t, childID, req.RequesterID)
	assert.Nil(t, req.ApproverID)

	sent := e.notificationsFor(guardianID, notifications.TypePurchaseRequest)
	require.Len(t, sent, 1)
	assert.Equal(t, req.ID, sent[0].Data["request_id"])
	assert.Contains(t, sent[0].Message, "@kid")
	assert.Contains(t, sent[0].Message, "Старт")
}

func TestCreate_Rejections(t *testing.T) {
	e := newEnv(t, direct)
	ctx := context.Background()

	_, err := e.service.Create(ctx, loneID, e.pkg.ID)
	assert.ErrorIs(t, err, common.ErrNotDependent)

	_, err = e.service.Create(ctx, guardianID, e.pkg.ID)
	assert.ErrorIs(t, err, common.ErrNotDependent)

	_, err = e.service.Create(ctx, childID, 404)
	assert.ErrorIs(t, err, common.ErrPackageNotFound)

	family := familyID
	e.store.PutMember(members.Member{UserID: 21, Role: members.RoleDependent, GroupID: &family})
	_, err = e.service.Create(ctx, 21, e.pkg.ID)
	assert.ErrorIs(t, err, common.ErrApprovalNotRequired)

	_, err = e.service.Create(ctx, 999, e.pkg.ID)
	assert.ErrorIs(t, err, common.ErrUserNotFound)

	assert.Empty(t, e.store.Notifications(), "отказ не создаёт уведомлений")
}

func TestApprove_DirectCreditsTokens(t *testing.T) {
	e := newEnv(t, direct)
	ctx := context.Background()
	req, err := e.service.Create(ctx, childID, e.pkg.ID)
	require.NoError(t, err)

	approved, err := e.service.Approve(ctx, req.ID, guardianID)
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApproverID)
	assert.Equal(t, guardianID, *approved.ApproverID)
	assert.NotNil(t, approved.ResolvedAt)
	assert.Nil(t, approved.CheckoutURL)

	b, err := e.store.FindBalance(ctx, tokens.UserOwner(childID))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), b.PaidBalance)

	history, err := e.ledger.History(ctx, tokens.UserOwner(childID), 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].PaymentRef)
	assert.Equal(t, "manual_approval_1", *history[0].PaymentRef)

	sent := e.notificationsFor(childID, notifications.TypePurchaseApproved)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Message, "Токены уже на балансе")
}

func TestApprove_SharedPoolCreditsGroup(t *testing.T) {
	e := newEnv(t, direct)
	ctx := context.Background()
	family := familyID
	e.store.PutMember(members.Member{
		UserID: childID, Username: "kid", Role: members.RoleDependent, GroupID: &family,
		TokenMode: members.TokenModeGroup, RequiresPurchaseApproval: true,
	})

	req, err := e.service.Create(ctx, childID, e.pkg.ID)
	require.NoError(t, err)
	_, err = e.service.Approve(ctx, req.ID, guardianID)
	require.NoError(t, err)

	b, err := e.store.FindBalance(ctx, tokens.GroupOwner(familyID))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), b.PaidBalance)
}

func TestApprove_CheckoutStoresLink(t *testing.T) {
	checkout := &fakeCheckout{}
	e := newEnv(t, func(*tokens.Service) purchase.Granter { return purchase.NewCheckoutGranter(checkout) })
	ctx := context.Background()
	req, err := e.service.Create(ctx, childID, e.pkg.ID)
	require.NoError(t, err)

	approved, err := e.service.Approve(ctx, req.ID, guardianID)
	require.NoError(t, err)
	require.NotNil(t, approved.CheckoutURL)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", *approved.CheckoutURL)
	assert.Equal(t, []string{purchase.IdempotencyKey(req.ID)}, checkout.keys)

	stored, err := e.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusApproved, stored.Status)
	require.NotNil(t, stored.CheckoutURL)

	_, err = e.store.FindBalance(ctx, tokens.UserOwner(childID))
	assert.ErrorIs(t, err, common.ErrBalanceNotFound, "до оплаты токены не начисляются")

	sent := e.notificationsFor(childID, notifications.TypePurchaseApproved)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text(), "💳 Оплатить: https://checkout.stripe.com/c/pay/cs_test_1")
}

func TestApprove_GranterFailureRollsBack(t *testing.T) {
	checkout := &fakeCheckout{err: errors.New("stripe недоступен")}
	e := newEnv(t, func(*tokens.Service) purchase.Granter { return purchase.NewCheckoutGranter(checkout) })
	ctx := context.Background()
	req, err := e.service.Create(ctx, childID, e.pkg.ID)
	require.NoError(t, err)

	_, err = e.service.Approve(ctx, req.ID, guardianID)
	require.Error(t, err)

	stored, err := e.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusPending, stored.Status)
	assert.Nil(t, stored.ApproverID)
	assert.Empty(t, e.notificationsFor(childID, notifications.TypePurchaseApproved))

	// Повтор после сбоя идёт с тем же ключом идемпотентности
	checkout.err = nil
	_, err = e.service.Approve(ctx, req.ID, guardianID)
	require.NoError(t, err)
	require.Len(t, checkout.keys, 2)
	assert.Equal(t, checkout.keys[0], checkout.keys[1])
}

func TestApprove_ForbiddenActors(t *testing.T) {
	e := newEnv(t, direct)
	ctx := context.Background()
	req, err := e.service.Create(ctx, childID, e.pkg.ID)
	require.NoError(t, err)

	for _, actor := range []int64{strangerID, childID, loneID} {
		_, err = e.service.Approve(ctx, req.ID, actor)
		assert.ErrorIs(t, err, common.ErrForbiddenActor, "actor %d", actor)
		_, err = e.service.Reject(ctx, req.ID, actor, "")
		assert.ErrorIs(t, err, common.ErrForbiddenActor, "actor %d", actor)
	}

	_, err = e.service.Approve(ctx, 777, guardianID)
	assert.ErrorIs(t, err, common.ErrRequestNotFound)

	stored, err := e.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPending())
}

func TestResolvedRequestIsFinal(t *testing.T) {
	e := newEnv(t, direct)
	ctx := context.Background()
	req, err := e.service.Create(ctx, childID, e.pkg.ID)
	require.NoError(t, err)

	_, err = e.service.Approve(ctx, req.ID, guardianID)
	require.NoError(t, err)

	_, err = e.service.Approve(ctx, req.ID, guardianID)
	assert.ErrorIs(t, err, common.ErrInvalidRequestState)
	_, err = e.service.Reject(ctx, req.ID, guardianID, "поздно")
	assert.ErrorIs(t, err, common.ErrInvalidRequestState)
	_, err = e.service.Cancel(ctx, req.ID, childID)
	assert.ErrorIs(t, err, common.ErrInvalidRequestState)

	b, err := e.store.FindBalance(ctx, tokens.UserOwner(childID))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), b.PaidBalance, "повторное одобрение не начисляет")
}

func TestReject(t *testing.T) {
	e := newEnv(t, direct)
	ctx := context.Background()
	req, err := e.service.Create(ctx, childID, e.pkg.ID)
	require.NoError(t, err)

	rejected, err := e.service.Reject(ctx, req.ID, guardianID, "хватит на сегодня")
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "хватит на сегодня", *rejected.RejectionReason)

	sent := e.notificationsFor(childID, notifications.TypePurchaseRejected)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Message, "Причина: хватит на сегодня")

	_, err = e.store.FindBalance(ctx, tokens.UserOwner(childID))
	assert.ErrorIs(t, err, common.ErrBalanceNotFound)
}

func TestCancel(t *testing.T) {
	e := newEnv(t, direct)
	ctx := context.Background()
	req, err := e.service.Create(ctx, childID, e.pkg.ID)
	require.NoError(t, err)

	_, err = e.service.Cancel(ctx, req.ID, guardianID)
	assert.ErrorIs(t, err, common.ErrForbiddenActor)

	canceled, err := e.service.Cancel(ctx, req.ID, childID)
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusCanceled, canceled.Status)
	assert.Nil(t, canceled.ApproverID)
	assert.NotNil(t, canceled.ResolvedAt)
	assert.Len(t, e.notificationsFor(guardianID, notifications.TypePurchaseCanceled), 1)

	_, err = e.service.Cancel(ctx, req.ID, childID)
	assert.ErrorIs(t, err, common.ErrInvalidRequestState)
}

func TestListPending(t *testing.T) {
	e := newEnv(t, direct)
	ctx := context.Background()

	first, err := e.service.Create(ctx, childID, e.pkg.ID)
	require.NoError(t, err)
	second, err := e.service.Create(ctx, childID, e.pkg.ID)
	require.NoError(t, err)
	_, err = e.service.Reject(ctx, first.ID, guardianID, "")
	require.NoError(t, err)

	mine, err := e.service.ListPending(ctx, childID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, second.ID, mine[0].ID)

	forGuardian, err := e.service.ListPendingForGuardian(ctx, guardianID)
	require.NoError(t, err)
	require.Len(t, forGuardian, 1)
	assert.Equal(t, second.ID, forGuardian[0].ID)

	foreign, err := e.service.ListPendingForGuardian(ctx, strangerID)
	require.NoError(t, err)
	assert.Empty(t, foreign)

	_, err = e.service.ListPendingForGuardian(ctx, childID)
	assert.ErrorIs(t, err, common.ErrForbiddenActor)
}

func TestIdempotencyKey(t *testing.T) {
	key := purchase.IdempotencyKey(42)
	assert.Equal(t, key, purchase.IdempotencyKey(42))
	assert.NotEqual(t, key, purchase.IdempotencyKey(43))

	parsed, err := uuid.Parse(key)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
}
