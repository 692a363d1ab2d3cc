package tokens_test

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/token-ledger/internal/common"
	"serotonyl.ru/token-ledger/internal/db/memory"
	"serotonyl.ru/token-ledger/internal/features/notifications"
	"serotonyl.ru/token-ledger/internal/features/tokens"
)

const (
	freeMonthly  = 1000
	lowThreshold = 200
)

type fixture struct {
	store  *memory.Store
	ledger *tokens.Service
	mu     sync.Mutex
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		now:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(f.clock)
	notifier := notifications.NewService(f.store, nil)
	notifier.SetClock(f.clock)
	f.ledger = tokens.NewService(f.store, f.store, notifier, tokens.Settings{
		FreeMonthly:  freeMonthly,
		LowThreshold: lowThreshold,
		Location:     time.UTC,
		Clock:        f.clock,
	})
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) balance(t *testing.T, owner tokens.Owner) *tokens.Balance {
	t.Helper()
	b, err := f.store.FindBalance(context.Background(), owner)
	require.NoError(t, err)
	return b
}

func (f *fixture) buy(t *testing.T, acc tokens.Account, amount int64, ref string) tokens.Result {
	t.Helper()
	pkg := &tokens.Package{ID: 1, Name: "Test", TokenAmount: amount, Price: 9900, Currency: "rub", IsActive: true}
	res := f.ledger.CreditPurchase(context.Background(), acc, pkg, ref, tokens.MethodCard)
	require.True(t, res.OK(), "credit purchase: %v", res.Err)
	return res
}

// requireConsistent проверяет: баланс = free + paid, части неотрицательны, журнал сходится с балансом.
func requireConsistent(t *testing.T, f *fixture, owner tokens.Owner) {
	t.Helper()
	b := f.balance(t, owner)
	require.Equal(t, b.FreeBalance+b.PaidBalance, b.Balance)
	require.GreaterOrEqual(t, b.FreeBalance, int64(0))
	require.GreaterOrEqual(t, b.PaidBalance, int64(0))

	history, err := f.store.ListTransactions(context.Background(), owner, 0)
	require.NoError(t, err)
	sum := int64(freeMonthly)
	for _, tx := range history {
		if tx.Type == tokens.TxAIUsage {
			continue
		}
		sum += tx.Amount
	}
	require.Equal(t, sum, b.Balance, "журнал не сходится с балансом")
}

func user(id int64) tokens.Account {
	return tokens.Account{UserID: id}
}

func TestGetOrCreateBalance_SeedsFreeAllotment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.ledger.GetOrCreateBalance(ctx, tokens.UserOwner(1))
	require.NoError(t, err)
	assert.Equal(t, int64(freeMonthly), b.Balance)
	assert.Equal(t, int64(freeMonthly), b.FreeBalance)
	assert.Zero(t, b.PaidBalance)
	assert.Equal(t, f.clock().AddDate(0, 1, 0), b.FreeBalanceResetAt)

	again, err := f.ledger.GetOrCreateBalance(ctx, tokens.UserOwner(1))
	require.NoError(t, err)
	assert.Equal(t, b.ID, again.ID)
}

func TestCheckBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, f.ledger.CheckBalance(ctx, user(1), freeMonthly))
	assert.False(t, f.ledger.CheckBalance(ctx, user(1), freeMonthly+1))
}

func TestConsume_FreeFirstThenPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.buy(t, user(1), 500, "pi_1")

	res := f.ledger.Consume(ctx, user(1), 1200, "chat", &tokens.Related{Type: "message", ID: 42})
	require.True(t, res.OK())
	assert.Equal(t, int64(300), res.Balance.Balance)
	assert.Zero(t, res.Balance.FreeBalance)
	assert.Equal(t, int64(300), res.Balance.PaidBalance)
	assert.Equal(t, int64(1200), res.Balance.TotalConsumed)
	assert.Equal(t, int64(1200), res.Balance.MonthlyConsumed)

	require.NotNil(t, res.Transaction)
	assert.Equal(t, tokens.TxConsume, res.Transaction.Type)
	assert.Equal(t, int64(-1200), res.Transaction.Amount)
	assert.Equal(t, int64(300), res.Transaction.BalanceAfter)
	require.NotNil(t, res.Transaction.Related)
	assert.Equal(t, int64(42), res.Transaction.Related.ID)

	requireConsistent(t, f, tokens.UserOwner(1))
}

func TestConsume_InsufficientFundsChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := testutil.ToFloat64(tokens.OperationsCounter("consume", tokens.OutcomeInsufficientFunds))

	res := f.ledger.Consume(ctx, user(1), freeMonthly+1, "chat", nil)
	assert.Equal(t, tokens.OutcomeInsufficientFunds, res.Outcome)
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.AsError(), common.ErrInsufficientBalance)
	assert.Nil(t, res.Transaction)

	b := f.balance(t, tokens.UserOwner(1))
	assert.Equal(t, int64(freeMonthly), b.Balance)
	assert.Zero(t, b.TotalConsumed)

	history, err := f.ledger.History(ctx, tokens.UserOwner(1), 10)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, before+1, testutil.ToFloat64(tokens.OperationsCounter("consume", tokens.OutcomeInsufficientFunds)))
}

func TestConsume_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)

	for _, amount := range []int64{0, -5} {
		res := f.ledger.Consume(context.Background(), user(1), amount, "chat", nil)
		assert.Equal(t, tokens.OutcomeDomainViolation, res.Outcome)
		assert.ErrorIs(t, res.Err, common.ErrInvalidAmount)
	}
}

func TestConsume_SharedPoolChargesGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := int64(7)
	acc := tokens.Account{UserID: 1, GroupID: &group, SharedPool: true}

	res := f.ledger.Consume(ctx, acc, 100, "chat", nil)
	require.True(t, res.OK())
	assert.Equal(t, tokens.GroupOwner(7), res.Balance.Owner)
	require.NotNil(t, res.Transaction.UserID)
	assert.Equal(t, int64(1), *res.Transaction.UserID)

	_, err := f.store.FindBalance(ctx, tokens.UserOwner(1))
	assert.ErrorIs(t, err, common.ErrBalanceNotFound)

	// Без флага пула платит личный баланс, даже если есть группа
	res = f.ledger.Consume(ctx, tokens.Account{UserID: 1, GroupID: &group}, 100, "chat", nil)
	require.True(t, res.OK())
	assert.Equal(t, tokens.UserOwner(1), res.Balance.Owner)
}

func TestConsume_LowBalanceNotifiesOncePerDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.ledger.Consume(ctx, user(1), 700, "chat", nil).OK())
	assert.Empty(t, f.store.Notifications(), "300 выше порога")

	require.True(t, f.ledger.Consume(ctx, user(1), 150, "chat", nil).OK())
	require.True(t, f.ledger.Consume(ctx, user(1), 10, "chat", nil).OK())
	low := byType(f.store.Notifications(), notifications.TypeTokenLow)
	require.Len(t, low, 1)
	assert.Equal(t, int64(1), low[0].UserID)

	f.advance(25 * time.Hour)
	require.True(t, f.ledger.Consume(ctx, user(1), 10, "chat", nil).OK())
	assert.Len(t, byType(f.store.Notifications(), notifications.TypeTokenLow), 2)
}

func TestConsume_LowBalanceWindowIsPerMemberOfPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := int64(7)
	mom := tokens.Account{UserID: 1, GroupID: &group, SharedPool: true}
	kid := tokens.Account{UserID: 2, GroupID: &group, SharedPool: true}

	require.True(t, f.ledger.Consume(ctx, mom, 850, "chat", nil).OK())
	require.True(t, f.ledger.Consume(ctx, mom, 10, "chat", nil).OK())
	require.True(t, f.ledger.Consume(ctx, kid, 10, "chat", nil).OK())
	require.True(t, f.ledger.Consume(ctx, kid, 10, "chat", nil).OK())

	low := byType(f.store.Notifications(), notifications.TypeTokenLow)
	require.Len(t, low, 2, "по одному предупреждению на участника в сутки")
	assert.ElementsMatch(t, []int64{1, 2}, []int64{low[0].UserID, low[1].UserID})
}

func TestConsume_DepletedNotifiesEveryTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.ledger.Consume(ctx, user(1), freeMonthly, "chat", nil).OK())
	f.buy(t, user(1), 50, "pi_refill")
	require.True(t, f.ledger.Consume(ctx, user(1), 50, "chat", nil).OK())

	assert.Len(t, byType(f.store.Notifications(), notifications.TypeTokenDepleted), 2)
	assert.Empty(t, byType(f.store.Notifications(), notifications.TypeTokenLow))
}

func TestConsume_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 150
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		refused   atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.ledger.Consume(ctx, user(1), 10, "parallel", nil)
			switch res.Outcome {
			case tokens.OutcomeOK:
				succeeded.Add(1)
			case tokens.OutcomeInsufficientFunds:
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(freeMonthly/10), succeeded.Load())
	assert.Equal(t, int64(workers-freeMonthly/10), refused.Load())
	assert.Zero(t, f.balance(t, tokens.UserOwner(1)).Balance)
	requireConsistent(t, f, tokens.UserOwner(1))
}

func TestRecordAICost_LeavesBalanceUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	usage := map[string]any{"model": "gpt", "input_tokens": 120}
	res := f.ledger.RecordAICost(ctx, user(1), 37, "ai", nil, usage)
	require.True(t, res.OK())
	assert.Equal(t, tokens.TxAIUsage, res.Transaction.Type)
	assert.Equal(t, int64(-37), res.Transaction.Amount)
	assert.Equal(t, int64(freeMonthly), res.Transaction.BalanceAfter)
	assert.Equal(t, "gpt", res.Transaction.Metadata["model"])
	assert.Equal(t, int64(freeMonthly), f.balance(t, tokens.UserOwner(1)).Balance)
}

func TestSettle(t *testing.T) {
	ctx := context.Background()

	t.Run("exact estimate", func(t *testing.T) {
		f := newFixture(t)
		require.True(t, f.ledger.Consume(ctx, user(1), 100, "op", nil).OK())

		res := f.ledger.Settle(ctx, user(1), 100, 100, "op", nil)
		assert.True(t, res.OK())
		assert.Nil(t, res.Transaction)
		assert.Equal(t, int64(900), f.balance(t, tokens.UserOwner(1)).Balance)
	})

	t.Run("overestimate refunds difference to paid", func(t *testing.T) {
		f := newFixture(t)
		require.True(t, f.ledger.Consume(ctx, user(1), 100, "op", nil).OK())

		res := f.ledger.Settle(ctx, user(1), 100, 60, "op", nil)
		require.True(t, res.OK())
		assert.Equal(t, tokens.TxRefund, res.Transaction.Type)
		assert.Equal(t, int64(40), res.Transaction.Amount)
		assert.Equal(t, "op (возврат разницы)", res.Transaction.Reason)

		b := f.balance(t, tokens.UserOwner(1))
		assert.Equal(t, int64(900), b.FreeBalance, "бесплатные возвратом не восстанавливаются")
		assert.Equal(t, int64(40), b.PaidBalance)
		requireConsistent(t, f, tokens.UserOwner(1))
	})

	t.Run("underestimate charges shortfall", func(t *testing.T) {
		f := newFixture(t)
		require.True(t, f.ledger.Consume(ctx, user(1), 100, "op", nil).OK())

		res := f.ledger.Settle(ctx, user(1), 100, 150, "op", nil)
		require.True(t, res.OK())
		assert.Equal(t, int64(-50), res.Transaction.Amount)
		assert.Equal(t, "op (доплата)", res.Transaction.Reason)
		assert.Equal(t, int64(850), f.balance(t, tokens.UserOwner(1)).Balance)
	})

	t.Run("shortfall refunds prepayment and fails", func(t *testing.T) {
		f := newFixture(t)
		require.True(t, f.ledger.Consume(ctx, user(1), 100, "op", nil).OK())
		require.True(t, f.ledger.Consume(ctx, user(1), 880, "other", nil).OK())

		res := f.ledger.Settle(ctx, user(1), 100, 200, "op", nil)
		assert.Equal(t, tokens.OutcomeDomainViolation, res.Outcome)
		assert.ErrorIs(t, res.Err, common.ErrSettlementShortfall)
		assert.Equal(t, common.CodeSettlementShortfall, common.CodeOf(res.AsError()))

		b := f.balance(t, tokens.UserOwner(1))
		assert.Equal(t, int64(120), b.Balance)
		assert.Equal(t, int64(100), b.PaidBalance)
		requireConsistent(t, f, tokens.UserOwner(1))
	})
}

func TestAdjustByAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := tokens.UserOwner(1)

	res := f.ledger.AdjustByAdmin(ctx, owner, 500, 99, "bonus")
	assert.Equal(t, tokens.OutcomeNotFound, res.Outcome)
	assert.ErrorIs(t, res.AsError(), common.ErrBalanceNotFound)

	_, err := f.ledger.GetOrCreateBalance(ctx, owner)
	require.NoError(t, err)

	res = f.ledger.AdjustByAdmin(ctx, owner, 500, 99, "bonus")
	require.True(t, res.OK())
	assert.Equal(t, int64(500), res.Balance.PaidBalance)
	assert.Equal(t, int64(1500), res.Balance.Balance)
	assert.Equal(t, tokens.TxAdminAdjust, res.Transaction.Type)
	require.NotNil(t, res.Transaction.AdminUserID)
	assert.Equal(t, int64(99), *res.Transaction.AdminUserID)
	require.NotNil(t, res.Transaction.AdminNote)
	assert.Equal(t, "bonus", *res.Transaction.AdminNote)

	// Списание больше платной части: платная уходит в ноль, бесплатные не трогаются
	res = f.ledger.AdjustByAdmin(ctx, owner, -800, 99, "")
	require.True(t, res.OK())
	assert.Zero(t, res.Balance.PaidBalance)
	assert.Equal(t, int64(freeMonthly), res.Balance.FreeBalance)
	assert.Equal(t, int64(-500), res.Transaction.Amount)
	assert.Equal(t, int64(-800), res.Transaction.Metadata["requested"])
	assert.Nil(t, res.Transaction.AdminNote)

	res = f.ledger.AdjustByAdmin(ctx, owner, 0, 99, "")
	assert.Equal(t, tokens.OutcomeDomainViolation, res.Outcome)
	assert.ErrorIs(t, res.Err, common.ErrInvalidAmount)

	requireConsistent(t, f, owner)
}

func TestCredits_RejectOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := tokens.UserOwner(1)
	_, err := f.ledger.GetOrCreateBalance(ctx, owner)
	require.NoError(t, err)

	res := f.ledger.AdjustByAdmin(ctx, owner, math.MaxInt64, 99, "")
	assert.Equal(t, tokens.OutcomeDomainViolation, res.Outcome)
	assert.ErrorIs(t, res.Err, common.ErrInvalidAmount)
	b := f.balance(t, owner)
	assert.Equal(t, int64(freeMonthly), b.Balance)
	assert.Zero(t, b.PaidBalance)

	// Ровно до предела можно
	res = f.ledger.AdjustByAdmin(ctx, owner, math.MaxInt64-freeMonthly, 99, "")
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, int64(math.MaxInt64), res.Balance.Balance)

	pkg := &tokens.Package{ID: 1, Name: "Test", TokenAmount: 1, Price: 100, Currency: "rub", IsActive: true}
	res = f.ledger.CreditPurchase(ctx, tokens.Account{UserID: 1}, pkg, "pi_overflow", tokens.MethodCard)
	assert.Equal(t, tokens.OutcomeDomainViolation, res.Outcome)
	assert.ErrorIs(t, res.Err, common.ErrInvalidAmount)

	b = f.balance(t, owner)
	assert.Equal(t, int64(math.MaxInt64), b.Balance)
	assert.Equal(t, b.FreeBalance+b.PaidBalance, b.Balance)
}

func TestCreditPurchase_ExactlyOncePerPaymentRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pkg := f.store.AddPackage(tokens.Package{Name: "Старт", TokenAmount: 5000, Price: 19900, Currency: "rub", IsActive: true})
	credited := testutil.ToFloat64(tokens.CreditedCounter(tokens.TxPurchase))

	first := f.ledger.CreditPurchase(ctx, user(1), pkg, "pi_123", tokens.MethodCard)
	require.True(t, first.OK())
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(5000), first.Balance.PaidBalance)
	require.NotNil(t, first.Transaction.PaymentRef)
	assert.Equal(t, "pi_123", *first.Transaction.PaymentRef)

	second := f.ledger.CreditPurchase(ctx, user(1), pkg, "pi_123", tokens.MethodCard)
	require.True(t, second.OK())
	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Transaction)

	b := f.balance(t, tokens.UserOwner(1))
	assert.Equal(t, int64(freeMonthly+5000), b.Balance)
	assert.Equal(t, credited+5000, testutil.ToFloat64(tokens.CreditedCounter(tokens.TxPurchase)))

	stats, err := f.ledger.GetHistoryStats(ctx, tokens.UserOwner(1))
	require.NoError(t, err)
	assert.Equal(t, int64(19900), stats.MonthlyPurchaseAmount)
	assert.Equal(t, int64(5000), stats.MonthlyPurchaseTokens)
	requireConsistent(t, f, tokens.UserOwner(1))
}

func TestCreditPurchase_ConcurrentRedeliveryCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pkg := &tokens.Package{ID: 3, Name: "Семейный", TokenAmount: 700, Price: 100, Currency: "rub", IsActive: true}

	var (
		wg         sync.WaitGroup
		duplicates atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.ledger.CreditPurchase(ctx, user(1), pkg, "cs_same", tokens.MethodCard)
			if res.Duplicate {
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(19), duplicates.Load())
	assert.Equal(t, int64(700), f.balance(t, tokens.UserOwner(1)).PaidBalance)
}

func TestCreditPurchase_RejectsEmptyReference(t *testing.T) {
	f := newFixture(t)
	pkg := &tokens.Package{ID: 1, TokenAmount: 10}

	res := f.ledger.CreditPurchase(context.Background(), user(1), pkg, "", tokens.MethodCard)
	assert.Equal(t, tokens.OutcomeDomainViolation, res.Outcome)
	assert.ErrorIs(t, res.Err, common.ErrMalformedWebhook)
}

func TestResetDueBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.ledger.Consume(ctx, user(1), 300, "chat", nil).OK())
	_, err := f.ledger.GetOrCreateBalance(ctx, tokens.UserOwner(2))
	require.NoError(t, err)

	n, err := f.ledger.ResetDueBalances(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "срок ещё не подошёл")

	f.advance(32 * 24 * time.Hour)
	n, err = f.ledger.ResetDueBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	b := f.balance(t, tokens.UserOwner(1))
	assert.Equal(t, int64(freeMonthly), b.FreeBalance)
	assert.Zero(t, b.MonthlyConsumed)
	assert.Equal(t, int64(300), b.TotalConsumed)
	assert.Equal(t, f.clock().AddDate(0, 1, 0), b.FreeBalanceResetAt)

	history, err := f.ledger.History(ctx, tokens.UserOwner(1), 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, tokens.TxFreeReset, history[0].Type)
	assert.Equal(t, int64(300), history[0].Amount)

	n, err = f.ledger.ResetDueBalances(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	requireConsistent(t, f, tokens.UserOwner(1))
}

func TestResetFreeBalance_UnknownOwner(t *testing.T) {
	f := newFixture(t)
	res := f.ledger.ResetFreeBalance(context.Background(), tokens.GroupOwner(404))
	assert.Equal(t, tokens.OutcomeNotFound, res.Outcome)
}

func TestHistory_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, amount := range []int64{10, 20, 30} {
		require.True(t, f.ledger.Consume(ctx, user(1), amount, "chat", nil).OK())
		f.advance(time.Minute)
	}

	history, err := f.ledger.History(ctx, tokens.UserOwner(1), 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(-30), history[0].Amount)
	assert.Equal(t, int64(-20), history[1].Amount)

	stats, err := f.ledger.GetHistoryStats(ctx, tokens.UserOwner(1))
	require.NoError(t, err)
	assert.Equal(t, int64(60), stats.MonthlyUsage)
}

func byType(list []*notifications.Notification, typ notifications.Type) []*notifications.Notification {
	var out []*notifications.Notification
	for _, n := range list {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}
