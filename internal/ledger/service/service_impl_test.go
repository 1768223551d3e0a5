package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/internal/clock"
	"github.com/smallbiznis/entitle/internal/config"
	ledgerdomain "github.com/smallbiznis/entitle/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/entitle/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/entitle/internal/ledger/service"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/smallbiznis/entitle/internal/payment/orphan"
	paymentrepo "github.com/smallbiznis/entitle/internal/payment/repository"
	paymentservice "github.com/smallbiznis/entitle/internal/payment/service"
	"github.com/smallbiznis/entitle/internal/payment/signature"
	providerpayment "github.com/smallbiznis/entitle/internal/providers/payment"
	"github.com/smallbiznis/entitle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_ledger_test"

type fixture struct {
	db          *gorm.DB
	node        *snowflake.Node
	clock       *clock.FakeClock
	verifier    *signature.Verifier
	paymentRepo paymentdomain.Repository
	ledgerRepo  ledgerdomain.Repository
	svc         ledgerdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:          testutil.OpenDB(t),
		node:        testutil.Node(t),
		clock:       clock.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		verifier:    signature.NewVerifier(webhookSecret),
		paymentRepo: paymentrepo.Provide(),
		ledgerRepo:  ledgerrepo.Provide(),
	}
	f.svc = ledgerservice.NewService(ledgerservice.Params{
		DB:          f.db,
		Log:         zap.NewNop(),
		GenID:       f.node,
		Clock:       f.clock,
		Verifier:    f.verifier,
		Repo:        f.ledgerRepo,
		PaymentRepo: f.paymentRepo,
	})
	return f
}

func (f *fixture) seedIntent(t *testing.T, userID, orderID string, plan paymentdomain.PlanType, credits int64) *paymentdomain.PurchaseIntent {
	t.Helper()
	now := f.clock.Now()
	intent := &paymentdomain.PurchaseIntent{
		ID:               f.node.Generate(),
		UserID:           userID,
		IdempotencyKey:   "key-" + orderID,
		Receipt:          "rcpt-" + orderID,
		ProcessorOrderID: orderID,
		AmountMinorUnits: 49900,
		Currency:         "INR",
		CreditsRequested: credits,
		PlanType:         plan,
		Status:           paymentdomain.IntentStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	inserted, err := f.paymentRepo.Insert(context.Background(), f.db, intent)
	require.NoError(t, err)
	require.True(t, inserted)
	return intent
}

func (f *fixture) completion(orderID, paymentID string) ledgerdomain.CompletionRequest {
	return ledgerdomain.CompletionRequest{
		OrderID:   orderID,
		PaymentID: paymentID,
		Signature: f.verifier.Sign(orderID, paymentID),
	}
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := f.ledgerRepo.GetBalance(context.Background(), f.db, userID)
	require.NoError(t, err)
	if b == nil {
		return 0
	}
	return b.Balance
}

func TestApplyCompletionCreditsBalanceOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIntent(t, "user-1", "order_1", paymentdomain.PlanFlexible, 500)

	res, err := f.svc.ApplyCompletion(ctx, f.completion("order_1", "pay_1"))
	require.NoError(t, err)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(500), *res.NewBalance)
	assert.False(t, res.Replayed)
	assert.Nil(t, res.NewPeriod)

	replay, err := f.svc.ApplyCompletion(ctx, f.completion("order_1", "pay_1"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	require.NotNil(t, replay.NewBalance)
	assert.Equal(t, int64(500), *replay.NewBalance)

	assert.Equal(t, int64(500), f.balance(t, "user-1"))

	stored, err := f.paymentRepo.FindByProcessorOrderID(ctx, f.db, "order_1")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.IntentStatusCompleted, stored.Status)
	assert.Equal(t, "pay_1", stored.PaymentID())
	require.NotNil(t, stored.CompletedAt)
	assert.WithinDuration(t, f.clock.Now(), *stored.CompletedAt, time.Millisecond)
}

func TestApplyCompletionRejectsBadSignatureBeforeLookup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIntent(t, "user-1", "order_1", paymentdomain.PlanFlexible, 500)

	forged := f.completion("order_1", "pay_1")
	forged.Signature = signature.NewVerifier("other").Sign("order_1", "pay_1")
	_, err := f.svc.ApplyCompletion(ctx, forged)
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidSignature)

	unknown := f.completion("order_missing", "pay_1")
	unknown.Signature = "deadbeef"
	_, err = f.svc.ApplyCompletion(ctx, unknown)
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidSignature)

	_, err = f.svc.ApplyCompletion(ctx, ledgerdomain.CompletionRequest{OrderID: "order_1"})
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidSignature)

	assert.Zero(t, f.balance(t, "user-1"))
	stored, err := f.paymentRepo.FindByProcessorOrderID(ctx, f.db, "order_1")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.IntentStatusPending, stored.Status)
}

func TestApplyCompletionUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyCompletion(context.Background(), f.completion("order_missing", "pay_1"))
	require.ErrorIs(t, err, ledgerdomain.ErrUnknownOrder)
}

func TestApplyCompletionConflictingPaymentLeavesBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIntent(t, "user-1", "order_1", paymentdomain.PlanFlexible, 500)

	_, err := f.svc.ApplyCompletion(ctx, f.completion("order_1", "pay_1"))
	require.NoError(t, err)

	_, err = f.svc.ApplyCompletion(ctx, f.completion("order_1", "pay_2"))
	require.ErrorIs(t, err, ledgerdomain.ErrConflictingPayment)
	assert.Equal(t, int64(500), f.balance(t, "user-1"))
}

func TestApplyCompletionPaymentReusedAcrossOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIntent(t, "user-1", "order_1", paymentdomain.PlanFlexible, 500)
	f.seedIntent(t, "user-1", "order_2", paymentdomain.PlanFlexible, 300)

	_, err := f.svc.ApplyCompletion(ctx, f.completion("order_1", "pay_1"))
	require.NoError(t, err)

	_, err = f.svc.ApplyCompletion(ctx, f.completion("order_2", "pay_1"))
	require.ErrorIs(t, err, ledgerdomain.ErrConflictingPayment)
	assert.Equal(t, int64(500), f.balance(t, "user-1"))

	stored, err := f.paymentRepo.FindByProcessorOrderID(ctx, f.db, "order_2")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.IntentStatusPending, stored.Status)
}

func TestConcurrentCompletionsApplyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIntent(t, "user-1", "order_1", paymentdomain.PlanFlexible, 500)

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ApplyCompletion(ctx, f.completion("order_1", "pay_1"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if !res.Replayed {
				applied++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(500), f.balance(t, "user-1"))
}

func TestConcurrentOrdersForSameUserAccumulate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIntent(t, "user-1", "order_1", paymentdomain.PlanFlexible, 500)
	f.seedIntent(t, "user-1", "order_2", paymentdomain.PlanFlexible, 250)

	var wg sync.WaitGroup
	for _, pair := range [][2]string{{"order_1", "pay_1"}, {"order_2", "pay_2"}} {
		wg.Add(1)
		go func(orderID, paymentID string) {
			defer wg.Done()
			_, err := f.svc.ApplyCompletion(ctx, f.completion(orderID, paymentID))
			assert.NoError(t, err)
		}(pair[0], pair[1])
	}
	wg.Wait()

	assert.Equal(t, int64(750), f.balance(t, "user-1"))
}

func TestSubscriptionRenewalExtendsActivePeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := f.clock.Now()
	f.seedIntent(t, "user-1", "order_1", paymentdomain.PlanPremiumMonthly, 0)

	first, err := f.svc.ApplyCompletion(ctx, f.completion("order_1", "pay_1"))
	require.NoError(t, err)
	require.NotNil(t, first.NewPeriod)
	assert.Nil(t, first.NewBalance)
	assert.WithinDuration(t, start, first.NewPeriod.PeriodStart, time.Millisecond)
	periodEnd := start.Add(30 * 24 * time.Hour)
	assert.WithinDuration(t, periodEnd, first.NewPeriod.PeriodEnd, time.Millisecond)

	// Renew five days before the current period ends.
	f.clock.Set(periodEnd.Add(-5 * 24 * time.Hour))
	f.seedIntent(t, "user-1", "order_2", paymentdomain.PlanPremiumMonthly, 0)
	second, err := f.svc.ApplyCompletion(ctx, f.completion("order_2", "pay_2"))
	require.NoError(t, err)
	require.NotNil(t, second.NewPeriod)
	assert.WithinDuration(t, periodEnd, second.NewPeriod.PeriodStart, time.Millisecond)
	assert.WithinDuration(t, periodEnd.Add(30*24*time.Hour), second.NewPeriod.PeriodEnd, time.Millisecond)

	replay, err := f.svc.ApplyCompletion(ctx, f.completion("order_2", "pay_2"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	require.NotNil(t, replay.NewPeriod)
	assert.Equal(t, second.NewPeriod.ID, replay.NewPeriod.ID)

	latest, err := f.ledgerRepo.LatestPeriod(ctx, f.db, "user-1")
	require.NoError(t, err)
	assert.Equal(t, second.NewPeriod.ID, latest.ID)

	assert.Zero(t, f.balance(t, "user-1"))
}

func TestSubscriptionAfterLapseStartsNow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIntent(t, "user-1", "order_1", paymentdomain.PlanPremiumMonthly, 0)
	_, err := f.svc.ApplyCompletion(ctx, f.completion("order_1", "pay_1"))
	require.NoError(t, err)

	f.clock.Advance(40 * 24 * time.Hour)
	now := f.clock.Now()
	f.seedIntent(t, "user-1", "order_2", paymentdomain.PlanPremiumAnnual, 0)
	res, err := f.svc.ApplyCompletion(ctx, f.completion("order_2", "pay_2"))
	require.NoError(t, err)
	assert.WithinDuration(t, now, res.NewPeriod.PeriodStart, time.Millisecond)
	assert.WithinDuration(t, now.Add(365*24*time.Hour), res.NewPeriod.PeriodEnd, time.Millisecond)
}

func TestExpireStaleFailsPendingIntents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIntent(t, "user-1", "order_old", paymentdomain.PlanFlexible, 100)
	f.seedIntent(t, "user-1", "order_paid", paymentdomain.PlanFlexible, 100)
	_, err := f.svc.ApplyCompletion(ctx, f.completion("order_paid", "pay_paid"))
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	f.seedIntent(t, "user-1", "order_new", paymentdomain.PlanFlexible, 100)

	expired, err := f.svc.ExpireStale(ctx, f.clock.Now().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	again, err := f.svc.ExpireStale(ctx, f.clock.Now().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, again)

	_, err = f.svc.ApplyCompletion(ctx, f.completion("order_old", "pay_late"))
	require.ErrorIs(t, err, ledgerdomain.ErrAlreadyFailed)

	res, err := f.svc.ApplyCompletion(ctx, f.completion("order_new", "pay_new"))
	require.NoError(t, err)
	assert.Equal(t, int64(200), *res.NewBalance)
}

func TestRecoveredOrphanOutlivesPendingTTL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sink := orphan.NewMemorySink()
	payments := paymentservice.NewService(paymentservice.Params{
		DB:        f.db,
		Log:       zap.NewNop(),
		GenID:     f.node,
		Clock:     f.clock,
		Config:    config.Config{OrderPersistTimeout: time.Second},
		LedgerCfg: config.NewStaticLedgerConfigHolder(config.DefaultLedgerConfig()),
		Repo:      f.paymentRepo,
		Processor: providerpayment.NewLocalProcessor(),
		Orphans:   sink,
	})

	// The processor order was minted two days ago but never persisted.
	require.NoError(t, sink.Push(ctx, paymentdomain.Orphan{
		IntentID:         f.node.Generate(),
		UserID:           "user-1",
		IdempotencyKey:   "key-orphan",
		Receipt:          "rcpt-orphan",
		ProcessorOrderID: "order_orphan",
		AmountMinorUnits: 49900,
		Currency:         "INR",
		CreditsRequested: 300,
		PlanType:         paymentdomain.PlanFlexible,
		Reason:           "persist_failed",
		CreatedAt:        f.clock.Now().Add(-48 * time.Hour),
	}))

	recovered, err := payments.RecoverOrphans(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered.Recovered)

	expired, err := f.svc.ExpireStale(ctx, f.clock.Now().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, expired)

	res, err := f.svc.ApplyCompletion(ctx, f.completion("order_orphan", "pay_orphan"))
	require.NoError(t, err)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, int64(300), *res.NewBalance)
	assert.Equal(t, int64(300), f.balance(t, "user-1"))
}

func TestApplyCompletionSignsExactIdentifiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIntent(t, "user-1", "order_1", paymentdomain.PlanFlexible, 500)

	padded := f.completion("order_1", "pay_1")
	padded.OrderID = " order_1"
	_, err := f.svc.ApplyCompletion(ctx, padded)
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidSignature)

	padded = f.completion("order_1", "pay_1")
	padded.PaymentID = "pay_1\n"
	_, err = f.svc.ApplyCompletion(ctx, padded)
	require.ErrorIs(t, err, ledgerdomain.ErrInvalidSignature)

	// Identifiers signed with surrounding whitespace never match a stored order.
	signedPadded := f.completion("order_1 ", "pay_1")
	_, err = f.svc.ApplyCompletion(ctx, signedPadded)
	require.ErrorIs(t, err, ledgerdomain.ErrUnknownOrder)

	assert.Zero(t, f.balance(t, "user-1"))
}

func TestNextPeriod(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	month := 30 * 24 * time.Hour

	start, end := ledgerdomain.NextPeriod(nil, now, month)
	assert.Equal(t, now, start)
	assert.Equal(t, now.Add(month), end)

	active := &ledgerdomain.MembershipPeriod{PeriodEnd: now.Add(5 * 24 * time.Hour)}
	start, end = ledgerdomain.NextPeriod(active, now, month)
	assert.Equal(t, active.PeriodEnd, start)
	assert.Equal(t, active.PeriodEnd.Add(month), end)

	lapsed := &ledgerdomain.MembershipPeriod{PeriodEnd: now.Add(-time.Hour)}
	start, _ = ledgerdomain.NextPeriod(lapsed, now, month)
	assert.Equal(t, now, start)
}

// vanishingRepo loses every completion race and then cannot find the intent.
type vanishingRepo struct {
	paymentdomain.Repository
}

func (vanishingRepo) MarkCompleted(context.Context, *gorm.DB, snowflake.ID, string, time.Time) (bool, error) {
	return false, nil
}

func (vanishingRepo) FindByID(context.Context, *gorm.DB, snowflake.ID) (*paymentdomain.PurchaseIntent, error) {
	return nil, nil
}

func TestApplyCompletionReportsIntentMissingAfterRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intent := f.seedIntent(t, "user-gone", "order_gone", paymentdomain.PlanFlexible, 100)

	svc := ledgerservice.NewService(ledgerservice.Params{
		DB:          f.db,
		Log:         zap.NewNop(),
		GenID:       f.node,
		Clock:       f.clock,
		Verifier:    f.verifier,
		Repo:        f.ledgerRepo,
		PaymentRepo: vanishingRepo{Repository: f.paymentRepo},
	})

	_, err := svc.ApplyCompletion(ctx, f.completion("order_gone", "pay_gone"))
	require.ErrorIs(t, err, ledgerdomain.ErrTransientStorage)
	assert.Contains(t, err.Error(), intent.ID.String()+" missing after completion race")
	assert.NotContains(t, err.Error(), "<nil>")
	assert.Equal(t, int64(0), f.balance(t, "user-gone"))
}
