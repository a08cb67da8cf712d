package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/creditline/internal/billingprovider/domain"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	creditdomain "github.com/smallbiznis/creditline/internal/credit/domain"
	creditrepo "github.com/smallbiznis/creditline/internal/credit/repository"
	creditservice "github.com/smallbiznis/creditline/internal/credit/service"
	"github.com/smallbiznis/creditline/internal/errs"
	plandomain "github.com/smallbiznis/creditline/internal/plan/domain"
	planrepo "github.com/smallbiznis/creditline/internal/plan/repository"
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/creditline/internal/subscription/repository"
	"github.com/smallbiznis/creditline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var startedAt = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// Manual mocks

type fakeProvider struct {
	mu        sync.Mutex
	customers int
	checkouts []billingdomain.CheckoutRequest
	updates   map[string][]billingdomain.SubscriptionPatch
	canceled  []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) EnsureCustomer(ctx context.Context, customer billingdomain.Customer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers++
	return "cus_" + customer.UserID.String(), nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req billingdomain.CheckoutRequest) (billingdomain.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, req)
	return billingdomain.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}, nil
}

func (f *fakeProvider) UpdateSubscription(ctx context.Context, externalID string, patch billingdomain.SubscriptionPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = map[string][]billingdomain.SubscriptionPatch{}
	}
	f.updates[externalID] = append(f.updates[externalID], patch)
	return nil
}

func (f *fakeProvider) CancelSubscription(ctx context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, externalID)
	return nil
}

func (f *fakeProvider) GetSubscription(ctx context.Context, externalID string) (billingdomain.SubscriptionView, error) {
	return billingdomain.SubscriptionView{ID: externalID, Status: "active"}, nil
}

type fakePrices map[string]string

func (f fakePrices) PriceID(planCode string, period string) (string, error) {
	if id, ok := f[planCode+":"+period]; ok {
		return id, nil
	}
	return "", billingdomain.ErrPriceNotConfigured
}

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	provider *fakeProvider
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(startedAt)
	cfg := config.Config{
		Stripe:  config.StripeConfig{SuccessURL: "https://app.test/ok", CancelURL: "https://app.test/cancel"},
		Credits: config.CreditsConfig{AccessGrantTTL: time.Hour, EarlyGrantWindow: 24 * time.Hour},
	}
	subs := subscriptionrepo.Provide()
	plans := planrepo.Provide()

	ledger := creditservice.New(creditservice.Params{
		DB:               conn,
		Log:              zap.NewNop(),
		GenID:            node,
		Clock:            clk,
		Config:           cfg,
		Repo:             creditrepo.Provide(),
		SubscriptionRepo: subs,
		PlanRepo:         plans,
	})
	provider := &fakeProvider{}
	svc := New(Params{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Config:   cfg,
		Repo:     subs,
		PlanRepo: plans,
		Ledger:   ledger,
		Provider: provider,
		Prices:   fakePrices{"pro:monthly": "price_pro_m", "studio:monthly": "price_studio_m"},
	})
	return &fixture{db: conn, node: node, clock: clk, provider: provider, svc: svc}
}

func (f *fixture) plan(t *testing.T, code string, price float64, credits int, mutate func(*plandomain.Plan)) plandomain.Plan {
	t.Helper()
	p := plandomain.Plan{
		ID:             f.node.Generate(),
		Code:           code,
		Name:           code,
		PriceMonthly:   price,
		MonthlyCredits: credits,
		AccessTier:     plandomain.AccessTierStandard,
		CreatedAt:      startedAt,
		UpdatedAt:      startedAt,
	}
	if mutate != nil {
		mutate(&p)
	}
	require.NoError(t, f.db.Create(&p).Error)
	return p
}

func (f *fixture) withExternal(t *testing.T, sub *subscriptiondomain.Subscription, externalID string) {
	t.Helper()
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Update("external_id", externalID).Error)
	sub.ExternalID = &externalID
}

func (f *fixture) grant(t *testing.T, sub *subscriptiondomain.Subscription, active bool) creditdomain.AccessGrant {
	t.Helper()
	g := creditdomain.AccessGrant{
		ID:             f.node.Generate(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		ResourceID:     f.node.Generate(),
		CreditsCharged: 1,
		IssuedAt:       startedAt,
		Active:         active,
		CreatedAt:      startedAt,
		UpdatedAt:      startedAt,
	}
	require.NoError(t, f.db.Create(&g).Error)
	return g
}

func (f *fixture) grantActive(t *testing.T, id snowflake.ID) bool {
	t.Helper()
	var g creditdomain.AccessGrant
	require.NoError(t, f.db.First(&g, "id = ?", id).Error)
	return g.Active
}

func (f *fixture) ledgerEntries(t *testing.T, subscriptionID snowflake.ID) []creditdomain.CreditTransaction {
	t.Helper()
	var out []creditdomain.CreditTransaction
	require.NoError(t, f.db.Where("subscription_id = ?", subscriptionID).Order("created_at ASC").Order("id ASC").Find(&out).Error)
	return out
}

func (f *fixture) subscribeFree(t *testing.T, plan plandomain.Plan) *subscriptiondomain.Subscription {
	t.Helper()
	res, err := f.svc.Subscribe(context.Background(), subscriptiondomain.SubscribeRequest{UserID: f.node.Generate(), PlanID: plan.ID})
	require.NoError(t, err)
	require.NotNil(t, res.Subscription)
	return res.Subscription
}

func TestSubscribeFreePlanStartsImmediately(t *testing.T) {
	f := newFixture(t)
	free := f.plan(t, "free", 0, 5, nil)

	sub := f.subscribeFree(t, free)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 5, sub.CreditsRemaining)
	assert.True(t, sub.CurrentPeriodEnd.Equal(startedAt.AddDate(0, 1, 0)))

	entries := f.ledgerEntries(t, sub.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, creditdomain.TransactionTypeGrant, entries[0].Type)
	assert.Equal(t, 5, entries[0].Balance)

	_, err := f.svc.Subscribe(context.Background(), subscriptiondomain.SubscribeRequest{UserID: sub.UserID, PlanID: free.ID})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionAlreadyLive)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestSubscribeAppliesTrialRule(t *testing.T) {
	f := newFixture(t)
	trial := f.plan(t, "trial", 0, 3, func(p *plandomain.Plan) { p.TrialDays = 7 })

	sub := f.subscribeFree(t, trial)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrialing, sub.Status)
	require.NotNil(t, sub.TrialEndsAt)
	assert.True(t, sub.TrialEndsAt.Equal(startedAt.AddDate(0, 0, 7)))
}

func TestSubscribePricedPlanReturnsCheckout(t *testing.T) {
	f := newFixture(t)
	pro := f.plan(t, "pro", 19, 30, nil)
	userID := f.node.Generate()

	res, err := f.svc.Subscribe(context.Background(), subscriptiondomain.SubscribeRequest{UserID: userID, PlanID: pro.ID, Email: "fan@example.com"})
	require.NoError(t, err)
	assert.Nil(t, res.Subscription)
	assert.Equal(t, "https://checkout.test/cs_1", res.CheckoutURL)

	_, err = f.svc.Subscribe(context.Background(), subscriptiondomain.SubscribeRequest{UserID: userID, PlanID: pro.ID, SuccessURL: "https://app.test/custom"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.provider.customers)
	require.Len(t, f.provider.checkouts, 2)
	first := f.provider.checkouts[0]
	assert.Equal(t, "price_pro_m", first.PriceID)
	assert.Equal(t, "cus_"+userID.String(), first.CustomerID)
	assert.Equal(t, userID.String(), first.Metadata[billingdomain.MetadataUserID])
	assert.Equal(t, pro.ID.String(), first.Metadata[billingdomain.MetadataPlanID])
	assert.Equal(t, "monthly", first.Metadata[billingdomain.MetadataBillingPeriod])
	assert.Equal(t, "https://app.test/ok", first.SuccessURL)
	assert.Equal(t, "https://app.test/custom", f.provider.checkouts[1].SuccessURL)

	var count int64
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSubscribeUnmappedPriceIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	premium := f.plan(t, "premium", 49, 80, nil)

	_, err := f.svc.Subscribe(context.Background(), subscriptiondomain.SubscribeRequest{UserID: f.node.Generate(), PlanID: premium.ID})
	assert.ErrorIs(t, err, errs.ErrExternalConfiguration)
	assert.Empty(t, f.provider.checkouts)

	_, err = f.svc.Subscribe(context.Background(), subscriptiondomain.SubscribeRequest{UserID: f.node.Generate(), PlanID: f.node.Generate()})
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
}

func TestChangePlanAdjustsBalanceByAllotmentDelta(t *testing.T) {
	f := newFixture(t)
	small := f.plan(t, "small", 0, 20, nil)
	large := f.plan(t, "large", 0, 50, nil)

	sub := f.subscribeFree(t, small)
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Update("cancel_at_period_end", true).Error)

	up, err := f.svc.ChangePlan(context.Background(), subscriptiondomain.ChangePlanRequest{UserID: sub.UserID, NewPlanID: large.ID})
	require.NoError(t, err)
	assert.Equal(t, large.ID, up.PlanID)
	assert.Equal(t, 50, up.CreditsRemaining)
	assert.False(t, up.CancelAtPeriodEnd)

	_, err = f.svc.ChangePlan(context.Background(), subscriptiondomain.ChangePlanRequest{UserID: sub.UserID, NewPlanID: large.ID})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSamePlan)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	// a period switch on the same plan is still the same plan
	_, err = f.svc.ChangePlan(context.Background(), subscriptiondomain.ChangePlanRequest{
		UserID: sub.UserID, NewPlanID: large.ID, BillingPeriod: plandomain.BillingPeriodAnnual,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSamePlan)
	var unchanged subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&unchanged, "id = ?", sub.ID).Error)
	assert.Equal(t, plandomain.BillingPeriodMonthly, unchanged.BillingPeriod)
	assert.Equal(t, 50, unchanged.CreditsRemaining)

	// spend most of it, then downgrade below zero
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Update("credits_remaining", 10).Error)
	require.NoError(t, f.db.Create(&creditdomain.CreditTransaction{
		ID: f.node.Generate(), SubscriptionID: sub.ID, Type: creditdomain.TransactionTypeUsed,
		Amount: -40, Balance: 10, Description: "usage", CreatedAt: f.clock.Now(),
	}).Error)
	down, err := f.svc.ChangePlan(context.Background(), subscriptiondomain.ChangePlanRequest{UserID: sub.UserID, NewPlanID: small.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, down.CreditsRemaining)

	entries := f.ledgerEntries(t, sub.ID)
	require.Len(t, entries, 4)
	assert.Equal(t, creditdomain.TransactionTypeBonus, entries[1].Type)
	assert.Equal(t, 30, entries[1].Amount)
	assert.Equal(t, creditdomain.TransactionTypeExpired, entries[3].Type)
	assert.Equal(t, -10, entries[3].Amount)
	assert.Equal(t, 0, entries[3].Balance)
}

func TestChangePlanToPricedPlanUsesProvider(t *testing.T) {
	f := newFixture(t)
	free := f.plan(t, "free", 0, 5, nil)
	studio := f.plan(t, "studio", 29, 60, nil)

	sub := f.subscribeFree(t, free)
	_, err := f.svc.ChangePlan(context.Background(), subscriptiondomain.ChangePlanRequest{UserID: sub.UserID, NewPlanID: studio.ID})
	assert.ErrorIs(t, err, subscriptiondomain.ErrCheckoutRequired)

	f.withExternal(t, sub, "sub_ext")
	changed, err := f.svc.ChangePlan(context.Background(), subscriptiondomain.ChangePlanRequest{UserID: sub.UserID, NewPlanID: studio.ID})
	require.NoError(t, err)
	assert.Equal(t, 60, changed.CreditsRemaining)

	patches := f.provider.updates["sub_ext"]
	require.Len(t, patches, 1)
	require.NotNil(t, patches[0].PriceID)
	assert.Equal(t, "price_studio_m", *patches[0].PriceID)

	back, err := f.svc.ChangePlan(context.Background(), subscriptiondomain.ChangePlanRequest{UserID: sub.UserID, NewPlanID: free.ID})
	require.NoError(t, err)
	assert.Nil(t, back.ExternalID)
	assert.Equal(t, []string{"sub_ext"}, f.provider.canceled)
}

func TestCancelAtPeriodEndKeepsStatus(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribeFree(t, f.plan(t, "free", 0, 5, nil))
	f.withExternal(t, sub, "sub_ext")

	out, err := f.svc.Cancel(context.Background(), sub.UserID, false)
	require.NoError(t, err)
	assert.True(t, out.CancelAtPeriodEnd)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, out.Status)
	require.Len(t, f.provider.updates["sub_ext"], 1)
	assert.True(t, *f.provider.updates["sub_ext"][0].CancelAtPeriodEnd)
}

func TestCancelImmediatelyLapses(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribeFree(t, f.plan(t, "free", 0, 5, nil))
	f.withExternal(t, sub, "sub_ext")
	grant := f.grant(t, sub, true)

	out, err := f.svc.Cancel(context.Background(), sub.UserID, true)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, out.Status)
	assert.NotNil(t, out.CanceledAt)
	assert.Equal(t, 5, out.CreditsRemaining)
	assert.False(t, f.grantActive(t, grant.ID))
	assert.Equal(t, []string{"sub_ext"}, f.provider.canceled)

	_, err = f.svc.Cancel(context.Background(), sub.UserID, true)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	again, err := f.svc.Lapse(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, again.Status)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribeFree(t, f.plan(t, "free", 0, 7, nil))
	grant := f.grant(t, sub, false)

	_, err := f.svc.Resume(context.Background(), sub.UserID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotPaused)

	paused, err := f.svc.Pause(context.Background(), sub.UserID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPaused, paused.Status)
	assert.NotNil(t, paused.PausedAt)

	_, err = f.svc.Pause(context.Background(), sub.UserID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadyPaused)

	resumed, err := f.svc.Resume(context.Background(), sub.UserID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, resumed.Status)
	assert.Nil(t, resumed.PausedAt)
	assert.Equal(t, 7, resumed.CreditsRemaining)
	assert.True(t, f.grantActive(t, grant.ID))
	assert.Len(t, f.ledgerEntries(t, sub.ID), 1)
}

func TestGrantTogglesStayWithTheirSubscription(t *testing.T) {
	f := newFixture(t)
	free := f.plan(t, "free", 0, 5, nil)
	first := f.subscribeFree(t, free)
	oldGrant := f.grant(t, first, true)

	_, err := f.svc.Cancel(context.Background(), first.UserID, true)
	require.NoError(t, err)
	require.False(t, f.grantActive(t, oldGrant.ID))

	res, err := f.svc.Subscribe(context.Background(), subscriptiondomain.SubscribeRequest{UserID: first.UserID, PlanID: free.ID})
	require.NoError(t, err)
	second := res.Subscription
	require.NotNil(t, second)
	newGrant := f.grant(t, second, false)

	_, err = f.svc.Pause(context.Background(), second.UserID)
	require.NoError(t, err)
	_, err = f.svc.Resume(context.Background(), second.UserID)
	require.NoError(t, err)

	assert.True(t, f.grantActive(t, newGrant.ID))
	assert.False(t, f.grantActive(t, oldGrant.ID))

	_, err = f.svc.MarkPastDue(context.Background(), second.ID)
	require.NoError(t, err)
	_, err = f.svc.Reactivate(context.Background(), second.ID)
	require.NoError(t, err)
	assert.False(t, f.grantActive(t, oldGrant.ID))
}

func TestActivateFromCheckoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	pro := f.plan(t, "pro", 19, 30, nil)
	userID := f.node.Generate()
	in := subscriptiondomain.CheckoutActivation{
		ExternalID:         "sub_123",
		ExternalCustomerID: "cus_123",
		UserID:             userID,
		PlanID:             pro.ID,
		BillingPeriod:      plandomain.BillingPeriodMonthly,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		OccurredAt:         startedAt,
	}

	first, created, err := f.svc.ActivateFromCheckout(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 30, first.CreditsRemaining)

	second, created, err := f.svc.ActivateFromCheckout(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).Where("external_id = ?", "sub_123").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var customer subscriptiondomain.BillingCustomer
	require.NoError(t, f.db.First(&customer, "user_id = ?", userID).Error)
	assert.Equal(t, "cus_123", customer.ExternalCustomerID)
}

func TestActivateFromCheckoutSupersedesLiveSubscription(t *testing.T) {
	f := newFixture(t)
	free := f.plan(t, "free", 0, 5, nil)
	pro := f.plan(t, "pro", 19, 30, nil)
	old := f.subscribeFree(t, free)
	grant := f.grant(t, old, true)

	created, ok, err := f.svc.ActivateFromCheckout(context.Background(), subscriptiondomain.CheckoutActivation{
		ExternalID: "sub_new",
		UserID:     old.UserID,
		PlanID:     pro.ID,
		OccurredAt: startedAt,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, created.Status)

	var reloaded subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&reloaded, "id = ?", old.ID).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, reloaded.Status)
	assert.True(t, f.grantActive(t, grant.ID))

	live, err := f.svc.GetActiveSubscription(context.Background(), old.UserID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, live.ID)
}

func TestSyncFromProvider(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribeFree(t, f.plan(t, "free", 0, 5, nil))
	grant := f.grant(t, sub, false)
	ctx := context.Background()

	pastDue, err := f.svc.MarkPastDue(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, pastDue.Status)

	periodEnd := startedAt.AddDate(0, 1, 0)
	synced, changed, err := f.svc.SyncFromProvider(ctx, subscriptiondomain.ProviderSync{
		SubscriptionID:    sub.ID,
		Status:            subscriptiondomain.SubscriptionStatusActive,
		PeriodEnd:         &periodEnd,
		CancelAtPeriodEnd: true,
		OccurredAt:        startedAt.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, synced.Status)
	assert.True(t, synced.CancelAtPeriodEnd)
	assert.True(t, f.grantActive(t, grant.ID))

	stale, changed, err := f.svc.SyncFromProvider(ctx, subscriptiondomain.ProviderSync{
		SubscriptionID: sub.ID,
		Status:         subscriptiondomain.SubscriptionStatusPastDue,
		OccurredAt:     startedAt,
	})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, stale.Status)

	_, err = f.svc.Lapse(ctx, sub.ID)
	require.NoError(t, err)
	_, changed, err = f.svc.SyncFromProvider(ctx, subscriptiondomain.ProviderSync{
		SubscriptionID: sub.ID,
		Status:         subscriptiondomain.SubscriptionStatusActive,
		OccurredAt:     startedAt.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = f.svc.Reactivate(ctx, sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
	_, err = f.svc.MarkPastDue(ctx, sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}
