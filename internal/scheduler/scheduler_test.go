package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	creditdomain "github.com/smallbiznis/creditline/internal/credit/domain"
	creditrepo "github.com/smallbiznis/creditline/internal/credit/repository"
	creditservice "github.com/smallbiznis/creditline/internal/credit/service"
	plandomain "github.com/smallbiznis/creditline/internal/plan/domain"
	planrepo "github.com/smallbiznis/creditline/internal/plan/repository"
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/creditline/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/creditline/internal/subscription/service"
	"github.com/smallbiznis/creditline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 5, 15, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	plan  plandomain.Plan
	sched *Scheduler
}

func newFixture(t *testing.T, lease Lease) *fixture {
	t.Helper()
	conn := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(now)
	cfg := config.Config{Credits: config.CreditsConfig{EarlyGrantWindow: 24 * time.Hour, AccessGrantTTL: time.Hour}}

	subRepo := subscriptionrepo.Provide()
	plans := planrepo.Provide()
	credits := creditservice.New(creditservice.Params{
		DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk, Config: cfg,
		Repo: creditrepo.Provide(), SubscriptionRepo: subRepo, PlanRepo: plans,
	})
	subs := subscriptionservice.New(subscriptionservice.Params{
		DB: conn, Log: zap.NewNop(), GenID: node, Clock: clk, Config: cfg,
		Repo: subRepo, PlanRepo: plans, Ledger: credits,
	})
	sched, err := New(Params{
		DB:          conn,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Config:      Config{BatchSize: 2, Concurrency: 2, LeaseTTL: time.Minute},
		Lease:       lease,
		Repo:        subRepo,
		Credits:     credits,
		Transitions: subs,
	})
	require.NoError(t, err)

	plan := plandomain.Plan{
		ID: node.Generate(), Code: "basic", Name: "Basic", MonthlyCredits: 10,
		AccessTier: plandomain.AccessTierStandard, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, conn.Create(&plan).Error)
	return &fixture{db: conn, node: node, clock: clk, plan: plan, sched: sched}
}

func (f *fixture) seed(t *testing.T, mutate func(*subscriptiondomain.Subscription)) *subscriptiondomain.Subscription {
	t.Helper()
	start := now.AddDate(0, -1, 0)
	sub := &subscriptiondomain.Subscription{
		ID:                 f.node.Generate(),
		UserID:             f.node.Generate(),
		PlanID:             f.plan.ID,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		BillingPeriod:      plandomain.BillingPeriodMonthly,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   now.Add(-time.Hour),
		CreditsRemaining:   3,
		LastGrantedAt:      &start,
		CreatedAt:          start,
		UpdatedAt:          start,
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, f.db.Create(sub).Error)
	return sub
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&sub, "id = ?", id).Error)
	return sub
}

func TestRunOnceRenewsDueSubscriptions(t *testing.T) {
	f := newFixture(t, LocalLease{})
	ctx := context.Background()

	due := f.seed(t, nil)
	notDue := f.seed(t, func(s *subscriptiondomain.Subscription) { s.CurrentPeriodEnd = now.AddDate(0, 0, 10) })
	ending := f.seed(t, func(s *subscriptiondomain.Subscription) {
		s.Status = subscriptiondomain.SubscriptionStatusTrialing
		s.CancelAtPeriodEnd = true
	})
	pastDue := f.seed(t, func(s *subscriptiondomain.Subscription) { s.Status = subscriptiondomain.SubscriptionStatusPastDue })
	// this window already carries a grant entry from another writer
	recent := f.seed(t, nil)
	key := "grant:" + recent.ID.String() + ":" + recent.LastGrantedAt.UTC().Format(time.RFC3339Nano)
	require.NoError(t, f.db.Create(&creditdomain.CreditTransaction{
		ID: f.node.Generate(), SubscriptionID: recent.ID, Type: creditdomain.TransactionTypeGrant,
		Amount: 10, Balance: 13, Description: "credit allotment for Basic", IdempotencyKey: &key, CreatedAt: now,
	}).Error)
	orphan := f.seed(t, func(s *subscriptiondomain.Subscription) { s.PlanID = f.node.Generate() })

	result, err := f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 4, result.Scanned)
	assert.Equal(t, 1, result.Granted)
	assert.Equal(t, 1, result.Lapsed)
	assert.Equal(t, 1, result.NotElapsed)
	assert.Equal(t, 1, result.Failed)

	renewed := f.reload(t, due.ID)
	assert.Equal(t, 10, renewed.CreditsRemaining)
	assert.True(t, renewed.CurrentPeriodEnd.Equal(now.AddDate(0, 1, 0)))

	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, f.reload(t, ending.ID).Status)
	assert.Equal(t, 3, f.reload(t, notDue.ID).CreditsRemaining)
	assert.Equal(t, 3, f.reload(t, pastDue.ID).CreditsRemaining)
	assert.Equal(t, 3, f.reload(t, recent.ID).CreditsRemaining)
	assert.Equal(t, 3, f.reload(t, orphan.ID).CreditsRemaining)

	// a second sweep only revisits what is still due
	result, err = f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Zero(t, result.Granted)
	assert.Equal(t, 10, f.reload(t, due.ID).CreditsRemaining)

	f.clock.Advance(24 * time.Hour * 40)
	result, err = f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Scanned)
	assert.Equal(t, 2, result.Granted)
	assert.Equal(t, 1, result.NotElapsed)
	assert.Equal(t, 1, result.Failed)
}

func TestRunOnceSkipsOverlappingSweep(t *testing.T) {
	f := newFixture(t, LocalLease{})
	f.seed(t, nil)

	f.sched.running.Store(true)
	result, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, result.Scanned)

	f.sched.running.Store(false)
	result, err = f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Granted)
	assert.False(t, f.sched.running.Load())
}

func newRedisLease(t *testing.T) (*RedisLease, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLease(client), mr
}

func TestRunOnceSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	lease, _ := newRedisLease(t)
	f := newFixture(t, lease)
	f.seed(t, nil)
	ctx := context.Background()

	release, ok, err := lease.TryAcquire(ctx, renewalLeaseKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	release()
	result, err = f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Granted)
}

func TestRedisLease(t *testing.T) {
	lease, mr := newRedisLease(t)
	ctx := context.Background()

	release, ok, err := lease.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lease.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// the key expired and someone else took it; the stale release must not free it
	mr.FastForward(2 * time.Minute)
	_, ok, err = lease.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	release()
	assert.True(t, mr.Exists("k"))

	_, _, err = lease.TryAcquire(ctx, "", time.Minute)
	assert.Error(t, err)
	_, _, err = lease.TryAcquire(ctx, "k2", 0)
	assert.Error(t, err)
}

func TestAdvisoryKeyIsStable(t *testing.T) {
	a := advisoryKey(renewalLeaseKey)
	assert.Equal(t, a, advisoryKey(renewalLeaseKey))
	assert.GreaterOrEqual(t, a, int64(0))
	assert.NotEqual(t, a, advisoryKey("other"))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Hour, cfg.RunInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 1, cfg.Concurrency)

	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
