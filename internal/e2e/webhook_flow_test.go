package e2e

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/creditline/internal/billingprovider"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/internal/credit"
	creditdomain "github.com/smallbiznis/creditline/internal/credit/domain"
	"github.com/smallbiznis/creditline/internal/migration"
	"github.com/smallbiznis/creditline/internal/observability"
	"github.com/smallbiznis/creditline/internal/plan"
	plandomain "github.com/smallbiznis/creditline/internal/plan/domain"
	"github.com/smallbiznis/creditline/internal/reconciler"
	"github.com/smallbiznis/creditline/internal/scheduler"
	"github.com/smallbiznis/creditline/internal/server"
	"github.com/smallbiznis/creditline/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	"github.com/smallbiznis/creditline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v75/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_e2e"

var startedAt = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	node      *snowflake.Node
	httpSrv   *httptest.Server
	credits   creditdomain.Service
	subs      subscriptiondomain.Transitions
	scheduler *scheduler.Scheduler
}

func startEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		AppName:         "creditline",
		Environment:     "test",
		HTTPAddr:        "127.0.0.1:0",
		DBRunMigrations: true,
		Stripe:          config.StripeConfig{WebhookSecret: webhookSecret},
		Scheduler:       config.SchedulerConfig{Enabled: false, Lease: config.LeaseNone, BatchSize: 10},
		Credits:         config.CreditsConfig{AccessGrantTTL: time.Hour, EarlyGrantWindow: 24 * time.Hour},
	}
	env := &testEnv{
		db:    testutil.NewDB(t),
		clock: clock.NewFakeClock(startedAt),
		node:  testutil.NewNode(t),
	}

	var engine *gin.Engine
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Supply(zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))),
		fx.Supply(env.db, env.node),
		fx.Provide(func() clock.Clock { return env.clock }),
		observability.Module,
		fx.Decorate(func(prometheus.Registerer) prometheus.Registerer { return prometheus.NewRegistry() }),
		migration.Module,
		plan.Module,
		credit.Module,
		billingprovider.Module,
		subscription.Module,
		reconciler.Module,
		scheduler.Module,
		server.Module,
		fx.Populate(&engine, &env.credits, &env.subs, &env.scheduler),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() { _ = app.Stop(context.Background()) })

	env.httpSrv = httptest.NewServer(engine)
	t.Cleanup(env.httpSrv.Close)
	return env
}

func (e *testEnv) seedPlan(t *testing.T) plandomain.Plan {
	t.Helper()
	p := plandomain.Plan{
		ID: e.node.Generate(), Code: "pro", Name: "Pro", PriceMonthly: 19, MonthlyCredits: 30,
		AccessTier: plandomain.AccessTierStandard, CreatedAt: startedAt, UpdatedAt: startedAt,
	}
	require.NoError(t, e.db.Create(&p).Error)
	return p
}

func (e *testEnv) post(t *testing.T, payload []byte, secret string) (int, map[string]any) {
	t.Helper()
	now := time.Now()
	sig := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(webhook.ComputeSignature(now, payload, secret)))

	req, err := http.NewRequest(http.MethodPost, e.httpSrv.URL+"/webhooks/stripe", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func event(id, eventType string, created time.Time, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"api_version":"2023-10-16","data":{"object":%s}}`,
		id, eventType, created.Unix(), object))
}

func TestE2E_Health(t *testing.T) {
	env := startEnv(t)

	resp, err := http.Get(env.httpSrv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestE2E_SubscriberLifecycle(t *testing.T) {
	env := startEnv(t)
	ctx := context.Background()
	p := env.seedPlan(t)
	userID := env.node.Generate()

	checkout := event("evt_checkout", "checkout.session.completed", startedAt, fmt.Sprintf(
		`{"id":"cs_1","object":"checkout.session","subscription":"sub_e2e","customer":"cus_e2e","metadata":{"user_id":%q,"plan_id":%q,"billing_period":"monthly"}}`,
		userID.String(), p.ID.String()))

	status, body := env.post(t, checkout, "whsec_wrong")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = env.post(t, checkout, webhookSecret)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "applied", body["outcome"])

	status, body = env.post(t, checkout, webhookSecret)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "duplicate", body["outcome"])

	sub, err := env.subs.FindByExternalID(ctx, "sub_e2e")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, userID, sub.UserID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 30, sub.CreditsRemaining)

	resource := creditdomain.Resource{
		ID: env.node.Generate(), Name: "Stem pack", Price: 50, MinTier: plandomain.AccessTierStandard,
		CreatedAt: startedAt, UpdatedAt: startedAt,
	}
	require.NoError(t, env.db.Create(&resource).Error)
	spent, err := env.credits.SpendCreditsForResource(ctx, userID, resource.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, spent.CreditsCharged)
	assert.Equal(t, 28, spent.CreditsRemaining)

	// the sweep renews before the provider reports the paid invoice
	env.clock.Advance(31 * 24 * time.Hour)
	result, err := env.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Granted)

	paid := event("evt_paid", "invoice.paid", env.clock.Now(),
		`{"id":"in_1","object":"invoice","subscription":"sub_e2e","billing_reason":"subscription_cycle"}`)
	status, body = env.post(t, paid, webhookSecret)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "noop", body["outcome"])

	renewed, err := env.subs.FindByExternalID(ctx, "sub_e2e")
	require.NoError(t, err)
	assert.Equal(t, 30, renewed.CreditsRemaining)

	history, err := env.credits.ListCreditHistory(ctx, creditdomain.ListRequest{UserID: userID})
	require.NoError(t, err)
	assert.Len(t, history.Items, 4)

	deleted := event("evt_deleted", "customer.subscription.deleted", env.clock.Now(),
		`{"id":"sub_e2e","object":"subscription","status":"canceled","customer":"cus_e2e"}`)
	status, body = env.post(t, deleted, webhookSecret)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "applied", body["outcome"])

	ended, err := env.subs.FindByExternalID(ctx, "sub_e2e")
	require.NoError(t, err)
	assert.True(t, ended.Status.IsTerminal())
}
