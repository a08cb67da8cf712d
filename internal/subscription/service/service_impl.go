package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/creditline/internal/billingprovider/domain"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	creditdomain "github.com/smallbiznis/creditline/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	plandomain "github.com/smallbiznis/creditline/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	"github.com/smallbiznis/creditline/pkg/db"
	"github.com/smallbiznis/creditline/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Repo     subscriptiondomain.Repository
	PlanRepo plandomain.Repository
	Ledger   creditdomain.Ledger
	Provider billingdomain.Client
	Prices   billingdomain.PriceResolver
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Service is the subscription state machine. It serves subscriber requests
// and the provider-driven transitions.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	stripe   config.StripeConfig
	repo     subscriptiondomain.Repository
	planRepo plandomain.Repository
	ledger   creditdomain.Ledger
	provider billingdomain.Client
	prices   billingdomain.PriceResolver
	metrics  *obsmetrics.Metrics
}

func New(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		stripe:   p.Config.Stripe,
		repo:     p.Repo,
		planRepo: p.PlanRepo,
		ledger:   p.Ledger,
		provider: p.Provider,
		prices:   p.Prices,
		metrics:  p.Metrics,
	}
}

// Subscribe starts a free plan immediately. Priced plans return a checkout
// URL; the subscription is created once the provider confirms checkout.
func (s *Service) Subscribe(ctx context.Context, req subscriptiondomain.SubscribeRequest) (subscriptiondomain.SubscribeResult, error) {
	if req.UserID == 0 {
		return subscriptiondomain.SubscribeResult{}, subscriptiondomain.ErrInvalidUser
	}
	period, err := parsePeriod(req.BillingPeriod, plandomain.BillingPeriodMonthly)
	if err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}
	plan, err := s.findPlan(ctx, s.db, req.PlanID)
	if err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}

	live, err := s.repo.FindLiveByUserID(ctx, s.db, req.UserID)
	if err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}
	if live != nil {
		return subscriptiondomain.SubscribeResult{}, subscriptiondomain.ErrSubscriptionAlreadyLive
	}

	if plan.IsFree(period) {
		sub, err := s.createFree(ctx, req.UserID, plan, period)
		if err != nil {
			return subscriptiondomain.SubscribeResult{}, err
		}
		return subscriptiondomain.SubscribeResult{Subscription: sub}, nil
	}

	priceID, err := s.prices.PriceID(plan.Code, string(period))
	if err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}
	customerID, err := s.ensureCustomer(ctx, req.UserID, req.Email)
	if err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}

	session, err := s.provider.CreateCheckoutSession(ctx, billingdomain.CheckoutRequest{
		CustomerID: customerID,
		PriceID:    priceID,
		Metadata: map[string]string{
			billingdomain.MetadataUserID:        req.UserID.String(),
			billingdomain.MetadataPlanID:        plan.ID.String(),
			billingdomain.MetadataBillingPeriod: string(period),
		},
		SuccessURL: firstNonEmpty(req.SuccessURL, s.stripe.SuccessURL),
		CancelURL:  firstNonEmpty(req.CancelURL, s.stripe.CancelURL),
		TrialDays:  plan.TrialDays,
	})
	if err != nil {
		return subscriptiondomain.SubscribeResult{}, err
	}

	ctxlogger.WithContext(ctx, s.log).Info("checkout session created",
		zap.String("user_id", req.UserID.String()),
		zap.String("plan_code", plan.Code),
		zap.String("checkout_id", session.ID),
	)
	return subscriptiondomain.SubscribeResult{CheckoutURL: session.URL, CheckoutID: session.ID}, nil
}

func (s *Service) GetActiveSubscription(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	return s.repo.FindLiveByUserID(ctx, s.db, userID)
}

// ChangePlan swaps the provider price first, then adjusts the balance by
// the allotment difference. A failed local commit after a successful
// provider call is left for the next provider notification to correct.
func (s *Service) ChangePlan(ctx context.Context, req subscriptiondomain.ChangePlanRequest) (*subscriptiondomain.Subscription, error) {
	current, err := s.requireLive(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !changeable(current.Status) {
		return nil, subscriptiondomain.ErrSubscriptionNotChangeable
	}

	target, err := s.findPlan(ctx, s.db, req.NewPlanID)
	if err != nil {
		return nil, err
	}
	period, err := parsePeriod(req.BillingPeriod, current.BillingPeriod)
	if err != nil {
		return nil, err
	}
	if target.ID == current.PlanID {
		return nil, subscriptiondomain.ErrSamePlan
	}
	previous, err := s.findPlan(ctx, s.db, current.PlanID)
	if err != nil {
		return nil, err
	}

	clearExternal := false
	switch {
	case !target.IsFree(period):
		if !current.HasExternal() {
			return nil, subscriptiondomain.ErrCheckoutRequired
		}
		priceID, err := s.prices.PriceID(target.Code, string(period))
		if err != nil {
			return nil, err
		}
		keep := false
		if err := s.provider.UpdateSubscription(ctx, *current.ExternalID, billingdomain.SubscriptionPatch{
			PriceID:           &priceID,
			CancelAtPeriodEnd: &keep,
		}); err != nil {
			return nil, err
		}
	case current.HasExternal():
		if err := s.provider.CancelSubscription(ctx, *current.ExternalID); err != nil {
			return nil, err
		}
		clearExternal = true
	}

	delta := target.MonthlyCredits - previous.MonthlyCredits
	return s.mutate(ctx, current.ID, func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (map[string]any, error) {
		if !changeable(sub.Status) {
			return nil, subscriptiondomain.ErrSubscriptionNotChangeable
		}
		if _, err := s.ledger.AdjustBalance(ctx, tx, sub, delta, fmt.Sprintf("plan change from %s to %s", previous.Code, target.Code)); err != nil {
			return nil, err
		}
		fields := map[string]any{
			"plan_id":              target.ID,
			"billing_period":       period,
			"cancel_at_period_end": false,
		}
		if clearExternal {
			fields["external_id"] = nil
		}
		return fields, nil
	})
}

func (s *Service) Cancel(ctx context.Context, userID snowflake.ID, immediate bool) (*subscriptiondomain.Subscription, error) {
	current, err := s.requireLive(ctx, userID)
	if err != nil {
		return nil, err
	}

	if immediate {
		if current.HasExternal() {
			if err := s.provider.CancelSubscription(ctx, *current.ExternalID); err != nil {
				return nil, err
			}
		}
		return s.Lapse(ctx, current.ID)
	}

	if current.HasExternal() {
		cancel := true
		if err := s.provider.UpdateSubscription(ctx, *current.ExternalID, billingdomain.SubscriptionPatch{CancelAtPeriodEnd: &cancel}); err != nil {
			return nil, err
		}
	}
	return s.mutate(ctx, current.ID, func(_ *gorm.DB, sub *subscriptiondomain.Subscription, _ time.Time) (map[string]any, error) {
		if !sub.Status.IsLive() {
			return nil, subscriptiondomain.ErrInvalidTransition
		}
		return map[string]any{"cancel_at_period_end": true}, nil
	})
}

func (s *Service) Pause(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	current, err := s.requireLive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.Status == subscriptiondomain.SubscriptionStatusPaused {
		return nil, subscriptiondomain.ErrAlreadyPaused
	}
	if !subscriptiondomain.CanTransition(current.Status, subscriptiondomain.SubscriptionStatusPaused) {
		return nil, subscriptiondomain.ErrInvalidTransition
	}

	if current.HasExternal() {
		pause := true
		if err := s.provider.UpdateSubscription(ctx, *current.ExternalID, billingdomain.SubscriptionPatch{PauseCollection: &pause}); err != nil {
			return nil, err
		}
	}
	return s.mutate(ctx, current.ID, func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (map[string]any, error) {
		if sub.Status == subscriptiondomain.SubscriptionStatusPaused {
			return nil, subscriptiondomain.ErrAlreadyPaused
		}
		if !subscriptiondomain.CanTransition(sub.Status, subscriptiondomain.SubscriptionStatusPaused) {
			return nil, subscriptiondomain.ErrInvalidTransition
		}
		return map[string]any{
			"status":    subscriptiondomain.SubscriptionStatusPaused,
			"paused_at": now,
		}, nil
	})
}

func (s *Service) Resume(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	current, err := s.requireLive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.Status != subscriptiondomain.SubscriptionStatusPaused {
		return nil, subscriptiondomain.ErrNotPaused
	}

	if current.HasExternal() {
		pause := false
		if err := s.provider.UpdateSubscription(ctx, *current.ExternalID, billingdomain.SubscriptionPatch{PauseCollection: &pause}); err != nil {
			return nil, err
		}
	}
	return s.mutate(ctx, current.ID, func(tx *gorm.DB, sub *subscriptiondomain.Subscription, _ time.Time) (map[string]any, error) {
		if sub.Status != subscriptiondomain.SubscriptionStatusPaused {
			return nil, subscriptiondomain.ErrNotPaused
		}
		if _, err := s.ledger.SetAccessGrantsActive(ctx, tx, sub.ID, true); err != nil {
			return nil, err
		}
		return map[string]any{
			"status":    subscriptiondomain.SubscriptionStatusActive,
			"paused_at": nil,
		}, nil
	})
}

func (s *Service) createFree(ctx context.Context, userID snowflake.ID, plan *plandomain.Plan, period plandomain.BillingPeriod) (*subscriptiondomain.Subscription, error) {
	var sub *subscriptiondomain.Subscription
	err := db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		live, err := s.repo.FindLiveByUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if live != nil {
			return subscriptiondomain.ErrSubscriptionAlreadyLive
		}

		sub = s.newSubscription(userID, plan, period, s.clock.Now())
		if err := s.repo.Insert(ctx, tx, sub); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return subscriptiondomain.ErrSubscriptionAlreadyLive
			}
			return err
		}
		_, err = s.ledger.OpenBalance(ctx, tx, sub)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveTransition("none", string(sub.Status))
	ctxlogger.WithContext(ctx, s.log).Info("subscription started",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("plan_code", plan.Code),
		zap.String("status", string(sub.Status)),
	)
	return sub, nil
}

// newSubscription applies the trial rule and opens the first period.
func (s *Service) newSubscription(userID snowflake.ID, plan *plandomain.Plan, period plandomain.BillingPeriod, now time.Time) *subscriptiondomain.Subscription {
	sub := &subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		BillingPeriod:      period,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   period.NextPeriodEnd(now),
		CreditsRemaining:   plan.MonthlyCredits,
		LastGrantedAt:      &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if plan.HasTrial() {
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		sub.Status = subscriptiondomain.SubscriptionStatusTrialing
		sub.TrialEndsAt = &trialEnd
	}
	return sub
}

func (s *Service) ensureCustomer(ctx context.Context, userID snowflake.ID, email string) (string, error) {
	provider := s.provider.Name()
	existing, err := s.repo.FindBillingCustomer(ctx, s.db, userID, provider)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ExternalCustomerID, nil
	}

	customerID, err := s.provider.EnsureCustomer(ctx, billingdomain.Customer{UserID: userID, Email: email})
	if err != nil {
		return "", err
	}
	if err := s.repo.InsertBillingCustomer(ctx, s.db, &subscriptiondomain.BillingCustomer{
		ID:                 s.genID.Generate(),
		UserID:             userID,
		Provider:           provider,
		ExternalCustomerID: customerID,
		CreatedAt:          s.clock.Now(),
	}); err != nil {
		return "", err
	}
	return customerID, nil
}

func (s *Service) requireLive(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	sub, err := s.repo.FindLiveByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) findPlan(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*plandomain.Plan, error) {
	plan, err := s.planRepo.FindByID(ctx, conn, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	return plan, nil
}

type mutation func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (map[string]any, error)

// mutate locks the subscription, lets fn decide the changed columns and
// returns the row as committed.
func (s *Service) mutate(ctx context.Context, id snowflake.ID, fn mutation) (*subscriptiondomain.Subscription, error) {
	var (
		from subscriptiondomain.SubscriptionStatus
		out  *subscriptiondomain.Subscription
	)
	err := db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		sub, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		from = sub.Status

		now := s.clock.Now()
		fields, err := fn(tx, sub, now)
		if err != nil {
			return err
		}
		if len(fields) > 0 {
			fields["updated_at"] = now
			if err := s.repo.UpdateFields(ctx, tx, id, fields); err != nil {
				return err
			}
		}
		out, err = s.repo.FindByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	if out.Status != from {
		s.metrics.ObserveTransition(string(from), string(out.Status))
		ctxlogger.WithContext(ctx, s.log).Info("subscription status changed",
			zap.String("subscription_id", id.String()),
			zap.String("from", string(from)),
			zap.String("to", string(out.Status)),
		)
	}
	return out, nil
}

func changeable(status subscriptiondomain.SubscriptionStatus) bool {
	return status == subscriptiondomain.SubscriptionStatusActive || status == subscriptiondomain.SubscriptionStatusTrialing
}

func parsePeriod(raw, fallback plandomain.BillingPeriod) (plandomain.BillingPeriod, error) {
	if raw == "" {
		return fallback, nil
	}
	return plandomain.ParseBillingPeriod(string(raw))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var errDuplicateCheckout = errors.New("duplicate checkout activation")
