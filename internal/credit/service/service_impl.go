package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	creditdomain "github.com/smallbiznis/creditline/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	"github.com/smallbiznis/creditline/internal/observability/tracing"
	plandomain "github.com/smallbiznis/creditline/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	"github.com/smallbiznis/creditline/pkg/db"
	"github.com/smallbiznis/creditline/pkg/db/pagination"
	"github.com/smallbiznis/creditline/pkg/log/ctxlogger"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const tracerName = "creditline/credit"

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	Config           config.Config
	Repo             creditdomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	PlanRepo         plandomain.Repository
	Metrics          *obsmetrics.Metrics `optional:"true"`
}

// Service is the credit engine. It also implements creditdomain.Ledger for
// the subscription lifecycle.
type Service struct {
	db               *gorm.DB
	log              *zap.Logger
	genID            *snowflake.Node
	clock            clock.Clock
	cfg              config.CreditsConfig
	repo             creditdomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	planRepo         plandomain.Repository
	metrics          *obsmetrics.Metrics
}

func New(p Params) *Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("credit.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		cfg:              p.Config.Credits,
		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
		planRepo:         p.PlanRepo,
		metrics:          p.Metrics,
	}
}

func (s *Service) Deduct(ctx context.Context, subscriptionID snowflake.ID, amount int, ref creditdomain.Reference) (entry *creditdomain.CreditTransaction, err error) {
	ctx, span := tracing.Start(ctx, tracerName, "credit.deduct", attribute.String("subscription_id", subscriptionID.String()))
	defer func() {
		tracing.End(span, err)
		s.metrics.ObserveCreditOperation("deduct", err)
	}()

	if amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	err = db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		entry, err = s.deductLocked(ctx, tx, sub, amount, ref)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.AddCreditAmount(string(entry.Type), entry.Amount)
	return entry, nil
}

func (s *Service) Refund(ctx context.Context, subscriptionID snowflake.ID, amount int, ref creditdomain.Reference) (entry *creditdomain.CreditTransaction, err error) {
	ctx, span := tracing.Start(ctx, tracerName, "credit.refund", attribute.String("subscription_id", subscriptionID.String()))
	defer func() {
		tracing.End(span, err)
		s.metrics.ObserveCreditOperation("refund", err)
	}()

	if amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	err = db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		sub.CreditsRemaining += amount
		sub.CreditsUsedThisPeriod = max(0, sub.CreditsUsedThisPeriod-amount)
		sub.LifetimeCreditsUsed = max(0, sub.LifetimeCreditsUsed-amount)
		if err := s.subscriptionRepo.UpdateFields(ctx, tx, sub.ID, map[string]any{
			"credits_remaining":        sub.CreditsRemaining,
			"credits_used_this_period": sub.CreditsUsedThisPeriod,
			"lifetime_credits_used":    sub.LifetimeCreditsUsed,
			"updated_at":               now,
		}); err != nil {
			return err
		}

		refund := s.newEntry(sub.ID, creditdomain.TransactionTypeRefund, amount, sub.CreditsRemaining, describe(ref, "credits refunded"), now)
		refund.ResourceID = ref.ResourceID
		if err := s.repo.InsertTransactions(ctx, tx, []creditdomain.CreditTransaction{refund}); err != nil {
			return err
		}
		entry = &refund
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.AddCreditAmount(string(entry.Type), entry.Amount)
	return entry, nil
}

// GrantMonthly closes the current allotment (rolling over or expiring what
// is left) and opens the next one. The subscription is re-read under lock.
func (s *Service) GrantMonthly(ctx context.Context, subscriptionID snowflake.ID) (result creditdomain.GrantResult, err error) {
	ctx, span := tracing.Start(ctx, tracerName, "credit.grant_monthly", attribute.String("subscription_id", subscriptionID.String()))
	defer func() {
		tracing.End(span, err)
		s.metrics.ObserveCreditOperation("grant_monthly", err)
	}()

	var entries []creditdomain.CreditTransaction
	err = db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		result, entries, err = s.grantLocked(ctx, tx, sub)
		return err
	})
	if err != nil {
		return creditdomain.GrantResult{}, err
	}

	for _, entry := range entries {
		s.metrics.AddCreditAmount(string(entry.Type), entry.Amount)
	}
	ctxlogger.WithContext(ctx, s.log).Info("monthly credits granted",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int("carried", result.Carried),
		zap.Int("expired", result.Expired),
		zap.Int("granted", result.Granted),
		zap.Int("balance", result.Balance),
		zap.Time("period_end", result.PeriodEnd),
	)
	return result, nil
}

func (s *Service) grantLocked(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) (creditdomain.GrantResult, []creditdomain.CreditTransaction, error) {
	switch sub.Status {
	case subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusTrialing,
		subscriptiondomain.SubscriptionStatusPastDue:
	default:
		return creditdomain.GrantResult{}, nil, creditdomain.ErrSubscriptionNotRenewable
	}

	now := s.clock.Now()
	if !sub.RenewalDue(now, s.cfg.EarlyGrantWindow) {
		return creditdomain.GrantResult{}, nil, creditdomain.ErrPeriodNotElapsed
	}

	plan, err := s.planRepo.FindByID(ctx, tx, sub.PlanID)
	if err != nil {
		return creditdomain.GrantResult{}, nil, err
	}
	if plan == nil {
		return creditdomain.GrantResult{}, nil, plandomain.ErrPlanNotFound
	}

	carried, expired := creditdomain.Rollover(sub.CreditsRemaining, plan.RolloverEnabled, plan.MaxRollover)
	entries := make([]creditdomain.CreditTransaction, 0, 3)
	if expired > 0 {
		entries = append(entries, s.newEntry(sub.ID, creditdomain.TransactionTypeExpired, -expired, carried, "unused credits expired", now))
	}
	if carried > 0 {
		entries = append(entries, s.newEntry(sub.ID, creditdomain.TransactionTypeRollover, 0, carried, fmt.Sprintf("%d credits rolled over", carried), now))
	}

	balance := carried + plan.MonthlyCredits
	grant := s.newEntry(sub.ID, creditdomain.TransactionTypeGrant, plan.MonthlyCredits, balance, "credit allotment for "+plan.Name, now)
	// keyed on the allotment being closed; period bounds are rewritten by provider syncs
	anchor := sub.GrantAnchor()
	key := grantKey(sub.ID, anchor)
	grant.IdempotencyKey = &key
	grant.Metadata = datatypes.JSONMap{
		"plan_id":        plan.ID.String(),
		"billing_period": string(sub.BillingPeriod),
		"closed_period":  anchor.Format(time.RFC3339Nano),
	}
	entries = append(entries, grant)

	if err := s.repo.InsertTransactions(ctx, tx, entries); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return creditdomain.GrantResult{}, nil, creditdomain.ErrRenewalAlreadyGranted
		}
		return creditdomain.GrantResult{}, nil, err
	}

	periodEnd := sub.BillingPeriod.NextPeriodEnd(now)
	fields := map[string]any{
		"credits_remaining":        balance,
		"rollover_credits":         carried,
		"credits_used_this_period": 0,
		"current_period_start":     now,
		"current_period_end":       periodEnd,
		"last_granted_at":          now,
		"updated_at":               now,
	}
	if sub.Status == subscriptiondomain.SubscriptionStatusTrialing && sub.TrialEndsAt != nil && !now.Before(*sub.TrialEndsAt) {
		fields["status"] = subscriptiondomain.SubscriptionStatusActive
	}
	if err := s.subscriptionRepo.UpdateFields(ctx, tx, sub.ID, fields); err != nil {
		return creditdomain.GrantResult{}, nil, err
	}

	return creditdomain.GrantResult{
		SubscriptionID: sub.ID,
		Carried:        carried,
		Expired:        expired,
		Granted:        plan.MonthlyCredits,
		Balance:        balance,
		PeriodStart:    now,
		PeriodEnd:      periodEnd,
	}, entries, nil
}

// SpendCreditsForResource charges the resource's credit cost and records an
// access grant. An already active grant is returned without charging again.
func (s *Service) SpendCreditsForResource(ctx context.Context, userID, resourceID snowflake.ID) (result creditdomain.SpendResult, err error) {
	ctx, span := tracing.Start(ctx, tracerName, "credit.spend_for_resource",
		attribute.String("user_id", userID.String()),
		attribute.String("resource_id", resourceID.String()),
	)
	defer func() {
		tracing.End(span, err)
		s.metrics.ObserveCreditOperation("spend_for_resource", err)
	}()

	err = db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		live, err := s.subscriptionRepo.FindLiveByUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if live == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		sub, err := s.lockSubscription(ctx, tx, live.ID)
		if err != nil {
			return err
		}
		if !sub.Status.IsLive() {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		existing, err := s.repo.FindActiveGrant(ctx, tx, userID, resourceID, s.clock.Now())
		if err != nil {
			return err
		}
		if existing != nil {
			result = creditdomain.SpendResult{Grant: existing, CreditsRemaining: sub.CreditsRemaining}
			return nil
		}

		if !sub.Status.CanSpend() {
			return creditdomain.ErrSubscriptionNotSpendable
		}
		resource, err := s.repo.FindResource(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		if resource == nil {
			return creditdomain.ErrResourceNotFound
		}
		plan, err := s.planRepo.FindByID(ctx, tx, sub.PlanID)
		if err != nil {
			return err
		}
		if plan == nil {
			return plandomain.ErrPlanNotFound
		}
		if !plan.AccessTier.Covers(resource.MinTier) {
			return creditdomain.ErrAccessTierInsufficient
		}

		cost := creditdomain.PriceToCreditCost(resource.Price, plan.AccessTier)
		if cost > 0 {
			if _, err := s.deductLocked(ctx, tx, sub, cost, creditdomain.Reference{
				ResourceID:  &resource.ID,
				Description: "access to " + resource.Name,
			}); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		grant := &creditdomain.AccessGrant{
			ID:             s.genID.Generate(),
			SubscriptionID: sub.ID,
			UserID:         userID,
			ResourceID:     resource.ID,
			CreditsCharged: cost,
			IssuedAt:       now,
			Active:         true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if s.cfg.AccessGrantTTL > 0 {
			expiresAt := now.Add(s.cfg.AccessGrantTTL)
			grant.ExpiresAt = &expiresAt
		}
		if err := s.repo.InsertGrant(ctx, tx, grant); err != nil {
			return err
		}

		result = creditdomain.SpendResult{Grant: grant, CreditsCharged: cost, CreditsRemaining: sub.CreditsRemaining}
		return nil
	})
	if err != nil {
		return creditdomain.SpendResult{}, err
	}

	s.metrics.AddCreditAmount(string(creditdomain.TransactionTypeUsed), result.CreditsCharged)
	return result, nil
}

func (s *Service) ListCreditHistory(ctx context.Context, req creditdomain.ListRequest) (creditdomain.CreditHistoryPage, error) {
	limit := pagination.NormalizeLimit(req.Limit)
	items, err := s.repo.ListTransactionsByUser(ctx, s.db, req.UserID, s.decodeCursor(ctx, req.Cursor), limit)
	if err != nil {
		return creditdomain.CreditHistoryPage{}, err
	}

	page, info, err := pagination.BuildCursorPage(items, limit, func(t *creditdomain.CreditTransaction) pagination.Cursor {
		return pagination.NewCursor(t.ID.String(), t.CreatedAt)
	})
	if err != nil {
		return creditdomain.CreditHistoryPage{}, err
	}
	return creditdomain.CreditHistoryPage{Items: page, NextCursor: info.NextPageToken, HasNextPage: info.HasMore}, nil
}

func (s *Service) ListAccessHistory(ctx context.Context, req creditdomain.ListRequest) (creditdomain.AccessHistoryPage, error) {
	limit := pagination.NormalizeLimit(req.Limit)
	items, err := s.repo.ListGrantsByUser(ctx, s.db, req.UserID, s.decodeCursor(ctx, req.Cursor), limit)
	if err != nil {
		return creditdomain.AccessHistoryPage{}, err
	}

	page, info, err := pagination.BuildCursorPage(items, limit, func(g *creditdomain.AccessGrant) pagination.Cursor {
		return pagination.NewCursor(g.ID.String(), g.CreatedAt)
	})
	if err != nil {
		return creditdomain.AccessHistoryPage{}, err
	}
	return creditdomain.AccessHistoryPage{Items: page, NextCursor: info.NextPageToken, HasNextPage: info.HasMore}, nil
}

// decodeCursor restarts from the first page when the token is unreadable.
func (s *Service) decodeCursor(ctx context.Context, raw string) *pagination.Cursor {
	if raw == "" {
		return nil
	}
	cursor, err := pagination.DecodeCursor(raw)
	if err != nil {
		ctxlogger.WithContext(ctx, s.log).Warn("discarding unreadable page token", zap.Error(err))
		return nil
	}
	return cursor
}

func (s *Service) lockSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.subscriptionRepo.FindByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) deductLocked(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, amount int, ref creditdomain.Reference) (*creditdomain.CreditTransaction, error) {
	if !sub.Status.CanSpend() {
		return nil, creditdomain.ErrSubscriptionNotSpendable
	}
	if sub.CreditsRemaining < amount {
		return nil, creditdomain.ErrInsufficientCredits
	}

	now := s.clock.Now()
	sub.CreditsRemaining -= amount
	sub.CreditsUsedThisPeriod += amount
	sub.LifetimeCreditsUsed += amount
	if err := s.subscriptionRepo.UpdateFields(ctx, tx, sub.ID, map[string]any{
		"credits_remaining":        sub.CreditsRemaining,
		"credits_used_this_period": sub.CreditsUsedThisPeriod,
		"lifetime_credits_used":    sub.LifetimeCreditsUsed,
		"updated_at":               now,
	}); err != nil {
		return nil, err
	}

	used := s.newEntry(sub.ID, creditdomain.TransactionTypeUsed, -amount, sub.CreditsRemaining, describe(ref, "credits used"), now)
	used.ResourceID = ref.ResourceID
	if err := s.repo.InsertTransactions(ctx, tx, []creditdomain.CreditTransaction{used}); err != nil {
		return nil, err
	}
	return &used, nil
}

func (s *Service) newEntry(subscriptionID snowflake.ID, kind creditdomain.TransactionType, amount, balance int, description string, at time.Time) creditdomain.CreditTransaction {
	return creditdomain.CreditTransaction{
		ID:             s.genID.Generate(),
		SubscriptionID: subscriptionID,
		Type:           kind,
		Amount:         amount,
		Balance:        balance,
		Description:    description,
		CreatedAt:      at,
	}
}

func describe(ref creditdomain.Reference, fallback string) string {
	if ref.Description != "" {
		return ref.Description
	}
	return fallback
}

func grantKey(subscriptionID snowflake.ID, anchor time.Time) string {
	return "grant:" + subscriptionID.String() + ":" + anchor.UTC().Format(time.RFC3339Nano)
}
