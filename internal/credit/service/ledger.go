package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/creditline/internal/credit/domain"
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (s *Service) OpenBalance(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) (*creditdomain.CreditTransaction, error) {
	now := s.clock.Now()
	entry := s.newEntry(sub.ID, creditdomain.TransactionTypeGrant, sub.CreditsRemaining, sub.CreditsRemaining, "initial credit allotment", now)
	key := "initial:" + sub.ID.String()
	entry.IdempotencyKey = &key
	entry.Metadata = datatypes.JSONMap{
		"plan_id":        sub.PlanID.String(),
		"billing_period": string(sub.BillingPeriod),
	}
	if err := s.repo.InsertTransactions(ctx, tx, []creditdomain.CreditTransaction{entry}); err != nil {
		return nil, err
	}
	s.metrics.AddCreditAmount(string(entry.Type), entry.Amount)
	return &entry, nil
}

func (s *Service) AdjustBalance(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, delta int, description string) (*creditdomain.CreditTransaction, error) {
	target := max(0, sub.CreditsRemaining+delta)
	applied := target - sub.CreditsRemaining
	if applied == 0 {
		return nil, nil
	}

	kind := creditdomain.TransactionTypeBonus
	if applied < 0 {
		kind = creditdomain.TransactionTypeExpired
	}

	now := s.clock.Now()
	if err := s.subscriptionRepo.UpdateFields(ctx, tx, sub.ID, map[string]any{
		"credits_remaining": target,
		"updated_at":        now,
	}); err != nil {
		return nil, err
	}
	sub.CreditsRemaining = target

	entry := s.newEntry(sub.ID, kind, applied, target, description, now)
	if err := s.repo.InsertTransactions(ctx, tx, []creditdomain.CreditTransaction{entry}); err != nil {
		return nil, err
	}
	s.metrics.AddCreditAmount(string(entry.Type), entry.Amount)
	return &entry, nil
}

// SetAccessGrantsActive toggles only the grants funded by subscriptionID.
func (s *Service) SetAccessGrantsActive(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, active bool) (int64, error) {
	return s.repo.SetGrantsActiveBySubscription(ctx, tx, subscriptionID, active, s.clock.Now())
}
