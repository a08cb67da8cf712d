package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/creditline/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	"github.com/smallbiznis/creditline/pkg/db"
	"github.com/smallbiznis/creditline/pkg/log/ctxlogger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) FindByExternalID(ctx context.Context, externalID string) (*subscriptiondomain.Subscription, error) {
	return s.repo.FindByExternalID(ctx, s.db, externalID)
}

// ActivateFromCheckout creates the subscription a completed checkout paid
// for. A live subscription the user still holds is superseded.
func (s *Service) ActivateFromCheckout(ctx context.Context, in subscriptiondomain.CheckoutActivation) (*subscriptiondomain.Subscription, bool, error) {
	if in.ExternalID == "" || in.UserID == 0 {
		return nil, false, subscriptiondomain.ErrInvalidUser
	}
	existing, err := s.repo.FindByExternalID(ctx, s.db, in.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	plan, err := s.findPlan(ctx, s.db, in.PlanID)
	if err != nil {
		return nil, false, err
	}
	period, err := parsePeriod(in.BillingPeriod, plandomain.BillingPeriodMonthly)
	if err != nil {
		return nil, false, err
	}

	var (
		created    *subscriptiondomain.Subscription
		superseded *subscriptiondomain.Subscription
	)
	err = db.Serializable(ctx, s.db, func(tx *gorm.DB) error {
		created, superseded = nil, nil
		if again, err := s.repo.FindByExternalID(ctx, tx, in.ExternalID); err != nil {
			return err
		} else if again != nil {
			return errDuplicateCheckout
		}

		now := s.clock.Now()
		live, err := s.repo.FindLiveByUserID(ctx, tx, in.UserID)
		if err != nil {
			return err
		}
		if live != nil {
			locked, err := s.repo.FindByIDForUpdate(ctx, tx, live.ID)
			if err != nil {
				return err
			}
			if locked == nil {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			if err := s.repo.UpdateFields(ctx, tx, locked.ID, map[string]any{
				"status":               subscriptiondomain.SubscriptionStatusExpired,
				"canceled_at":          now,
				"cancel_at_period_end": false,
				"updated_at":           now,
			}); err != nil {
				return err
			}
			superseded = locked
		}

		sub := s.newSubscription(in.UserID, plan, period, now)
		applyCheckout(sub, in)
		if err := s.repo.Insert(ctx, tx, sub); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errDuplicateCheckout
			}
			return err
		}
		if _, err := s.ledger.OpenBalance(ctx, tx, sub); err != nil {
			return err
		}
		if in.ExternalCustomerID != "" {
			if err := s.repo.InsertBillingCustomer(ctx, tx, &subscriptiondomain.BillingCustomer{
				ID:                 s.genID.Generate(),
				UserID:             in.UserID,
				Provider:           s.provider.Name(),
				ExternalCustomerID: in.ExternalCustomerID,
				CreatedAt:          now,
			}); err != nil {
				return err
			}
		}
		created = sub
		return nil
	})
	if errors.Is(err, errDuplicateCheckout) {
		existing, err := s.repo.FindByExternalID(ctx, s.db, in.ExternalID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, subscriptiondomain.ErrSubscriptionAlreadyLive
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	log := ctxlogger.WithContext(ctx, s.log)
	if superseded != nil {
		s.metrics.ObserveTransition(string(superseded.Status), string(subscriptiondomain.SubscriptionStatusExpired))
		log.Info("subscription superseded by checkout",
			zap.String("subscription_id", superseded.ID.String()),
			zap.String("replaced_by", created.ID.String()),
		)
		if superseded.HasExternal() && *superseded.ExternalID != in.ExternalID {
			if err := s.provider.CancelSubscription(ctx, *superseded.ExternalID); err != nil {
				log.Warn("failed to cancel superseded provider subscription",
					zap.String("external_id", *superseded.ExternalID),
					zap.Error(err),
				)
			}
		}
	}
	s.metrics.ObserveTransition("none", string(created.Status))
	log.Info("subscription activated from checkout",
		zap.String("subscription_id", created.ID.String()),
		zap.String("external_id", in.ExternalID),
		zap.String("status", string(created.Status)),
	)
	return created, true, nil
}

func applyCheckout(sub *subscriptiondomain.Subscription, in subscriptiondomain.CheckoutActivation) {
	externalID := in.ExternalID
	sub.ExternalID = &externalID
	if in.ExternalCustomerID != "" {
		customerID := in.ExternalCustomerID
		sub.ExternalCustomerID = &customerID
	}
	switch in.Status {
	case subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusTrialing:
		sub.Status = in.Status
	}
	if in.TrialEndsAt != nil {
		sub.TrialEndsAt = in.TrialEndsAt
	}
	if sub.Status == subscriptiondomain.SubscriptionStatusActive {
		sub.TrialEndsAt = nil
	}
	if in.PeriodStart != nil {
		sub.CurrentPeriodStart = *in.PeriodStart
	}
	if in.PeriodEnd != nil {
		sub.CurrentPeriodEnd = *in.PeriodEnd
	}
	if !in.OccurredAt.IsZero() {
		occurred := in.OccurredAt
		sub.ProviderSyncedAt = &occurred
	}
}

// SyncFromProvider mirrors a provider snapshot. Snapshots older than the
// last applied one and any snapshot for a terminal subscription are
// ignored.
func (s *Service) SyncFromProvider(ctx context.Context, in subscriptiondomain.ProviderSync) (*subscriptiondomain.Subscription, bool, error) {
	changed := false
	sub, err := s.mutate(ctx, in.SubscriptionID, func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (map[string]any, error) {
		changed = false
		if sub.Status.IsTerminal() {
			return nil, nil
		}
		if sub.ProviderSyncedAt != nil && in.OccurredAt.Before(*sub.ProviderSyncedAt) {
			return nil, nil
		}

		fields := map[string]any{
			"cancel_at_period_end": in.CancelAtPeriodEnd,
			"provider_synced_at":   in.OccurredAt,
		}
		if in.PeriodStart != nil {
			fields["current_period_start"] = *in.PeriodStart
		}
		if in.PeriodEnd != nil {
			fields["current_period_end"] = *in.PeriodEnd
		}

		prior, target := sub.Status, in.Status
		if target != prior {
			if !subscriptiondomain.CanTransition(prior, target) {
				ctxlogger.WithContext(ctx, s.log).Warn("ignoring provider status outside the transition table",
					zap.String("subscription_id", sub.ID.String()),
					zap.String("from", string(prior)),
					zap.String("to", string(target)),
				)
			} else {
				fields["status"] = target
				if err := s.applyStatusEffects(ctx, tx, sub, prior, target, now, fields); err != nil {
					return nil, err
				}
			}
		}
		changed = true
		return fields, nil
	})
	if err != nil {
		return nil, false, err
	}
	return sub, changed, nil
}

// applyStatusEffects keeps timestamps and access grants in line with a
// provider-driven status change.
func (s *Service) applyStatusEffects(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, prior, target subscriptiondomain.SubscriptionStatus, now time.Time, fields map[string]any) error {
	switch target {
	case subscriptiondomain.SubscriptionStatusPaused:
		fields["paused_at"] = now
	case subscriptiondomain.SubscriptionStatusActive:
		fields["paused_at"] = nil
		if prior == subscriptiondomain.SubscriptionStatusPastDue || prior == subscriptiondomain.SubscriptionStatusPaused {
			if _, err := s.ledger.SetAccessGrantsActive(ctx, tx, sub.ID, true); err != nil {
				return err
			}
		}
	case subscriptiondomain.SubscriptionStatusCanceled, subscriptiondomain.SubscriptionStatusExpired:
		fields["canceled_at"] = now
		if _, err := s.ledger.SetAccessGrantsActive(ctx, tx, sub.ID, false); err != nil {
			return err
		}
	}
	return nil
}

// Lapse cancels the subscription and revokes standing access. Lapsing a
// terminal subscription is a no-op.
func (s *Service) Lapse(ctx context.Context, subscriptionID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, subscriptionID, func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (map[string]any, error) {
		if sub.Status.IsTerminal() {
			return nil, nil
		}
		if _, err := s.ledger.SetAccessGrantsActive(ctx, tx, sub.ID, false); err != nil {
			return nil, err
		}
		return map[string]any{
			"status":               subscriptiondomain.SubscriptionStatusCanceled,
			"canceled_at":          now,
			"cancel_at_period_end": false,
		}, nil
	})
}

// Reactivate returns a recovered subscription to ACTIVE and restores access.
func (s *Service) Reactivate(ctx context.Context, subscriptionID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, subscriptionID, func(tx *gorm.DB, sub *subscriptiondomain.Subscription, _ time.Time) (map[string]any, error) {
		if !subscriptiondomain.CanTransition(sub.Status, subscriptiondomain.SubscriptionStatusActive) {
			return nil, subscriptiondomain.ErrInvalidTransition
		}
		if _, err := s.ledger.SetAccessGrantsActive(ctx, tx, sub.ID, true); err != nil {
			return nil, err
		}
		if sub.Status == subscriptiondomain.SubscriptionStatusActive {
			return nil, nil
		}
		return map[string]any{
			"status":    subscriptiondomain.SubscriptionStatusActive,
			"paused_at": nil,
		}, nil
	})
}

// MarkPastDue flags a failed payment. Access is kept until the provider
// reports cancellation.
func (s *Service) MarkPastDue(ctx context.Context, subscriptionID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, subscriptionID, func(_ *gorm.DB, sub *subscriptiondomain.Subscription, _ time.Time) (map[string]any, error) {
		switch sub.Status {
		case subscriptiondomain.SubscriptionStatusPastDue:
			return nil, nil
		case subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusTrialing:
			return map[string]any{"status": subscriptiondomain.SubscriptionStatusPastDue}, nil
		default:
			return nil, subscriptiondomain.ErrInvalidTransition
		}
	})
}
