package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/creditline/internal/billingprovider/domain"
	"github.com/smallbiznis/creditline/internal/clock"
	creditdomain "github.com/smallbiznis/creditline/internal/credit/domain"
	"github.com/smallbiznis/creditline/internal/errs"
	obsmetrics "github.com/smallbiznis/creditline/internal/observability/metrics"
	"github.com/smallbiznis/creditline/internal/observability/tracing"
	plandomain "github.com/smallbiznis/creditline/internal/plan/domain"
	reconcilerdomain "github.com/smallbiznis/creditline/internal/reconciler/domain"
	subscriptiondomain "github.com/smallbiznis/creditline/internal/subscription/domain"
	"github.com/smallbiznis/creditline/pkg/log/ctxlogger"
	"github.com/smallbiznis/creditline/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const tracerName = "creditline/reconciler"

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        reconcilerdomain.Repository
	Transitions subscriptiondomain.Transitions
	Credits     creditdomain.Service
	Provider    billingdomain.Client
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        reconcilerdomain.Repository
	transitions subscriptiondomain.Transitions
	credits     creditdomain.Service
	provider    billingdomain.Client
	metrics     *obsmetrics.Metrics
}

func New(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("reconciler"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		transitions: p.Transitions,
		credits:     p.Credits,
		provider:    p.Provider,
		metrics:     p.Metrics,
	}
}

// Handle records the notification, applies it and marks it processed.
// A notification that fails with a storage error stays unprocessed so a
// redelivery runs it again.
func (s *Service) Handle(ctx context.Context, n billingdomain.Notification) (outcome reconcilerdomain.Outcome, err error) {
	ctx, span := tracing.Start(ctx, tracerName, "reconciler.handle",
		attribute.String("notification.kind", string(n.Kind)),
		attribute.String("notification.id", n.ID),
	)
	defer func() {
		tracing.End(span, err)
		label := string(outcome)
		if err != nil {
			label = errs.Label(err)
		}
		s.metrics.ObserveNotification(string(n.Kind), label)
	}()

	ctx, _ = correlation.Derive(ctx, firstNonEmpty(n.Provider, s.provider.Name()), n.ID)
	ctx = ctxlogger.ContextWithFields(ctx,
		zap.String("event_id", n.ID),
		zap.String("event_type", n.ProviderType),
	)
	log := ctxlogger.WithContext(ctx, s.log)

	eventID := strings.TrimSpace(n.ID)
	if eventID == "" {
		log.Warn("notification without id ignored")
		return reconcilerdomain.OutcomeIgnored, nil
	}
	provider := n.Provider
	if provider == "" {
		provider = s.provider.Name()
	}

	payload := n.Raw
	if !json.Valid(payload) {
		payload = []byte("{}")
	}
	record := &reconcilerdomain.ProcessedEvent{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       firstNonEmpty(n.ProviderType, string(n.Kind)),
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return "", err
	}
	if !inserted {
		stored, err := s.repo.FindEvent(ctx, s.db, provider, eventID)
		if err != nil {
			return "", err
		}
		if stored == nil {
			return "", errors.New("processed event vanished after conflict")
		}
		if stored.ProcessedAt != nil {
			log.Debug("notification already processed", zap.String("outcome", stored.Outcome))
			return reconcilerdomain.OutcomeDuplicate, nil
		}
		record = stored
	}

	outcome, err = s.dispatch(ctx, log, n)
	if err != nil {
		return "", err
	}
	if err := s.repo.MarkProcessed(ctx, s.db, record.ID, outcome, s.clock.Now()); err != nil {
		return "", err
	}
	log.Info("notification reconciled", zap.String("outcome", string(outcome)))
	return outcome, nil
}

func (s *Service) dispatch(ctx context.Context, log *zap.Logger, n billingdomain.Notification) (reconcilerdomain.Outcome, error) {
	var (
		outcome reconcilerdomain.Outcome
		err     error
	)
	switch n.Kind {
	case billingdomain.NotificationCheckoutCompleted:
		outcome, err = s.checkoutCompleted(ctx, log, n)
	case billingdomain.NotificationSubscriptionUpdated:
		outcome, err = s.subscriptionUpdated(ctx, log, n)
	case billingdomain.NotificationSubscriptionDeleted:
		outcome, err = s.subscriptionDeleted(ctx, log, n)
	case billingdomain.NotificationInvoicePaid:
		outcome, err = s.invoicePaid(ctx, log, n)
	case billingdomain.NotificationInvoiceFailed:
		outcome, err = s.invoiceFailed(ctx, log, n)
	default:
		log.Debug("notification kind not handled")
		return reconcilerdomain.OutcomeIgnored, nil
	}
	if err != nil && nonFatal(err) {
		log.Warn("notification could not be applied", zap.Error(err))
		return reconcilerdomain.OutcomeIgnored, nil
	}
	return outcome, err
}

func (s *Service) checkoutCompleted(ctx context.Context, log *zap.Logger, n billingdomain.Notification) (reconcilerdomain.Outcome, error) {
	checkout := n.Checkout
	if checkout == nil {
		log.Warn("checkout notification without payload")
		return reconcilerdomain.OutcomeIgnored, nil
	}
	if checkout.SubscriptionID == "" {
		log.Info("checkout without subscription ignored", zap.String("session_id", checkout.SessionID))
		return reconcilerdomain.OutcomeIgnored, nil
	}

	metadata := make(map[string]string, len(checkout.Metadata))
	for k, v := range checkout.Metadata {
		metadata[k] = v
	}
	in := subscriptiondomain.CheckoutActivation{
		ExternalID:         checkout.SubscriptionID,
		ExternalCustomerID: checkout.CustomerID,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		OccurredAt:         n.OccurredAt,
	}

	if metadata[billingdomain.MetadataUserID] == "" || metadata[billingdomain.MetadataPlanID] == "" {
		view, err := s.provider.GetSubscription(ctx, checkout.SubscriptionID)
		if err != nil {
			return "", err
		}
		for k, v := range view.Metadata {
			if metadata[k] == "" {
				metadata[k] = v
			}
		}
		in.Status = subscriptiondomain.MapProviderStatus(view.Status)
		in.PeriodStart = view.CurrentPeriodStart
		in.PeriodEnd = view.CurrentPeriodEnd
		in.TrialEndsAt = view.TrialEnd
		in.ExternalCustomerID = firstNonEmpty(in.ExternalCustomerID, view.CustomerID)
	}

	userID, err := snowflake.ParseString(metadata[billingdomain.MetadataUserID])
	if err != nil || userID == 0 {
		log.Warn("checkout metadata missing user", zap.String("subscription_id", checkout.SubscriptionID))
		return reconcilerdomain.OutcomeIgnored, nil
	}
	planID, err := snowflake.ParseString(metadata[billingdomain.MetadataPlanID])
	if err != nil || planID == 0 {
		log.Warn("checkout metadata missing plan", zap.String("subscription_id", checkout.SubscriptionID))
		return reconcilerdomain.OutcomeIgnored, nil
	}
	in.UserID = userID
	in.PlanID = planID
	in.BillingPeriod = plandomain.BillingPeriod(metadata[billingdomain.MetadataBillingPeriod])

	_, created, err := s.transitions.ActivateFromCheckout(ctx, in)
	if err != nil {
		return "", err
	}
	if !created {
		return reconcilerdomain.OutcomeNoop, nil
	}
	return reconcilerdomain.OutcomeApplied, nil
}

func (s *Service) subscriptionUpdated(ctx context.Context, log *zap.Logger, n billingdomain.Notification) (reconcilerdomain.Outcome, error) {
	sub, err := s.lookup(ctx, log, n.Subscription)
	if sub == nil || err != nil {
		return reconcilerdomain.OutcomeIgnored, err
	}
	view := n.Subscription
	_, changed, err := s.transitions.SyncFromProvider(ctx, subscriptiondomain.ProviderSync{
		SubscriptionID:    sub.ID,
		Status:            subscriptiondomain.MapProviderStatus(view.Status),
		PeriodStart:       view.CurrentPeriodStart,
		PeriodEnd:         view.CurrentPeriodEnd,
		CancelAtPeriodEnd: view.CancelAtPeriodEnd,
		OccurredAt:        n.OccurredAt,
	})
	if err != nil {
		return "", err
	}
	if !changed {
		return reconcilerdomain.OutcomeNoop, nil
	}
	return reconcilerdomain.OutcomeApplied, nil
}

func (s *Service) subscriptionDeleted(ctx context.Context, log *zap.Logger, n billingdomain.Notification) (reconcilerdomain.Outcome, error) {
	sub, err := s.lookup(ctx, log, n.Subscription)
	if sub == nil || err != nil {
		return reconcilerdomain.OutcomeIgnored, err
	}
	if sub.Status.IsTerminal() {
		return reconcilerdomain.OutcomeNoop, nil
	}
	if _, err := s.transitions.Lapse(ctx, sub.ID); err != nil {
		return "", err
	}
	return reconcilerdomain.OutcomeApplied, nil
}

func (s *Service) invoicePaid(ctx context.Context, log *zap.Logger, n billingdomain.Notification) (reconcilerdomain.Outcome, error) {
	if n.Invoice == nil || n.Invoice.SubscriptionID == "" {
		log.Warn("invoice notification without subscription")
		return reconcilerdomain.OutcomeIgnored, nil
	}
	if !n.Invoice.IsRenewal() {
		return reconcilerdomain.OutcomeNoop, nil
	}
	sub, err := s.findExternal(ctx, log, n.Invoice.SubscriptionID)
	if sub == nil || err != nil {
		return reconcilerdomain.OutcomeIgnored, err
	}

	_, err = s.credits.GrantMonthly(ctx, sub.ID)
	switch {
	case errors.Is(err, creditdomain.ErrPeriodNotElapsed), errors.Is(err, creditdomain.ErrRenewalAlreadyGranted):
		return reconcilerdomain.OutcomeNoop, nil
	case err != nil:
		return "", err
	}
	return reconcilerdomain.OutcomeApplied, nil
}

func (s *Service) invoiceFailed(ctx context.Context, log *zap.Logger, n billingdomain.Notification) (reconcilerdomain.Outcome, error) {
	if n.Invoice == nil || n.Invoice.SubscriptionID == "" {
		log.Warn("invoice notification without subscription")
		return reconcilerdomain.OutcomeIgnored, nil
	}
	sub, err := s.findExternal(ctx, log, n.Invoice.SubscriptionID)
	if sub == nil || err != nil {
		return reconcilerdomain.OutcomeIgnored, err
	}
	if sub.Status == subscriptiondomain.SubscriptionStatusPastDue {
		return reconcilerdomain.OutcomeNoop, nil
	}
	if _, err := s.transitions.MarkPastDue(ctx, sub.ID); err != nil {
		return "", err
	}
	return reconcilerdomain.OutcomeApplied, nil
}

func (s *Service) lookup(ctx context.Context, log *zap.Logger, view *billingdomain.SubscriptionView) (*subscriptiondomain.Subscription, error) {
	if view == nil || view.ID == "" {
		log.Warn("subscription notification without payload")
		return nil, nil
	}
	return s.findExternal(ctx, log, view.ID)
}

func (s *Service) findExternal(ctx context.Context, log *zap.Logger, externalID string) (*subscriptiondomain.Subscription, error) {
	sub, err := s.transitions.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		log.Info("notification for unknown subscription", zap.String("external_id", externalID))
	}
	return sub, nil
}

// nonFatal reports domain rejections that a redelivery would not fix.
func nonFatal(err error) bool {
	return errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrInvalidState)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
