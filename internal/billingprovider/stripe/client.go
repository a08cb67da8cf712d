// Package stripe implements the billing provider contract on Stripe.
package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/creditline/internal/billingprovider/domain"
	"github.com/smallbiznis/creditline/internal/config"
	stripego "github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"
	"go.uber.org/zap"
)

const ProviderName = "stripe"

type Client struct {
	api *client.API
	log *zap.Logger
}

// NewClient builds a client for the configured secret key. Backends may be
// nil to use Stripe's default endpoints.
func NewClient(cfg config.StripeConfig, backends *stripego.Backends, log *zap.Logger) (*Client, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, domain.ErrProviderNotEnabled
	}
	return &Client{
		api: client.New(key, backends),
		log: log.Named("billingprovider.stripe"),
	}, nil
}

func (c *Client) Name() string { return ProviderName }

func (c *Client) EnsureCustomer(ctx context.Context, customer domain.Customer) (string, error) {
	params := &stripego.CustomerParams{
		Metadata: map[string]string{
			domain.MetadataUserID: customer.UserID.String(),
		},
	}
	if customer.Email != "" {
		params.Email = stripego.String(customer.Email)
	}
	params.Context = ctx

	cus, err := c.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cus.ID, nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	params := &stripego.CheckoutSessionParams{
		SuccessURL: stripego.String(req.SuccessURL),
		CancelURL:  stripego.String(req.CancelURL),
		Mode:       stripego.String(string(stripego.CheckoutSessionModeSubscription)),
		Customer:   stripego.String(req.CustomerID),
		LineItems: []*stripego.CheckoutSessionLineItemParams{
			{Price: stripego.String(req.PriceID), Quantity: stripego.Int64(1)},
		},
		ClientReferenceID: stripego.String(req.Metadata[domain.MetadataUserID]),
		SubscriptionData: &stripego.CheckoutSessionSubscriptionDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripego.Int64(int64(req.TrialDays))
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("create stripe checkout session: %w", err)
	}
	return domain.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (c *Client) UpdateSubscription(ctx context.Context, externalID string, patch domain.SubscriptionPatch) error {
	params := &stripego.SubscriptionParams{}
	params.Context = ctx

	if patch.PriceID != nil {
		current, err := c.getSubscription(ctx, externalID)
		if err != nil {
			return err
		}
		if current.Items == nil || len(current.Items.Data) == 0 {
			return fmt.Errorf("stripe subscription %s has no items", externalID)
		}
		params.Items = []*stripego.SubscriptionItemsParams{
			{ID: stripego.String(current.Items.Data[0].ID), Price: stripego.String(*patch.PriceID)},
		}
		params.ProrationBehavior = stripego.String("create_prorations")
	}
	if patch.CancelAtPeriodEnd != nil {
		params.CancelAtPeriodEnd = stripego.Bool(*patch.CancelAtPeriodEnd)
	}
	if patch.PauseCollection != nil {
		if *patch.PauseCollection {
			params.PauseCollection = &stripego.SubscriptionPauseCollectionParams{
				Behavior: stripego.String("void"),
			}
		} else {
			params.AddExtra("pause_collection", "")
		}
	}

	if _, err := c.api.Subscriptions.Update(externalID, params); err != nil {
		return fmt.Errorf("update stripe subscription: %w", err)
	}
	return nil
}

func (c *Client) CancelSubscription(ctx context.Context, externalID string) error {
	params := &stripego.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := c.api.Subscriptions.Cancel(externalID, params); err != nil {
		return fmt.Errorf("cancel stripe subscription: %w", err)
	}
	return nil
}

func (c *Client) GetSubscription(ctx context.Context, externalID string) (domain.SubscriptionView, error) {
	sub, err := c.getSubscription(ctx, externalID)
	if err != nil {
		return domain.SubscriptionView{}, err
	}
	return subscriptionView(sub), nil
}

func (c *Client) getSubscription(ctx context.Context, externalID string) (*stripego.Subscription, error) {
	params := &stripego.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Get(externalID, params)
	if err != nil {
		return nil, fmt.Errorf("get stripe subscription: %w", err)
	}
	return sub, nil
}

// subscriptionView flattens a Stripe subscription. Collection pauses are
// reported as the paused status.
func subscriptionView(sub *stripego.Subscription) domain.SubscriptionView {
	view := domain.SubscriptionView{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		TrialEnd:           unixTime(sub.TrialEnd),
		Metadata:           sub.Metadata,
	}
	if sub.Customer != nil {
		view.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		view.PriceID = sub.Items.Data[0].Price.ID
	}
	if sub.PauseCollection != nil && sub.PauseCollection.Behavior != "" && sub.Status == stripego.SubscriptionStatusActive {
		view.Status = "paused"
	}
	return view
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
