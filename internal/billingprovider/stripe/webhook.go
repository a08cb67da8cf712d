package stripe

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/smallbiznis/creditline/internal/billingprovider/domain"
	stripego "github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/webhook"
)

// MaxWebhookBytes caps webhook bodies read by the HTTP layer.
const MaxWebhookBytes = 65536

type WebhookParser struct {
	secret string
}

func NewWebhookParser(secret string) *WebhookParser {
	return &WebhookParser{secret: strings.TrimSpace(secret)}
}

// Parse verifies the signature and translates the event. Event types the
// reconciler does not consume come back as NotificationUnknown.
func (p *WebhookParser) Parse(payload []byte, signature string) (domain.Notification, error) {
	if p.secret == "" {
		return domain.Notification{}, domain.ErrProviderNotEnabled
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.Notification{}, domain.ErrInvalidSignature
	}
	return translateEvent(event, payload)
}

func translateEvent(event stripego.Event, payload []byte) (domain.Notification, error) {
	n := domain.Notification{
		ID:           event.ID,
		Provider:     ProviderName,
		Kind:         domain.NotificationUnknown,
		ProviderType: string(event.Type),
		OccurredAt:   time.Unix(event.Created, 0).UTC(),
		Raw:          payload,
	}
	if event.Data == nil {
		return n, domain.ErrMalformedNotification
	}

	switch string(event.Type) {
	case "checkout.session.completed":
		var session stripego.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return n, domain.ErrMalformedNotification
		}
		n.Kind = domain.NotificationCheckoutCompleted
		n.Checkout = &domain.CheckoutCompleted{
			SessionID: session.ID,
			Metadata:  session.Metadata,
		}
		if session.Subscription != nil {
			n.Checkout.SubscriptionID = session.Subscription.ID
			if len(session.Subscription.Metadata) > 0 {
				n.Checkout.Metadata = mergeMetadata(session.Metadata, session.Subscription.Metadata)
			}
		}
		if session.Customer != nil {
			n.Checkout.CustomerID = session.Customer.ID
		}

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripego.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return n, domain.ErrMalformedNotification
		}
		view := subscriptionView(&sub)
		n.Subscription = &view
		n.Kind = domain.NotificationSubscriptionUpdated
		if string(event.Type) == "customer.subscription.deleted" {
			n.Kind = domain.NotificationSubscriptionDeleted
		}

	case "invoice.paid", "invoice.payment_failed":
		var invoice stripego.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return n, domain.ErrMalformedNotification
		}
		n.Invoice = &domain.InvoiceEvent{
			ID:            invoice.ID,
			BillingReason: string(invoice.BillingReason),
		}
		if invoice.Subscription != nil {
			n.Invoice.SubscriptionID = invoice.Subscription.ID
		}
		n.Kind = domain.NotificationInvoicePaid
		if string(event.Type) == "invoice.payment_failed" {
			n.Kind = domain.NotificationInvoiceFailed
		}
	}
	return n, nil
}

func mergeMetadata(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
