package domain

import "time"

type NotificationKind string

const (
	NotificationCheckoutCompleted   NotificationKind = "checkout_completed"
	NotificationSubscriptionUpdated NotificationKind = "subscription_updated"
	NotificationSubscriptionDeleted NotificationKind = "subscription_deleted"
	NotificationInvoicePaid         NotificationKind = "invoice_paid"
	NotificationInvoiceFailed       NotificationKind = "invoice_failed"
	NotificationUnknown             NotificationKind = "unknown"
)

// Notification is a provider lifecycle event translated into
// provider-neutral terms. Exactly one payload pointer matches Kind.
type Notification struct {
	ID           string
	Provider     string
	Kind         NotificationKind
	ProviderType string
	OccurredAt   time.Time
	Checkout     *CheckoutCompleted
	Subscription *SubscriptionView
	Invoice      *InvoiceEvent
	Raw          []byte
}

type CheckoutCompleted struct {
	SessionID      string
	SubscriptionID string
	CustomerID     string
	Metadata       map[string]string
}

type InvoiceEvent struct {
	ID             string
	SubscriptionID string
	BillingReason  string
}

// IsRenewal reports whether the invoice closes a recurring cycle rather
// than opening the subscription.
func (i InvoiceEvent) IsRenewal() bool {
	return i.BillingReason == "subscription_cycle"
}

// WebhookParser verifies and decodes provider webhook deliveries.
type WebhookParser interface {
	Parse(payload []byte, signature string) (Notification, error)
}
