package billingprovider

import (
	"context"

	"github.com/smallbiznis/creditline/internal/billingprovider/domain"
)

type disabledClient struct{}

func (disabledClient) Name() string { return "disabled" }

func (disabledClient) EnsureCustomer(context.Context, domain.Customer) (string, error) {
	return "", domain.ErrProviderNotEnabled
}

func (disabledClient) CreateCheckoutSession(context.Context, domain.CheckoutRequest) (domain.CheckoutSession, error) {
	return domain.CheckoutSession{}, domain.ErrProviderNotEnabled
}

func (disabledClient) UpdateSubscription(context.Context, string, domain.SubscriptionPatch) error {
	return domain.ErrProviderNotEnabled
}

func (disabledClient) CancelSubscription(context.Context, string) error {
	return domain.ErrProviderNotEnabled
}

func (disabledClient) GetSubscription(context.Context, string) (domain.SubscriptionView, error) {
	return domain.SubscriptionView{}, domain.ErrProviderNotEnabled
}
