package domain

import "github.com/smallbiznis/creditline/internal/errs"

var (
	ErrInvalidAmount            = errs.New(errs.ErrInvalidState, "invalid_amount")
	ErrSubscriptionNotSpendable = errs.New(errs.ErrInvalidState, "subscription_not_spendable")
	ErrSubscriptionNotRenewable = errs.New(errs.ErrInvalidState, "subscription_not_renewable")
	ErrInsufficientCredits      = errs.New(errs.ErrInsufficientBalance, "insufficient_credits")
	ErrPeriodNotElapsed         = errs.New(errs.ErrInvalidState, "renewal_period_not_elapsed")
	ErrRenewalAlreadyGranted    = errs.New(errs.ErrInvalidState, "renewal_already_granted")
	ErrResourceNotFound         = errs.New(errs.ErrNotFound, "resource_not_found")
	ErrAccessTierInsufficient   = errs.New(errs.ErrInvalidState, "access_tier_insufficient")
)
