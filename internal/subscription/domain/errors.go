package domain

import "github.com/smallbiznis/creditline/internal/errs"

var (
	ErrSubscriptionNotFound      = errs.New(errs.ErrNotFound, "subscription_not_found")
	ErrSubscriptionAlreadyLive   = errs.New(errs.ErrInvalidState, "subscription_already_live")
	ErrSamePlan                  = errs.New(errs.ErrInvalidState, "same_plan_selected")
	ErrSubscriptionNotChangeable = errs.New(errs.ErrInvalidState, "subscription_not_changeable")
	ErrAlreadyPaused             = errs.New(errs.ErrInvalidState, "subscription_already_paused")
	ErrNotPaused                 = errs.New(errs.ErrInvalidState, "subscription_not_paused")
	ErrInvalidTransition         = errs.New(errs.ErrInvalidState, "invalid_status_transition")
	ErrCheckoutRequired          = errs.New(errs.ErrInvalidState, "checkout_required")
	ErrInvalidUser               = errs.New(errs.ErrInvalidState, "invalid_user")
)
