package domain

// CanTransition is the subscription status table. Staying in the same
// status is always allowed; terminal states admit nothing else.
func CanTransition(current, target SubscriptionStatus) bool {
	if current == target {
		return true
	}
	switch current {
	case SubscriptionStatusTrialing:
		switch target {
		case SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusPaused,
			SubscriptionStatusCanceled, SubscriptionStatusExpired:
			return true
		}
	case SubscriptionStatusActive:
		switch target {
		case SubscriptionStatusPastDue, SubscriptionStatusPaused,
			SubscriptionStatusCanceled, SubscriptionStatusExpired:
			return true
		}
	case SubscriptionStatusPastDue:
		switch target {
		case SubscriptionStatusActive, SubscriptionStatusPaused,
			SubscriptionStatusCanceled, SubscriptionStatusExpired:
			return true
		}
	case SubscriptionStatusPaused:
		switch target {
		case SubscriptionStatusActive, SubscriptionStatusCanceled, SubscriptionStatusExpired:
			return true
		}
	}
	return false
}

// MapProviderStatus converts a provider status string into a status.
// Anything unrecognised is treated as expired.
func MapProviderStatus(raw string) SubscriptionStatus {
	switch raw {
	case "active":
		return SubscriptionStatusActive
	case "canceled":
		return SubscriptionStatusCanceled
	case "past_due":
		return SubscriptionStatusPastDue
	case "trialing":
		return SubscriptionStatusTrialing
	case "paused":
		return SubscriptionStatusPaused
	default:
		return SubscriptionStatusExpired
	}
}
