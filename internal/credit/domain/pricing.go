package domain

import plandomain "github.com/smallbiznis/creditline/internal/plan/domain"

// PriceToCreditCost maps a resource list price to the credits charged for it.
func PriceToCreditCost(price float64, tier plandomain.AccessTier) int {
	switch {
	case tier == plandomain.AccessTierAll:
		return 0
	case price <= 0:
		return 0
	case price <= 25:
		return 1
	case price <= 75:
		return 2
	case price <= 150:
		return 3
	default:
		return 5
	}
}

// Rollover splits a closing balance into the carried and the expired part.
func Rollover(balance int, enabled bool, maxRollover int) (carried, expired int) {
	if balance <= 0 {
		return 0, 0
	}
	if !enabled {
		return 0, balance
	}
	carried = min(balance, max(maxRollover, 0))
	return carried, balance - carried
}
