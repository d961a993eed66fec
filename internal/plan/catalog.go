package plan

import "errors"

// BillingCycle is the customer-facing billing interval.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

const (
	Free    = "free"
	Student = "student"
	Pro     = "pro"
	Coach   = "coach"
)

var ErrUnknownPlan = errors.New("unknown_plan")

// prices are minor currency units (TWD cents) per cycle. Only combinations
// listed here are purchasable; everything else is rejected before any
// gateway call.
var prices = map[string]map[BillingCycle]int64{
	Student: {
		CycleMonthly: 29900,
		CycleYearly:  299000,
	},
	Pro: {
		CycleMonthly: 89900,
		CycleYearly:  899000,
	},
	Coach: {
		CycleMonthly: 249900,
		CycleYearly:  2499000,
	},
}

// Price returns the recurring amount for a plan and cycle.
func Price(planID string, cycle BillingCycle) (int64, error) {
	cycles, ok := prices[planID]
	if !ok {
		return 0, ErrUnknownPlan
	}
	amount, ok := cycles[cycle]
	if !ok {
		return 0, ErrUnknownPlan
	}
	return amount, nil
}

// Purchasable reports whether the plan/cycle combination maps to a price.
func Purchasable(planID string, cycle BillingCycle) bool {
	_, err := Price(planID, cycle)
	return err == nil
}
