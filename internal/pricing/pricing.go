// Package pricing computes the amount owed for a billing period.
// Everything here is pure so billing runs stay deterministic.
package pricing

import (
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/dojoflow/internal/plan/domain"
	promodomain "github.com/smallbiznis/dojoflow/internal/promo/domain"
	subscriptiondomain "github.com/smallbiznis/dojoflow/internal/subscription/domain"
)

// firstPeriodWindow bounds how far a period start may drift from the
// subscription start date and still count as the first period.
const firstPeriodWindow = 24 * time.Hour

// EffectivePrice resolves the amount owed for the period beginning at
// periodStart. familyBilled is how many active subscriptions share the
// subscription's family group, including this one.
func EffectivePrice(
	subscription *subscriptiondomain.Subscription,
	plan *plandomain.Plan,
	periodStart time.Time,
	familyBilled int,
) int64 {
	amount := basePrice(subscription, plan, periodStart)

	if subscription.FamilyGroupID != nil && familyBilled >= 2 && plan.FamilyDiscountPercent > 0 {
		amount -= amount * int64(plan.FamilyDiscountPercent) / 100
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}

func basePrice(subscription *subscriptiondomain.Subscription, plan *plandomain.Plan, periodStart time.Time) int64 {
	if subscription.PriceOverride == nil {
		return plan.Price
	}
	if !subscription.FirstPeriodDiscountOnly {
		return *subscription.PriceOverride
	}
	if isFirstPeriod(subscription.StartDate, periodStart) {
		return *subscription.PriceOverride
	}
	return plan.Price
}

func isFirstPeriod(startDate, periodStart time.Time) bool {
	diff := periodStart.Sub(startDate)
	if diff < 0 {
		diff = -diff
	}
	return diff <= firstPeriodWindow
}

// PromoDecision reports whether a promo code may be redeemed and what
// discount it grants.
type PromoDecision struct {
	Valid        bool
	Reason       error
	DiscountType promodomain.DiscountType
	DiscountValue int64
}

// ValidatePromo checks a promo against a plan at a point in time. The
// redemption cap is re-checked atomically at redemption time as well;
// this check only screens out codes that cannot possibly apply.
func ValidatePromo(promo *promodomain.PromoCode, planID snowflake.ID, now time.Time) PromoDecision {
	if promo == nil {
		return PromoDecision{Reason: promodomain.ErrPromoNotFound}
	}
	if !promo.Active {
		return PromoDecision{Reason: promodomain.ErrPromoInactive}
	}
	if promo.StartsAt != nil && now.Before(*promo.StartsAt) {
		return PromoDecision{Reason: promodomain.ErrPromoExpired}
	}
	if promo.EndsAt != nil && now.After(*promo.EndsAt) {
		return PromoDecision{Reason: promodomain.ErrPromoExpired}
	}
	if !promo.AppliesToPlan(planID) {
		return PromoDecision{Reason: promodomain.ErrPromoPlan}
	}
	if promo.MaxRedemptions > 0 && promo.RedemptionCount >= promo.MaxRedemptions {
		return PromoDecision{Reason: promodomain.ErrPromoExhausted}
	}
	return PromoDecision{
		Valid:        true,
		DiscountType: promo.DiscountType,
		DiscountValue: promo.DiscountValue,
	}
}

// ApplyPromo returns amount after the promo discount, floored at zero.
func ApplyPromo(amount int64, decision PromoDecision) int64 {
	if !decision.Valid {
		return amount
	}
	switch decision.DiscountType {
	case promodomain.DiscountTypePercent:
		amount -= amount * decision.DiscountValue / 100
	case promodomain.DiscountTypeFixed:
		amount -= decision.DiscountValue
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}
