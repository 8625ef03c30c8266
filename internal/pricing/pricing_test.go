package pricing

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/dojoflow/internal/plan/domain"
	promodomain "github.com/smallbiznis/dojoflow/internal/promo/domain"
	subscriptiondomain "github.com/smallbiznis/dojoflow/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func monthlyPlan(price int64, familyDiscount int) *plandomain.Plan {
	return &plandomain.Plan{
		ID:                    snowflake.ID(1),
		Price:                 price,
		Currency:              "USD",
		BillingCycle:          plandomain.BillingCycleMonthly,
		FamilyDiscountPercent: familyDiscount,
	}
}

func TestEffectivePricePlanPrice(t *testing.T) {
	sub := &subscriptiondomain.Subscription{StartDate: start}
	got := EffectivePrice(sub, monthlyPlan(10000, 0), start, 0)
	assert.Equal(t, int64(10000), got)
}

func TestEffectivePriceIsDeterministic(t *testing.T) {
	sub := &subscriptiondomain.Subscription{StartDate: start}
	plan := monthlyPlan(10000, 10)
	first := EffectivePrice(sub, plan, start, 0)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, EffectivePrice(sub, plan, start, 0))
	}
}

func TestEffectivePriceOverride(t *testing.T) {
	override := int64(5000)
	sub := &subscriptiondomain.Subscription{
		StartDate:     start,
		PriceOverride: &override,
	}
	got := EffectivePrice(sub, monthlyPlan(10000, 0), start.AddDate(0, 6, 0), 0)
	assert.Equal(t, int64(5000), got, "permanent override applies to every period")
}

func TestEffectivePriceFirstPeriodOverrideOnly(t *testing.T) {
	override := int64(0)
	sub := &subscriptiondomain.Subscription{
		StartDate:               start,
		PriceOverride:           &override,
		FirstPeriodDiscountOnly: true,
	}
	plan := monthlyPlan(10000, 0)

	assert.Equal(t, int64(0), EffectivePrice(sub, plan, start, 0), "first period uses the override")
	assert.Equal(t, int64(10000), EffectivePrice(sub, plan, start.AddDate(0, 1, 0), 0), "later periods revert to plan price")
}

func TestEffectivePriceFamilyDiscount(t *testing.T) {
	groupID := snowflake.ID(77)
	sub := &subscriptiondomain.Subscription{
		StartDate:     start,
		FamilyGroupID: &groupID,
	}
	plan := monthlyPlan(10000, 10)

	assert.Equal(t, int64(9000), EffectivePrice(sub, plan, start, 2))
	assert.Equal(t, int64(10000), EffectivePrice(sub, plan, start, 1), "single member gets no family discount")

	solo := &subscriptiondomain.Subscription{StartDate: start}
	assert.Equal(t, int64(10000), EffectivePrice(solo, plan, start, 2), "no group means no discount")
}

func TestEffectivePriceNeverNegative(t *testing.T) {
	override := int64(-500)
	sub := &subscriptiondomain.Subscription{StartDate: start, PriceOverride: &override}
	assert.Equal(t, int64(0), EffectivePrice(sub, monthlyPlan(10000, 0), start, 0))
}

func TestValidatePromo(t *testing.T) {
	now := start
	planID := snowflake.ID(1)

	promo := &promodomain.PromoCode{
		ID:            snowflake.ID(9),
		DiscountType:  promodomain.DiscountTypePercent,
		DiscountValue: 20,
		Active:        true,
	}
	decision := ValidatePromo(promo, planID, now)
	assert.True(t, decision.Valid)

	inactive := *promo
	inactive.Active = false
	assert.ErrorIs(t, ValidatePromo(&inactive, planID, now).Reason, promodomain.ErrPromoInactive)

	past := now.AddDate(0, -1, 0)
	expired := *promo
	expired.EndsAt = &past
	assert.ErrorIs(t, ValidatePromo(&expired, planID, now).Reason, promodomain.ErrPromoExpired)

	exhausted := *promo
	exhausted.MaxRedemptions = 5
	exhausted.RedemptionCount = 5
	assert.ErrorIs(t, ValidatePromo(&exhausted, planID, now).Reason, promodomain.ErrPromoExhausted)

	wrongPlan := *promo
	wrongPlan.ApplicablePlanIDs = []int64{42}
	assert.ErrorIs(t, ValidatePromo(&wrongPlan, planID, now).Reason, promodomain.ErrPromoPlan)

	assert.ErrorIs(t, ValidatePromo(nil, planID, now).Reason, promodomain.ErrPromoNotFound)
}

func TestApplyPromo(t *testing.T) {
	percent := PromoDecision{Valid: true, DiscountType: promodomain.DiscountTypePercent, DiscountValue: 20}
	assert.Equal(t, int64(8000), ApplyPromo(10000, percent))

	fixed := PromoDecision{Valid: true, DiscountType: promodomain.DiscountTypeFixed, DiscountValue: 2500}
	assert.Equal(t, int64(7500), ApplyPromo(10000, fixed))

	oversize := PromoDecision{Valid: true, DiscountType: promodomain.DiscountTypeFixed, DiscountValue: 20000}
	assert.Equal(t, int64(0), ApplyPromo(10000, oversize), "discount floors at zero")

	invalid := PromoDecision{Valid: false}
	assert.Equal(t, int64(10000), ApplyPromo(10000, invalid))
}
