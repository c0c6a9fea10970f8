package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBillingRecordValidate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	r := &BillingRecord{PlanType: PackagePro, CurrentPeriodStart: &start, CurrentPeriodEnd: &end}
	r.SetSubscription(GatewayStripe, "sub_123")
	assert.NoError(t, r.Validate())
	assert.Equal(t, "sub_123", r.SubscriptionID())

	stripeID, rzpID := "sub_123", "sub_rzp_1"
	dual := &BillingRecord{
		PlanType:               PackagePro,
		GatewayOwner:           GatewayStripe,
		StripeSubscriptionID:   &stripeID,
		RazorpaySubscriptionID: &rzpID,
	}
	assert.True(t, dual.HasDualOwnership())
	assert.ErrorIs(t, dual.Validate(), ErrDualOwnership)

	mismatch := &BillingRecord{PlanType: PackagePro, GatewayOwner: GatewayStripe, RazorpaySubscriptionID: &rzpID}
	assert.ErrorIs(t, mismatch.Validate(), ErrOwnerMismatch)

	lite := &BillingRecord{PlanType: PackageLite, GatewayOwner: GatewayStripe}
	assert.ErrorIs(t, lite.Validate(), ErrInvalidRecordPlan)

	backwards := &BillingRecord{PlanType: PackageAgency, GatewayOwner: GatewayRazorpay, CurrentPeriodStart: &end, CurrentPeriodEnd: &start}
	assert.ErrorIs(t, backwards.Validate(), ErrInvalidBillingRange)
}

func TestBillingRecordSetSubscriptionClearsOtherGateway(t *testing.T) {
	r := &BillingRecord{PlanType: PackagePro}
	r.SetSubscription(GatewayStripe, "sub_1")
	r.SetSubscription(GatewayRazorpay, "sub_rzp_1")

	assert.Nil(t, r.StripeSubscriptionID)
	assert.Equal(t, GatewayRazorpay, r.GatewayOwner)
	assert.Equal(t, "sub_rzp_1", r.SubscriptionID())
	assert.NoError(t, r.Validate())
}

func TestUserDowngradeToLite(t *testing.T) {
	ends := time.Now().Add(time.Hour)
	u := &User{PackageType: PackagePro}
	u.StartTrial(PackagePro, ends)
	assert.True(t, u.IsInTrialPeriod)

	u.DowngradeToLite(SubscriptionCancelled)
	assert.Equal(t, PackageLite, u.PackageType)
	assert.Equal(t, SubscriptionCancelled, u.SubscriptionStatus)
	assert.False(t, u.IsInTrialPeriod)
	assert.Nil(t, u.TrialEndsDate)
}

func TestHashAPIKeyTrims(t *testing.T) {
	assert.Equal(t, HashAPIKey("lp_abc"), HashAPIKey("  lp_abc \n"))
	u := &User{}
	raw, err := u.IssueAPIKey()
	assert.NoError(t, err)
	assert.Equal(t, HashAPIKey(raw), u.APIKeyHash)
	assert.Equal(t, raw[:16], u.APIKeyPrefix)
}
