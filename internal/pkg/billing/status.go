package billing

import (
	"strings"

	"github.com/ManuelReschke/ListingPilot/app/models"
)

// Gateway-native statuses are mapped here and nowhere else.

// MapStripeStatus converts a Stripe subscription status into the canonical status.
func MapStripeStatus(native string) (models.BillingStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "active":
		return models.BillingStatusActive, true
	case "trialing":
		return models.BillingStatusTrialing, true
	case "past_due", "unpaid", "paused":
		return models.BillingStatusPastDue, true
	case "canceled", "cancelled", "incomplete_expired":
		return models.BillingStatusCancelled, true
	case "incomplete":
		return models.BillingStatusIncomplete, true
	default:
		return "", false
	}
}

// MapRazorpayStatus converts a Razorpay subscription status into the canonical status.
// authenticated and pending map to trialing and past_due so that a mandate
// that has not been charged yet is never credited as fully paid.
func MapRazorpayStatus(native string) (models.BillingStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "active":
		return models.BillingStatusActive, true
	case "authenticated":
		return models.BillingStatusTrialing, true
	case "pending", "halted", "paused":
		return models.BillingStatusPastDue, true
	case "cancelled", "completed", "expired":
		return models.BillingStatusCancelled, true
	case "created":
		return models.BillingStatusIncomplete, true
	default:
		return "", false
	}
}

func stripeStatusEntitles(native string) bool {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "active", "trialing", "past_due":
		return true
	default:
		return false
	}
}

func razorpayStatusEntitles(native string) bool {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "active", "authenticated", "pending":
		return true
	default:
		return false
	}
}

func paymentStatusFor(status models.BillingStatus) models.PaymentStatus {
	switch status {
	case models.BillingStatusActive:
		return models.PaymentStatusPaid
	case models.BillingStatusTrialing:
		return models.PaymentStatusNoPaymentRequired
	case models.BillingStatusPastDue:
		return models.PaymentStatusUnpaid
	default:
		return models.PaymentStatusPending
	}
}

func userStatusFor(status models.BillingStatus) models.SubscriptionStatus {
	switch status {
	case models.BillingStatusActive:
		return models.SubscriptionActive
	case models.BillingStatusTrialing:
		return models.SubscriptionTrialing
	case models.BillingStatusPastDue:
		return models.SubscriptionPastDue
	case models.BillingStatusCancelled:
		return models.SubscriptionCancelled
	default:
		return models.SubscriptionInactive
	}
}

// isRunning reports statuses that block a second checkout.
func isRunning(status models.BillingStatus) bool {
	switch status {
	case models.BillingStatusActive, models.BillingStatusTrialing, models.BillingStatusPastDue:
		return true
	default:
		return false
	}
}
