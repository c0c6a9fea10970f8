package billing

import (
	"errors"

	"github.com/ManuelReschke/ListingPilot/app/models"
)

var (
	ErrGatewayNotConfigured = errors.New("billing gateway not configured")
	ErrSubscriptionNotFound = errors.New("gateway subscription not found")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrMissingSignature     = errors.New("missing webhook signature")
	ErrWebhookSecretMissing = errors.New("webhook secret not configured")
	ErrMalformedEvent       = errors.New("malformed webhook payload")
	ErrUnknownEvent         = errors.New("unrecognized webhook event")
	ErrRecordNotFound       = errors.New("billing record not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrDualOwnership        = models.ErrDualOwnership
	ErrInvalidPlan          = errors.New("invalid plan type, choose PRO or AGENCY")
	ErrInvalidTrialDays     = errors.New("invalid trial length")
	ErrInvalidGateway       = errors.New("unknown billing gateway, choose stripe or razorpay")
	ErrPlanNotMapped        = errors.New("no gateway plan configured for this plan type")
	ErrAlreadySubscribed    = errors.New("user already has a running subscription")
	ErrNoSubscription       = errors.New("user has no subscription to cancel")
	ErrDuplicatePayment     = errors.New("payment already recorded")
	ErrLockBusy             = errors.New("billing state for user is locked")
)

// IsValidationError reports errors caused by caller input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidPlan) || errors.Is(err, ErrInvalidTrialDays) || errors.Is(err, ErrInvalidGateway)
}

// IsConfigurationError reports errors caused by a missing gateway setup.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrGatewayNotConfigured) || errors.Is(err, ErrPlanNotMapped)
}
