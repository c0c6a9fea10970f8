package billing

import (
	"time"

	"github.com/ManuelReschke/ListingPilot/app/models"
)

// EventKind is the gateway-agnostic class of a webhook event.
type EventKind string

const (
	EventSubscriptionCreated   EventKind = "subscription.created"
	EventSubscriptionActivated EventKind = "subscription.activated"
	EventSubscriptionCharged   EventKind = "subscription.charged"
	EventSubscriptionCancelled EventKind = "subscription.cancelled"
	EventPaymentCaptured       EventKind = "payment.captured"
	EventPaymentFailed         EventKind = "payment.failed"
)

// Payment is a single settled charge reported by a gateway.
type Payment struct {
	ID          string
	AmountMinor int64
	Currency    string
	PaidAt      time.Time
}

// Event is a verified webhook translated into canonical vocabulary.
// Nothing after ParseEvent sees gateway-native status strings.
type Event struct {
	Gateway           models.Gateway
	ID                string
	Type              string
	Kind              EventKind
	SubscriptionID    string
	Status            models.BillingStatus
	PlanRef           string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
	Payment           *Payment
	OccurredAt        time.Time
}

// Subscription is the gateway's view of a subscription after status mapping.
type Subscription struct {
	Gateway        models.Gateway
	ID             string
	CustomerRef    string
	PlanRef        string
	Status         models.BillingStatus
	NativeStatus   string
	Entitled       bool
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	TrialEnd       *time.Time
	CancelAtPeriod bool
	CheckoutURL    string
}

// CustomerInput identifies the user when a gateway customer is created.
type CustomerInput struct {
	UserID uint
	Name   string
	Email  string
}

// CreateSubscriptionInput is passed to Gateway.CreateSubscription.
type CreateSubscriptionInput struct {
	UserID      uint
	PlanRef     string
	CustomerRef string
	TrialDays   int
	Reference   string
}

// WebhookRequest is the raw inbound delivery as read by the HTTP layer.
type WebhookRequest struct {
	Payload   []byte
	Signature string
	EventID   string
}

type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
)

// WebhookResult describes what HandleWebhook did with a delivery.
type WebhookResult struct {
	Outcome   WebhookOutcome
	Gateway   models.Gateway
	EventID   string
	EventType string
	Kind      EventKind
	UserID    uint
	Unsigned  bool
}

// Verification is the answer of VerifyBeforeDowngrade. ShouldDowngrade is
// only true when the gateway gave a determinate negative answer.
type Verification struct {
	UserID                uint                 `json:"userId"`
	HasActiveSubscription bool                 `json:"hasActiveSubscription"`
	Gateway               models.Gateway       `json:"gateway,omitempty"`
	GatewayStatus         string               `json:"gatewayStatus,omitempty"`
	CanonicalStatus       models.BillingStatus `json:"canonicalStatus,omitempty"`
	ShouldDowngrade       bool                 `json:"shouldDowngrade"`
	NeedsSync             bool                 `json:"needsSync"`
	Indeterminate         bool                 `json:"indeterminate"`
	Details               string               `json:"details"`

	subscription *Subscription
}

// CheckoutRequest starts a paid subscription for a user.
type CheckoutRequest struct {
	UserID    uint   `validate:"required"`
	Plan      string `validate:"required"`
	Gateway   string `validate:"omitempty,oneof=stripe razorpay"`
	TrialDays int    `validate:"gte=0"`
}

// CheckoutResult is returned to the client after a pending subscription is created.
type CheckoutResult struct {
	Reference      string               `json:"reference"`
	Gateway        models.Gateway       `json:"gateway"`
	PlanType       models.PackageType   `json:"planType"`
	SubscriptionID string               `json:"subscriptionId"`
	Status         models.BillingStatus `json:"status"`
	CheckoutURL    string               `json:"checkoutUrl,omitempty"`
}

type DowngradeOutcome string

const (
	DowngradeCommitted DowngradeOutcome = "downgraded"
	DowngradeKept      DowngradeOutcome = "kept"
	DowngradeSkipped   DowngradeOutcome = "skipped"
)

// DowngradeResult reports what DowngradeUser decided.
type DowngradeResult struct {
	UserID       uint               `json:"userId"`
	Outcome      DowngradeOutcome   `json:"outcome"`
	Reason       string             `json:"reason"`
	Verification *Verification      `json:"verification,omitempty"`
	PreviousPlan models.PackageType `json:"previousPlan"`
}
