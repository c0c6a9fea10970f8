package models

import (
	"errors"
	"strings"
	"time"
)

// Gateway identifies the payment gateway that owns a billing record.
type Gateway string

const (
	GatewayStripe   Gateway = "stripe"
	GatewayRazorpay Gateway = "razorpay"
)

// BillingStatus is the canonical subscription status stored on a billing record.
// Gateway-native vocabulary is mapped into it at ingestion and never stored.
type BillingStatus string

const (
	BillingStatusActive     BillingStatus = "active"
	BillingStatusTrialing   BillingStatus = "trialing"
	BillingStatusPastDue    BillingStatus = "past_due"
	BillingStatusCancelled  BillingStatus = "cancelled"
	BillingStatusIncomplete BillingStatus = "incomplete"
)

// PaymentStatus tracks the payment side of a billing record.
type PaymentStatus string

const (
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusUnpaid            PaymentStatus = "unpaid"
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusNoPaymentRequired PaymentStatus = "no_payment_required"
)

var (
	ErrDualOwnership       = errors.New("billing record has subscription ids for both gateways")
	ErrInvalidRecordPlan   = errors.New("billing record plan must be PRO or AGENCY")
	ErrInvalidGateway      = errors.New("unknown billing gateway")
	ErrOwnerMismatch       = errors.New("billing record gateway owner does not match subscription id")
	ErrInvalidBillingRange = errors.New("current period end is before current period start")
)

// BillingRecord is the per-user billing state. One row per user, never deleted;
// a plan change supersedes the row in place.
type BillingRecord struct {
	ID                     uint             `gorm:"primaryKey" json:"id"`
	UserID                 uint             `gorm:"not null;uniqueIndex" json:"user_id"`
	PlanType               PackageType      `gorm:"type:varchar(20);not null" json:"plan_type"`
	GatewayOwner           Gateway          `gorm:"type:varchar(20);not null;index" json:"gateway_owner"`
	StripeSubscriptionID   *string          `gorm:"type:varchar(191);uniqueIndex" json:"stripe_subscription_id,omitempty"`
	RazorpaySubscriptionID *string          `gorm:"type:varchar(191);uniqueIndex" json:"razorpay_subscription_id,omitempty"`
	GatewayPlanRef         string           `gorm:"type:varchar(191);default:''" json:"gateway_plan_ref"`
	Status                 BillingStatus    `gorm:"type:varchar(20);not null;default:'incomplete';index" json:"status"`
	PaymentStatus          PaymentStatus    `gorm:"type:varchar(32);not null;default:'pending'" json:"payment_status"`
	CurrentPeriodStart     *time.Time       `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time       `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool             `gorm:"default:false" json:"cancel_at_period_end"`
	TrialDays              int              `gorm:"default:0" json:"trial_days"`
	LastEventAt            *time.Time       `gorm:"type:timestamp;default:null" json:"last_event_at,omitempty"`
	Payments               []BillingPayment `gorm:"foreignKey:BillingRecordID" json:"payments,omitempty"`
	CreatedAt              time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// SubscriptionID returns the subscription id held for the owning gateway.
func (r *BillingRecord) SubscriptionID() string {
	switch r.GatewayOwner {
	case GatewayStripe:
		return derefString(r.StripeSubscriptionID)
	case GatewayRazorpay:
		return derefString(r.RazorpaySubscriptionID)
	default:
		return ""
	}
}

// SetSubscription assigns ownership to gw and clears the other gateway's id,
// so a plan migrated between gateways never carries both.
func (r *BillingRecord) SetSubscription(gw Gateway, subscriptionID string) {
	id := strings.TrimSpace(subscriptionID)
	r.GatewayOwner = gw
	r.StripeSubscriptionID = nil
	r.RazorpaySubscriptionID = nil
	if id == "" {
		return
	}
	switch gw {
	case GatewayStripe:
		r.StripeSubscriptionID = &id
	case GatewayRazorpay:
		r.RazorpaySubscriptionID = &id
	}
}

// HasDualOwnership reports the invariant violation of both gateway ids being set.
func (r *BillingRecord) HasDualOwnership() bool {
	return derefString(r.StripeSubscriptionID) != "" && derefString(r.RazorpaySubscriptionID) != ""
}

// Validate checks the record invariants before it is written.
func (r *BillingRecord) Validate() error {
	if r.PlanType != PackagePro && r.PlanType != PackageAgency {
		return ErrInvalidRecordPlan
	}
	if r.GatewayOwner != GatewayStripe && r.GatewayOwner != GatewayRazorpay {
		return ErrInvalidGateway
	}
	if r.HasDualOwnership() {
		return ErrDualOwnership
	}
	switch r.GatewayOwner {
	case GatewayStripe:
		if derefString(r.RazorpaySubscriptionID) != "" {
			return ErrOwnerMismatch
		}
	case GatewayRazorpay:
		if derefString(r.StripeSubscriptionID) != "" {
			return ErrOwnerMismatch
		}
	}
	if r.CurrentPeriodStart != nil && r.CurrentPeriodEnd != nil && r.CurrentPeriodEnd.Before(*r.CurrentPeriodStart) {
		return ErrInvalidBillingRange
	}
	return nil
}

// BillingPayment is one entry of a record's append-only payment history,
// unique per gateway payment id.
type BillingPayment struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	BillingRecordID uint       `gorm:"not null;index" json:"billing_record_id"`
	Gateway         Gateway    `gorm:"type:varchar(20);not null;index:ux_billing_payments_gateway_payment,unique,priority:1" json:"gateway"`
	PaymentID       string     `gorm:"type:varchar(191);not null;index:ux_billing_payments_gateway_payment,unique,priority:2" json:"payment_id"`
	AmountMinor     int64      `gorm:"default:0" json:"amount_minor"`
	Currency        string     `gorm:"type:varchar(8);default:''" json:"currency"`
	PeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"period_start,omitempty"`
	PeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"period_end,omitempty"`
	PaidAt          time.Time  `gorm:"type:timestamp;not null" json:"paid_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
