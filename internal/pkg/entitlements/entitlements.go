// Package entitlements decides whether a user may use a feature, based only
// on the user's stored plan fields and billing record. It performs no I/O.
package entitlements

import (
	"time"

	"github.com/ManuelReschke/ListingPilot/app/models"
)

const DefaultGracePeriodDays = 3

type Reason string

const (
	ReasonFreeTier           Reason = "free_tier"
	ReasonTrialActive        Reason = "trial_active"
	ReasonTrialExpired       Reason = "trial_expired"
	ReasonSubscriptionActive Reason = "subscription_active"
	ReasonGracePeriod        Reason = "grace_period"
	ReasonPaymentRequired    Reason = "payment_required"
	ReasonCancelledActive    Reason = "cancelled_active_until_period_end"
	ReasonSubscriptionEnded  Reason = "subscription_ended"
	ReasonUnknownStatus      Reason = "unknown_subscription_status"
	ReasonPlanNotIncluded    Reason = "plan_not_included"
	ReasonNoUser             Reason = "no_user"
)

// Options tunes a decision. Build it with NewOptions so defaults apply.
type Options struct {
	AllowGracePeriod bool
	GracePeriodDays  int
	// SoftBlock marks a denied decision as observational; callers attach it
	// to the request instead of rejecting.
	SoftBlock bool
	Now       time.Time
}

type Option func(*Options)

func WithGracePeriodDays(days int) Option {
	return func(o *Options) {
		if days > 0 {
			o.GracePeriodDays = days
		}
	}
}

func WithoutGracePeriod() Option {
	return func(o *Options) { o.AllowGracePeriod = false }
}

func WithSoftBlock() Option {
	return func(o *Options) { o.SoftBlock = true }
}

func WithNow(now time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// NewOptions returns options with the grace period enabled for DefaultGracePeriodDays.
func NewOptions(opts ...Option) Options {
	o := Options{
		AllowGracePeriod: true,
		GracePeriodDays:  DefaultGracePeriodDays,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Decision is the result of Decide.
type Decision struct {
	HasAccess          bool                 `json:"hasAccess"`
	Reason             Reason               `json:"reason"`
	EffectivePlan      models.PackageType   `json:"effectivePlan"`
	CurrentPlan        models.PackageType   `json:"currentPlan"`
	RequiredPlans      []models.PackageType `json:"requiredPlans"`
	TrialExpired       bool                 `json:"trialExpired"`
	IsGracePeriod      bool                 `json:"isGracePeriod"`
	CancelledButActive bool                 `json:"cancelledButActive"`
	PaymentRequired    bool                 `json:"paymentRequired"`
	SoftBlocked        bool                 `json:"softBlocked"`
}

// Decide evaluates access for user against requiredPlans. record may be nil.
// Unknown subscription states degrade to the free tier.
func Decide(user *models.User, record *models.BillingRecord, requiredPlans []models.PackageType, opts Options) Decision {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	graceDays := opts.GracePeriodDays
	if graceDays <= 0 {
		graceDays = DefaultGracePeriodDays
	}

	d := Decision{RequiredPlans: requiredPlans}
	if user == nil {
		d.Reason = ReasonNoUser
		d.EffectivePlan = models.PackageLite
		d.CurrentPlan = models.PackageLite
		return d.finish(opts)
	}

	d.CurrentPlan = user.PackageType
	if user.PackageType == "" || user.PackageType == models.PackageLite {
		d.CurrentPlan = models.PackageLite
		return d.degrade(ReasonFreeTier).finish(opts)
	}

	if user.IsInTrialPeriod && user.TrialEndsDate != nil {
		if now.After(*user.TrialEndsDate) {
			d.TrialExpired = true
			return d.degrade(ReasonTrialExpired).finish(opts)
		}
		return d.grant(user.PackageType, ReasonTrialActive).finish(opts)
	}

	switch user.SubscriptionStatus {
	case models.SubscriptionActive, models.SubscriptionTrialing:
		return d.grant(user.PackageType, ReasonSubscriptionActive).finish(opts)

	case models.SubscriptionPastDue:
		if end := lastPeriodEnd(user, record); opts.AllowGracePeriod && end != nil &&
			now.Before(end.AddDate(0, 0, graceDays)) {
			d.IsGracePeriod = true
			return d.grant(user.PackageType, ReasonGracePeriod).finish(opts)
		}
		d.PaymentRequired = true
		return d.degrade(ReasonPaymentRequired).finish(opts)

	case models.SubscriptionCancelled, models.SubscriptionInactive:
		if record != nil && record.CurrentPeriodEnd != nil && now.Before(*record.CurrentPeriodEnd) {
			d.CancelledButActive = true
			return d.grant(user.PackageType, ReasonCancelledActive).finish(opts)
		}
		return d.degrade(ReasonSubscriptionEnded).finish(opts)

	default:
		return d.degrade(ReasonUnknownStatus).finish(opts)
	}
}

// EffectivePlan returns only the derived plan for user.
func EffectivePlan(user *models.User, record *models.BillingRecord, opts Options) models.PackageType {
	return Decide(user, record, nil, opts).EffectivePlan
}

func (d Decision) grant(plan models.PackageType, reason Reason) Decision {
	d.EffectivePlan = plan
	d.Reason = reason
	return d
}

func (d Decision) degrade(reason Reason) Decision {
	d.EffectivePlan = models.PackageLite
	d.Reason = reason
	return d
}

func (d Decision) finish(opts Options) Decision {
	d.HasAccess = contains(d.RequiredPlans, d.EffectivePlan)
	if !d.HasAccess && d.EffectivePlan != models.PackageLite {
		d.Reason = ReasonPlanNotIncluded
	}
	d.SoftBlocked = opts.SoftBlock && !d.HasAccess
	return d
}

// lastPeriodEnd prefers the billing record and falls back to the user's
// next billing date, which the charged webhook keeps in step with it.
func lastPeriodEnd(user *models.User, record *models.BillingRecord) *time.Time {
	if record != nil && record.CurrentPeriodEnd != nil {
		return record.CurrentPeriodEnd
	}
	return user.NextBillingDate
}
