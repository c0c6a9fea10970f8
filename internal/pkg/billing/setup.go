package billing

import (
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/entitlements"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/env"
)

// ConfigFromEnv reads the BILLING_* keys and the per-gateway plan ids.
func ConfigFromEnv() Config {
	cfg := Config{
		GracePeriodDays: env.GetEnvInt("BILLING_GRACE_PERIOD_DAYS", entitlements.DefaultGracePeriodDays),
		VerifyTimeout:   env.GetEnvDuration("BILLING_VERIFY_TIMEOUT", defaultVerifyTimeout),
		TrialDaysMax:    env.GetEnvInt("BILLING_TRIAL_DAYS_MAX", defaultTrialDaysMax),
		Production:      env.IsProduction(),
		PlanRefs: map[models.Gateway]map[models.PackageType]string{
			models.GatewayStripe: {
				models.PackagePro:    env.GetEnv("STRIPE_PRICE_PRO", ""),
				models.PackageAgency: env.GetEnv("STRIPE_PRICE_AGENCY", ""),
			},
			models.GatewayRazorpay: {
				models.PackagePro:    env.GetEnv("RAZORPAY_PLAN_PRO", ""),
				models.PackageAgency: env.GetEnv("RAZORPAY_PLAN_AGENCY", ""),
			},
		},
	}
	if gw, ok := ParseGateway(env.GetEnv("BILLING_DEFAULT_GATEWAY", string(models.GatewayStripe))); ok {
		cfg.DefaultGateway = gw
	} else {
		log.Warnf("[Billing] BILLING_DEFAULT_GATEWAY is not a known gateway, using %s", models.GatewayStripe)
		cfg.DefaultGateway = models.GatewayStripe
	}
	return cfg
}

// GatewaysFromEnv builds every gateway that has credentials. Missing webhook
// secrets are logged here so a misconfigured production deploy is visible at boot.
func GatewaysFromEnv() Gateways {
	clients := make([]Gateway, 0, 2)

	if sg := NewStripeGateway(env.GetEnv("STRIPE_SECRET_KEY", ""), env.GetEnv("STRIPE_WEBHOOK_SECRET", "")); sg != nil {
		clients = append(clients, sg)
	} else {
		log.Info("[Billing] stripe not configured")
	}

	rg := NewRazorpayGateway(
		env.GetEnv("RAZORPAY_KEY_ID", ""),
		env.GetEnv("RAZORPAY_KEY_SECRET", ""),
		env.GetEnv("RAZORPAY_WEBHOOK_SECRET", ""),
		env.GetEnv("RAZORPAY_API_BASE_URL", ""),
		razorpayCredentialsFromEnv,
	)
	if rg != nil {
		clients = append(clients, rg)
	} else {
		log.Info("[Billing] razorpay not configured")
	}

	gateways := NewGateways(clients...)
	for name, gw := range gateways {
		if !gw.HasWebhookSecret() {
			log.Warnf("[Billing] %s webhook secret is not set", name)
		}
	}
	return gateways
}

// razorpayCredentialsFromEnv re-reads the process environment so keys rotated
// in the container are picked up after a 401.
func razorpayCredentialsFromEnv() (string, string) {
	return strings.TrimSpace(env.GetEnv("RAZORPAY_KEY_ID", "")), strings.TrimSpace(env.GetEnv("RAZORPAY_KEY_SECRET", ""))
}
