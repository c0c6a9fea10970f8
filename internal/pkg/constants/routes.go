package constants

const (
	HealthRoute  = "/health"
	MetricsRoute = "/metrics"
	MonitorRoute = "/monitor"

	WebhookStripeRoute   = "/webhooks/stripe"
	WebhookRazorpayRoute = "/webhooks/razorpay"

	DocsBasePath = "/docs/api/"
	DocsFilePath = "docs/openapi.yml"
)
