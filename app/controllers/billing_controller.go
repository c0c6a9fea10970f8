package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/billing"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/entitlements"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/usercontext"
)

// BillingService is the part of billing.Service the HTTP layer uses.
type BillingService interface {
	SignatureHeader(gateway models.Gateway) string
	HandleWebhook(ctx context.Context, gateway models.Gateway, req billing.WebhookRequest) (*billing.WebhookResult, error)
	StartCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutResult, error)
	CancelSubscription(ctx context.Context, userID uint) (*models.BillingRecord, error)
	Status(ctx context.Context, userID uint) (entitlements.Decision, *models.BillingRecord, error)
	PaymentCount(ctx context.Context, userID uint) (int64, error)
	VerifyBeforeDowngrade(ctx context.Context, userID uint) (*billing.Verification, error)
	SyncSubscriptionFromGateway(ctx context.Context, userID uint) (*models.BillingRecord, error)
	DowngradeUser(ctx context.Context, userID uint) (*billing.DowngradeResult, error)
}

// BillingController serves the gateway webhooks and the self-service billing API.
type BillingController struct {
	svc BillingService
}

func NewBillingController(svc BillingService) *BillingController {
	return &BillingController{svc: svc}
}

// HandleWebhook returns the endpoint for one gateway. Gateways redeliver on
// any non-2xx answer, so only retryable failures return 5xx.
func (bc *BillingController) HandleWebhook(gateway models.Gateway) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req := billing.WebhookRequest{
			// fiber reuses the request buffer after the handler returns.
			Payload: append([]byte(nil), c.Body()...),
		}
		if header := bc.svc.SignatureHeader(gateway); header != "" {
			req.Signature = strings.TrimSpace(c.Get(header))
		}
		if gateway == models.GatewayRazorpay {
			req.EventID = strings.TrimSpace(c.Get(billing.RazorpayEventIDHeader))
		}

		res, err := bc.svc.HandleWebhook(c.UserContext(), gateway, req)
		if err != nil {
			return webhookError(c, gateway, err)
		}

		switch res.Outcome {
		case billing.WebhookDuplicate:
			return c.JSON(fiber.Map{"ok": true, "duplicate": true})
		case billing.WebhookIgnored:
			return c.JSON(fiber.Map{"ok": true, "ignored": true})
		default:
			return c.JSON(fiber.Map{"ok": true})
		}
	}
}

func webhookError(c *fiber.Ctx, gateway models.Gateway, err error) error {
	switch {
	case errors.Is(err, billing.ErrGatewayNotConfigured):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "gateway not configured"})
	case errors.Is(err, billing.ErrWebhookSecretMissing):
		log.Errorf("[Webhook] %s webhook secret missing, delivery rejected", gateway)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook secret not configured"})
	case errors.Is(err, billing.ErrInvalidSignature), errors.Is(err, billing.ErrMissingSignature):
		log.Warnf("[Webhook] %s delivery rejected: %v", gateway, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid signature"})
	case errors.Is(err, billing.ErrMalformedEvent):
		log.Warnf("[Webhook] %s delivery rejected: %v", gateway, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed payload"})
	default:
		log.Errorf("[Webhook] %s delivery failed, gateway will retry: %v", gateway, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook processing failed"})
	}
}

type checkoutBody struct {
	Plan      string `json:"plan"`
	Gateway   string `json:"gateway"`
	TrialDays int    `json:"trialDays"`
}

// HandleCheckout starts a subscription for the caller.
func (bc *BillingController) HandleCheckout(c *fiber.Ctx) error {
	var body checkoutBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}

	res, err := bc.svc.StartCheckout(c.UserContext(), billing.CheckoutRequest{
		UserID:    usercontext.GetUserID(c),
		Plan:      body.Plan,
		Gateway:   body.Gateway,
		TrialDays: body.TrialDays,
	})
	if err != nil {
		return billingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// HandleCancel cancels the caller's subscription at period end.
func (bc *BillingController) HandleCancel(c *fiber.Ctx) error {
	rec, err := bc.svc.CancelSubscription(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{
		"ok":                true,
		"cancelAtPeriodEnd": rec.CancelAtPeriodEnd,
		"currentPeriodEnd":  formatTimePtr(rec.CurrentPeriodEnd),
	})
}

// HandleStatus reports the caller's access decision against every paid plan
// without enforcing it, plus a summary of the billing record.
func (bc *BillingController) HandleStatus(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	decision, rec, err := bc.svc.Status(c.UserContext(), userID)
	if err != nil {
		return billingError(c, err)
	}

	out := fiber.Map{"decision": decision, "subscription": nil}
	if rec != nil {
		payments, err := bc.svc.PaymentCount(c.UserContext(), userID)
		if err != nil {
			log.Errorf("[Billing] payment count for user %d failed: %v", userID, err)
		}
		out["subscription"] = fiber.Map{
			"gateway":           rec.GatewayOwner,
			"subscriptionId":    rec.SubscriptionID(),
			"planType":          rec.PlanType,
			"status":            rec.Status,
			"paymentStatus":     rec.PaymentStatus,
			"currentPeriodEnd":  formatTimePtr(rec.CurrentPeriodEnd),
			"cancelAtPeriodEnd": rec.CancelAtPeriodEnd,
			"payments":          payments,
		}
	}
	return c.JSON(out)
}

// billingError maps service errors onto the API error envelope.
func billingError(c *fiber.Ctx, err error) error {
	switch {
	case billing.IsValidationError(err):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": err.Error()})
	case billing.IsConfigurationError(err):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service_unavailable", "message": err.Error()})
	case errors.Is(err, billing.ErrAlreadySubscribed):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": err.Error()})
	case errors.Is(err, billing.ErrLockBusy):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": "billing state is being updated, retry shortly"})
	case errors.Is(err, billing.ErrNoSubscription), errors.Is(err, billing.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "No subscription found"})
	case errors.Is(err, billing.ErrUserNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
	default:
		log.Errorf("[Billing] request %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Billing request failed"})
	}
}
