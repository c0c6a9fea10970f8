package middleware

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/entitlements"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/metrics"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/usercontext"
)

// AccessLoader reads the state the evaluator needs. billing.Service implements it.
type AccessLoader interface {
	LoadAccessState(ctx context.Context, userID uint) (*models.User, *models.BillingRecord, error)
	AccessOptions(extra ...entitlements.Option) entitlements.Options
}

// RequireAccess gates a route on one of plans. The decision is stored in
// Locals under usercontext.KeyAccessDecision. If state cannot be loaded the
// request is let through and the failure is logged. With
// entitlements.WithSoftBlock the decision is attached but never enforced.
func RequireAccess(loader AccessLoader, plans []models.PackageType, opts ...entitlements.Option) fiber.Handler {
	return func(c *fiber.Ctx) error {
		uc := usercontext.GetUserContext(c)
		if !uc.IsLoggedIn {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "login required"})
		}

		user, rec, err := loader.LoadAccessState(c.UserContext(), uc.UserID)
		if err != nil {
			metrics.AccessEvaluationErrorsTotal.Inc()
			log.Errorf("[Access] could not load billing state for user %d on %s, allowing request: %v", uc.UserID, c.Path(), err)
			return c.Next()
		}

		options := loader.AccessOptions(opts...)
		decision := entitlements.Decide(user, rec, plans, options)
		c.Locals(usercontext.KeyAccessDecision, decision)
		metrics.AccessDecisionsTotal.WithLabelValues(string(decision.Reason), strconv.FormatBool(decision.HasAccess)).Inc()

		if decision.HasAccess || options.SoftBlock {
			return c.Next()
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":           "plan_required",
			"reason":          decision.Reason,
			"currentPlan":     decision.CurrentPlan,
			"requiredPlans":   decision.RequiredPlans,
			"trialExpired":    decision.TrialExpired,
			"paymentRequired": decision.PaymentRequired,
		})
	}
}
