package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/app/repository"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/usercontext"
)

// AccountController serves the authenticated user's own account.
type AccountController struct {
	users   repository.UserRepository
	billing BillingService
}

func NewAccountController(users repository.UserRepository, billing BillingService) *AccountController {
	return &AccountController{users: users, billing: billing}
}

// HandleGetUserAccount returns account information and the current plan state.
func (ac *AccountController) HandleGetUserAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	account, err := ac.users.GetByID(userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}

	response := fiber.Map{
		"id":             account.ID,
		"username":       account.Name,
		"email":          account.Email,
		"status":         account.Status,
		"is_admin":       account.IsAdmin(),
		"api_key_prefix": account.APIKeyPrefix,
		"created_at":     account.CreatedAt.UTC().Format(time.RFC3339),
		"plan": fiber.Map{
			"package_type":        account.PackageType,
			"subscription_status": account.SubscriptionStatus,
			"is_in_trial_period":  account.IsInTrialPeriod,
			"trial_ends_date":     formatTimePtr(account.TrialEndsDate),
			"last_payment_date":   formatTimePtr(account.LastPaymentDate),
			"next_billing_date":   formatTimePtr(account.NextBillingDate),
		},
	}

	// The stored plan can lag behind the billing record, the effective plan does not.
	if ac.billing != nil {
		decision, _, err := ac.billing.Status(c.UserContext(), account.ID)
		if err != nil {
			log.Errorf("[Billing] status for user %d failed: %v", account.ID, err)
		} else {
			response["effective_plan"] = decision.EffectivePlan
		}
	}

	return c.JSON(response)
}

// HandleRotateAPIKey issues a new API key. The raw key is only returned once.
func (ac *AccountController) HandleRotateAPIKey(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	account, err := ac.users.GetByID(userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}

	raw, err := account.IssueAPIKey()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to generate API key"})
	}
	if err := ac.users.UpdateAPIKey(account); err != nil {
		log.Errorf("[Auth] storing api key for user %d failed: %v", account.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to store API key"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"api_key":        raw,
		"api_key_prefix": account.APIKeyPrefix,
	})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func planList(plans []models.PackageType) []string {
	out := make([]string, 0, len(plans))
	for _, p := range plans {
		out = append(out, string(p))
	}
	return out
}
