package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/entitlements"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/usercontext"
)

// Feature is a plan-gated product surface. The feature work itself is served
// by other services; these handlers answer the entitlement side.
type Feature struct {
	Key   string
	Name  string
	Plans []models.PackageType
}

// Features lists the gated routes. The router mounts one RequireAccess per entry.
var Features = []Feature{
	{Key: "keyword-tracker", Name: "Keyword Tracker", Plans: entitlements.AtLeast(models.PackageLite)},
	{Key: "listing-audit", Name: "Listing Audit", Plans: entitlements.AtLeast(models.PackagePro)},
	{Key: "bulk-export", Name: "Bulk Export", Plans: entitlements.AtLeast(models.PackageAgency)},
}

// HandleFeature returns a handler reporting the decision RequireAccess attached.
func HandleFeature(f Feature) fiber.Handler {
	return func(c *fiber.Ctx) error {
		decision, ok := usercontext.GetAccessDecision(c)
		out := fiber.Map{
			"feature":       f.Key,
			"name":          f.Name,
			"requiredPlans": planList(f.Plans),
			"userId":        usercontext.GetUserID(c),
		}
		if ok {
			out["decision"] = decision
		}
		return c.JSON(out)
	}
}
