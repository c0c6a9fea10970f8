package entitlements

import (
	"strings"

	"github.com/ManuelReschke/ListingPilot/app/models"
)

// ParsePlan normalizes user input into a package type.
func ParsePlan(plan string) (models.PackageType, bool) {
	switch strings.ToUpper(strings.TrimSpace(plan)) {
	case string(models.PackageLite):
		return models.PackageLite, true
	case string(models.PackagePro):
		return models.PackagePro, true
	case string(models.PackageAgency):
		return models.PackageAgency, true
	default:
		return "", false
	}
}

// PlanRank orders plans from the free tier upwards.
func PlanRank(plan models.PackageType) int {
	switch plan {
	case models.PackageAgency:
		return 2
	case models.PackagePro:
		return 1
	default:
		return 0
	}
}

// AtLeast returns every plan ranked at or above min, for routes that
// accept any higher tier as well.
func AtLeast(min models.PackageType) []models.PackageType {
	out := make([]models.PackageType, 0, 3)
	for _, p := range []models.PackageType{models.PackageLite, models.PackagePro, models.PackageAgency} {
		if PlanRank(p) >= PlanRank(min) {
			out = append(out, p)
		}
	}
	return out
}

// PaidPlans lists the plans that require a billing record.
func PaidPlans() []models.PackageType {
	return []models.PackageType{models.PackagePro, models.PackageAgency}
}

func contains(plans []models.PackageType, p models.PackageType) bool {
	for _, candidate := range plans {
		if candidate == p {
			return true
		}
	}
	return false
}
