package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"gorm.io/gorm"
)

// resolvePlanRef returns the gateway plan/price id for plan. Active rows in
// billing_plan_mappings win over the configured fallback.
func (s *Service) resolvePlanRef(ctx context.Context, gateway models.Gateway, plan models.PackageType) (string, error) {
	m, err := s.repo.FindActivePlanMapping(ctx, gateway, plan)
	switch {
	case err == nil && strings.TrimSpace(m.GatewayPlanRef) != "":
		return strings.TrimSpace(m.GatewayPlanRef), nil
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return "", err
	}

	if ref := strings.TrimSpace(s.cfg.PlanRefs[gateway][plan]); ref != "" {
		return ref, nil
	}
	return "", fmt.Errorf("%w: %s %s", ErrPlanNotMapped, gateway, plan)
}

// planForRef maps a gateway plan id back to an internal plan. ok is false
// when the ref is unknown, in which case callers keep the stored plan.
func (s *Service) planForRef(ctx context.Context, gateway models.Gateway, ref string) (models.PackageType, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if m, err := s.repo.FindPlanByRef(ctx, gateway, ref); err == nil && m.PlanType.IsPaid() {
		return m.PlanType, true
	}
	for plan, candidate := range s.cfg.PlanRefs[gateway] {
		if strings.TrimSpace(candidate) == ref && plan.IsPaid() {
			return plan, true
		}
	}
	return "", false
}
