package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/entitlements"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

const candidatePageSize = 200

// DowngradeUser moves a user to LITE if, and only if, the evaluator no longer
// grants a paid plan and the owning gateway confirms there is nothing to
// protect. The whole sequence runs under the per-user lock. ErrLockBusy
// means a webhook is being applied and the check should be retried.
func (s *Service) DowngradeUser(ctx context.Context, userID uint) (*DowngradeResult, error) {
	unlock, err := s.lockUser(ctx, userID, false)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			metrics.DowngradesTotal.WithLabelValues("busy").Inc()
		}
		return nil, err
	}
	defer unlock()

	res, err := s.downgradeLocked(ctx, userID)
	switch {
	case err != nil:
		metrics.DowngradesTotal.WithLabelValues("error").Inc()
	default:
		metrics.DowngradesTotal.WithLabelValues(string(res.Outcome)).Inc()
	}
	return res, err
}

func (s *Service) downgradeLocked(ctx context.Context, userID uint) (*DowngradeResult, error) {
	user, rec, err := s.LoadAccessState(ctx, userID)
	if err != nil {
		return nil, err
	}
	res := &DowngradeResult{UserID: userID, PreviousPlan: user.PackageType}

	if !user.PackageType.IsPaid() {
		res.Outcome = DowngradeSkipped
		res.Reason = "already on free tier"
		return res, nil
	}
	decision := entitlements.Decide(user, rec, entitlements.PaidPlans(), s.AccessOptions())
	if decision.EffectivePlan != models.PackageLite {
		res.Outcome = DowngradeSkipped
		res.Reason = string(decision.Reason)
		return res, nil
	}

	v, verr := s.VerifyBeforeDowngrade(ctx, userID)
	res.Verification = v
	if !v.ShouldDowngrade {
		res.Outcome = DowngradeKept
		res.Reason = v.Details
		if v.HasActiveSubscription && v.NeedsSync && v.subscription != nil {
			if _, err := s.syncLocked(ctx, userID, v.subscription); err != nil {
				log.Errorf("[Billing] user %d kept on %s but sync from %s failed: %v", userID, user.PackageType, v.Gateway, err)
			} else {
				res.Reason = "gateway reports an active subscription, billing state repaired"
			}
		}
		if verr != nil {
			log.Errorf("[Billing] downgrade of user %d withheld, verification indeterminate: %v", userID, verr)
		}
		return res, nil
	}

	status := models.SubscriptionInactive
	if !decision.TrialExpired && (user.SubscriptionStatus == models.SubscriptionCancelled ||
		rec != nil && rec.Status == models.BillingStatusCancelled) {
		status = models.SubscriptionCancelled
	}
	user.DowngradeToLite(status)
	if err := s.repo.SaveUserBilling(ctx, user); err != nil {
		return nil, fmt.Errorf("save downgraded user %d: %w", userID, err)
	}

	res.Outcome = DowngradeCommitted
	res.Reason = fmt.Sprintf("%s; %s", decision.Reason, v.Details)
	log.Warnf("[Billing] user %d downgraded from %s to %s: %s", userID, res.PreviousPlan, models.PackageLite, res.Reason)
	return res, nil
}

// DowngradeCandidates returns users on a paid package whose effective plan
// has already degraded to LITE. It reads only local state.
func (s *Service) DowngradeCandidates(ctx context.Context) ([]uint, error) {
	var (
		out     []uint
		afterID uint
	)
	opts := s.AccessOptions()
	for {
		users, err := s.repo.ListDowngradeCandidates(ctx, afterID, candidatePageSize)
		if err != nil {
			return out, err
		}
		for i := range users {
			u := &users[i]
			afterID = u.ID
			rec, err := s.repo.GetRecordByUserID(ctx, u.ID)
			if err != nil && !errors.Is(err, ErrRecordNotFound) {
				log.Errorf("[Billing] skipping sweep candidate %d: %v", u.ID, err)
				continue
			}
			if entitlements.EffectivePlan(u, rec, opts) == models.PackageLite {
				out = append(out, u.ID)
			}
		}
		if len(users) < candidatePageSize {
			return out, nil
		}
	}
}
