package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// VerifyBeforeDowngrade asks the owning gateway whether the user still has a
// paid subscription. It never mutates state.
//
// The returned Verification is always non-nil. ShouldDowngrade is true only
// for determinate negatives: no record, no gateway configured at all, no
// subscription id, a not-found answer or a non-entitling status. Any other
// failure is reported through err with ShouldDowngrade=false.
func (s *Service) VerifyBeforeDowngrade(ctx context.Context, userID uint) (*Verification, error) {
	key := strconv.FormatUint(uint64(userID), 10)
	ch := s.verifies.DoChan(key, func() (interface{}, error) {
		return s.verify(ctx, userID)
	})

	select {
	case res := <-ch:
		v := *(res.Val.(*Verification))
		s.observeVerification(&v, res.Err)
		return &v, res.Err
	case <-ctx.Done():
		v := &Verification{UserID: userID, Indeterminate: true, Details: "verification cancelled"}
		s.observeVerification(v, ctx.Err())
		return v, ctx.Err()
	}
}

func (s *Service) verify(ctx context.Context, userID uint) (*Verification, error) {
	v := &Verification{UserID: userID}

	rec, err := s.repo.GetRecordByUserID(ctx, userID)
	if errors.Is(err, ErrRecordNotFound) {
		v.ShouldDowngrade = true
		v.Details = "no billing record"
		return v, nil
	}
	if err != nil {
		v.Indeterminate = true
		v.Details = "billing record could not be loaded"
		return v, fmt.Errorf("load billing record: %w", err)
	}
	v.Gateway = rec.GatewayOwner

	if rec.HasDualOwnership() {
		v.Indeterminate = true
		v.Details = "billing record carries subscription ids for both gateways"
		return v, ErrDualOwnership
	}
	if !s.gateways.Any() {
		v.ShouldDowngrade = true
		v.Details = "no billing gateway configured"
		return v, nil
	}
	gw, err := s.gateways.Get(rec.GatewayOwner)
	if err != nil {
		v.Indeterminate = true
		v.Details = "owning gateway is not configured"
		return v, err
	}
	subID := rec.SubscriptionID()
	if subID == "" {
		v.ShouldDowngrade = true
		v.Details = "billing record has no gateway subscription"
		return v, nil
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()
	sub, err := gw.FetchSubscription(fctx, subID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		v.ShouldDowngrade = true
		v.Details = "subscription not found at gateway"
		return v, nil
	}
	if err != nil {
		v.Indeterminate = true
		v.Details = "gateway query failed"
		return v, err
	}

	v.subscription = sub
	v.GatewayStatus = sub.NativeStatus
	v.CanonicalStatus = sub.Status
	v.HasActiveSubscription = sub.Entitled
	if !sub.Entitled {
		v.ShouldDowngrade = true
		v.Details = "gateway reports subscription is not active"
		return v, nil
	}

	v.Details = "gateway reports an active subscription"
	user, err := s.repo.GetUser(ctx, userID)
	v.NeedsSync = rec.Status != sub.Status || err != nil ||
		user.PackageType != rec.PlanType || user.SubscriptionStatus != userStatusFor(sub.Status)
	return v, nil
}

func (s *Service) observeVerification(v *Verification, err error) {
	result := "keep"
	switch {
	case err != nil || v.Indeterminate:
		result = "indeterminate"
		log.Errorf("[Verify] user=%d gateway=%s status=%s: %s: %v", v.UserID, v.Gateway, v.GatewayStatus, v.Details, err)
	case v.ShouldDowngrade:
		result = "downgrade"
	}
	metrics.VerificationsTotal.WithLabelValues(string(v.Gateway), result).Inc()
}

// SyncSubscriptionFromGateway repairs the billing record and the user's plan
// fields from the gateway's current view of the subscription.
func (s *Service) SyncSubscriptionFromGateway(ctx context.Context, userID uint) (*models.BillingRecord, error) {
	rec, err := s.repo.GetRecordByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.HasDualOwnership() {
		return nil, ErrDualOwnership
	}
	gw, err := s.gateways.Get(rec.GatewayOwner)
	if err != nil {
		return nil, err
	}
	subID := rec.SubscriptionID()
	if subID == "" {
		return nil, fmt.Errorf("%w: record for user %d has no subscription id", ErrSubscriptionNotFound, userID)
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()
	sub, err := gw.FetchSubscription(fctx, subID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockUser(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.syncLocked(ctx, userID, sub)
}

// syncLocked writes sub into the record and user. Callers hold the user lock.
func (s *Service) syncLocked(ctx context.Context, userID uint, sub *Subscription) (*models.BillingRecord, error) {
	var out *models.BillingRecord
	err := s.repo.Transaction(ctx, func(repo Repository) error {
		rec, err := repo.GetRecordByUserID(ctx, userID)
		if err != nil {
			return err
		}
		user, err := repo.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		rec.Status = sub.Status
		rec.PaymentStatus = paymentStatusFor(sub.Status)
		rec.CancelAtPeriodEnd = sub.CancelAtPeriod
		applyPeriod(rec, sub.PeriodStart, sub.PeriodEnd)
		if plan, ok := s.planForRef(ctx, sub.Gateway, sub.PlanRef); ok {
			rec.PlanType = plan
			rec.GatewayPlanRef = sub.PlanRef
		}
		now := s.now()
		rec.LastEventAt = &now
		if err := repo.UpsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("upsert billing record: %w", err)
		}

		if sub.Entitled {
			user.PackageType = rec.PlanType
			user.IsInTrialPeriod = false
			user.TrialEndsDate = nil
			if sub.Status == models.BillingStatusTrialing && sub.TrialEnd != nil {
				user.StartTrial(rec.PlanType, *sub.TrialEnd)
			}
		}
		user.SubscriptionStatus = userStatusFor(sub.Status)
		if rec.CurrentPeriodEnd != nil {
			user.NextBillingDate = rec.CurrentPeriodEnd
		}
		if err := s.saveUser(ctx, repo, user); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Verify] user %d synced from %s: status=%s plan=%s", userID, sub.Gateway, out.Status, out.PlanType)
	return out, nil
}
