package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/entitlements"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StartCheckout creates a subscription on the chosen gateway and stores the
// billing record. The record stays incomplete until the gateway reports the
// subscription as entitled, either in its create response or by webhook.
func (s *Service) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, checkoutValidationError(err)
	}
	plan, ok := entitlements.ParsePlan(req.Plan)
	if !ok || !plan.IsPaid() {
		return nil, ErrInvalidPlan
	}
	if req.TrialDays < 0 || req.TrialDays > s.cfg.TrialDaysMax {
		return nil, fmt.Errorf("%w: trial must be at most %d days", ErrInvalidTrialDays, s.cfg.TrialDaysMax)
	}

	gatewayName := s.cfg.DefaultGateway
	if strings.TrimSpace(req.Gateway) != "" {
		if gatewayName, ok = ParseGateway(req.Gateway); !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidGateway, req.Gateway)
		}
	}
	gw, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.GetRecordByUserID(ctx, req.UserID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}
	if existing != nil && isRunning(existing.Status) && !existing.CancelAtPeriodEnd {
		return nil, ErrAlreadySubscribed
	}

	planRef, err := s.resolvePlanRef(ctx, gatewayName, plan)
	if err != nil {
		return nil, err
	}
	customerRef, err := s.ensureCustomer(ctx, gw, user)
	if err != nil {
		return nil, err
	}

	reference := uuid.NewString()
	sub, err := gw.CreateSubscription(ctx, CreateSubscriptionInput{
		UserID:      user.ID,
		PlanRef:     planRef,
		CustomerRef: customerRef,
		TrialDays:   req.TrialDays,
		Reference:   reference,
	})
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockUser(ctx, user.ID, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; a webhook may have written it meanwhile.
	rec, err := s.repo.GetRecordByUserID(ctx, user.ID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		rec = &models.BillingRecord{UserID: user.ID}
	case err != nil:
		return nil, err
	}
	rec.PlanType = plan
	rec.SetSubscription(gatewayName, sub.ID)
	rec.GatewayPlanRef = planRef
	rec.Status = models.BillingStatusIncomplete
	rec.PaymentStatus = models.PaymentStatusPending
	rec.CancelAtPeriodEnd = false
	rec.TrialDays = req.TrialDays
	rec.CurrentPeriodStart = sub.PeriodStart
	rec.CurrentPeriodEnd = sub.PeriodEnd
	rec.LastEventAt = nil
	if err := s.repo.UpsertRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("store billing record: %w", err)
	}

	// Stripe starts trials immediately and may have fired its webhook before
	// the record existed.
	if sub.Entitled {
		synced, err := s.syncLocked(ctx, user.ID, sub)
		if err != nil {
			return nil, fmt.Errorf("sync new subscription %s: %w", sub.ID, err)
		}
		rec = synced
	}

	log.Infof("[Billing] checkout %s started for user %d: %s %s subscription=%s", reference, user.ID, gatewayName, plan, sub.ID)
	return &CheckoutResult{
		Reference:      reference,
		Gateway:        gatewayName,
		PlanType:       plan,
		SubscriptionID: sub.ID,
		Status:         rec.Status,
		CheckoutURL:    sub.CheckoutURL,
	}, nil
}

func checkoutValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			switch fe.Field() {
			case "TrialDays":
				return fmt.Errorf("%w: trial days must not be negative", ErrInvalidTrialDays)
			case "Gateway":
				return fmt.Errorf("%w: %v", ErrInvalidGateway, fe.Value())
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
}

func (s *Service) ensureCustomer(ctx context.Context, gw Gateway, user *models.User) (string, error) {
	account, err := s.repo.GetBillingAccount(ctx, user.ID, gw.Name())
	if err == nil && account.GatewayCustomerID != "" {
		return account.GatewayCustomerID, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	customerID, err := gw.CreateCustomer(ctx, CustomerInput{UserID: user.ID, Name: user.Name, Email: user.Email})
	if err != nil {
		return "", err
	}
	if err := s.repo.UpsertBillingAccount(ctx, &models.BillingAccount{
		UserID:            user.ID,
		Gateway:           gw.Name(),
		GatewayCustomerID: customerID,
		Email:             user.Email,
	}); err != nil {
		return "", fmt.Errorf("store billing account: %w", err)
	}
	return customerID, nil
}

// CancelSubscription cancels the user's subscription at the end of the paid
// period. The package stays until then; the evaluator grants access while
// the period runs.
func (s *Service) CancelSubscription(ctx context.Context, userID uint) (*models.BillingRecord, error) {
	rec, err := s.repo.GetRecordByUserID(ctx, userID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, err
	}
	subID := rec.SubscriptionID()
	if subID == "" || rec.Status == models.BillingStatusCancelled {
		return nil, ErrNoSubscription
	}
	gw, err := s.gateways.Get(rec.GatewayOwner)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockUser(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := gw.CancelSubscription(ctx, subID, true)
	if err != nil {
		return nil, err
	}

	var out *models.BillingRecord
	err = s.repo.Transaction(ctx, func(repo Repository) error {
		rec, err := repo.GetRecordByUserID(ctx, userID)
		if err != nil {
			return err
		}
		user, err := repo.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		rec.CancelAtPeriodEnd = true
		applyPeriod(rec, sub.PeriodStart, sub.PeriodEnd)
		if err := repo.UpsertRecord(ctx, rec); err != nil {
			return err
		}
		user.SubscriptionStatus = models.SubscriptionCancelled
		out = rec
		return s.saveUser(ctx, repo, user)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] user %d cancelled %s subscription %s at period end", userID, rec.GatewayOwner, subID)
	return out, nil
}
