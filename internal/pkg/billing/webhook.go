package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// HandleWebhook authenticates, records and applies one gateway delivery.
//
// Returned errors are classified by the HTTP layer: signature errors are
// client errors, everything else not listed as ignored is retryable.
func (s *Service) HandleWebhook(ctx context.Context, gatewayName models.Gateway, req WebhookRequest) (*WebhookResult, error) {
	started := time.Now()
	defer func() {
		metrics.WebhookDuration.WithLabelValues(string(gatewayName)).Observe(time.Since(started).Seconds())
	}()

	gw, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}
	res := &WebhookResult{Gateway: gatewayName}

	if err := s.authenticate(gw, req); err != nil {
		if s.cfg.Production || !canSkipSignature(err) {
			metrics.WebhookEventsTotal.WithLabelValues(string(gatewayName), "", "rejected").Inc()
			return res, err
		}
		log.Warnf("[Webhook] %s delivery accepted without signature check outside production: %v", gatewayName, err)
		res.Unsigned = true
	}

	evt, parseErr := gw.ParseEvent(req.Payload)
	if parseErr != nil && !errors.Is(parseErr, ErrUnknownEvent) {
		metrics.WebhookEventsTotal.WithLabelValues(string(gatewayName), "", "malformed").Inc()
		return res, parseErr
	}
	if evt.ID == "" {
		evt.ID = req.EventID
	}
	res.EventID = webhookEventID(evt.ID, req.Payload)
	res.EventType = evt.Type
	res.Kind = evt.Kind

	created, stored, err := s.repo.CreateWebhookEventIfNotExists(ctx, &models.BillingWebhookEvent{
		Gateway:        gatewayName,
		GatewayEventID: res.EventID,
		EventType:      evt.Type,
		PayloadJSON:    string(req.Payload),
		SignatureValid: !res.Unsigned,
	})
	if err != nil {
		return res, fmt.Errorf("record webhook event: %w", err)
	}
	if !created && stored.IsSettled() {
		res.Outcome = WebhookDuplicate
		metrics.WebhookEventsTotal.WithLabelValues(string(gatewayName), string(evt.Kind), string(WebhookDuplicate)).Inc()
		return res, nil
	}

	if parseErr != nil {
		log.Infof("[Webhook] %s event %s (%s) acknowledged without processing: %v", gatewayName, res.EventID, evt.Type, parseErr)
		s.markProcessed(ctx, stored.ID, nil)
		res.Outcome = WebhookIgnored
		metrics.WebhookEventsTotal.WithLabelValues(string(gatewayName), "", string(WebhookIgnored)).Inc()
		return res, nil
	}

	userID, applyErr := s.ApplyEvent(ctx, evt)
	res.UserID = userID
	if errors.Is(applyErr, ErrRecordNotFound) {
		// Left unsettled: the record may be written after the gateway fired,
		// so a redelivery must still be applied.
		log.Infof("[Webhook] %s event %s for unknown subscription %s acknowledged", gatewayName, res.EventID, evt.SubscriptionID)
		s.markProcessed(ctx, stored.ID, applyErr)
		res.Outcome = WebhookIgnored
		metrics.WebhookEventsTotal.WithLabelValues(string(gatewayName), string(evt.Kind), string(WebhookIgnored)).Inc()
		return res, nil
	}
	s.markProcessed(ctx, stored.ID, applyErr)
	if applyErr != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(gatewayName), string(evt.Kind), "failed").Inc()
		return res, applyErr
	}

	res.Outcome = WebhookProcessed
	metrics.WebhookEventsTotal.WithLabelValues(string(gatewayName), string(evt.Kind), string(WebhookProcessed)).Inc()
	return res, nil
}

func (s *Service) authenticate(gw Gateway, req WebhookRequest) error {
	if !gw.HasWebhookSecret() {
		return ErrWebhookSecretMissing
	}
	return gw.VerifySignature(req.Payload, req.Signature)
}

// canSkipSignature limits the non-production bypass to unsigned deliveries.
// A signature that is present but wrong is always rejected.
func canSkipSignature(err error) bool {
	return errors.Is(err, ErrWebhookSecretMissing) || errors.Is(err, ErrMissingSignature)
}

func (s *Service) markProcessed(ctx context.Context, id uint, processingErr error) {
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	if err := s.repo.MarkWebhookProcessed(ctx, id, msg); err != nil {
		log.Errorf("[Webhook] failed to mark event %d processed: %v", id, err)
	}
}

// ApplyEvent runs the state transition for evt and returns the affected user.
// The user is resolved through the subscription id stored on the billing
// record; ids embedded in the payload are never trusted.
func (s *Service) ApplyEvent(ctx context.Context, evt *Event) (uint, error) {
	rec, err := s.repo.GetRecordBySubscriptionID(ctx, evt.Gateway, evt.SubscriptionID)
	if err != nil {
		return 0, err
	}
	userID := rec.UserID

	unlock, err := s.lockUser(ctx, userID, true)
	if err != nil {
		return userID, err
	}
	defer unlock()

	// A cancellation may race a reactivation; ask the gateway first.
	if evt.Kind == EventSubscriptionCancelled {
		if sub, ok := s.confirmCancellation(ctx, evt); !ok {
			log.Infof("[Webhook] %s reports subscription %s as %s, syncing instead of cancelling", evt.Gateway, evt.SubscriptionID, sub.NativeStatus)
			_, err := s.syncLocked(ctx, userID, sub)
			return userID, err
		}
	}

	err = s.repo.Transaction(ctx, func(repo Repository) error {
		rec, err := repo.GetRecordBySubscriptionID(ctx, evt.Gateway, evt.SubscriptionID)
		if err != nil {
			return err
		}
		user, err := repo.GetUser(ctx, rec.UserID)
		if err != nil {
			return err
		}
		return s.transition(ctx, repo, evt, rec, user)
	})
	return userID, err
}

// confirmCancellation reports false with the fetched subscription when the
// gateway still considers it entitled. A failed fetch keeps the signed event.
func (s *Service) confirmCancellation(ctx context.Context, evt *Event) (*Subscription, bool) {
	gw, err := s.gateways.Get(evt.Gateway)
	if err != nil {
		return nil, true
	}
	fctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()
	sub, err := gw.FetchSubscription(fctx, evt.SubscriptionID)
	if err != nil {
		if !errors.Is(err, ErrSubscriptionNotFound) {
			log.Warnf("[Webhook] could not confirm cancellation of %s %s, applying event: %v", evt.Gateway, evt.SubscriptionID, err)
		}
		return nil, true
	}
	if sub.Entitled && sub.Status != models.BillingStatusCancelled && !sub.CancelAtPeriod {
		return sub, false
	}
	return sub, true
}

func (s *Service) transition(ctx context.Context, repo Repository, evt *Event, rec *models.BillingRecord, user *models.User) error {
	stale := rec.LastEventAt != nil && !evt.OccurredAt.IsZero() && evt.OccurredAt.Before(*rec.LastEventAt)

	if evt.Payment != nil {
		if err := s.recordPayment(ctx, repo, evt, rec, user); err != nil {
			if !errors.Is(err, ErrDuplicatePayment) {
				return err
			}
			log.Infof("[Webhook] payment %s for %s already recorded", evt.Payment.ID, evt.SubscriptionID)
		}
	}

	if stale {
		log.Infof("[Webhook] %s event %s older than last applied event for %s, state unchanged", evt.Gateway, evt.ID, evt.SubscriptionID)
		return s.saveUser(ctx, repo, user)
	}

	switch evt.Kind {
	case EventSubscriptionCreated:
		if rec.Status == "" || rec.Status == models.BillingStatusIncomplete {
			rec.Status = models.BillingStatusIncomplete
			rec.PaymentStatus = models.PaymentStatusPending
			// Razorpay defers the first charge to start_at and only sends
			// activated once it passes, so the trial starts here.
			if rec.TrialDays > 0 && evt.TrialEnd != nil && evt.TrialEnd.After(s.now()) {
				rec.Status = models.BillingStatusTrialing
				rec.PaymentStatus = paymentStatusFor(models.BillingStatusTrialing)
				user.StartTrial(rec.PlanType, *evt.TrialEnd)
				user.NextBillingDate = evt.TrialEnd
			}
		}
		applyPeriod(rec, evt.PeriodStart, evt.PeriodEnd)
		if evt.PlanRef != "" {
			rec.GatewayPlanRef = evt.PlanRef
		}

	case EventSubscriptionActivated:
		status := models.BillingStatusActive
		if evt.Status == models.BillingStatusTrialing {
			status = models.BillingStatusTrialing
		}
		rec.Status = status
		rec.PaymentStatus = paymentStatusFor(status)
		rec.CancelAtPeriodEnd = evt.CancelAtPeriodEnd
		applyPeriod(rec, evt.PeriodStart, evt.PeriodEnd)
		if plan, ok := s.planForRef(ctx, evt.Gateway, evt.PlanRef); ok {
			rec.PlanType = plan
			rec.GatewayPlanRef = evt.PlanRef
		}

		user.PackageType = rec.PlanType
		user.SubscriptionStatus = userStatusFor(status)
		user.IsInTrialPeriod = false
		user.TrialEndsDate = nil
		if status == models.BillingStatusTrialing && evt.TrialEnd != nil {
			user.StartTrial(rec.PlanType, *evt.TrialEnd)
		}
		if rec.CurrentPeriodEnd != nil {
			user.NextBillingDate = rec.CurrentPeriodEnd
		}

	case EventSubscriptionCharged:
		applyPeriod(rec, evt.PeriodStart, evt.PeriodEnd)
		rec.PaymentStatus = models.PaymentStatusPaid
		if rec.Status == models.BillingStatusPastDue || rec.Status == models.BillingStatusIncomplete {
			rec.Status = models.BillingStatusActive
		}
		if user.SubscriptionStatus == models.SubscriptionPastDue && user.PackageType == rec.PlanType {
			user.SubscriptionStatus = models.SubscriptionActive
		}
		if rec.CurrentPeriodEnd != nil {
			user.NextBillingDate = rec.CurrentPeriodEnd
		}

	case EventPaymentCaptured:
		rec.PaymentStatus = models.PaymentStatusPaid

	case EventSubscriptionCancelled:
		rec.Status = models.BillingStatusCancelled
		rec.CancelAtPeriodEnd = false
		rec.PaymentStatus = models.PaymentStatusNoPaymentRequired
		user.DowngradeToLite(models.SubscriptionCancelled)
		log.Warnf("[Webhook] user %d downgraded to %s after %s cancellation of %s", user.ID, models.PackageLite, evt.Gateway, evt.SubscriptionID)

	case EventPaymentFailed:
		rec.Status = models.BillingStatusPastDue
		rec.PaymentStatus = models.PaymentStatusUnpaid
		if user.PackageType.IsPaid() {
			user.SubscriptionStatus = models.SubscriptionPastDue
		}

	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, evt.Kind)
	}

	if !evt.OccurredAt.IsZero() {
		at := evt.OccurredAt
		rec.LastEventAt = &at
	}
	if err := repo.UpsertRecord(ctx, rec); err != nil {
		return fmt.Errorf("upsert billing record: %w", err)
	}
	return s.saveUser(ctx, repo, user)
}

func (s *Service) recordPayment(ctx context.Context, repo Repository, evt *Event, rec *models.BillingRecord, user *models.User) error {
	paidAt := evt.Payment.PaidAt
	if paidAt.IsZero() {
		paidAt = s.now()
	}
	created, err := repo.AppendPayment(ctx, &models.BillingPayment{
		BillingRecordID: rec.ID,
		Gateway:         evt.Gateway,
		PaymentID:       evt.Payment.ID,
		AmountMinor:     evt.Payment.AmountMinor,
		Currency:        evt.Payment.Currency,
		PeriodStart:     evt.PeriodStart,
		PeriodEnd:       evt.PeriodEnd,
		PaidAt:          paidAt,
	})
	if err != nil {
		return fmt.Errorf("append payment: %w", err)
	}
	if !created {
		return ErrDuplicatePayment
	}
	if user.LastPaymentDate == nil || paidAt.After(*user.LastPaymentDate) {
		user.LastPaymentDate = &paidAt
	}
	return nil
}

func (s *Service) saveUser(ctx context.Context, repo Repository, user *models.User) error {
	if err := repo.SaveUserBilling(ctx, user); err != nil {
		return fmt.Errorf("save user billing fields: %w", err)
	}
	return nil
}

func applyPeriod(rec *models.BillingRecord, start, end *time.Time) {
	if start != nil {
		rec.CurrentPeriodStart = start
	}
	if end != nil {
		rec.CurrentPeriodEnd = end
	}
	if rec.CurrentPeriodStart != nil && rec.CurrentPeriodEnd != nil && rec.CurrentPeriodEnd.Before(*rec.CurrentPeriodStart) {
		rec.CurrentPeriodStart = rec.CurrentPeriodEnd
	}
}
