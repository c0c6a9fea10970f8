package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chargedEvent(id, paymentID string, at time.Time) Event {
	start := at
	end := at.AddDate(0, 1, 0)
	return Event{
		ID:             id,
		Type:           "subscription.charged",
		Kind:           EventSubscriptionCharged,
		SubscriptionID: "sub_1",
		Status:         models.BillingStatusActive,
		PeriodStart:    &start,
		PeriodEnd:      &end,
		Payment:        &Payment{ID: paymentID, AmountMinor: 4900, Currency: "USD", PaidAt: at},
		OccurredAt:     at,
	}
}

func TestHandleWebhook_ChargedIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.seedPaid(1, models.SubscriptionPastDue, models.BillingStatusPastDue, "sub_1")
	ctx := context.Background()

	req := env.stripe.sign(t, chargedEvent("evt_1", "pi_1", testNow))
	res, err := env.svc.HandleWebhook(ctx, models.GatewayStripe, req)
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, res.Outcome)
	assert.Equal(t, uint(1), res.UserID)

	res, err = env.svc.HandleWebhook(ctx, models.GatewayStripe, req)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, res.Outcome)

	// Same payment delivered under a different event id.
	res, err = env.svc.HandleWebhook(ctx, models.GatewayStripe, env.stripe.sign(t, chargedEvent("evt_2", "pi_1", testNow)))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, res.Outcome)

	count, err := env.svc.PaymentCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rec := env.repo.record(1)
	assert.Equal(t, models.BillingStatusActive, rec.Status)
	assert.Equal(t, models.PaymentStatusPaid, rec.PaymentStatus)
	user := env.repo.user(1)
	assert.Equal(t, models.SubscriptionActive, user.SubscriptionStatus)
	require.NotNil(t, user.LastPaymentDate)
	assert.True(t, user.LastPaymentDate.Equal(testNow))
	require.NotNil(t, user.NextBillingDate)
	assert.True(t, user.NextBillingDate.Equal(testNow.AddDate(0, 1, 0)))
}

func TestHandleWebhook_Activated(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.repo.addUser(models.User{ID: 4, PackageType: models.PackageLite, SubscriptionStatus: models.SubscriptionInactive})
	env.repo.putRecord(models.BillingRecord{
		UserID: 4, PlanType: models.PackageAgency, GatewayOwner: models.GatewayRazorpay,
		RazorpaySubscriptionID: ptrString("sub_rzp"), Status: models.BillingStatusIncomplete,
	})

	evt := Event{ID: "evt_a", Kind: EventSubscriptionActivated, SubscriptionID: "sub_rzp", Status: models.BillingStatusActive,
		PeriodStart: ptrTime(testNow), PeriodEnd: ptrTime(testNow.AddDate(0, 1, 0)), OccurredAt: testNow}
	_, err := env.svc.HandleWebhook(context.Background(), models.GatewayRazorpay, env.razorpay.sign(t, evt))
	require.NoError(t, err)

	rec := env.repo.record(4)
	assert.Equal(t, models.BillingStatusActive, rec.Status)
	assert.Equal(t, models.PaymentStatusPaid, rec.PaymentStatus)
	user := env.repo.user(4)
	assert.Equal(t, models.PackageAgency, user.PackageType)
	assert.Equal(t, models.SubscriptionActive, user.SubscriptionStatus)
	assert.False(t, user.IsInTrialPeriod)
}

func TestHandleWebhook_ActivatedInTrial(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.repo.addUser(models.User{ID: 4, PackageType: models.PackageLite})
	env.repo.putRecord(models.BillingRecord{
		UserID: 4, PlanType: models.PackagePro, GatewayOwner: models.GatewayStripe,
		StripeSubscriptionID: ptrString("sub_t"), Status: models.BillingStatusIncomplete, TrialDays: 7,
	})

	trialEnd := testNow.AddDate(0, 0, 7)
	evt := Event{ID: "evt_t", Kind: EventSubscriptionActivated, SubscriptionID: "sub_t", Status: models.BillingStatusTrialing,
		TrialEnd: &trialEnd, OccurredAt: testNow}
	_, err := env.svc.HandleWebhook(context.Background(), models.GatewayStripe, env.stripe.sign(t, evt))
	require.NoError(t, err)

	user := env.repo.user(4)
	assert.True(t, user.IsInTrialPeriod)
	require.NotNil(t, user.TrialEndsDate)
	assert.True(t, user.TrialEndsDate.Equal(trialEnd))
	assert.Equal(t, models.SubscriptionTrialing, user.SubscriptionStatus)
	assert.Equal(t, models.PaymentStatusNoPaymentRequired, env.repo.record(4).PaymentStatus)
}

func TestHandleWebhook_CreatedDoesNotChangeUser(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.repo.addUser(models.User{ID: 4, PackageType: models.PackageLite})
	env.repo.putRecord(models.BillingRecord{
		UserID: 4, PlanType: models.PackagePro, GatewayOwner: models.GatewayRazorpay,
		RazorpaySubscriptionID: ptrString("sub_rzp"), Status: models.BillingStatusIncomplete,
	})

	evt := Event{ID: "evt_c", Kind: EventSubscriptionCreated, SubscriptionID: "sub_rzp", Status: models.BillingStatusIncomplete, OccurredAt: testNow}
	_, err := env.svc.HandleWebhook(context.Background(), models.GatewayRazorpay, env.razorpay.sign(t, evt))
	require.NoError(t, err)
	assert.Equal(t, models.PackageLite, env.repo.user(4).PackageType)
	assert.Equal(t, models.BillingStatusIncomplete, env.repo.record(4).Status)
	assert.Equal(t, models.PaymentStatusPending, env.repo.record(4).PaymentStatus)
}

func TestHandleWebhook_PaymentFailedKeepsPlan(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.seedPaid(1, models.SubscriptionActive, models.BillingStatusActive, "sub_1")

	evt := Event{ID: "evt_f", Kind: EventPaymentFailed, SubscriptionID: "sub_1", Status: models.BillingStatusPastDue, OccurredAt: testNow}
	_, err := env.svc.HandleWebhook(context.Background(), models.GatewayStripe, env.stripe.sign(t, evt))
	require.NoError(t, err)

	rec := env.repo.record(1)
	assert.Equal(t, models.BillingStatusPastDue, rec.Status)
	assert.Equal(t, models.PaymentStatusUnpaid, rec.PaymentStatus)
	user := env.repo.user(1)
	assert.Equal(t, models.PackagePro, user.PackageType)
	assert.Equal(t, models.SubscriptionPastDue, user.SubscriptionStatus)
}

func TestHandleWebhook_CancelledDowngrades(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.seedPaid(1, models.SubscriptionActive, models.BillingStatusActive, "sub_1")
	env.stripe.setSub(&Subscription{ID: "sub_1", Status: models.BillingStatusCancelled, NativeStatus: "canceled"})

	evt := Event{ID: "evt_x", Kind: EventSubscriptionCancelled, SubscriptionID: "sub_1", Status: models.BillingStatusCancelled, OccurredAt: testNow}
	_, err := env.svc.HandleWebhook(context.Background(), models.GatewayStripe, env.stripe.sign(t, evt))
	require.NoError(t, err)

	assert.Equal(t, models.BillingStatusCancelled, env.repo.record(1).Status)
	user := env.repo.user(1)
	assert.Equal(t, models.PackageLite, user.PackageType)
	assert.Equal(t, models.SubscriptionCancelled, user.SubscriptionStatus)
}

func TestHandleWebhook_CancelledButGatewayReactivated(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.seedPaid(1, models.SubscriptionActive, models.BillingStatusActive, "sub_1")
	env.stripe.setSub(&Subscription{ID: "sub_1", Status: models.BillingStatusActive, NativeStatus: "active", Entitled: true,
		PeriodEnd: ptrTime(testNow.AddDate(0, 1, 0))})

	evt := Event{ID: "evt_x", Kind: EventSubscriptionCancelled, SubscriptionID: "sub_1", Status: models.BillingStatusCancelled, OccurredAt: testNow}
	_, err := env.svc.HandleWebhook(context.Background(), models.GatewayStripe, env.stripe.sign(t, evt))
	require.NoError(t, err)

	assert.Equal(t, models.BillingStatusActive, env.repo.record(1).Status)
	assert.Equal(t, models.PackagePro, env.repo.user(1).PackageType)
}

func TestHandleWebhook_CancelledWhenGatewayUnreachable(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.seedPaid(1, models.SubscriptionActive, models.BillingStatusActive, "sub_1")
	env.stripe.fetchErr = errors.New("timeout")

	evt := Event{ID: "evt_x", Kind: EventSubscriptionCancelled, SubscriptionID: "sub_1", Status: models.BillingStatusCancelled, OccurredAt: testNow}
	_, err := env.svc.HandleWebhook(context.Background(), models.GatewayStripe, env.stripe.sign(t, evt))
	require.NoError(t, err)
	assert.Equal(t, models.PackageLite, env.repo.user(1).PackageType)
}

func TestHandleWebhook_Signatures(t *testing.T) {
	evt := chargedEvent("evt_s", "pi_s", testNow)

	t.Run("production rejects missing signature", func(t *testing.T) {
		env := newTestEnv(t, Config{Production: true})
		env.seedPaid(1, models.SubscriptionActive, models.BillingStatusActive, "sub_1")
		req := env.stripe.sign(t, evt)
		req.Signature = ""
		_, err := env.svc.HandleWebhook(context.Background(), models.GatewayStripe, req)
		assert.ErrorIs(t, err, ErrMissingSignature)
		assert.Empty(t, env.repo.events)
	})

	t.Run("production rejects bad signature", func(t *testing.T) {
		env := newTestEnv(t, Config{Production: true})
		req := env.stripe.sign(t, evt)
		req.Signature = "deadbeef"
		_, err := env.svc.HandleWebhook(context.Background(), models.GatewayStripe, req)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("production rejects missing secret", func(t *testing.T) {
		env := newTestEnv(t, Config{Production: true})
		env.stripe.secret = ""
		_, err := env.svc.HandleWebhook(context.Background(), models.GatewayStripe, WebhookRequest{Payload: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrWebhookSecretMissing)
	})

	t.Run("non-production accepts unsigned", func(t *testing.T) {
		env := newTestEnv(t, Config{Production: false})
		env.seedPaid(1, models.SubscriptionActive, models.BillingStatusActive, "sub_1")
		req := env.stripe.sign(t, evt)
		req.Signature = ""
		res, err := env.svc.HandleWebhook(context.Background(), models.GatewayStripe, req)
		require.NoError(t, err)
		assert.True(t, res.Unsigned)
		assert.Equal(t, WebhookProcessed, res.Outcome)
	})

	t.Run("non-production still rejects wrong signature", func(t *testing.T) {
		env := newTestEnv(t, Config{Production: false})
		req := env.stripe.sign(t, evt)
		req.Signature = "00"
		_, err := env.svc.HandleWebhook(context.Background(), models.GatewayStripe, req)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestHandleWebhook_IgnoredDeliveries(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	ctx := context.Background()

	res, err := env.svc.HandleWebhook(ctx, models.GatewayStripe, env.stripe.sign(t, Event{ID: "evt_u", Type: "customer.created"}))
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, res.Outcome)

	res, err = env.svc.HandleWebhook(ctx, models.GatewayStripe, env.stripe.sign(t, chargedEvent("evt_orphan", "pi_o", testNow)))
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, res.Outcome)
	assert.Empty(t, env.repo.payments)
}

func TestHandleWebhook_UnconfiguredGateway(t *testing.T) {
	repo := newMemRepository()
	svc := NewService(repo, NewGateways(newFakeGateway(models.GatewayStripe)))
	_, err := svc.HandleWebhook(context.Background(), models.GatewayRazorpay, WebhookRequest{Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrGatewayNotConfigured)
}

func TestHandleWebhook_FailedEventIsReprocessed(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.seedPaid(1, models.SubscriptionPastDue, models.BillingStatusPastDue, "sub_1")
	ctx := context.Background()
	req := env.stripe.sign(t, chargedEvent("evt_r", "pi_r", testNow))

	env.repo.upsertErr = errors.New("deadlock found when trying to get lock")
	_, err := env.svc.HandleWebhook(ctx, models.GatewayStripe, req)
	require.Error(t, err)

	env.repo.upsertErr = nil
	res, err := env.svc.HandleWebhook(ctx, models.GatewayStripe, req)
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, res.Outcome)
	assert.Equal(t, models.BillingStatusActive, env.repo.record(1).Status)
}

func TestHandleWebhook_StaleEventLeavesState(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.seedPaid(1, models.SubscriptionActive, models.BillingStatusActive, "sub_1")
	ctx := context.Background()

	fresh := Event{ID: "evt_new", Kind: EventSubscriptionActivated, SubscriptionID: "sub_1", Status: models.BillingStatusActive, OccurredAt: testNow}
	_, err := env.svc.HandleWebhook(ctx, models.GatewayStripe, env.stripe.sign(t, fresh))
	require.NoError(t, err)

	old := Event{ID: "evt_old", Kind: EventPaymentFailed, SubscriptionID: "sub_1", Status: models.BillingStatusPastDue, OccurredAt: testNow.Add(-time.Hour)}
	res, err := env.svc.HandleWebhook(ctx, models.GatewayStripe, env.stripe.sign(t, old))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, res.Outcome)
	assert.Equal(t, models.BillingStatusActive, env.repo.record(1).Status)
	assert.Equal(t, models.SubscriptionActive, env.repo.user(1).SubscriptionStatus)
}

func TestHandleWebhook_RazorpayAuthenticatedStartsTrial(t *testing.T) {
	repo := newMemRepository()
	rz := NewRazorpayGateway("rzp_test_key", "rzp_secret", "rzp_whsec", "", nil)
	svc := NewService(repo, NewGateways(rz), WithConfig(Config{Production: true}))
	repo.addUser(models.User{ID: 5, PackageType: models.PackageLite, SubscriptionStatus: models.SubscriptionInactive})
	repo.putRecord(models.BillingRecord{
		UserID: 5, PlanType: models.PackagePro, GatewayOwner: models.GatewayRazorpay,
		RazorpaySubscriptionID: ptrString("sub_trial"), Status: models.BillingStatusIncomplete, TrialDays: 7,
	})
	ctx := context.Background()

	trialEnd := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Second)
	payload := []byte(fmt.Sprintf(`{"entity": "event", "event": "subscription.authenticated", "created_at": %d,
		"payload": {"subscription": {"entity": {"id": "sub_trial", "plan_id": "plan_pro", "status": "authenticated", "start_at": %d}}}}`,
		time.Now().Unix(), trialEnd.Unix()))
	res, err := svc.HandleWebhook(ctx, models.GatewayRazorpay, WebhookRequest{
		Payload:   payload,
		Signature: SignRazorpayPayload(payload, "rzp_whsec"),
		EventID:   "evt_auth",
	})
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, res.Outcome)

	rec := repo.record(5)
	assert.Equal(t, models.BillingStatusTrialing, rec.Status)
	assert.Equal(t, models.PaymentStatusNoPaymentRequired, rec.PaymentStatus)
	user := repo.user(5)
	assert.Equal(t, models.PackagePro, user.PackageType)
	assert.Equal(t, models.SubscriptionTrialing, user.SubscriptionStatus)
	assert.True(t, user.IsInTrialPeriod)
	require.NotNil(t, user.TrialEndsDate)
	assert.True(t, user.TrialEndsDate.Equal(trialEnd))

	decision, _, err := svc.Status(ctx, 5)
	require.NoError(t, err)
	assert.True(t, decision.HasAccess)
	assert.Equal(t, models.PackagePro, decision.EffectivePlan)

	candidates, err := svc.DowngradeCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestHandleWebhook_CreatedWithoutTrialLeavesUser(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.repo.addUser(models.User{ID: 4, PackageType: models.PackageLite})
	env.repo.putRecord(models.BillingRecord{
		UserID: 4, PlanType: models.PackagePro, GatewayOwner: models.GatewayRazorpay,
		RazorpaySubscriptionID: ptrString("sub_rzp"), Status: models.BillingStatusIncomplete,
	})

	// start_at in the future without a requested trial is a scheduled start, not a trial.
	evt := Event{ID: "evt_c", Kind: EventSubscriptionCreated, SubscriptionID: "sub_rzp", Status: models.BillingStatusIncomplete,
		TrialEnd: ptrTime(testNow.AddDate(0, 0, 7)), OccurredAt: testNow}
	_, err := env.svc.HandleWebhook(context.Background(), models.GatewayRazorpay, env.razorpay.sign(t, evt))
	require.NoError(t, err)
	assert.Equal(t, models.PackageLite, env.repo.user(4).PackageType)
	assert.False(t, env.repo.user(4).IsInTrialPeriod)
	assert.Equal(t, models.BillingStatusIncomplete, env.repo.record(4).Status)
}

func TestHandleWebhook_UnknownSubscriptionIsAppliedOnRedelivery(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.repo.addUser(models.User{ID: 6, PackageType: models.PackageLite, SubscriptionStatus: models.SubscriptionInactive})
	ctx := context.Background()

	trialEnd := testNow.AddDate(0, 0, 7)
	req := env.stripe.sign(t, Event{ID: "evt_early", Kind: EventSubscriptionActivated, SubscriptionID: "sub_new",
		Status: models.BillingStatusTrialing, TrialEnd: &trialEnd, OccurredAt: testNow})

	res, err := env.svc.HandleWebhook(ctx, models.GatewayStripe, req)
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, res.Outcome)

	// Checkout stores the record after the gateway already fired.
	env.repo.putRecord(models.BillingRecord{
		UserID: 6, PlanType: models.PackagePro, GatewayOwner: models.GatewayStripe,
		StripeSubscriptionID: ptrString("sub_new"), Status: models.BillingStatusIncomplete, TrialDays: 7,
	})

	res, err = env.svc.HandleWebhook(ctx, models.GatewayStripe, req)
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, res.Outcome)

	assert.Equal(t, models.BillingStatusTrialing, env.repo.record(6).Status)
	user := env.repo.user(6)
	assert.Equal(t, models.PackagePro, user.PackageType)
	assert.True(t, user.IsInTrialPeriod)

	res, err = env.svc.HandleWebhook(ctx, models.GatewayStripe, req)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, res.Outcome)
}

func TestHandleWebhook_ConcurrentDeliveriesConverge(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.seedPaid(1, models.SubscriptionPastDue, models.BillingStatusPastDue, "sub_1")
	ctx := context.Background()

	// One payment, sent under two event ids, each delivered several times.
	reqs := []WebhookRequest{
		env.stripe.sign(t, chargedEvent("evt_a", "pi_1", testNow)),
		env.stripe.sign(t, chargedEvent("evt_b", "pi_1", testNow)),
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(req WebhookRequest) {
			defer wg.Done()
			_, err := env.svc.HandleWebhook(ctx, models.GatewayStripe, req)
			errs <- err
		}(reqs[i%len(reqs)])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	count, err := env.svc.PaymentCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rec := env.repo.record(1)
	assert.Equal(t, models.BillingStatusActive, rec.Status)
	assert.Equal(t, models.PaymentStatusPaid, rec.PaymentStatus)
	user := env.repo.user(1)
	assert.Equal(t, models.PackagePro, user.PackageType)
	assert.Equal(t, models.SubscriptionActive, user.SubscriptionStatus)
	require.NotNil(t, user.LastPaymentDate)
	assert.True(t, user.LastPaymentDate.Equal(testNow))
}

func TestHandleWebhook_SerializedWithDowngrade(t *testing.T) {
	env := newTestEnv(t, Config{Production: true})
	env.seedPaid(1, models.SubscriptionPastDue, models.BillingStatusPastDue, "sub_1")
	ctx := context.Background()

	// Hold the user lock the way a running downgrade does.
	unlock, err := env.svc.lockUser(ctx, 1, false)
	require.NoError(t, err)

	_, err = env.svc.DowngradeUser(ctx, 1)
	assert.ErrorIs(t, err, ErrLockBusy)

	// A delivery whose deadline ends while the lock is held fails and stays retryable.
	req := env.stripe.sign(t, chargedEvent("evt_locked", "pi_locked", testNow))
	shortCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	_, err = env.svc.HandleWebhook(shortCtx, models.GatewayStripe, req)
	cancel()
	require.Error(t, err)
	assert.Equal(t, models.BillingStatusPastDue, env.repo.record(1).Status)

	// A delivery with time to spare waits for the lock.
	done := make(chan *WebhookResult, 1)
	go func() {
		res, err := env.svc.HandleWebhook(ctx, models.GatewayStripe, req)
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("webhook applied while the user lock was held")
	case <-time.After(250 * time.Millisecond):
	}
	unlock()

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, WebhookProcessed, res.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook did not acquire the user lock after release")
	}
	assert.Equal(t, models.BillingStatusActive, env.repo.record(1).Status)

	count, err := env.svc.PaymentCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
