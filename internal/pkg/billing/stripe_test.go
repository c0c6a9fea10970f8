package billing

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

type stubStripeSubscriptions struct {
	retrieve func(id string) (*stripe.Subscription, error)
	updated  []*stripe.SubscriptionUpdateParams
	calls    int
}

func (s *stubStripeSubscriptions) Create(_ context.Context, params *stripe.SubscriptionCreateParams) (*stripe.Subscription, error) {
	return &stripe.Subscription{ID: "sub_new", Status: stripe.SubscriptionStatusIncomplete}, nil
}

func (s *stubStripeSubscriptions) Retrieve(_ context.Context, id string, _ *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error) {
	s.calls++
	return s.retrieve(id)
}

func (s *stubStripeSubscriptions) Update(_ context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error) {
	s.updated = append(s.updated, params)
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusActive, CancelAtPeriodEnd: true}, nil
}

func (s *stubStripeSubscriptions) Cancel(_ context.Context, id string, _ *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusCanceled}, nil
}

func newTestStripeGateway(subs *stubStripeSubscriptions) *StripeGateway {
	g := newStripeGateway(subs, nil, "whsec_test")
	g.policy.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return g
}

func TestStripeFetchSubscription(t *testing.T) {
	start, end := time.Now().Add(-time.Hour).Unix(), time.Now().Add(720*time.Hour).Unix()
	subs := &stubStripeSubscriptions{retrieve: func(id string) (*stripe.Subscription, error) {
		return &stripe.Subscription{
			ID:     id,
			Status: stripe.SubscriptionStatusPastDue,
			Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
				CurrentPeriodStart: start,
				CurrentPeriodEnd:   end,
				Price:              &stripe.Price{ID: "price_pro"},
			}}},
		}, nil
	}}
	g := newTestStripeGateway(subs)

	sub, err := g.FetchSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.BillingStatusPastDue, sub.Status)
	assert.True(t, sub.Entitled)
	assert.Equal(t, "price_pro", sub.PlanRef)
	require.NotNil(t, sub.PeriodEnd)
	assert.Equal(t, end, sub.PeriodEnd.Unix())
}

func TestStripeFetchSubscription_NotFound(t *testing.T) {
	subs := &stubStripeSubscriptions{retrieve: func(id string) (*stripe.Subscription, error) {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: http.StatusNotFound, Msg: "No such subscription"}
	}}
	_, err := newTestStripeGateway(subs).FetchSubscription(context.Background(), "sub_gone")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.Equal(t, 1, subs.calls, "4xx is not retried")
}

func TestStripeFetchSubscription_TransientIsRetried(t *testing.T) {
	subs := &stubStripeSubscriptions{retrieve: func(id string) (*stripe.Subscription, error) {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable, Msg: "unavailable"}
	}}
	_, err := newTestStripeGateway(subs).FetchSubscription(context.Background(), "sub_1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSubscriptionNotFound))
	assert.Equal(t, 3, subs.calls)
}

func TestStripeCancelAtPeriodEnd(t *testing.T) {
	subs := &stubStripeSubscriptions{}
	sub, err := newTestStripeGateway(subs).CancelSubscription(context.Background(), "sub_1", true)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriod)
	require.Len(t, subs.updated, 1)
	assert.True(t, *subs.updated[0].CancelAtPeriodEnd)
}

func TestStripeVerifySignature(t *testing.T) {
	g := newTestStripeGateway(&stubStripeSubscriptions{})
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{}}}`)

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	assert.NoError(t, g.VerifySignature(signed.Payload, signed.Header))

	wrong := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_other",
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	assert.ErrorIs(t, g.VerifySignature(wrong.Payload, wrong.Header), ErrInvalidSignature)
	assert.ErrorIs(t, g.VerifySignature(payload, ""), ErrMissingSignature)

	replayed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now().Add(-time.Hour),
		Scheme:    "v1",
	})
	assert.ErrorIs(t, g.VerifySignature(replayed.Payload, replayed.Header), ErrInvalidSignature)
}

func TestStripeParseEvent(t *testing.T) {
	g := newTestStripeGateway(&stubStripeSubscriptions{})

	invoice := []byte(`{
		"id": "evt_inv", "object": "event", "type": "invoice.paid", "created": 1767225600,
		"data": {"object": {
			"id": "in_1", "object": "invoice", "amount_paid": 4900, "currency": "usd",
			"parent": {"subscription_details": {"subscription": "sub_1"}},
			"lines": {"data": [{"period": {"start": 1767225600, "end": 1769904000}}]},
			"status_transitions": {"paid_at": 1767225700}
		}}
	}`)
	evt, err := g.ParseEvent(invoice)
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionCharged, evt.Kind)
	assert.Equal(t, "sub_1", evt.SubscriptionID)
	require.NotNil(t, evt.Payment)
	assert.Equal(t, "in_1", evt.Payment.ID)
	assert.Equal(t, "USD", evt.Payment.Currency)
	assert.Equal(t, int64(1767225700), evt.Payment.PaidAt.Unix())
	assert.Equal(t, int64(1769904000), evt.PeriodEnd.Unix())

	updated := []byte(`{
		"id": "evt_sub", "object": "event", "type": "customer.subscription.updated", "created": 1767225600,
		"data": {"object": {
			"id": "sub_1", "object": "subscription", "status": "past_due",
			"items": {"data": [{"current_period_start": 1767225600, "current_period_end": 1769904000, "price": {"id": "price_pro"}}]}
		}}
	}`)
	evt, err = g.ParseEvent(updated)
	require.NoError(t, err)
	assert.Equal(t, EventPaymentFailed, evt.Kind)
	assert.Equal(t, models.BillingStatusPastDue, evt.Status)
	assert.Equal(t, "price_pro", evt.PlanRef)

	deleted := []byte(`{"id": "evt_del", "object": "event", "type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_1", "object": "subscription", "status": "canceled"}}}`)
	evt, err = g.ParseEvent(deleted)
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionCancelled, evt.Kind)

	_, err = g.ParseEvent([]byte(`{"id": "evt_c", "object": "event", "type": "customer.created", "data": {"object": {}}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = g.ParseEvent([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestNewStripeGatewayRequiresKey(t *testing.T) {
	assert.Nil(t, NewStripeGateway("", "whsec"))
}
