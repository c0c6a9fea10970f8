package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/retry"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const stripeSignatureHeader = "Stripe-Signature"

type stripeSubscriptionAPI interface {
	Create(ctx context.Context, params *stripe.SubscriptionCreateParams) (*stripe.Subscription, error)
	Retrieve(ctx context.Context, id string, params *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error)
	Update(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error)
	Cancel(ctx context.Context, id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
}

type stripeCustomerAPI interface {
	Create(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
}

// StripeGateway is the card gateway client.
type StripeGateway struct {
	subscriptions stripeSubscriptionAPI
	customers     stripeCustomerAPI
	webhookSecret string
	// tolerance bounds the age of the signed timestamp to stop replays.
	tolerance time.Duration
	policy    retry.Policy
}

// NewStripeGateway builds a client from an API key. It returns nil when the
// key is empty so that the gateway is treated as not configured.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil
	}
	sc := stripe.NewClient(secretKey)
	return newStripeGateway(sc.V1Subscriptions, sc.V1Customers, webhookSecret)
}

func newStripeGateway(subs stripeSubscriptionAPI, customers stripeCustomerAPI, webhookSecret string) *StripeGateway {
	policy := retry.Default("stripe")
	policy.Retryable = isRetryableStripeError
	return &StripeGateway{
		subscriptions: subs,
		customers:     customers,
		webhookSecret: strings.TrimSpace(webhookSecret),
		tolerance:     webhook.DefaultTolerance,
		policy:        policy,
	}
}

func (g *StripeGateway) Name() models.Gateway { return models.GatewayStripe }

func (g *StripeGateway) SignatureHeader() string { return stripeSignatureHeader }

func (g *StripeGateway) HasWebhookSecret() bool { return g.webhookSecret != "" }

func (g *StripeGateway) CreateCustomer(ctx context.Context, in CustomerInput) (string, error) {
	params := &stripe.CustomerCreateParams{
		Email: stripe.String(in.Email),
		Name:  stripe.String(in.Name),
	}
	params.AddMetadata("user_id", strconv.FormatUint(uint64(in.UserID), 10))

	var customer *stripe.Customer
	err := g.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		customer, err = g.customers.Create(ctx, params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("stripe create customer: %w", err)
	}
	return customer.ID, nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*Subscription, error) {
	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(in.CustomerRef),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(in.PlanRef)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	if in.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(in.TrialDays))
	}
	params.AddMetadata("user_id", strconv.FormatUint(uint64(in.UserID), 10))
	params.AddMetadata("reference", in.Reference)
	params.SetIdempotencyKey(in.Reference)

	var sub *stripe.Subscription
	err := g.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		sub, err = g.subscriptions.Create(ctx, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stripe create subscription: %w", err)
	}
	return stripeSubscription(sub), nil
}

func (g *StripeGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub *stripe.Subscription
	err := g.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		sub, err = g.subscriptions.Retrieve(ctx, subscriptionID, nil)
		return err
	})
	if err != nil {
		if isStripeNotFound(err) {
			return nil, fmt.Errorf("%w: stripe %s", ErrSubscriptionNotFound, subscriptionID)
		}
		return nil, fmt.Errorf("stripe fetch subscription %s: %w", subscriptionID, err)
	}
	return stripeSubscription(sub), nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error) {
	var sub *stripe.Subscription
	err := g.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		if atPeriodEnd {
			sub, err = g.subscriptions.Update(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
				CancelAtPeriodEnd: stripe.Bool(true),
			})
		} else {
			sub, err = g.subscriptions.Cancel(ctx, subscriptionID, &stripe.SubscriptionCancelParams{})
		}
		return err
	})
	if err != nil {
		if isStripeNotFound(err) {
			return nil, fmt.Errorf("%w: stripe %s", ErrSubscriptionNotFound, subscriptionID)
		}
		return nil, fmt.Errorf("stripe cancel subscription %s: %w", subscriptionID, err)
	}
	return stripeSubscription(sub), nil
}

func (g *StripeGateway) VerifySignature(payload []byte, signature string) error {
	if g.webhookSecret == "" {
		return ErrWebhookSecretMissing
	}
	if strings.TrimSpace(signature) == "" {
		return ErrMissingSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, g.webhookSecret, g.tolerance); err != nil {
		if errors.Is(err, webhook.ErrNotSigned) {
			return ErrMissingSignature
		}
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// stripeSubscriptionObject is the subset of a subscription payload the engine reads.
type stripeSubscriptionObject struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	TrialEnd           int64  `json:"trial_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// stripeInvoiceObject is the subset of an invoice payload the engine reads.
// The subscription id moved under parent in newer API versions, both are read.
type stripeInvoiceObject struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	PaymentIntent string `json:"payment_intent"`
	AmountPaid    int64  `json:"amount_paid"`
	Currency      string `json:"currency"`
	Created       int64  `json:"created"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

func (o *stripeInvoiceObject) subscriptionID() string {
	if id := strings.TrimSpace(o.Parent.SubscriptionDetails.Subscription); id != "" {
		return id
	}
	return strings.TrimSpace(o.Subscription)
}

func (g *StripeGateway) ParseEvent(payload []byte) (*Event, error) {
	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: stripe event without data object", ErrMalformedEvent)
	}

	evt := &Event{
		Gateway:    models.GatewayStripe,
		ID:         raw.ID,
		Type:       string(raw.Type),
		OccurredAt: unixTime(raw.Created),
	}

	switch raw.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted",
		"customer.subscription.resumed", "customer.subscription.paused":
		var sub stripeSubscriptionObject
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
		}
		status, ok := MapStripeStatus(sub.Status)
		if !ok {
			return evt, fmt.Errorf("%w: stripe subscription status %q", ErrUnknownEvent, sub.Status)
		}
		evt.SubscriptionID = sub.ID
		evt.Status = status
		evt.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		evt.TrialEnd = optionalUnix(sub.TrialEnd)
		evt.PeriodStart, evt.PeriodEnd, evt.PlanRef = stripeObjectPeriod(&sub)
		if raw.Type == "customer.subscription.deleted" {
			evt.Status = models.BillingStatusCancelled
		}
		evt.Kind = kindForStatus(evt.Status)

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripeInvoiceObject
		if err := json.Unmarshal(raw.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", ErrMalformedEvent, err)
		}
		evt.SubscriptionID = inv.subscriptionID()
		if len(inv.Lines.Data) > 0 {
			evt.PeriodStart = optionalUnix(inv.Lines.Data[0].Period.Start)
			evt.PeriodEnd = optionalUnix(inv.Lines.Data[0].Period.End)
		}
		if raw.Type == "invoice.payment_failed" {
			evt.Kind = EventPaymentFailed
			evt.Status = models.BillingStatusPastDue
			break
		}
		paymentID := strings.TrimSpace(inv.PaymentIntent)
		if paymentID == "" {
			paymentID = inv.ID
		}
		paidAt := inv.StatusTransitions.PaidAt
		if paidAt == 0 {
			paidAt = raw.Created
		}
		evt.Kind = EventSubscriptionCharged
		evt.Status = models.BillingStatusActive
		evt.Payment = &Payment{
			ID:          paymentID,
			AmountMinor: inv.AmountPaid,
			Currency:    strings.ToUpper(inv.Currency),
			PaidAt:      unixTime(paidAt),
		}

	default:
		return evt, fmt.Errorf("%w: %s", ErrUnknownEvent, raw.Type)
	}

	if evt.SubscriptionID == "" {
		return evt, fmt.Errorf("%w: %s has no subscription id", ErrUnknownEvent, raw.Type)
	}
	return evt, nil
}

func stripeObjectPeriod(sub *stripeSubscriptionObject) (start, end *time.Time, planRef string) {
	start, end = optionalUnix(sub.CurrentPeriodStart), optionalUnix(sub.CurrentPeriodEnd)
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.CurrentPeriodStart > 0 {
			start = optionalUnix(item.CurrentPeriodStart)
		}
		if item.CurrentPeriodEnd > 0 {
			end = optionalUnix(item.CurrentPeriodEnd)
		}
		planRef = item.Price.ID
	}
	return start, end, planRef
}

func stripeSubscription(sub *stripe.Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	native := string(sub.Status)
	status, ok := MapStripeStatus(native)
	if !ok {
		status = models.BillingStatusIncomplete
	}
	out := &Subscription{
		Gateway:        models.GatewayStripe,
		ID:             sub.ID,
		Status:         status,
		NativeStatus:   native,
		Entitled:       stripeStatusEntitles(native),
		TrialEnd:       optionalUnix(sub.TrialEnd),
		CancelAtPeriod: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		out.PeriodStart = optionalUnix(item.CurrentPeriodStart)
		out.PeriodEnd = optionalUnix(item.CurrentPeriodEnd)
		if item.Price != nil {
			out.PlanRef = item.Price.ID
		}
	}
	return out
}

func isStripeNotFound(err error) bool {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.Code == stripe.ErrorCodeResourceMissing || serr.HTTPStatusCode == http.StatusNotFound
	}
	return false
}

func isRetryableStripeError(err error) bool {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return true
}

func kindForStatus(status models.BillingStatus) EventKind {
	switch status {
	case models.BillingStatusActive, models.BillingStatusTrialing:
		return EventSubscriptionActivated
	case models.BillingStatusPastDue:
		return EventPaymentFailed
	case models.BillingStatusCancelled:
		return EventSubscriptionCancelled
	default:
		return EventSubscriptionCreated
	}
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func optionalUnix(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
