package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/retry"
)

const (
	defaultRazorpayAPIBaseURL = "https://api.razorpay.com/v1"
	razorpaySignatureHeader   = "X-Razorpay-Signature"
	// RazorpayEventIDHeader carries the delivery id; it is not part of the body.
	RazorpayEventIDHeader = "X-Razorpay-Event-Id"
	razorpayTotalCount    = 120
)

// RazorpayCredentials returns the key pair used for API basic auth.
type RazorpayCredentials func() (keyID, keySecret string)

// RazorpayGateway is the UPI gateway client.
type RazorpayGateway struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	APIBaseURL    string

	HTTPClient *http.Client

	credentials RazorpayCredentials
	policy      retry.Policy
	mu          sync.RWMutex
}

// razorpayAPIError is returned for non-2xx responses.
type razorpayAPIError struct {
	StatusCode  int
	Code        string
	Description string
	Body        string
}

func (e *razorpayAPIError) Error() string {
	return fmt.Sprintf("razorpay request failed: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// NewRazorpayGateway returns nil when the key pair is incomplete. credentials
// is consulted again after a 401 so rotated keys are picked up without a restart.
func NewRazorpayGateway(keyID, keySecret, webhookSecret, apiBaseURL string, credentials RazorpayCredentials) *RazorpayGateway {
	keyID, keySecret = strings.TrimSpace(keyID), strings.TrimSpace(keySecret)
	if keyID == "" || keySecret == "" {
		return nil
	}
	if strings.TrimSpace(apiBaseURL) == "" {
		apiBaseURL = defaultRazorpayAPIBaseURL
	}
	g := &RazorpayGateway{
		KeyID:         keyID,
		KeySecret:     keySecret,
		WebhookSecret: strings.TrimSpace(webhookSecret),
		APIBaseURL:    strings.TrimRight(strings.TrimSpace(apiBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		credentials: credentials,
	}

	g.policy = retry.Default("razorpay")
	g.policy.Retryable = isRetryableRazorpayError
	g.policy.NeedsRefresh = isRazorpayUnauthorized
	g.policy.Refresh = g.refreshCredentials
	return g
}

func (g *RazorpayGateway) Name() models.Gateway { return models.GatewayRazorpay }

func (g *RazorpayGateway) SignatureHeader() string { return razorpaySignatureHeader }

func (g *RazorpayGateway) HasWebhookSecret() bool { return g.WebhookSecret != "" }

func (g *RazorpayGateway) refreshCredentials(ctx context.Context) error {
	if g.credentials == nil {
		return errors.New("razorpay credentials cannot be refreshed")
	}
	keyID, secret := g.credentials()
	keyID, secret = strings.TrimSpace(keyID), strings.TrimSpace(secret)
	if keyID == "" || secret == "" {
		return errors.New("razorpay credentials missing")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if keyID == g.KeyID && secret == g.KeySecret {
		return errors.New("razorpay credentials unchanged")
	}
	g.KeyID, g.KeySecret = keyID, secret
	return nil
}

type razorpaySubscriptionEntity struct {
	ID           string            `json:"id"`
	PlanID       string            `json:"plan_id"`
	CustomerID   string            `json:"customer_id"`
	Status       string            `json:"status"`
	CurrentStart int64             `json:"current_start"`
	CurrentEnd   int64             `json:"current_end"`
	StartAt      int64             `json:"start_at"`
	ChargeAt     int64             `json:"charge_at"`
	ShortURL     string            `json:"short_url"`
	Notes        map[string]string `json:"notes"`
}

type razorpayPaymentEntity struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	InvoiceID      string            `json:"invoice_id"`
	SubscriptionID string            `json:"subscription_id"`
	CreatedAt      int64             `json:"created_at"`
	Notes          map[string]string `json:"notes"`
}

func (g *RazorpayGateway) CreateCustomer(ctx context.Context, in CustomerInput) (string, error) {
	body := map[string]any{
		"name":          in.Name,
		"email":         in.Email,
		"fail_existing": "0",
		"notes": map[string]string{
			"user_id": strconv.FormatUint(uint64(in.UserID), 10),
		},
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := g.do(ctx, http.MethodPost, "/customers", body, &out); err != nil {
		return "", fmt.Errorf("razorpay create customer: %w", err)
	}
	return out.ID, nil
}

func (g *RazorpayGateway) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*Subscription, error) {
	body := map[string]any{
		"plan_id":         in.PlanRef,
		"total_count":     razorpayTotalCount,
		"customer_notify": 1,
		"notes": map[string]string{
			"user_id":   strconv.FormatUint(uint64(in.UserID), 10),
			"reference": in.Reference,
		},
	}
	if in.CustomerRef != "" {
		body["customer_id"] = in.CustomerRef
	}
	// Razorpay has no trial flag; delaying the first charge gives the same effect.
	if in.TrialDays > 0 {
		body["start_at"] = time.Now().AddDate(0, 0, in.TrialDays).Unix()
	}

	var out razorpaySubscriptionEntity
	if err := g.do(ctx, http.MethodPost, "/subscriptions", body, &out); err != nil {
		return nil, fmt.Errorf("razorpay create subscription: %w", err)
	}
	return razorpaySubscription(&out), nil
}

func (g *RazorpayGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var out razorpaySubscriptionEntity
	if err := g.do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(subscriptionID), nil, &out); err != nil {
		if isRazorpayNotFound(err) {
			return nil, fmt.Errorf("%w: razorpay %s", ErrSubscriptionNotFound, subscriptionID)
		}
		return nil, fmt.Errorf("razorpay fetch subscription %s: %w", subscriptionID, err)
	}
	return razorpaySubscription(&out), nil
}

func (g *RazorpayGateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error) {
	atCycleEnd := 0
	if atPeriodEnd {
		atCycleEnd = 1
	}
	var out razorpaySubscriptionEntity
	path := "/subscriptions/" + url.PathEscape(subscriptionID) + "/cancel"
	if err := g.do(ctx, http.MethodPost, path, map[string]any{"cancel_at_cycle_end": atCycleEnd}, &out); err != nil {
		if isRazorpayNotFound(err) {
			return nil, fmt.Errorf("%w: razorpay %s", ErrSubscriptionNotFound, subscriptionID)
		}
		return nil, fmt.Errorf("razorpay cancel subscription %s: %w", subscriptionID, err)
	}
	return razorpaySubscription(&out), nil
}

func (g *RazorpayGateway) VerifySignature(payload []byte, signature string) error {
	if g.WebhookSecret == "" {
		return ErrWebhookSecretMissing
	}
	if strings.TrimSpace(signature) == "" {
		return ErrMissingSignature
	}
	if !VerifyRazorpayWebhookSignature(payload, signature, g.WebhookSecret) {
		return ErrInvalidSignature
	}
	return nil
}

func (g *RazorpayGateway) ParseEvent(payload []byte) (*Event, error) {
	var raw struct {
		Event     string `json:"event"`
		CreatedAt int64  `json:"created_at"`
		Payload   struct {
			Subscription *struct {
				Entity razorpaySubscriptionEntity `json:"entity"`
			} `json:"subscription"`
			Payment *struct {
				Entity razorpayPaymentEntity `json:"entity"`
			} `json:"payment"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(raw.Event) == "" {
		return nil, fmt.Errorf("%w: razorpay event name missing", ErrMalformedEvent)
	}

	evt := &Event{
		Gateway:    models.GatewayRazorpay,
		Type:       raw.Event,
		OccurredAt: unixTime(raw.CreatedAt),
	}

	var payment *razorpayPaymentEntity
	if raw.Payload.Payment != nil {
		payment = &raw.Payload.Payment.Entity
		evt.SubscriptionID = strings.TrimSpace(payment.SubscriptionID)
		if evt.SubscriptionID == "" {
			evt.SubscriptionID = strings.TrimSpace(payment.Notes["subscription_id"])
		}
	}
	if raw.Payload.Subscription != nil {
		sub := raw.Payload.Subscription.Entity
		evt.SubscriptionID = sub.ID
		evt.PlanRef = sub.PlanID
		evt.PeriodStart = optionalUnix(sub.CurrentStart)
		evt.PeriodEnd = optionalUnix(sub.CurrentEnd)
		if status, ok := MapRazorpayStatus(sub.Status); ok {
			evt.Status = status
		}
		if strings.EqualFold(sub.Status, "authenticated") && sub.StartAt > time.Now().Unix() {
			evt.TrialEnd = optionalUnix(sub.StartAt)
		}
	}

	switch raw.Event {
	case "subscription.authenticated":
		evt.Kind = EventSubscriptionCreated
		evt.Status = models.BillingStatusIncomplete
	case "subscription.activated", "subscription.resumed":
		evt.Kind = EventSubscriptionActivated
		if evt.Status == "" {
			evt.Status = models.BillingStatusActive
		}
	case "subscription.charged":
		evt.Kind = EventSubscriptionCharged
		evt.Status = models.BillingStatusActive
	case "subscription.pending", "subscription.halted", "payment.failed":
		evt.Kind = EventPaymentFailed
		evt.Status = models.BillingStatusPastDue
	case "subscription.cancelled", "subscription.completed":
		evt.Kind = EventSubscriptionCancelled
		evt.Status = models.BillingStatusCancelled
	case "payment.captured":
		evt.Kind = EventPaymentCaptured
	default:
		return evt, fmt.Errorf("%w: %s", ErrUnknownEvent, raw.Event)
	}

	if payment != nil && (evt.Kind == EventSubscriptionCharged || evt.Kind == EventPaymentCaptured) {
		evt.Payment = &Payment{
			ID:          payment.ID,
			AmountMinor: payment.Amount,
			Currency:    strings.ToUpper(payment.Currency),
			PaidAt:      unixTime(payment.CreatedAt),
		}
		if evt.Payment.PaidAt.IsZero() {
			evt.Payment.PaidAt = evt.OccurredAt
		}
	}
	if evt.Kind == EventSubscriptionCharged && evt.Payment == nil {
		return evt, fmt.Errorf("%w: subscription.charged without payment entity", ErrMalformedEvent)
	}
	if evt.SubscriptionID == "" {
		return evt, fmt.Errorf("%w: %s has no subscription id", ErrUnknownEvent, raw.Event)
	}
	return evt, nil
}

func (g *RazorpayGateway) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = b
	}

	return g.policy.Do(ctx, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.APIBaseURL+path, body)
		if err != nil {
			return err
		}
		g.mu.RLock()
		req.SetBasicAuth(g.KeyID, g.KeySecret)
		g.mu.RUnlock()
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &razorpayAPIError{StatusCode: resp.StatusCode, Body: string(respBody)}
			var envelope struct {
				Error struct {
					Code        string `json:"code"`
					Description string `json:"description"`
				} `json:"error"`
			}
			if json.Unmarshal(respBody, &envelope) == nil {
				apiErr.Code = envelope.Error.Code
				apiErr.Description = envelope.Error.Description
			}
			return apiErr
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(respBody, out)
	})
}

func razorpaySubscription(e *razorpaySubscriptionEntity) *Subscription {
	status, ok := MapRazorpayStatus(e.Status)
	if !ok {
		status = models.BillingStatusIncomplete
	}
	out := &Subscription{
		Gateway:      models.GatewayRazorpay,
		ID:           e.ID,
		CustomerRef:  e.CustomerID,
		PlanRef:      e.PlanID,
		Status:       status,
		NativeStatus: e.Status,
		Entitled:     razorpayStatusEntitles(e.Status),
		PeriodStart:  optionalUnix(e.CurrentStart),
		PeriodEnd:    optionalUnix(e.CurrentEnd),
		CheckoutURL:  e.ShortURL,
	}
	if strings.EqualFold(e.Status, "authenticated") && e.StartAt > time.Now().Unix() {
		out.TrialEnd = optionalUnix(e.StartAt)
	}
	return out
}

func isRazorpayNotFound(err error) bool {
	var apiErr *razorpayAPIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusNotFound {
		return true
	}
	return apiErr.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Description), "does not exist")
}

func isRazorpayUnauthorized(err error) bool {
	var apiErr *razorpayAPIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

func isRetryableRazorpayError(err error) bool {
	var apiErr *razorpayAPIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}
