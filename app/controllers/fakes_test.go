package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/app/repository"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/billing"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/entitlements"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/usercontext"
)

// fakeBilling implements BillingService with overridable funcs.
type fakeBilling struct {
	webhookFn   func(models.Gateway, billing.WebhookRequest) (*billing.WebhookResult, error)
	checkoutFn  func(billing.CheckoutRequest) (*billing.CheckoutResult, error)
	cancelFn    func(uint) (*models.BillingRecord, error)
	statusFn    func(uint) (entitlements.Decision, *models.BillingRecord, error)
	payments    int64
	verifyFn    func(uint) (*billing.Verification, error)
	syncFn      func(uint) (*models.BillingRecord, error)
	downgradeFn func(uint) (*billing.DowngradeResult, error)

	lastWebhook billing.WebhookRequest
}

func (f *fakeBilling) SignatureHeader(gateway models.Gateway) string {
	switch gateway {
	case models.GatewayStripe:
		return "Stripe-Signature"
	case models.GatewayRazorpay:
		return "X-Razorpay-Signature"
	}
	return ""
}

func (f *fakeBilling) HandleWebhook(_ context.Context, gateway models.Gateway, req billing.WebhookRequest) (*billing.WebhookResult, error) {
	f.lastWebhook = req
	return f.webhookFn(gateway, req)
}

func (f *fakeBilling) StartCheckout(_ context.Context, req billing.CheckoutRequest) (*billing.CheckoutResult, error) {
	return f.checkoutFn(req)
}

func (f *fakeBilling) CancelSubscription(_ context.Context, userID uint) (*models.BillingRecord, error) {
	return f.cancelFn(userID)
}

func (f *fakeBilling) Status(_ context.Context, userID uint) (entitlements.Decision, *models.BillingRecord, error) {
	return f.statusFn(userID)
}

func (f *fakeBilling) PaymentCount(context.Context, uint) (int64, error) {
	return f.payments, nil
}

func (f *fakeBilling) VerifyBeforeDowngrade(_ context.Context, userID uint) (*billing.Verification, error) {
	return f.verifyFn(userID)
}

func (f *fakeBilling) SyncSubscriptionFromGateway(_ context.Context, userID uint) (*models.BillingRecord, error) {
	return f.syncFn(userID)
}

func (f *fakeBilling) DowngradeUser(_ context.Context, userID uint) (*billing.DowngradeResult, error) {
	return f.downgradeFn(userID)
}

type stubUsers struct {
	repository.UserRepository
	users   map[uint]*models.User
	updated *models.User
}

func (s *stubUsers) GetByID(id uint) (*models.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubUsers) UpdateAPIKey(u *models.User) error {
	s.updated = u
	return nil
}

// loggedInAs sets the user context the way APIKeyAuthMiddleware does.
func loggedInAs(userID uint, admin bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if userID != 0 {
			usercontext.SetUserContext(c, usercontext.UserContext{UserID: userID, IsLoggedIn: true, IsAdmin: admin})
		}
		return c.Next()
	}
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}
