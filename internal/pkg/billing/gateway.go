package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/ManuelReschke/ListingPilot/app/models"
)

// Gateway is the set of operations the billing engine needs from a payment gateway.
type Gateway interface {
	Name() models.Gateway
	CreateCustomer(ctx context.Context, in CustomerInput) (string, error)
	CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*Subscription, error)
	// FetchSubscription returns ErrSubscriptionNotFound when the gateway
	// positively reports that the subscription does not exist.
	FetchSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error)

	SignatureHeader() string
	HasWebhookSecret() bool
	VerifySignature(payload []byte, signature string) error
	ParseEvent(payload []byte) (*Event, error)
}

// Gateways holds the configured gateway clients. A gateway without
// credentials is simply absent.
type Gateways map[models.Gateway]Gateway

// NewGateways builds the set from the given clients, skipping nil ones.
func NewGateways(clients ...Gateway) Gateways {
	g := make(Gateways, len(clients))
	for _, c := range clients {
		if c == nil {
			continue
		}
		g[c.Name()] = c
	}
	return g
}

// Get returns the client for name or ErrGatewayNotConfigured.
func (g Gateways) Get(name models.Gateway) (Gateway, error) {
	if c, ok := g[name]; ok && c != nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrGatewayNotConfigured, name)
}

// Any reports whether at least one gateway is configured.
func (g Gateways) Any() bool {
	return len(g) > 0
}

// ParseGateway validates a gateway name from user input.
func ParseGateway(name string) (models.Gateway, bool) {
	switch models.Gateway(strings.ToLower(strings.TrimSpace(name))) {
	case models.GatewayStripe:
		return models.GatewayStripe, true
	case models.GatewayRazorpay:
		return models.GatewayRazorpay, true
	default:
		return "", false
	}
}
