package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"gorm.io/gorm"
)

// memRepository is an in-memory Repository. Reads return copies so tests
// observe only what was written back.
type memRepository struct {
	mu       sync.Mutex
	users    map[uint]models.User
	records  map[uint]models.BillingRecord
	payments map[string]models.BillingPayment
	accounts map[string]models.BillingAccount
	mappings []models.BillingPlanMapping
	events   map[string]*models.BillingWebhookEvent
	nextID   uint

	getRecordErr  error
	upsertErr     error
	saveUserCalls int
}

func newMemRepository() *memRepository {
	return &memRepository{
		users:    map[uint]models.User{},
		records:  map[uint]models.BillingRecord{},
		payments: map[string]models.BillingPayment{},
		accounts: map[string]models.BillingAccount{},
		events:   map[string]*models.BillingWebhookEvent{},
		nextID:   100,
	}
}

func (r *memRepository) id() uint {
	r.nextID++
	return r.nextID
}

func (r *memRepository) addUser(u models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

// putRecord stores rec without validation, to seed invalid states.
func (r *memRepository) putRecord(rec models.BillingRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID == 0 {
		rec.ID = r.id()
	}
	r.records[rec.UserID] = rec
}

func (r *memRepository) user(id uint) models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[id]
}

func (r *memRepository) record(userID uint) models.BillingRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[userID]
}

func (r *memRepository) GetUser(_ context.Context, userID uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *memRepository) SaveUserBilling(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveUserCalls++
	r.users[user.ID] = *user
	return nil
}

func (r *memRepository) ListDowngradeCandidates(_ context.Context, afterID uint, limit int) ([]models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.User
	for id := afterID + 1; id <= afterID+1000 && len(out) < limit; id++ {
		if u, ok := r.users[id]; ok && u.PackageType != models.PackageLite {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *memRepository) GetRecordByUserID(_ context.Context, userID uint) (*models.BillingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getRecordErr != nil {
		return nil, r.getRecordErr
	}
	rec, ok := r.records[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &rec, nil
}

func (r *memRepository) GetRecordBySubscriptionID(_ context.Context, gateway models.Gateway, subscriptionID string) (*models.BillingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		var id *string
		if gateway == models.GatewayStripe {
			id = rec.StripeSubscriptionID
		} else {
			id = rec.RazorpaySubscriptionID
		}
		if id != nil && *id == subscriptionID {
			out := rec
			return &out, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (r *memRepository) UpsertRecord(_ context.Context, record *models.BillingRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	if existing, ok := r.records[record.UserID]; ok {
		record.ID = existing.ID
	} else if record.ID == 0 {
		record.ID = r.id()
	}
	r.records[record.UserID] = *record
	return nil
}

func (r *memRepository) AppendPayment(_ context.Context, payment *models.BillingPayment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(payment.Gateway) + "|" + payment.PaymentID
	if _, ok := r.payments[key]; ok {
		return false, nil
	}
	payment.ID = r.id()
	r.payments[key] = *payment
	return true, nil
}

func (r *memRepository) CountPayments(_ context.Context, recordID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, p := range r.payments {
		if p.BillingRecordID == recordID {
			n++
		}
	}
	return n, nil
}

func (r *memRepository) FindActivePlanMapping(_ context.Context, gateway models.Gateway, plan models.PackageType) (*models.BillingPlanMapping, error) {
	for _, m := range r.mappings {
		if m.Gateway == gateway && m.PlanType == plan && m.IsActive {
			out := m
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepository) FindPlanByRef(_ context.Context, gateway models.Gateway, planRef string) (*models.BillingPlanMapping, error) {
	for _, m := range r.mappings {
		if m.Gateway == gateway && m.GatewayPlanRef == planRef && m.IsActive {
			out := m
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepository) GetBillingAccount(_ context.Context, userID uint, gateway models.Gateway) (*models.BillingAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountKey(userID, gateway)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &a, nil
}

func (r *memRepository) UpsertBillingAccount(_ context.Context, account *models.BillingAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if account.ID == 0 {
		account.ID = r.id()
	}
	r.accounts[accountKey(account.UserID, account.Gateway)] = *account
	return nil
}

func accountKey(userID uint, gateway models.Gateway) string {
	b, _ := json.Marshal([]any{userID, gateway})
	return string(b)
}

func (r *memRepository) CreateWebhookEventIfNotExists(_ context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(event.Gateway) + "|" + event.GatewayEventID
	if stored, ok := r.events[key]; ok {
		out := *stored
		return false, &out, nil
	}
	event.ID = r.id()
	stored := *event
	r.events[key] = &stored
	out := stored
	return true, &out, nil
}

func (r *memRepository) MarkWebhookProcessed(_ context.Context, id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
		}
	}
	return nil
}

func (r *memRepository) Transaction(_ context.Context, fn func(repo Repository) error) error {
	return fn(r)
}

// fakeGateway is a Gateway whose webhook payloads are JSON-encoded Events
// signed with SignRazorpayPayload.
type fakeGateway struct {
	mu      sync.Mutex
	name    models.Gateway
	secret  string
	subs    map[string]*Subscription
	nextSub int

	// createStatus overrides the status of subscriptions created at checkout.
	createStatus   models.BillingStatus
	createTrialEnd *time.Time

	fetchErr    error
	fetchDelay  time.Duration
	fetchCalls  int
	cancelCalls []string
	customers   int
}

func newFakeGateway(name models.Gateway) *fakeGateway {
	return &fakeGateway{name: name, secret: "whsec_test", subs: map[string]*Subscription{}}
}

func (g *fakeGateway) setSub(sub *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub.Gateway = g.name
	g.subs[sub.ID] = sub
}

func (g *fakeGateway) Name() models.Gateway { return g.name }

func (g *fakeGateway) CreateCustomer(_ context.Context, in CustomerInput) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customers++
	return "cus_" + in.Email, nil
}

func (g *fakeGateway) CreateSubscription(_ context.Context, in CreateSubscriptionInput) (*Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextSub++
	sub := &Subscription{
		Gateway:      g.name,
		ID:           fmt.Sprintf("%s_sub_%d", g.name, g.nextSub),
		CustomerRef:  in.CustomerRef,
		PlanRef:      in.PlanRef,
		Status:       models.BillingStatusIncomplete,
		NativeStatus: "created",
		CheckoutURL:  "https://pay.example/" + in.Reference,
	}
	if g.createStatus != "" {
		sub.Status = g.createStatus
		sub.NativeStatus = string(g.createStatus)
		sub.Entitled = g.createStatus == models.BillingStatusActive || g.createStatus == models.BillingStatusTrialing
		sub.TrialEnd = g.createTrialEnd
	}
	g.subs[sub.ID] = sub
	return sub, nil
}

func (g *fakeGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	g.mu.Lock()
	g.fetchCalls++
	delay, fetchErr := g.fetchDelay, g.fetchErr
	sub, ok := g.subs[subscriptionID]
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	out := *sub
	return &out, nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls = append(g.cancelCalls, subscriptionID)
	sub, ok := g.subs[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	sub.CancelAtPeriod = atPeriodEnd
	out := *sub
	return &out, nil
}

func (g *fakeGateway) SignatureHeader() string { return "X-Test-Signature" }

func (g *fakeGateway) HasWebhookSecret() bool { return g.secret != "" }

func (g *fakeGateway) VerifySignature(payload []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if !VerifyRazorpayWebhookSignature(payload, signature, g.secret) {
		return ErrInvalidSignature
	}
	return nil
}

func (g *fakeGateway) ParseEvent(payload []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, ErrMalformedEvent
	}
	evt.Gateway = g.name
	if evt.Kind == "" {
		return &evt, ErrUnknownEvent
	}
	return &evt, nil
}

func (g *fakeGateway) sign(t interface{ Helper() }, evt Event) WebhookRequest {
	t.Helper()
	payload, _ := json.Marshal(evt)
	return WebhookRequest{Payload: payload, Signature: SignRazorpayPayload(payload, g.secret)}
}

func ptrTime(t time.Time) *time.Time { return &t }

func ptrString(s string) *string { return &s }
