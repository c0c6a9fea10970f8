package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ManuelReschke/ListingPilot/app/models"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/entitlements"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/retry"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	defaultVerifyTimeout = 10 * time.Second
	defaultLockTTL       = 30 * time.Second
	defaultTrialDaysMax  = 30
)

// Locker serializes the read-verify-write sequence per user across processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Config carries the tunables of the billing engine.
type Config struct {
	GracePeriodDays int
	VerifyTimeout   time.Duration
	TrialDaysMax    int
	DefaultGateway  models.Gateway
	// PlanRefs is the fallback plan/price id per gateway when no mapping row exists.
	PlanRefs   map[models.Gateway]map[models.PackageType]string
	Production bool
	LockTTL    time.Duration
}

// Service is the billing engine. Gateway clients are injected, there is no
// package-level client.
type Service struct {
	repo     Repository
	gateways Gateways
	locker   Locker
	cfg      Config
	now      func() time.Time
	validate *validator.Validate
	verifies singleflight.Group
}

type Option func(*Service)

func WithLocker(l Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, gateways Gateways, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		gateways: gateways,
		locker:   newMemoryLocker(),
		now:      time.Now,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gateways == nil {
		s.gateways = Gateways{}
	}
	if s.cfg.VerifyTimeout <= 0 {
		s.cfg.VerifyTimeout = defaultVerifyTimeout
	}
	if s.cfg.GracePeriodDays <= 0 {
		s.cfg.GracePeriodDays = entitlements.DefaultGracePeriodDays
	}
	if s.cfg.TrialDaysMax <= 0 {
		s.cfg.TrialDaysMax = defaultTrialDaysMax
	}
	if s.cfg.LockTTL <= 0 {
		s.cfg.LockTTL = defaultLockTTL
	}
	if s.cfg.DefaultGateway == "" {
		s.cfg.DefaultGateway = models.GatewayStripe
	}
	return s
}

func NewServiceFromDB(db *gorm.DB, gateways Gateways, opts ...Option) *Service {
	return NewService(NewRepository(db), gateways, opts...)
}

// Gateways exposes the configured clients, e.g. for webhook routing.
func (s *Service) Gateways() Gateways { return s.gateways }

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// AccessOptions returns evaluator options matching the service configuration.
func (s *Service) AccessOptions(extra ...entitlements.Option) entitlements.Options {
	opts := append([]entitlements.Option{
		entitlements.WithGracePeriodDays(s.cfg.GracePeriodDays),
		entitlements.WithNow(s.now()),
	}, extra...)
	return entitlements.NewOptions(opts...)
}

// LoadAccessState returns the user and billing record the evaluator needs.
// A missing record is not an error.
func (s *Service) LoadAccessState(ctx context.Context, userID uint) (*models.User, *models.BillingRecord, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.repo.GetRecordByUserID(ctx, userID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return user, nil, err
	}
	return user, rec, nil
}

// Status evaluates the user against every paid plan without enforcing.
func (s *Service) Status(ctx context.Context, userID uint) (entitlements.Decision, *models.BillingRecord, error) {
	user, rec, err := s.LoadAccessState(ctx, userID)
	if err != nil {
		return entitlements.Decision{}, nil, err
	}
	return entitlements.Decide(user, rec, entitlements.PaidPlans(), s.AccessOptions(entitlements.WithSoftBlock())), rec, nil
}

// PaymentCount returns the number of recorded payments for the user's record.
func (s *Service) PaymentCount(ctx context.Context, userID uint) (int64, error) {
	rec, err := s.repo.GetRecordByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.repo.CountPayments(ctx, rec.ID)
}

func userLockKey(userID uint) string {
	return "billing:lock:user:" + strconv.FormatUint(uint64(userID), 10)
}

// lockUser acquires the per-user lock. With wait it polls briefly; webhooks
// wait, the downgrade job gives up and is retried by the queue.
func (s *Service) lockUser(ctx context.Context, userID uint, wait bool) (func(), error) {
	var unlock func()
	attempt := func(ctx context.Context) error {
		u, ok, err := s.locker.TryLock(ctx, userLockKey(userID), s.cfg.LockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLockBusy
		}
		unlock = u
		return nil
	}
	if !wait {
		if err := attempt(ctx); err != nil {
			return nil, err
		}
		return unlock, nil
	}

	policy := retry.Policy{
		Name:        "user lock",
		MaxAttempts: 50,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(100 * time.Millisecond)
		},
		Retryable: func(err error) bool { return errors.Is(err, ErrLockBusy) },
	}
	if err := policy.Do(ctx, attempt); err != nil {
		return nil, fmt.Errorf("lock user %d: %w", userID, err)
	}
	return unlock, nil
}

// webhookEventID falls back to a body hash when the gateway sent no id.
func webhookEventID(id string, payload []byte) string {
	if id != "" {
		return id
	}
	sum := sha256.Sum256(payload)
	return "hash:" + hex.EncodeToString(sum[:])
}

// memoryLocker is the single-process fallback when no redis lock is wired.
type memoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func newMemoryLocker() *memoryLocker {
	return &memoryLocker{held: make(map[string]time.Time)}
}

func (l *memoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.held[key]; ok && time.Now().Before(exp) {
		return nil, false, nil
	}
	l.held[key] = time.Now().Add(ttl)
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

// SignatureHeader returns the header that carries the webhook signature for
// gateway, or "" when the gateway is not configured.
func (s *Service) SignatureHeader(gateway models.Gateway) string {
	gw, err := s.gateways.Get(gateway)
	if err != nil {
		return ""
	}
	return gw.SignatureHeader()
}
