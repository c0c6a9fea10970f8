// Package statistics serves the plan distribution shown on the admin
// endpoints. Results are cached in redis because the group-by queries scan
// the whole users table.
package statistics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ListingPilot/app/models"
)

const (
	CacheKeyPlanStatistics = "statistics:plans"
	CacheExpiration        = 5 * time.Minute
)

// Source is the user store the counts come from.
type Source interface {
	Count() (int64, error)
	CountByPlan() (map[models.PackageType]int64, error)
	CountBySubscriptionStatus() (map[models.SubscriptionStatus]int64, error)
}

type PlanStatistics struct {
	TotalUsers           int64                               `json:"totalUsers"`
	PaidUsers            int64                               `json:"paidUsers"`
	ByPlan               map[models.PackageType]int64        `json:"byPlan"`
	BySubscriptionStatus map[models.SubscriptionStatus]int64 `json:"bySubscriptionStatus"`
	GeneratedAt          time.Time                           `json:"generatedAt"`
	Cached               bool                                `json:"cached"`
}

type Service struct {
	source Source
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewService caches through client. A nil client disables caching.
func NewService(source Source, client *redis.Client) *Service {
	return &Service{source: source, client: client, ttl: CacheExpiration, now: time.Now}
}

// GetPlanStatistics returns the cached distribution or computes a fresh one.
// A cache failure is logged and the database answer is returned.
func (s *Service) GetPlanStatistics(ctx context.Context) (*PlanStatistics, error) {
	if s.client != nil {
		raw, err := s.client.Get(ctx, CacheKeyPlanStatistics).Bytes()
		switch {
		case err == nil:
			var stats PlanStatistics
			if jerr := json.Unmarshal(raw, &stats); jerr == nil {
				stats.Cached = true
				return &stats, nil
			}
			log.Warnf("[Cache] discarding unreadable %s entry", CacheKeyPlanStatistics)
		case !errors.Is(err, redis.Nil):
			log.Warnf("[Cache] reading %s failed: %v", CacheKeyPlanStatistics, err)
		}
	}
	return s.Refresh(ctx)
}

// Refresh recomputes the distribution and overwrites the cache entry.
func (s *Service) Refresh(ctx context.Context) (*PlanStatistics, error) {
	total, err := s.source.Count()
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	byPlan, err := s.source.CountByPlan()
	if err != nil {
		return nil, fmt.Errorf("count users by plan: %w", err)
	}
	byStatus, err := s.source.CountBySubscriptionStatus()
	if err != nil {
		return nil, fmt.Errorf("count users by subscription status: %w", err)
	}

	stats := &PlanStatistics{
		TotalUsers:           total,
		ByPlan:               byPlan,
		BySubscriptionStatus: byStatus,
		GeneratedAt:          s.now().UTC(),
	}
	for plan, n := range byPlan {
		if plan.IsPaid() {
			stats.PaidUsers += n
		}
	}

	if s.client != nil {
		raw, _ := json.Marshal(stats)
		if err := s.client.Set(ctx, CacheKeyPlanStatistics, raw, s.ttl).Err(); err != nil {
			log.Warnf("[Cache] writing %s failed: %v", CacheKeyPlanStatistics, err)
		}
	}
	return stats, nil
}
