package jobqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
)

const defaultSweepSchedule = "@every 1h"

// Manager owns the job queue and the cron schedule that feeds it
type Manager struct {
	queue    *Queue
	cron     *cron.Cron
	sweeper  Sweeper
	schedule string

	mu      sync.Mutex
	running bool
}

// NewManager wires the downgrade handler onto queue and validates schedule,
// a standard cron expression or descriptor such as "@every 1h".
func NewManager(queue *Queue, sweeper Sweeper, schedule string) (*Manager, error) {
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	m := &Manager{
		queue:    queue,
		sweeper:  sweeper,
		schedule: schedule,
	}
	queue.Handle(JobTypeDowngradeCheck, DowngradeCheckHandler(sweeper))
	return m, nil
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the workers and the sweep schedule
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(m.schedule, m.scheduledSweep); err != nil {
		return fmt.Errorf("schedule downgrade sweep: %w", err)
	}

	m.queue.Start()
	m.cron.Start()
	m.running = true
	log.Infof("[JobQueue Manager] Started, downgrade sweep %s", m.schedule)
	return nil
}

// Stop waits for a running sweep, then stops the workers
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping...")
	<-m.cron.Stop().Done()
	m.queue.Stop()
	m.running = false
	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) scheduledSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if _, err := m.RunSweepOnce(ctx); err != nil {
		log.Errorf("[JobQueue Manager] Downgrade sweep failed: %v", err)
	}
}

// RunSweepOnce enqueues one downgrade check per candidate and returns how
// many were enqueued. Users with a check already queued are skipped.
func (m *Manager) RunSweepOnce(ctx context.Context) (int, error) {
	ids, err := m.sweeper.DowngradeCandidates(ctx)
	if err != nil && len(ids) == 0 {
		return 0, err
	}

	enqueued := 0
	for _, id := range ids {
		_, ok, qerr := m.EnqueueDowngradeCheck(ctx, id, "sweep")
		if qerr != nil {
			return enqueued, qerr
		}
		if ok {
			enqueued++
		}
	}
	log.Infof("[JobQueue Manager] Downgrade sweep found %d candidates, enqueued %d", len(ids), enqueued)
	return enqueued, err
}

// EnqueueDowngradeCheck queues a check for one user.
func (m *Manager) EnqueueDowngradeCheck(ctx context.Context, userID uint, source string) (*Job, bool, error) {
	payload := DowngradeCheckJobPayload{UserID: userID, Source: source}
	key := string(JobTypeDowngradeCheck) + ":" + strconv.FormatUint(uint64(userID), 10)
	return m.queue.EnqueueUnique(ctx, JobTypeDowngradeCheck, key, payload.ToMap())
}
