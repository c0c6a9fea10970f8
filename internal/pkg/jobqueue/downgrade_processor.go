package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ListingPilot/internal/pkg/billing"
)

// Sweeper is the part of the billing service the queue drives.
type Sweeper interface {
	DowngradeCandidates(ctx context.Context) ([]uint, error)
	DowngradeUser(ctx context.Context, userID uint) (*billing.DowngradeResult, error)
}

// DowngradeCheckHandler runs one downgrade check. Lock contention defers the
// job instead of failing it.
func DowngradeCheckHandler(s Sweeper) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := DowngradeCheckJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid downgrade payload: %w", err)
		}
		if payload.UserID == 0 {
			return errors.New("downgrade payload without user id")
		}

		res, err := s.DowngradeUser(ctx, payload.UserID)
		switch {
		case errors.Is(err, billing.ErrLockBusy):
			return fmt.Errorf("%w: user %d is locked", ErrRequeue, payload.UserID)
		case errors.Is(err, billing.ErrUserNotFound):
			log.Infof("[JobQueue] Downgrade check for deleted user %d dropped", payload.UserID)
			return nil
		case err != nil:
			return err
		}
		log.Debugf("[JobQueue] Downgrade check user %d: %s (%s)", payload.UserID, res.Outcome, res.Reason)
		return nil
	}
}
