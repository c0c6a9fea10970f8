package controllers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ListingPilot/internal/pkg/jobqueue"
	"github.com/ManuelReschke/ListingPilot/internal/pkg/statistics"
)

// SweepRunner is the queue side of the admin billing operations.
type SweepRunner interface {
	RunSweepOnce(ctx context.Context) (int, error)
	GetQueue() *jobqueue.Queue
}

// PlanStatistics reports the user distribution across plans.
type PlanStatistics interface {
	GetPlanStatistics(ctx context.Context) (*statistics.PlanStatistics, error)
}

// AdminBillingController exposes the safety-net and downgrade flow to operators.
type AdminBillingController struct {
	svc   BillingService
	sweep SweepRunner
	stats PlanStatistics
}

func NewAdminBillingController(svc BillingService, sweep SweepRunner, stats PlanStatistics) *AdminBillingController {
	return &AdminBillingController{svc: svc, sweep: sweep, stats: stats}
}

func parseUserID(c *fiber.Ctx) (uint, bool) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func badUserID(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid user id"})
}

// HandleVerify runs the downgrade safety-net for one user. It never mutates state.
func (ac *AdminBillingController) HandleVerify(c *fiber.Ctx) error {
	userID, ok := parseUserID(c)
	if !ok {
		return badUserID(c)
	}
	v, err := ac.svc.VerifyBeforeDowngrade(c.UserContext(), userID)
	resp := fiber.Map{"verification": v}
	if err != nil {
		resp["error"] = err.Error()
	}
	return c.JSON(resp)
}

// HandleSync repairs the billing record and user plan from the owning gateway.
func (ac *AdminBillingController) HandleSync(c *fiber.Ctx) error {
	userID, ok := parseUserID(c)
	if !ok {
		return badUserID(c)
	}
	rec, err := ac.svc.SyncSubscriptionFromGateway(c.UserContext(), userID)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "record": rec})
}

// HandleDowngrade runs the guarded downgrade for one user synchronously.
func (ac *AdminBillingController) HandleDowngrade(c *fiber.Ctx) error {
	userID, ok := parseUserID(c)
	if !ok {
		return badUserID(c)
	}
	res, err := ac.svc.DowngradeUser(c.UserContext(), userID)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(res)
}

// HandleSweep enqueues downgrade checks for every candidate now.
func (ac *AdminBillingController) HandleSweep(c *fiber.Ctx) error {
	n, err := ac.sweep.RunSweepOnce(c.UserContext())
	if err != nil {
		return billingError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ok": true, "enqueued": n})
}

// HandleQueueStats reports the downgrade queue state.
func (ac *AdminBillingController) HandleQueueStats(c *fiber.Ctx) error {
	q := ac.sweep.GetQueue()
	ctx := c.UserContext()

	stats, err := q.GetJobStats(ctx)
	if err != nil {
		return billingError(c, err)
	}
	pending, err := q.GetQueueSize(ctx)
	if err != nil {
		return billingError(c, err)
	}
	processing, err := q.GetProcessingSize(ctx)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{"pending": pending, "processing": processing, "totals": stats})
}

// HandlePlanStatistics reports how many users sit on each plan.
func (ac *AdminBillingController) HandlePlanStatistics(c *fiber.Ctx) error {
	stats, err := ac.stats.GetPlanStatistics(c.UserContext())
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(stats)
}
