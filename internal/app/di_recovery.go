package app

import (
	"sync"

	"github.com/allisson/effectd/internal/recovery"
)

type recoveryComponents struct {
	scheduler     *recovery.Scheduler
	schedulerInit sync.Once
}

// Scheduler returns the recovery scheduler with every sweep registered.
func (c *Container) Scheduler() (*recovery.Scheduler, error) {
	return lazy(c, &c.recovery.schedulerInit, "scheduler", &c.recovery.scheduler, func() (*recovery.Scheduler, error) {
		outbox, err := c.OutboxUseCase()
		if err != nil {
			return nil, err
		}
		tasks, err := c.TaskUseCase()
		if err != nil {
			return nil, err
		}
		sessions, err := c.SessionUseCase()
		if err != nil {
			return nil, err
		}
		businessMetrics, err := c.BusinessMetrics()
		if err != nil {
			return nil, err
		}

		logger := c.Logger()
		scheduler := recovery.NewScheduler(logger, businessMetrics)
		sweeps := recovery.NewSweeps(outbox, tasks, sessions, logger)
		if err := sweeps.Register(scheduler, c.config, businessMetrics); err != nil {
			return nil, err
		}
		return scheduler, nil
	})
}
