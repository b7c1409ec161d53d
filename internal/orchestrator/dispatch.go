package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// dispatchLoop pulls eligible tasks from the scheduler and runs each on its
// own goroutine, bounded by the concurrency controller's current limit. The
// scheduler may further reduce the in-flight ceiling while the system is
// degraded, so both are consulted on every iteration.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Dispatch loop stopping")
			return
		default:
		}

		effective := o.sched.MaxInFlight(o.controller.CurrentLimit())
		if o.controller.Running() >= effective {
			o.idle(ctx)
			continue
		}
		if !o.controller.Acquire() {
			o.idle(ctx)
			continue
		}

		task := o.sched.Dequeue(ctx)
		if task == nil {
			o.controller.Release()
			o.idle(ctx)
			continue
		}

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer func() {
				o.controller.Release()
				// A freed slot may unblock the next candidate.
				o.notify()
			}()
			result := o.runner.Run(ctx, task)
			if result.Err != nil {
				o.logger.Debug("Task run ended with error",
					zap.String("task_id", task.ID),
					zap.Error(result.Err),
				)
			}
		}()
	}
}

// idle blocks until new work arrives, a slot frees up, or the idle-sleep
// interval elapses. The timer bound keeps aging-based reordering and
// backoff re-entries from waiting on an explicit wake.
func (o *Orchestrator) idle(ctx context.Context) {
	timer := time.NewTimer(o.cfg.Scheduler.DispatchIdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-o.wake:
	case <-timer.C:
	}
}
