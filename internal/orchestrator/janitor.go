package orchestrator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// startJanitor schedules periodic purging of terminal task history past the
// configured retention window. The schedule accepts cron expressions and
// descriptors like "@hourly".
func (o *Orchestrator) startJanitor(ctx context.Context) {
	retention := o.cfg.Scheduler.HistoryRetention
	if retention <= 0 {
		o.logger.Info("Task history retention disabled, janitor not started")
		return
	}

	c := cron.New()
	_, err := c.AddFunc(o.cfg.Scheduler.JanitorSchedule, func() {
		cutoff := time.Now().UTC().Add(-retention)
		purged, err := o.store.DeleteTerminalBefore(ctx, cutoff)
		if err != nil {
			o.logger.Error("Failed to purge terminal task history", zap.Error(err))
			return
		}
		if purged > 0 {
			o.logger.Info("Purged terminal task history",
				zap.Int("count", purged),
				zap.Time("cutoff", cutoff),
			)
		}
	})
	if err != nil {
		o.logger.Error("Invalid janitor schedule, history purging disabled",
			zap.String("schedule", o.cfg.Scheduler.JanitorSchedule),
			zap.Error(err),
		)
		return
	}

	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	o.logger.Info("History janitor started",
		zap.String("schedule", o.cfg.Scheduler.JanitorSchedule),
		zap.Duration("retention", retention),
	)
}
