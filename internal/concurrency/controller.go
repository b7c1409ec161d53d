package concurrency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/config"
	"github.com/lumina-media/indexer-backend/internal/models"
)

// SnapshotSource provides the latest resource snapshot for dynamic
// adjustment. The resource.Monitor satisfies it.
type SnapshotSource interface {
	Latest() (models.ResourceSnapshot, bool)
}

// Controller maintains the number of tasks allowed to run simultaneously.
//
// In static mode the limit is fixed at startup. In dynamic mode a target
// limit is recomputed every adjustment interval from the latest resource
// snapshot, and the actual limit walks toward the target by at most one
// step per interval so the pool never oscillates.
type Controller struct {
	cfg      config.ResourceConfig
	logger   *zap.Logger
	resource SnapshotSource

	mu           sync.Mutex
	mode         models.ConcurrencyMode
	currentLimit int
	targetLimit  int
	running      int
	lastAdjusted time.Time
}

// NewController creates a controller in the configured mode. resource may
// be nil in static mode.
func NewController(cfg config.ResourceConfig, resource SnapshotSource, logger *zap.Logger) *Controller {
	mode := models.ConcurrencyMode(cfg.ConcurrencyMode)
	if mode != models.ConcurrencyDynamic {
		mode = models.ConcurrencyStatic
	}
	limit := cfg.StaticLimit
	if limit < 1 {
		limit = 1
	}
	return &Controller{
		cfg:          cfg,
		logger:       logger,
		resource:     resource,
		mode:         mode,
		currentLimit: limit,
		targetLimit:  limit,
	}
}

// Start runs the adjustment loop in dynamic mode. A no-op in static mode.
func (c *Controller) Start(ctx context.Context) {
	if c.mode != models.ConcurrencyDynamic {
		c.logger.Info("Concurrency controller in static mode", zap.Int("limit", c.currentLimit))
		return
	}
	ticker := time.NewTicker(c.cfg.AdjustInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("Concurrency controller stopping")
				return
			case <-ticker.C:
				c.Adjust()
			}
		}
	}()
	c.logger.Info("Concurrency controller started in dynamic mode",
		zap.Int("initial_limit", c.currentLimit),
		zap.Int("min", c.cfg.MinLimit),
		zap.Int("max", c.cfg.MaxLimit),
		zap.Duration("interval", c.cfg.AdjustInterval),
	)
}

// Adjust recomputes the target from the latest resource snapshot and moves
// the current limit one step toward it. Exposed for tests; the Start loop
// calls it on every tick.
func (c *Controller) Adjust() {
	var util float64
	haveSample := false
	if c.resource != nil {
		if snap, ok := c.resource.Latest(); ok {
			util = snap.Utilization()
			haveSample = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if haveSample {
		switch {
		case util < c.cfg.LowWaterMark:
			c.targetLimit += c.cfg.AdjustStep
		case util > c.cfg.HighWaterMark:
			c.targetLimit -= c.cfg.AdjustStep
		}
		if c.targetLimit > c.cfg.MaxLimit {
			c.targetLimit = c.cfg.MaxLimit
		}
		if c.targetLimit < c.cfg.MinLimit {
			c.targetLimit = c.cfg.MinLimit
		}
	}

	// The actual limit moves by at most one step per interval.
	old := c.currentLimit
	switch {
	case c.currentLimit < c.targetLimit:
		c.currentLimit++
	case c.currentLimit > c.targetLimit:
		c.currentLimit--
	}
	if c.currentLimit != old {
		c.lastAdjusted = time.Now()
		c.logger.Debug("Concurrency limit adjusted",
			zap.Int("from", old),
			zap.Int("to", c.currentLimit),
			zap.Int("target", c.targetLimit),
			zap.Float64("utilization", util),
		)
	}
}

// CurrentLimit returns the number of tasks allowed to run simultaneously.
func (c *Controller) CurrentLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLimit
}

// Acquire attempts to claim a run slot. It never blocks: the dispatch loop
// treats a failed acquire as "try again next tick".
func (c *Controller) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running >= c.currentLimit {
		return false
	}
	c.running++
	return true
}

// Release returns a run slot claimed by Acquire.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running > 0 {
		c.running--
	}
}

// Running returns the number of slots currently claimed.
func (c *Controller) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Snapshot returns the controller's state for stats reporting.
func (c *Controller) Snapshot() models.ConcurrencyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.ConcurrencyState{
		Mode:           c.mode,
		CurrentLimit:   c.currentLimit,
		TargetLimit:    c.targetLimit,
		Running:        c.running,
		LastAdjustedAt: c.lastAdjusted,
	}
}
