package resource

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/config"
	"github.com/lumina-media/indexer-backend/internal/models"
)

// Subscription carries the edge-triggered overload callbacks. Each fires
// exactly once per state transition, never per sample.
type Subscription struct {
	OnWarning   func()
	OnCritical  func()
	OnRecovered func()
}

// Monitor samples system utilization at a fixed interval, classifies the
// system state with two-tier thresholds and hysteresis, and notifies
// subscribers on state transitions.
//
// Threshold behaviour: warning is entered at or above the warning threshold,
// critical at or above the critical threshold. Leaving a degraded state
// requires utilization to stay below the corresponding recovery threshold
// for a sustained window, which prevents flapping around the boundary.
type Monitor struct {
	sampler Sampler
	cfg     config.ResourceConfig
	logger  *zap.Logger

	mu         sync.Mutex
	state      models.ResourceState
	belowSince time.Time // start of the current sub-recovery-threshold run
	history    []models.ResourceSnapshot
	histNext   int
	histFull   bool
	subs       []Subscription

	now func() time.Time
}

// NewMonitor creates a monitor in the normal state. Call Start to begin
// the sampling loop, or drive Sample directly.
func NewMonitor(sampler Sampler, cfg config.ResourceConfig, logger *zap.Logger) *Monitor {
	return &Monitor{
		sampler: sampler,
		cfg:     cfg,
		logger:  logger,
		state:   models.ResourceNormal,
		history: make([]models.ResourceSnapshot, cfg.HistorySize),
		now:     time.Now,
	}
}

// Subscribe registers overload callbacks. Must be called before Start.
func (m *Monitor) Subscribe(sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, sub)
}

// Start runs the fixed-interval sampling loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Resource monitor stopping")
				return
			case <-ticker.C:
				m.Sample(ctx)
			}
		}
	}()
	m.logger.Info("Resource monitor started",
		zap.Duration("interval", m.cfg.SampleInterval),
		zap.Float64("warning_threshold", m.cfg.WarningThreshold),
		zap.Float64("critical_threshold", m.cfg.CriticalThreshold),
	)
}

// Sample takes one utilization reading, applies the state machine, records
// the snapshot in the rolling history and returns it. A failed reading is
// logged and treated as a normal-load sample so that monitoring degrades
// gracefully when telemetry is unavailable.
func (m *Monitor) Sample(ctx context.Context) models.ResourceSnapshot {
	reading, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("Resource sample failed, assuming normal load", zap.Error(err))
		reading = Reading{}
	}

	m.mu.Lock()
	now := m.now()
	snapshot := models.ResourceSnapshot{
		CPUPct:    reading.CPUPct,
		MemPct:    reading.MemPct,
		AccelPct:  reading.AccelPct,
		SampledAt: now,
	}
	fire := m.transition(snapshot.Utilization(), now)
	snapshot.State = m.state

	m.history[m.histNext] = snapshot
	m.histNext++
	if m.histNext == len(m.history) {
		m.histNext = 0
		m.histFull = true
	}
	subs := m.subs
	m.mu.Unlock()

	// Callbacks run outside the monitor's lock: subscribers may query the
	// monitor or other components from within them.
	if fire != nil {
		for _, sub := range subs {
			fire(sub)
		}
	}
	return snapshot
}

// transition applies one utilization figure to the state machine and
// returns the callback selector to fire, or nil. Caller holds m.mu.
func (m *Monitor) transition(util float64, now time.Time) func(Subscription) {
	switch m.state {
	case models.ResourceNormal:
		if util >= m.cfg.CriticalThreshold {
			m.enter(models.ResourceCritical, util)
			return func(s Subscription) { call(s.OnCritical) }
		}
		if util >= m.cfg.WarningThreshold {
			m.enter(models.ResourceWarning, util)
			return func(s Subscription) { call(s.OnWarning) }
		}

	case models.ResourceWarning:
		if util >= m.cfg.CriticalThreshold {
			m.enter(models.ResourceCritical, util)
			return func(s Subscription) { call(s.OnCritical) }
		}
		if util < m.cfg.WarningRecovery {
			if m.belowSince.IsZero() {
				m.belowSince = now
			}
			if now.Sub(m.belowSince) >= m.cfg.WarningRecoveryWindow {
				m.enter(models.ResourceNormal, util)
				return func(s Subscription) { call(s.OnRecovered) }
			}
		} else {
			m.belowSince = time.Time{}
		}

	case models.ResourceCritical:
		if util < m.cfg.CriticalRecovery {
			if m.belowSince.IsZero() {
				m.belowSince = now
			}
			if now.Sub(m.belowSince) >= m.cfg.CriticalRecoveryWindow {
				m.enter(models.ResourceWarning, util)
				return func(s Subscription) { call(s.OnWarning) }
			}
		} else {
			m.belowSince = time.Time{}
		}
	}
	return nil
}

func (m *Monitor) enter(state models.ResourceState, util float64) {
	m.logger.Info("Resource state transition",
		zap.String("from", string(m.state)),
		zap.String("to", string(state)),
		zap.Float64("utilization", util),
	)
	m.state = state
	m.belowSince = time.Time{}
}

// State returns the current classified system state.
func (m *Monitor) State() models.ResourceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Latest returns the most recent snapshot, or false when no sample has
// been taken yet.
func (m *Monitor) Latest() (models.ResourceSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.histNext - 1
	if idx < 0 {
		if !m.histFull {
			return models.ResourceSnapshot{}, false
		}
		idx = len(m.history) - 1
	}
	snap := m.history[idx]
	if snap.SampledAt.IsZero() {
		return models.ResourceSnapshot{}, false
	}
	return snap, true
}

// History returns the rolling snapshot history, oldest first.
func (m *Monitor) History() []models.ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ResourceSnapshot
	if m.histFull {
		out = append(out, m.history[m.histNext:]...)
	}
	out = append(out, m.history[:m.histNext]...)
	return out
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
