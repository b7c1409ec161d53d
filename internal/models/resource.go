package models

import "time"

// ResourceState classifies current system load.
type ResourceState string

const (
	ResourceNormal   ResourceState = "normal"
	ResourceWarning  ResourceState = "warning"
	ResourceCritical ResourceState = "critical"
)

// ResourceSnapshot is one sample of system utilization. Snapshots are kept
// only in a short rolling history for trend queries, never persisted.
type ResourceSnapshot struct {
	CPUPct    float64       `json:"cpu_pct"`
	MemPct    float64       `json:"mem_pct"`
	AccelPct  *float64      `json:"accel_pct,omitempty"`
	State     ResourceState `json:"state"`
	SampledAt time.Time     `json:"sampled_at"`
}

// Utilization returns the dominant utilization figure used for threshold
// checks: the maximum of CPU, memory and (when reported) accelerator load.
func (s ResourceSnapshot) Utilization() float64 {
	u := s.CPUPct
	if s.MemPct > u {
		u = s.MemPct
	}
	if s.AccelPct != nil && *s.AccelPct > u {
		u = *s.AccelPct
	}
	return u
}

// ConcurrencyMode selects how the controller manages the in-flight limit.
type ConcurrencyMode string

const (
	ConcurrencyStatic  ConcurrencyMode = "static"
	ConcurrencyDynamic ConcurrencyMode = "dynamic"
)

// ConcurrencyState describes the controller's current position. Mutated
// only by the ConcurrencyController.
type ConcurrencyState struct {
	Mode           ConcurrencyMode `json:"mode"`
	CurrentLimit   int             `json:"current_limit"`
	TargetLimit    int             `json:"target_limit"`
	Running        int             `json:"running"`
	LastAdjustedAt time.Time       `json:"last_adjusted_at"`
}

// Stats is the aggregate view returned by the orchestrator's Stats call.
type Stats struct {
	Counts      map[TaskStatus]int `json:"counts"`
	QueueDepth  int                `json:"queue_depth"`
	Concurrency ConcurrencyState   `json:"concurrency"`
	Resource    ResourceState      `json:"resource_state"`
	ShedTotal   uint64             `json:"shed_total"`
	Throttled   uint64             `json:"throttled_total"`
}
