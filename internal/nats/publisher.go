package nats_client

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/models"
)

// StatusPublisher emits task lifecycle events to per-task subjects
// (<prefix>.<task_id>) so producers can follow their submissions without
// polling. Publishing is best-effort: a down transport never blocks task
// execution.
type StatusPublisher struct {
	nc            *nats.Conn
	subjectPrefix string
	logger        *zap.Logger
}

// NewStatusPublisher creates a publisher. nc may be nil when the transport
// is disabled; every publish then becomes a no-op.
func NewStatusPublisher(nc *nats.Conn, subjectPrefix string, logger *zap.Logger) *StatusPublisher {
	return &StatusPublisher{
		nc:            nc,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}
}

// PublishTaskStatus publishes the external view of a task.
func (p *StatusPublisher) PublishTaskStatus(task *models.Task) {
	if p == nil || p.nc == nil || task == nil {
		return
	}
	view := task.View()
	data, err := json.Marshal(view)
	if err != nil {
		p.logger.Error("Failed to marshal task status event",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return
	}
	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, task.ID)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish task status event",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}
