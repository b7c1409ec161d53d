package nats_client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/config"
	"github.com/lumina-media/indexer-backend/internal/models"
	"github.com/lumina-media/indexer-backend/internal/orchestrator"
)

// TaskSubmitter is the orchestrator surface the consumer needs.
type TaskSubmitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (string, error)
}

// SubmitConsumer receives task submissions over a durable JetStream pull
// subscription and feeds them into the orchestrator. Producers that cannot
// or do not want to use the HTTP API publish to the submit subject instead.
type SubmitConsumer struct {
	nc           *nats.Conn
	js           nats.JetStreamContext
	cfg          *config.NatsConfig
	submitter    TaskSubmitter
	logger       *zap.Logger
	subscription *nats.Subscription
	shutdownChan chan struct{}
}

// NewSubmitConsumer creates a consumer bound to the configured submit
// subject.
func NewSubmitConsumer(nc *nats.Conn, js nats.JetStreamContext, cfg *config.NatsConfig, submitter TaskSubmitter, logger *zap.Logger) (*SubmitConsumer, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context not available for consuming submissions")
	}
	return &SubmitConsumer{
		nc:           nc,
		js:           js,
		cfg:          cfg,
		submitter:    submitter,
		logger:       logger,
		shutdownChan: make(chan struct{}),
	}, nil
}

// StartConsuming creates the durable pull consumer and launches the fetch
// loop.
func (sc *SubmitConsumer) StartConsuming() error {
	durableName := sc.cfg.SubmitQueueGroup + "_consumer"

	var err error
	sc.subscription, err = sc.js.PullSubscribe(
		sc.cfg.SubmitSubject,
		durableName,
		nats.AckWait(60*time.Second),
	)
	if err != nil {
		sc.logger.Error("Failed to create JetStream pull subscription",
			zap.String("subject", sc.cfg.SubmitSubject),
			zap.String("durable_name", durableName),
			zap.Error(err),
		)
		return fmt.Errorf("failed to create pull subscription: %w", err)
	}

	sc.logger.Info("Subscribed to JetStream for task submissions",
		zap.String("subject", sc.cfg.SubmitSubject),
		zap.String("durable_consumer", durableName),
	)

	go sc.fetchLoop()
	return nil
}

func (sc *SubmitConsumer) fetchLoop() {
	const batchSize = 5
	for {
		select {
		case <-sc.shutdownChan:
			sc.logger.Info("Shutting down submission fetch loop")
			return
		default:
			msgs, err := sc.subscription.Fetch(batchSize, nats.MaxWait(10*time.Second))
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) {
					continue
				}
				sc.logger.Error("Error fetching submissions from JetStream", zap.Error(err))
				if !sc.subscription.IsValid() || sc.nc.Status() != nats.CONNECTED {
					sc.logger.Error("NATS subscription or connection lost. Stopping fetch loop.")
					return
				}
				time.Sleep(5 * time.Second)
				continue
			}
			for _, msg := range msgs {
				sc.handleMessage(msg)
			}
		}
	}
}

// handleMessage submits one task from a NATS message. Malformed payloads and
// unknown task types are acknowledged so they never loop; throttled and
// transient failures are NAK'd for redelivery.
func (sc *SubmitConsumer) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), sc.cfg.CommandTimeout)
	defer cancel()

	var req orchestrator.SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		sc.logger.Error("Failed to unmarshal task submission from NATS message",
			zap.Error(err),
			zap.ByteString("raw_data", msg.Data),
		)
		if ackErr := msg.Ack(); ackErr != nil {
			sc.logger.Error("Failed to ACK unmarshalable (poison pill) message", zap.Error(ackErr))
		}
		return
	}

	taskID, err := sc.submitter.Submit(ctx, req)
	switch {
	case err == nil:
		if ackErr := msg.AckSync(); ackErr != nil {
			sc.logger.Error("Failed to ACK NATS message for submitted task",
				zap.String("task_id", taskID),
				zap.Error(ackErr),
			)
		}
		sc.logger.Info("Task submitted via NATS",
			zap.String("task_id", taskID),
			zap.String("type", string(req.Type)),
		)

	case errors.Is(err, models.ErrIntakeThrottled):
		sc.logger.Warn("Task submission throttled, delaying redelivery",
			zap.String("type", string(req.Type)),
		)
		if nakErr := msg.NakWithDelay(10 * time.Second); nakErr != nil {
			sc.logger.Error("Failed to NAK throttled submission", zap.Error(nakErr))
			_ = msg.Ack()
		}

	case errors.Is(err, models.ErrUnknownType):
		sc.logger.Error("Rejecting submission with unknown task type",
			zap.String("type", string(req.Type)),
		)
		if ackErr := msg.Ack(); ackErr != nil {
			sc.logger.Error("Failed to ACK rejected submission", zap.Error(ackErr))
		}

	default:
		sc.logger.Error("Failed to submit task from NATS message", zap.Error(err))
		if nakErr := msg.NakWithDelay(30 * time.Second); nakErr != nil {
			sc.logger.Error("Failed to NAK submission after error", zap.Error(nakErr))
			_ = msg.Ack()
		}
	}
}

// Stop drains the subscription and stops the fetch loop.
func (sc *SubmitConsumer) Stop() {
	sc.logger.Info("Stopping submission consumer")
	close(sc.shutdownChan)

	if sc.subscription != nil {
		if err := sc.subscription.Drain(); err != nil {
			sc.logger.Error("Error draining NATS subscription", zap.Error(err))
			if unsubErr := sc.subscription.Unsubscribe(); unsubErr != nil {
				sc.logger.Error("Error unsubscribing submission consumer after drain failed", zap.Error(unsubErr))
			}
		}
	}
	sc.logger.Info("Submission consumer stopped")
}
