package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"invoker/internal/common/mq"
	"invoker/internal/invoker/model"
	pkgerrors "invoker/pkg/errors"

	"github.com/google/uuid"
)

// OutcomeEvent is published once per finished invocation.
type OutcomeEvent struct {
	InvocationID uuid.UUID                    `json:"invocation_id"`
	RunID        uint32                       `json:"run_id"`
	Reason       model.InvocationFinishReason `json:"reason"`
	State        InvocationState              `json:"state"`
	CreatedAt    int64                        `json:"created_at"`
}

// OutcomePublisher publishes terminal invocation states.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event OutcomeEvent) error
}

// MQOutcomePublisher publishes outcome events to a message queue.
type MQOutcomePublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQOutcomePublisher creates a new MQ outcome publisher.
func NewMQOutcomePublisher(producer mq.Producer, topic string) *MQOutcomePublisher {
	return &MQOutcomePublisher{producer: producer, topic: topic}
}

func (p *MQOutcomePublisher) PublishOutcome(ctx context.Context, event OutcomeEvent) error {
	if p == nil || p.producer == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("outcome publisher is not configured")
	}
	if p.topic == "" {
		return pkgerrors.New(pkgerrors.InvalidParams).WithMessage("outcome topic is required")
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outcome event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = event.InvocationID.String()
	message.SetHeader("run_id", strconv.FormatUint(uint64(event.RunID), 10))
	message.SetHeader("state", string(event.State))
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.QueueError, "publish outcome event failed")
	}
	return nil
}
