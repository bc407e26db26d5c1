package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"invoker/internal/common/mq"
	"invoker/internal/invoker/model"
	pkgerrors "invoker/pkg/errors"

	"github.com/google/uuid"
)

type recordingProducer struct {
	topic    string
	messages []*mq.Message
	err      error
}

func (p *recordingProducer) Publish(_ context.Context, topic string, message *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, message)
	return nil
}

func (p *recordingProducer) Ping(context.Context) error { return nil }
func (p *recordingProducer) Close() error               { return nil }

func TestPublishOutcome(t *testing.T) {
	producer := &recordingProducer{}
	pub := NewMQOutcomePublisher(producer, "invoker.outcomes")
	id := uuid.New()

	err := pub.PublishOutcome(context.Background(), OutcomeEvent{
		InvocationID: id,
		RunID:        12,
		Reason:       model.FinishJudgeDone,
		State:        StateJudgeDone,
	})
	if err != nil {
		t.Fatalf("PublishOutcome: %v", err)
	}
	if producer.topic != "invoker.outcomes" || len(producer.messages) != 1 {
		t.Fatalf("unexpected publish %q %d", producer.topic, len(producer.messages))
	}
	msg := producer.messages[0]
	if msg.ID != id.String() {
		t.Fatalf("message id = %s, want %s", msg.ID, id)
	}
	if v := msg.Headers["run_id"]; v != "12" {
		t.Fatalf("run_id header = %q", v)
	}
	var event OutcomeEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if event.State != StateJudgeDone || event.CreatedAt == 0 {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestPublishOutcomeErrors(t *testing.T) {
	var nilPub *MQOutcomePublisher
	if err := nilPub.PublishOutcome(context.Background(), OutcomeEvent{}); !pkgerrors.Is(err, pkgerrors.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
	if err := NewMQOutcomePublisher(&recordingProducer{}, "").PublishOutcome(context.Background(), OutcomeEvent{}); !pkgerrors.Is(err, pkgerrors.InvalidParams) {
		t.Fatalf("expected InvalidParams, got %v", err)
	}
	failing := NewMQOutcomePublisher(&recordingProducer{err: errors.New("broker down")}, "t")
	if err := failing.PublishOutcome(context.Background(), OutcomeEvent{}); !pkgerrors.Is(err, pkgerrors.QueueError) {
		t.Fatalf("expected QueueError, got %v", err)
	}
}
