package mqtt_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/mqtt-opcua-bridge/internal/adapter"
	adaptermqtt "github.com/example/mqtt-opcua-bridge/internal/adapters/mqtt"
	"github.com/example/mqtt-opcua-bridge/internal/mapping"
	"github.com/example/mqtt-opcua-bridge/internal/model"
)

type publisherStub struct {
	err error
}

func (p *publisherStub) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	return p.err
}

func newMessage() model.Message {
	return model.Message{
		ID:          1,
		TopicOrNode: "plant/line1/temp",
		Value:       "21.5",
		DataType:    model.DataTypeDouble,
	}
}

func TestDeliverOkOnSuccessfulPublish(t *testing.T) {
	a, err := adaptermqtt.NewAdapter(&publisherStub{}, 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	outcome, err := a.Deliver(context.Background(), newMessage())
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if outcome != adapter.Ok {
		t.Fatalf("outcome = %v, want Ok", outcome)
	}
}

func TestDeliverRetryableOnPublishError(t *testing.T) {
	a, err := adaptermqtt.NewAdapter(&publisherStub{err: errors.New("broker unreachable")}, 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	outcome, err := a.Deliver(context.Background(), newMessage())
	if err == nil {
		t.Fatal("expected an error")
	}
	if outcome.String() != "retryable" {
		t.Fatalf("outcome = %v, want retryable", outcome)
	}
}

func TestNewAdapterRejectsNilPublisher(t *testing.T) {
	if _, err := adaptermqtt.NewAdapter(nil, 1, zerolog.Nop()); err == nil {
		t.Fatal("expected error for nil publisher")
	}
}

type resolverStub struct {
	routes []mapping.Route
}

func (r *resolverStub) Resolve(topic string) []mapping.Route { return r.routes }

func TestIngressEnqueuesOncePerResolvedRoute(t *testing.T) {
	var enqueued []string
	resolver := &resolverStub{routes: []mapping.Route{
		{Destination: model.DestinationOPCUA, TargetKey: "ns=2;s=Tank1", DataType: model.DataTypeDouble, Priority: model.PriorityNormal},
	}}
	ingress, err := adaptermqtt.NewIngress(&subscriberStub{payload: []byte("21.5")}, resolver, "plant/#", 1, func(ctx context.Context, destination model.Destination, targetKey, value string, dataType model.DataType, priority model.Priority, maxRetries int, coalesce bool) error {
		enqueued = append(enqueued, targetKey+"="+value)
		return nil
	}, func(ctx context.Context, destination model.Destination, targetKey, value string, dataType model.DataType, priority model.Priority, maxRetries int, cause error) error {
		t.Fatalf("enqueueFailed called unexpectedly for value %q: %v", value, cause)
		return nil
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewIngress: %v", err)
	}

	if err := ingress.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(enqueued) != 1 || enqueued[0] != "ns=2;s=Tank1=21.5" {
		t.Fatalf("enqueued = %v", enqueued)
	}
}

func TestIngressArchivesUncoercibleValueInsteadOfDropping(t *testing.T) {
	var enqueued []string
	var archived []string
	resolver := &resolverStub{routes: []mapping.Route{
		{Destination: model.DestinationOPCUA, TargetKey: "ns=2;s=Tank1", DataType: model.DataTypeFloat, Priority: model.PriorityNormal},
	}}
	ingress, err := adaptermqtt.NewIngress(&subscriberStub{payload: []byte("abc")}, resolver, "plant/#", 1,
		func(ctx context.Context, destination model.Destination, targetKey, value string, dataType model.DataType, priority model.Priority, maxRetries int, coalesce bool) error {
			enqueued = append(enqueued, targetKey+"="+value)
			return nil
		},
		func(ctx context.Context, destination model.Destination, targetKey, value string, dataType model.DataType, priority model.Priority, maxRetries int, cause error) error {
			if cause == nil {
				t.Fatal("expected a non-nil coercion cause")
			}
			archived = append(archived, targetKey+"="+value)
			return nil
		}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewIngress: %v", err)
	}

	if err := ingress.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(enqueued) != 0 {
		t.Fatalf("enqueued = %v, want none", enqueued)
	}
	if len(archived) != 1 || archived[0] != "ns=2;s=Tank1=abc" {
		t.Fatalf("archived = %v, want one row for the uncoercible payload", archived)
	}
}

type subscriberStub struct {
	payload []byte
}

func (s *subscriberStub) Subscribe(ctx context.Context, topicFilter string, qos byte, onMessage func(topic string, payload []byte)) error {
	onMessage("plant/line1/temp", s.payload)
	return nil
}
