// Package mqtt implements the egress and ingress adapters for the MQTT
// transport (§4.6). It depends only on a minimal Publisher/Subscriber
// contract rather than a specific client library, following the
// provider-injection shape the teacher uses for its SMS adapter — the
// broker connection itself lives outside this bridge's scope (§1).
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/mqtt-opcua-bridge/internal/adapter"
	"github.com/example/mqtt-opcua-bridge/internal/coerce"
	"github.com/example/mqtt-opcua-bridge/internal/mapping"
	"github.com/example/mqtt-opcua-bridge/internal/model"
)

// Publisher is the minimal surface an MQTT client library must offer for
// egress delivery.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Adapter implements adapter.Egress for messages bound for MQTT.
type Adapter struct {
	logger    zerolog.Logger
	publisher Publisher
	qos       byte
}

// NewAdapter constructs an MQTT egress adapter over publisher.
func NewAdapter(publisher Publisher, qos byte, logger zerolog.Logger) (*Adapter, error) {
	if publisher == nil {
		return nil, errors.New("mqtt adapter: publisher dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Adapter{logger: logger, publisher: publisher, qos: qos}, nil
}

var _ adapter.Egress = (*Adapter)(nil)

// Deliver publishes msg.Value to msg.TopicOrNode. The payload is the
// canonical text form itself, which is already the MQTT wire form for
// every supported data type.
func (a *Adapter) Deliver(ctx context.Context, msg model.Message) (adapter.Outcome, error) {
	payload, err := wireBytes(msg.DataType, msg.Value)
	if err != nil {
		a.logger.Error().Err(err).Int64("message_id", msg.ID).Msg("mqtt adapter: cannot encode payload")
		return adapter.Permanent, err
	}

	if err := a.publisher.Publish(ctx, msg.TopicOrNode, a.qos, payload); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return adapter.Retryable, fmt.Errorf("mqtt adapter: publish cancelled: %w", err)
		}
		a.logger.Warn().Err(err).Str("topic", msg.TopicOrNode).Msg("mqtt adapter: publish failed")
		return adapter.Retryable, err
	}
	return adapter.Ok, nil
}

func wireBytes(dataType model.DataType, canonical string) ([]byte, error) {
	if dataType == model.DataTypeJSON || dataType == model.DataTypeString {
		return []byte(canonical), nil
	}
	// Boolean/Int32/Float/Double/DateTime already round-trip as their
	// canonical decimal/ISO-8601 text form over MQTT.
	return []byte(canonical), nil
}

// Subscriber is the minimal surface an MQTT client library must offer for
// ingress observation.
type Subscriber interface {
	Subscribe(ctx context.Context, topicFilter string, qos byte, onMessage func(topic string, payload []byte)) error
}

// Resolver looks up the destination(s) and canonical data type for a
// topic; internal/mapping.Table satisfies this interface.
type Resolver interface {
	Resolve(topic string) []mapping.Route
}

// Ingress observes MQTT topics and pushes canonicalized values into an
// EnqueueFunc, once per resolved destination.
type Ingress struct {
	logger        zerolog.Logger
	subscriber    Subscriber
	resolver      Resolver
	topicFilter   string
	qos           byte
	enqueue       EnqueueFunc
	enqueueFailed EnqueueFailedFunc
}

// EnqueueFunc matches buffer.Buffer.Enqueue's request shape without
// importing the buffer package, avoiding an import cycle.
type EnqueueFunc func(ctx context.Context, destination model.Destination, targetKey, value string, dataType model.DataType, priority model.Priority, maxRetries int, coalesce bool) error

// EnqueueFailedFunc matches buffer.Buffer.EnqueueFailed's request shape.
// A payload that cannot be canonicalized is still inserted, then
// immediately archived as terminally failed (§6.2: coercion failures at
// ingress are Permanent, not retried) instead of being silently dropped.
type EnqueueFailedFunc func(ctx context.Context, destination model.Destination, targetKey, value string, dataType model.DataType, priority model.Priority, maxRetries int, cause error) error

// NewIngress constructs an MQTT ingress adapter.
func NewIngress(subscriber Subscriber, resolver Resolver, topicFilter string, qos byte, enqueue EnqueueFunc, enqueueFailed EnqueueFailedFunc, logger zerolog.Logger) (*Ingress, error) {
	if subscriber == nil {
		return nil, errors.New("mqtt ingress: subscriber dependency is required")
	}
	if resolver == nil {
		return nil, errors.New("mqtt ingress: resolver dependency is required")
	}
	if enqueue == nil {
		return nil, errors.New("mqtt ingress: enqueue callback is required")
	}
	if enqueueFailed == nil {
		return nil, errors.New("mqtt ingress: enqueueFailed callback is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Ingress{
		logger:        logger,
		subscriber:    subscriber,
		resolver:      resolver,
		topicFilter:   topicFilter,
		qos:           qos,
		enqueue:       enqueue,
		enqueueFailed: enqueueFailed,
	}, nil
}

// Start subscribes to the configured topic filter and blocks until the
// broker connection ends or ctx is cancelled.
func (i *Ingress) Start(ctx context.Context) error {
	return i.subscriber.Subscribe(ctx, i.topicFilter, i.qos, func(topic string, payload []byte) {
		i.onMessage(ctx, topic, payload)
	})
}

func (i *Ingress) onMessage(ctx context.Context, topic string, payload []byte) {
	routes := i.resolver.Resolve(topic)
	if len(routes) == 0 {
		i.logger.Debug().Str("topic", topic).Msg("mqtt ingress: no mapping for topic, dropping")
		return
	}
	for _, route := range routes {
		canonical, err := coerce.Canonicalize(route.DataType, string(payload))
		if err != nil {
			i.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt ingress: payload coercion failed, archiving")
			if aerr := i.enqueueFailed(ctx, route.Destination, route.TargetKey, string(payload), route.DataType, route.Priority, route.MaxRetries, err); aerr != nil {
				i.logger.Error().Err(aerr).Str("topic", topic).Msg("mqtt ingress: failed to archive coercion failure")
			}
			continue
		}
		if err := i.enqueue(ctx, route.Destination, route.TargetKey, canonical, route.DataType, route.Priority, route.MaxRetries, route.Coalesce); err != nil {
			i.logger.Warn().Err(err).Str("topic", topic).Msg("mqtt ingress: enqueue failed, dropping")
		}
	}
}
