// Package opcua implements the egress and ingress adapters for the
// OPC-UA server (§4.6), depending on a minimal NodeWriter/NodeSubscriber
// contract rather than a concrete client library, matching the way the
// MQTT adapter is built and keeping the actual server connection out of
// this bridge's scope (§1).
package opcua

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/mqtt-opcua-bridge/internal/adapter"
	"github.com/example/mqtt-opcua-bridge/internal/bridgeerr"
	"github.com/example/mqtt-opcua-bridge/internal/coerce"
	"github.com/example/mqtt-opcua-bridge/internal/mapping"
	"github.com/example/mqtt-opcua-bridge/internal/model"
)

// NodeValue is a decoded OPC-UA variant ready to write, tagged with its
// canonical data type so the writer can pick the right variant kind.
type NodeValue struct {
	DataType model.DataType
	Bool     bool
	Int32    int32
	Float32  float32
	Float64  float64
	String   string
}

// NodeWriter is the minimal surface an OPC-UA client library must offer
// for egress delivery.
type NodeWriter interface {
	WriteNode(ctx context.Context, nodeID string, value NodeValue) error
}

// Adapter implements adapter.Egress for messages bound for OPC-UA.
type Adapter struct {
	logger zerolog.Logger
	writer NodeWriter
}

// NewAdapter constructs an OPC-UA egress adapter over writer.
func NewAdapter(writer NodeWriter, logger zerolog.Logger) (*Adapter, error) {
	if writer == nil {
		return nil, errors.New("opcua adapter: writer dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Adapter{logger: logger, writer: writer}, nil
}

var _ adapter.Egress = (*Adapter)(nil)

// Deliver decodes msg.Value out of its canonical form and writes it to
// msg.TopicOrNode (an OPC-UA node id, despite the field's MQTT-flavoured
// name — §3.1 uses one column for both transports' addressing).
func (a *Adapter) Deliver(ctx context.Context, msg model.Message) (adapter.Outcome, error) {
	nv, err := decodeNodeValue(msg.DataType, msg.Value)
	if err != nil {
		a.logger.Error().Err(err).Int64("message_id", msg.ID).Msg("opcua adapter: cannot decode canonical value")
		return adapter.Permanent, err
	}

	if err := a.writer.WriteNode(ctx, msg.TopicOrNode, nv); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return adapter.Retryable, fmt.Errorf("opcua adapter: write cancelled: %w", err)
		}
		a.logger.Warn().Err(err).Str("node", msg.TopicOrNode).Msg("opcua adapter: write failed")
		return adapter.Retryable, err
	}
	return adapter.Ok, nil
}

func decodeNodeValue(dataType model.DataType, canonical string) (NodeValue, error) {
	switch dataType {
	case model.DataTypeBoolean:
		v, err := coerce.ToBool(canonical)
		return NodeValue{DataType: dataType, Bool: v}, err
	case model.DataTypeInt32:
		v, err := coerce.ToInt32(canonical)
		return NodeValue{DataType: dataType, Int32: v}, err
	case model.DataTypeFloat:
		v, err := coerce.ToFloat32(canonical)
		return NodeValue{DataType: dataType, Float32: v}, err
	case model.DataTypeDouble:
		v, err := coerce.ToFloat64(canonical)
		return NodeValue{DataType: dataType, Float64: v}, err
	case model.DataTypeString, model.DataTypeDateTime, model.DataTypeJSON:
		return NodeValue{DataType: dataType, String: canonical}, nil
	default:
		return NodeValue{}, fmt.Errorf("opcua adapter: unsupported data type %q", dataType)
	}
}

// NodeSubscriber is the minimal surface an OPC-UA client library must
// offer for ingress observation (monitored item change notifications).
type NodeSubscriber interface {
	SubscribeNode(ctx context.Context, nodeID string, onChange func(value string)) error
}

// Resolver looks up the destination(s) for a node id; internal/mapping.Table
// satisfies this interface.
type Resolver interface {
	Resolve(nodeID string) []mapping.Route
}

// EnqueueFunc matches buffer.Buffer.Enqueue's request shape without
// importing the buffer package, avoiding an import cycle.
type EnqueueFunc func(ctx context.Context, destination model.Destination, targetKey, value string, dataType model.DataType, priority model.Priority, maxRetries int, coalesce bool) error

// EnqueueFailedFunc matches buffer.Buffer.EnqueueFailed's request shape.
// A value that cannot be canonicalized is still inserted, then
// immediately archived as terminally failed (§6.2: coercion failures at
// ingress are Permanent, not retried) instead of being silently dropped.
type EnqueueFailedFunc func(ctx context.Context, destination model.Destination, targetKey, value string, dataType model.DataType, priority model.Priority, maxRetries int, cause error) error

// EvictOldestFunc matches buffer.Buffer.EvictOldestPending's shape. §5
// gives OPC-UA change notifications a "drop oldest" backpressure policy at
// buffer.max_size, distinct from MQTT's "drop with warning" of the new
// value: onChange calls this to evict room for the new reading instead of
// discarding it.
type EvictOldestFunc func(ctx context.Context, destination model.Destination, targetKey string) (bool, error)

// Ingress observes OPC-UA monitored nodes and pushes canonicalized values
// into an EnqueueFunc, once per resolved destination.
type Ingress struct {
	logger        zerolog.Logger
	subscriber    NodeSubscriber
	resolver      Resolver
	nodeIDs       []string
	enqueue       EnqueueFunc
	enqueueFailed EnqueueFailedFunc
	evictOldest   EvictOldestFunc
}

// NewIngress constructs an OPC-UA ingress adapter watching nodeIDs.
func NewIngress(subscriber NodeSubscriber, resolver Resolver, nodeIDs []string, enqueue EnqueueFunc, enqueueFailed EnqueueFailedFunc, evictOldest EvictOldestFunc, logger zerolog.Logger) (*Ingress, error) {
	if subscriber == nil {
		return nil, errors.New("opcua ingress: subscriber dependency is required")
	}
	if resolver == nil {
		return nil, errors.New("opcua ingress: resolver dependency is required")
	}
	if enqueue == nil {
		return nil, errors.New("opcua ingress: enqueue callback is required")
	}
	if enqueueFailed == nil {
		return nil, errors.New("opcua ingress: enqueueFailed callback is required")
	}
	if evictOldest == nil {
		return nil, errors.New("opcua ingress: evictOldest callback is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Ingress{
		logger:        logger,
		subscriber:    subscriber,
		resolver:      resolver,
		nodeIDs:       nodeIDs,
		enqueue:       enqueue,
		enqueueFailed: enqueueFailed,
		evictOldest:   evictOldest,
	}, nil
}

// Start subscribes to every configured node and blocks until ctx is
// cancelled or a subscription fails.
func (i *Ingress) Start(ctx context.Context) error {
	for _, nodeID := range i.nodeIDs {
		nodeID := nodeID
		if err := i.subscriber.SubscribeNode(ctx, nodeID, func(value string) {
			i.onChange(ctx, nodeID, value)
		}); err != nil {
			return fmt.Errorf("opcua ingress: subscribe %s: %w", nodeID, err)
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (i *Ingress) onChange(ctx context.Context, nodeID, value string) {
	routes := i.resolver.Resolve(nodeID)
	if len(routes) == 0 {
		i.logger.Debug().Str("node", nodeID).Msg("opcua ingress: no mapping for node, dropping")
		return
	}
	for _, route := range routes {
		canonical, err := coerce.Canonicalize(route.DataType, value)
		if err != nil {
			i.logger.Warn().Err(err).Str("node", nodeID).Msg("opcua ingress: value coercion failed, archiving")
			if aerr := i.enqueueFailed(ctx, route.Destination, route.TargetKey, value, route.DataType, route.Priority, route.MaxRetries, err); aerr != nil {
				i.logger.Error().Err(aerr).Str("node", nodeID).Msg("opcua ingress: failed to archive coercion failure")
			}
			continue
		}
		if err := i.enqueue(ctx, route.Destination, route.TargetKey, canonical, route.DataType, route.Priority, route.MaxRetries, route.Coalesce); err != nil {
			if !errors.Is(err, bridgeerr.ErrBufferFull) {
				i.logger.Warn().Err(err).Str("node", nodeID).Msg("opcua ingress: enqueue failed, dropping")
				continue
			}
			evicted, everr := i.evictOldest(ctx, route.Destination, route.TargetKey)
			if everr != nil {
				i.logger.Error().Err(everr).Str("node", nodeID).Msg("opcua ingress: failed to evict oldest pending message")
				continue
			}
			if !evicted {
				i.logger.Warn().Str("node", nodeID).Msg("opcua ingress: buffer full with no pending row to evict, dropping")
				continue
			}
			if err := i.enqueue(ctx, route.Destination, route.TargetKey, canonical, route.DataType, route.Priority, route.MaxRetries, route.Coalesce); err != nil {
				i.logger.Warn().Err(err).Str("node", nodeID).Msg("opcua ingress: enqueue failed after evicting oldest, dropping")
			}
		}
	}
}
