// Package adapter defines the egress/ingress adapter contracts of §4.6.
// The egress adapters in internal/adapters/mqtt and internal/adapters/opcua
// implement Egress, and the dispatcher depends only on this package rather
// than on those transports, matching the teacher's adapters/common
// interface split. The ingress types in those packages are driven by
// their Start method and a transport callback; they do not implement
// Ingress.
package adapter

import (
	"context"

	"github.com/example/mqtt-opcua-bridge/internal/model"
)

// Outcome classifies the result of an egress delivery attempt (§4.6).
type Outcome int

const (
	// Ok means the message was delivered successfully.
	Ok Outcome = iota
	// Retryable means delivery failed but should be retried within the
	// message's remaining retry budget.
	Retryable
	// Permanent means delivery failed in a way retrying cannot fix; the
	// message archives immediately regardless of remaining budget.
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Egress delivers a claimed message to its destination protocol. Any
// uncaught fault (a panic-free Go error return with no explicit outcome)
// is treated as Retryable per §4.6.
type Egress interface {
	Deliver(ctx context.Context, msg model.Message) (Outcome, error)
}

// IngressEvent is a single value observed at the transport boundary,
// before Mapping Table lookup and coercion.
type IngressEvent struct {
	Source      model.Source
	TopicOrNode string
	RawValue    string
}

// Ingress pushes observed events into the bridge. Implementations call
// push once per resolved destination; the buffer, not the adapter, is
// responsible for duplicate suppression via coalescing.
type Ingress interface {
	Push(ctx context.Context, event IngressEvent) error
}
