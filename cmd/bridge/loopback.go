package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/example/mqtt-opcua-bridge/internal/adapters/opcua"
)

// loopbackTransport is the standalone default for the four transport
// contracts the mqtt and opcua adapter packages depend on: it logs every
// publish/write instead of touching a broker or server, so this binary
// runs end to end without a live MQTT broker or OPC-UA server attached.
// A deployment wires a real client (e.g. a paho.mqtt.golang or gopcua
// connection) satisfying the same interfaces in its place.
type loopbackTransport struct {
	log zerolog.Logger
}

func newLoopbackTransport(log zerolog.Logger) *loopbackTransport {
	return &loopbackTransport{log: log}
}

func (t *loopbackTransport) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	t.log.Info().Str("topic", topic).Int("bytes", len(payload)).Msg("loopback: publish")
	return nil
}

func (t *loopbackTransport) Subscribe(ctx context.Context, topicFilter string, qos byte, onMessage func(topic string, payload []byte)) error {
	t.log.Info().Str("filter", topicFilter).Msg("loopback: subscribe (no broker attached, waiting for shutdown)")
	<-ctx.Done()
	return ctx.Err()
}

func (t *loopbackTransport) WriteNode(ctx context.Context, nodeID string, value opcua.NodeValue) error {
	t.log.Info().Str("node", nodeID).Str("data_type", string(value.DataType)).Msg("loopback: write node")
	return nil
}

func (t *loopbackTransport) SubscribeNode(ctx context.Context, nodeID string, onChange func(value string)) error {
	t.log.Info().Str("node", nodeID).Msg("loopback: subscribe node (no server attached)")
	return nil
}
