// Package mapping implements the static routing table of §4.5: resolving
// an ingress key (an MQTT topic or an OPC-UA node id) to zero or more
// routing records, with MQTT wildcard precedence (exact match beats a
// single-level `+` match beats a multi-level `#` match, ties broken by
// the longer literal prefix).
package mapping

import (
	"strings"

	"github.com/example/mqtt-opcua-bridge/internal/model"
)

// Direction names the configured flow for a mapping entry.
type Direction string

const (
	DirectionMQTTToOPCUA   Direction = "mqtt_to_opcua"
	DirectionOPCUAToMQTT   Direction = "opcua_to_mqtt"
	DirectionBidirectional Direction = "bidirectional"
)

// Route is one resolved routing record (§4.5).
type Route struct {
	Destination model.Destination
	TargetKey   string
	DataType    model.DataType
	Priority    model.Priority
	MaxRetries  int
	Coalesce    bool
}

// Entry is one row of the configured static mapping table.
type Entry struct {
	MQTTTopic  string
	OPCUANode  string
	DataType   model.DataType
	Direction  Direction
	Priority   model.Priority
	MaxRetries int
	Coalesce   bool
}

type wildcardKind int

const (
	kindExact wildcardKind = iota
	kindSingleLevel
	kindMultiLevel
)

type wildcardRoute struct {
	pattern       string
	literalPrefix string
	kind          wildcardKind
	route         Route
}

// Table is the built, queryable routing table. Exact lookups are O(1);
// wildcard lookups are O(k) in the number of registered wildcard patterns.
type Table struct {
	exact     map[string][]wildcardRoute
	wildcards []wildcardRoute
}

// Build compiles entries into a Table, registering both directions for
// bidirectional entries.
func Build(entries []Entry) *Table {
	t := &Table{exact: make(map[string][]wildcardRoute)}
	for _, e := range entries {
		priority := e.Priority
		if !model.ValidPriority(priority) {
			priority = model.PriorityNormal
		}
		maxRetries := e.MaxRetries
		if maxRetries <= 0 {
			maxRetries = model.DefaultMaxRetries
		}

		if e.Direction == DirectionMQTTToOPCUA || e.Direction == DirectionBidirectional {
			t.register(e.MQTTTopic, Route{
				Destination: model.DestinationOPCUA,
				TargetKey:   e.OPCUANode,
				DataType:    e.DataType,
				Priority:    priority,
				MaxRetries:  maxRetries,
				Coalesce:    e.Coalesce,
			})
		}
		if e.Direction == DirectionOPCUAToMQTT || e.Direction == DirectionBidirectional {
			t.register(e.OPCUANode, Route{
				Destination: model.DestinationMQTT,
				TargetKey:   e.MQTTTopic,
				DataType:    e.DataType,
				Priority:    priority,
				MaxRetries:  maxRetries,
				Coalesce:    e.Coalesce,
			})
		}
	}
	return t
}

func (t *Table) register(key string, route Route) {
	if !strings.ContainsAny(key, "+#") {
		wr := wildcardRoute{pattern: key, literalPrefix: key, kind: kindExact, route: route}
		t.exact[key] = append(t.exact[key], wr)
		return
	}

	kind := kindMultiLevel
	if !strings.Contains(key, "#") {
		kind = kindSingleLevel
	}
	prefix := key
	if idx := strings.IndexAny(key, "+#"); idx >= 0 {
		prefix = key[:idx]
	}
	t.wildcards = append(t.wildcards, wildcardRoute{
		pattern:       key,
		literalPrefix: prefix,
		kind:          kind,
		route:         route,
	})
}

// Resolve returns one route per distinct target key registered for key:
// when both an exact entry and one or more wildcard entries would route
// to the same target, the highest-precedence match wins per §4.5 (exact >
// single-level > multi-level, ties broken by the longer literal prefix).
// Entries routing to distinct targets are all returned.
func (t *Table) Resolve(key string) []Route {
	best := make(map[string]wildcardRoute)

	consider := func(wr wildcardRoute) {
		current, ok := best[wr.route.TargetKey]
		if !ok || better(wr, current) {
			best[wr.route.TargetKey] = wr
		}
	}

	for _, wr := range t.exact[key] {
		consider(wr)
	}
	for _, wr := range t.wildcards {
		if matchTopic(wr.pattern, key) {
			consider(wr)
		}
	}

	out := make([]Route, 0, len(best))
	for _, wr := range best {
		out = append(out, wr.route)
	}
	return out
}

func better(candidate, current wildcardRoute) bool {
	if candidate.kind != current.kind {
		return candidate.kind < current.kind
	}
	return len(candidate.literalPrefix) > len(current.literalPrefix)
}

// matchTopic implements MQTT topic-filter matching: `+` matches exactly
// one level, `#` matches the remainder of the topic and must be the final
// level of the filter.
func matchTopic(filter, topic string) bool {
	fLevels := strings.Split(filter, "/")
	tLevels := strings.Split(topic, "/")

	for i, fl := range fLevels {
		if fl == "#" {
			return true
		}
		if i >= len(tLevels) {
			return false
		}
		if fl == "+" {
			continue
		}
		if fl != tLevels[i] {
			return false
		}
	}
	return len(fLevels) == len(tLevels)
}
