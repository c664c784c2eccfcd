package mapping

import (
	"fmt"
	"strings"

	"github.com/example/mqtt-opcua-bridge/internal/config"
	"github.com/example/mqtt-opcua-bridge/internal/model"
)

var priorityByName = map[string]model.Priority{
	"critical": model.PriorityCritical,
	"high":     model.PriorityHigh,
	"normal":   model.PriorityNormal,
	"low":      model.PriorityLow,
}

// EntriesFromConfig translates the YAML-decoded mapping rows (§6.1, all
// string-typed) into the typed Entry records Build expects, validating
// each row's data_type and priority.
func EntriesFromConfig(rows []config.MappingEntry) ([]Entry, error) {
	entries := make([]Entry, 0, len(rows))
	for i, row := range rows {
		dataType := model.DataType(row.DataType)
		if !model.ValidDataType(dataType) {
			return nil, fmt.Errorf("mapping[%d]: unknown data_type %q", i, row.DataType)
		}

		priority := model.PriorityNormal
		if name := strings.ToLower(strings.TrimSpace(row.Priority)); name != "" {
			p, ok := priorityByName[name]
			if !ok {
				return nil, fmt.Errorf("mapping[%d]: unknown priority %q", i, row.Priority)
			}
			priority = p
		}

		entries = append(entries, Entry{
			MQTTTopic:  row.MQTTTopic,
			OPCUANode:  row.OPCUANode,
			DataType:   dataType,
			Direction:  Direction(row.Direction),
			Priority:   priority,
			MaxRetries: row.MaxRetries,
			Coalesce:   row.Coalesce,
		})
	}
	return entries, nil
}
