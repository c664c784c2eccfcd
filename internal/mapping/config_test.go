package mapping_test

import (
	"testing"

	"github.com/example/mqtt-opcua-bridge/internal/config"
	"github.com/example/mqtt-opcua-bridge/internal/mapping"
	"github.com/example/mqtt-opcua-bridge/internal/model"
)

func TestEntriesFromConfigParsesPriorityAndDataType(t *testing.T) {
	rows := []config.MappingEntry{
		{MQTTTopic: "line1/temp", OPCUANode: "ns=2;s=Line1.Temp", DataType: "Double", Direction: "bidirectional", Priority: "critical"},
		{MQTTTopic: "line1/state", OPCUANode: "ns=2;s=Line1.State", DataType: "String", Direction: "mqtt_to_opcua"},
	}

	entries, err := mapping.EntriesFromConfig(rows)
	if err != nil {
		t.Fatalf("EntriesFromConfig: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Priority != model.PriorityCritical {
		t.Fatalf("entries[0].Priority = %v, want critical", entries[0].Priority)
	}
	if entries[1].Priority != model.PriorityNormal {
		t.Fatalf("entries[1].Priority = %v, want default normal", entries[1].Priority)
	}
	if entries[0].DataType != model.DataTypeDouble {
		t.Fatalf("entries[0].DataType = %v, want Double", entries[0].DataType)
	}
}

func TestEntriesFromConfigRejectsUnknownDataType(t *testing.T) {
	rows := []config.MappingEntry{
		{MQTTTopic: "a", OPCUANode: "b", DataType: "Blob", Direction: "mqtt_to_opcua"},
	}
	if _, err := mapping.EntriesFromConfig(rows); err == nil {
		t.Fatal("expected error for unknown data_type")
	}
}

func TestEntriesFromConfigRejectsUnknownPriority(t *testing.T) {
	rows := []config.MappingEntry{
		{MQTTTopic: "a", OPCUANode: "b", DataType: "String", Direction: "mqtt_to_opcua", Priority: "urgent"},
	}
	if _, err := mapping.EntriesFromConfig(rows); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}
