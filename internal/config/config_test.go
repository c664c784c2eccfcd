package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/mqtt-opcua-bridge/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

const validMinimalConfig = `
mqtt:
  broker_host: localhost
  broker_port: 1883
  client_id: bridge-test
opcua:
  endpoint: opc.tcp://localhost:4840
  server_name: test-server
  security_policy: None
buffer:
  db_path: buffer.db
  max_size: 10000
mappings:
  - mqtt_topic: sensors/temp
    opcua_node_id: ns=2;s=Temperature
    data_type: Float
    direction: mqtt_to_opcua
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, validMinimalConfig)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Buffer.WorkerThreads != 2 {
		t.Fatalf("expected default worker_threads 2, got %d", cfg.Buffer.WorkerThreads)
	}
	if cfg.Buffer.LeaseDurationSeconds != 60 {
		t.Fatalf("expected default lease_duration_s 60, got %d", cfg.Buffer.LeaseDurationSeconds)
	}
	if cfg.Buffer.RetentionDays != 7 {
		t.Fatalf("expected default retention_days 7, got %d", cfg.Buffer.RetentionDays)
	}
	if cfg.Buffer.MaxBackoffSeconds != 300 {
		t.Fatalf("expected default max_backoff_s 300, got %v", cfg.Buffer.MaxBackoffSeconds)
	}
	if cfg.MQTT.QoS != 1 {
		t.Fatalf("expected default mqtt.qos 1, got %d", cfg.MQTT.QoS)
	}
	if cfg.SchemaVersion != config.SupportedSchemaVersion {
		t.Fatalf("expected default schema_version %d, got %d", config.SupportedSchemaVersion, cfg.SchemaVersion)
	}
	if len(cfg.Mappings) != 1 || cfg.Mappings[0].MQTTTopic != "sensors/temp" {
		t.Fatalf("unexpected mappings: %+v", cfg.Mappings)
	}
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	path := writeConfig(t, validMinimalConfig+"\nbogus_section:\n  foo: bar\n")

	_, err := config.Load(path)
	if err == nil {
		t.Fatalf("expected error for unknown top-level key")
	}
	if !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected unknown key error, got %q", err.Error())
	}
}

func TestLoadRejectsUnsupportedSchemaVersion(t *testing.T) {
	path := writeConfig(t, "schema_version: 99\n"+validMinimalConfig)

	_, err := config.Load(path)
	if err == nil {
		t.Fatalf("expected error for unsupported schema_version")
	}
	if !strings.Contains(err.Error(), "unsupported schema_version") {
		t.Fatalf("expected schema_version error, got %q", err.Error())
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker_port: 1883
  client_id: bridge-test
opcua:
  endpoint: opc.tcp://localhost:4840
  server_name: test-server
  security_policy: None
buffer:
  db_path: buffer.db
  max_size: 10000
mappings:
  - mqtt_topic: sensors/temp
    opcua_node_id: ns=2;s=Temperature
    data_type: Float
    direction: mqtt_to_opcua
`)

	_, err := config.Load(path)
	if err == nil {
		t.Fatalf("expected validation error for missing mqtt.broker_host")
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("expected validation failed error, got %q", err.Error())
	}
}

func TestLoadRejectsInvalidDirection(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker_host: localhost
  broker_port: 1883
  client_id: bridge-test
opcua:
  endpoint: opc.tcp://localhost:4840
  server_name: test-server
  security_policy: None
buffer:
  db_path: buffer.db
  max_size: 10000
mappings:
  - mqtt_topic: sensors/temp
    opcua_node_id: ns=2;s=Temperature
    data_type: Float
    direction: sideways
`)

	_, err := config.Load(path)
	if err == nil {
		t.Fatalf("expected validation error for invalid direction")
	}
}

func TestLoadRejectsMaxBackoffBelowBaseBackoff(t *testing.T) {
	body := strings.Replace(validMinimalConfig, "max_size: 10000", "max_size: 10000\n  base_backoff_s: 30\n  max_backoff_s: 5", 1)
	path := writeConfig(t, body)

	_, err := config.Load(path)
	if err == nil {
		t.Fatalf("expected error when max_backoff_s < base_backoff_s")
	}
	if !strings.Contains(err.Error(), "max_backoff_s must be >=") {
		t.Fatalf("expected cross-field backoff error, got %q", err.Error())
	}
}

func TestLoadRejectsMissingMappings(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker_host: localhost
  broker_port: 1883
  client_id: bridge-test
opcua:
  endpoint: opc.tcp://localhost:4840
  server_name: test-server
  security_policy: None
buffer:
  db_path: buffer.db
  max_size: 10000
mappings: []
`)

	_, err := config.Load(path)
	if err == nil {
		t.Fatalf("expected error for empty mappings")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
