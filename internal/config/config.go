// Package config loads and validates the bridge's YAML configuration
// (SPEC_FULL.md §6.1), following the same viper-plus-validator shape the
// loanservice-style config packages in the retrieval pack use.
package config

import (
	"fmt"
	"strings"

	goValidator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SupportedSchemaVersion is the only schema_version this build accepts.
// A config file omitting the field is treated as version 1.
const SupportedSchemaVersion = 1

// Config is the root of the validated configuration record.
type Config struct {
	SchemaVersion int            `mapstructure:"schema_version"`
	MQTT          MQTTConfig     `mapstructure:"mqtt" validate:"required"`
	OPCUA         OPCUAConfig    `mapstructure:"opcua" validate:"required"`
	Buffer        BufferConfig   `mapstructure:"buffer" validate:"required"`
	Mappings      []MappingEntry `mapstructure:"mappings" validate:"required,min=1,dive"`
}

// MQTTConfig describes the MQTT transport (§6.1, external collaborator —
// only its connection parameters are the bridge's concern).
type MQTTConfig struct {
	BrokerHost  string `mapstructure:"broker_host" validate:"required"`
	BrokerPort  int    `mapstructure:"broker_port" validate:"required"`
	ClientID    string `mapstructure:"client_id" validate:"required"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	QoS         int    `mapstructure:"qos" validate:"min=0,max=2"`
	TLSEnabled  bool   `mapstructure:"tls_enabled"`
	CACert      string `mapstructure:"ca_cert"`
	ClientCert  string `mapstructure:"client_cert"`
	ClientKey   string `mapstructure:"client_key"`
}

// OPCUAConfig describes the OPC-UA server this bridge writes into.
type OPCUAConfig struct {
	Endpoint        string `mapstructure:"endpoint" validate:"required"`
	ServerName      string `mapstructure:"server_name" validate:"required"`
	Namespace       int    `mapstructure:"namespace"`
	SecurityPolicy  string `mapstructure:"security_policy" validate:"required"`
	Certificate     string `mapstructure:"certificate"`
	PrivateKey      string `mapstructure:"private_key"`
	AllowAnonymous  bool   `mapstructure:"allow_anonymous"`
}

// BufferConfig tunes the persistent buffer's core knobs (§4.1-§4.4).
type BufferConfig struct {
	DBPath               string `mapstructure:"db_path" validate:"required"`
	MaxSize              int    `mapstructure:"max_size" validate:"required,min=1"`
	WorkerThreads        int    `mapstructure:"worker_threads" validate:"min=1"`
	LeaseDurationSeconds int    `mapstructure:"lease_duration_s" validate:"min=1"`
	PerMessageTimeoutS   int    `mapstructure:"per_message_timeout_s" validate:"min=1"`
	CleanupIntervalS     int    `mapstructure:"cleanup_interval_s" validate:"min=1"`
	RetentionDays        int    `mapstructure:"retention_days" validate:"min=1"`
	MessageTTLMinutes    float64 `mapstructure:"message_ttl_minutes" validate:"min=0"`
	BaseBackoffSeconds   float64 `mapstructure:"base_backoff_s" validate:"min=0"`
	MaxBackoffSeconds    float64 `mapstructure:"max_backoff_s" validate:"min=0"`
	MaxRetries           int    `mapstructure:"max_retries" validate:"min=0"`
	BatchSize            int    `mapstructure:"batch_size" validate:"min=1"`
}

// MappingEntry is one row of the static mapping table (§4.5).
type MappingEntry struct {
	MQTTTopic  string `mapstructure:"mqtt_topic" validate:"required"`
	OPCUANode  string `mapstructure:"opcua_node_id" validate:"required"`
	DataType   string `mapstructure:"data_type" validate:"required"`
	Direction  string `mapstructure:"direction" validate:"required,oneof=mqtt_to_opcua opcua_to_mqtt bidirectional"`
	Priority   string `mapstructure:"priority"`
	MaxRetries int    `mapstructure:"max_retries"`
	Coalesce   bool   `mapstructure:"coalesce"`
}

// Defaults applied when the corresponding buffer.* key is absent (§4.2-§4.4).
func setDefaults(v *viper.Viper) {
	v.SetDefault("buffer.worker_threads", 2)
	v.SetDefault("buffer.lease_duration_s", 60)
	v.SetDefault("buffer.per_message_timeout_s", 10)
	v.SetDefault("buffer.cleanup_interval_s", 60)
	v.SetDefault("buffer.retention_days", 7)
	v.SetDefault("buffer.message_ttl_minutes", 60)
	v.SetDefault("buffer.base_backoff_s", 1)
	v.SetDefault("buffer.max_backoff_s", 300)
	v.SetDefault("buffer.max_retries", 5)
	v.SetDefault("buffer.batch_size", 16)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("schema_version", SupportedSchemaVersion)
}

// Load reads the YAML file at path, applies defaults, rejects unknown
// top-level keys, validates required fields and returns a populated
// Config.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := rejectUnknownKeys(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if cfg.SchemaVersion != SupportedSchemaVersion {
		return nil, fmt.Errorf("config: unsupported schema_version %d, expected %d", cfg.SchemaVersion, SupportedSchemaVersion)
	}

	validate := goValidator.New()
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(goValidator.ValidationErrors); ok {
			var msgs []string
			for _, ve := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: %s", ve.StructNamespace(), ve.Tag()))
			}
			return nil, fmt.Errorf("config: validation failed: %s", strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	if cfg.Buffer.MaxBackoffSeconds < cfg.Buffer.BaseBackoffSeconds {
		return nil, fmt.Errorf("config: buffer.max_backoff_s must be >= buffer.base_backoff_s")
	}

	return cfg, nil
}

var knownTopLevelKeys = map[string]struct{}{
	"schema_version": {},
	"mqtt":           {},
	"opcua":          {},
	"buffer":         {},
	"mappings":       {},
}

func rejectUnknownKeys(v *viper.Viper) error {
	for _, key := range v.AllKeys() {
		top := strings.SplitN(key, ".", 2)[0]
		if _, ok := knownTopLevelKeys[top]; !ok {
			return fmt.Errorf("config: unknown key %q", key)
		}
	}
	return nil
}
