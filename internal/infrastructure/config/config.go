package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// systemNamespace is the UUIDv5 namespace used to derive a stable identity
// for descriptors that omit an explicit uuid.
var systemNamespace = uuid.MustParse("6f1c9a52-3d0e-5b7a-9c41-8e2d7f0a6b13")

// Config is the root configuration structure for powerd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Power    PowerConfig    `yaml:"power"`
	Systems  []SystemConfig `yaml:"systems"`
}

// SiteConfig identifies the installation this process is authoritative for.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention bounds the power_history table. Zero keeps everything.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds. Write must
// outlast the slowest power operation, since PUT waits for the hardware.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MetricsConfig contains Prometheus exporter settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// PowerConfig tunes the reconciliation engine and the hardware backends.
type PowerConfig struct {
	// CheckPeriod is the staleness window. Reads younger than this are
	// served from the persisted record without touching hardware.
	CheckPeriod time.Duration `yaml:"check_period"`

	// ApplyDelay is added to "now" when a pending transition is recorded.
	// Zero means the transition resolves on the very next read.
	ApplyDelay time.Duration `yaml:"apply_delay"`

	// OperationTimeout bounds a single get/set operation, including retries.
	// Zero disables the deadline.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// ProbeConcurrency limits parallel hardware probes during initialisation.
	ProbeConcurrency int `yaml:"probe_concurrency"`

	Retry      RetryConfig      `yaml:"retry"`
	Plug       PlugConfig       `yaml:"plug"`
	Controller ControllerConfig `yaml:"controller"`
}

// RetryConfig parameterises the retry policy wrapped around plug calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// PlugConfig contains smart-plug backend timings.
type PlugConfig struct {
	// SettleDelay is observed after a successful power-off command.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// CycleDelay is the pause between off and on in a synthesised power cycle.
	CycleDelay time.Duration `yaml:"cycle_delay"`

	// RequestTimeout bounds a single HTTP request to a plug.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ControllerConfig contains management-controller backend settings.
type ControllerConfig struct {
	// Port is the default SSH port when an address carries none.
	Port int `yaml:"port"`

	// ConnectTimeout bounds the SSH handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SystemConfig is a static device descriptor. It seeds the registry only
// for identities not already persisted.
type SystemConfig struct {
	UUID       string      `yaml:"uuid" validate:"omitempty,max=128"`
	Name       string      `yaml:"name" validate:"required,max=100"`
	PowerState string      `yaml:"power_state" validate:"omitempty,oneof=On Off"`
	Backend    string      `yaml:"backend" validate:"required,oneof=plug controller"`
	Address    string      `yaml:"address" validate:"required,max=255"`
	Username   string      `yaml:"username" validate:"max=64"`
	Password   string      `yaml:"password" validate:"max=128"`
	Node       int         `yaml:"node" validate:"gte=0,lte=64"`
	NICs       []NICConfig `yaml:"nics" validate:"dive"`
}

// NICConfig describes one static network interface of a system.
type NICConfig struct {
	Address string `yaml:"address" validate:"required,mac"`
}

// Identity returns the descriptor's uuid, or a stable UUIDv5 derived from
// its name when none was configured.
func (s SystemConfig) Identity() string {
	if s.UUID != "" {
		return s.UUID
	}
	return uuid.NewSHA1(systemNamespace, []byte(s.Name)).String()
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: POWERD_SECTION_KEY
// For example: POWERD_DATABASE_PATH, POWERD_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "powerd",
		},
		Database: DatabaseConfig{
			Path:             "./data/powerd.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 30 * 24 * time.Hour,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "powerd",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 120,
				Idle:  60,
			},
		},
		Metrics: MetricsConfig{
			Listen:    "127.0.0.1:9108",
			Namespace: "powerd",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Power: PowerConfig{
			CheckPeriod:      30 * time.Second,
			ProbeConcurrency: 4,
			Retry: RetryConfig{
				MaxAttempts: 5,
				Delay:       100 * time.Millisecond,
				MaxDelay:    time.Second,
				Multiplier:  1,
			},
			Plug: PlugConfig{
				SettleDelay:    300 * time.Millisecond,
				CycleDelay:     time.Second,
				RequestTimeout: 5 * time.Second,
			},
			Controller: ControllerConfig{
				Port:           22,
				ConnectTimeout: 10 * time.Second,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POWERD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("POWERD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("POWERD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("POWERD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("POWERD_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("POWERD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Database.HistoryRetention < 0 {
		errs = append(errs, "database.history_retention must not be negative")
	}

	if c.Power.CheckPeriod < 0 {
		errs = append(errs, "power.check_period must not be negative")
	}
	if c.Power.ApplyDelay < 0 {
		errs = append(errs, "power.apply_delay must not be negative")
	}
	if c.Power.Retry.MaxAttempts < 1 {
		errs = append(errs, "power.retry.max_attempts must be at least 1")
	}

	if c.API.Enabled && (c.API.Port < 0 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	errs = append(errs, validateSystems(c.Systems)...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateSystems checks every descriptor and the uniqueness of identities
// and names across the list.
func validateSystems(systems []SystemConfig) []string {
	var errs []string
	validate := validator.New(validator.WithRequiredStructEnabled())

	ids := make(map[string]int, len(systems))
	names := make(map[string]int, len(systems))
	for i, s := range systems {
		if err := validate.Struct(s); err != nil {
			errs = append(errs, fmt.Sprintf("systems[%d]: %v", i, err))
			continue
		}

		id := s.Identity()
		if prev, ok := ids[id]; ok {
			errs = append(errs, fmt.Sprintf("systems[%d]: uuid %q duplicates systems[%d]", i, id, prev))
		}
		ids[id] = i

		if prev, ok := names[s.Name]; ok {
			errs = append(errs, fmt.Sprintf("systems[%d]: name %q duplicates systems[%d]", i, s.Name, prev))
		}
		names[s.Name] = i
	}

	return errs
}
