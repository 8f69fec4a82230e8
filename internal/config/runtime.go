package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Runtime holds the manager process configuration. Values come from an
// optional config file with environment variable overrides under the
// VULNSCAN_ prefix.
type Runtime struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Gate      GateConfig      `mapstructure:"gate"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Health    HealthConfig    `mapstructure:"health"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// TaskDefinitionPath points at the YAML task definition document; empty
	// disables declarative task loading.
	TaskDefinitionPath string `mapstructure:"task_definition_path"`
}

// DatabaseConfig configures the postgres connection pool.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`

	MaxConns int32 `mapstructure:"max_conns"`
	MinConns int32 `mapstructure:"min_conns"`
}

// DSN returns the connection string for pgxpool.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// KafkaConfig configures the job lifecycle event publisher. An empty broker
// list disables event publishing.
type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	JobLifecycleTopic string   `mapstructure:"job_lifecycle_topic"`
	ClientID          string   `mapstructure:"client_id"`
}

// VaultConfig configures the external credential store. An empty address
// disables vault-backed credentials.
type VaultConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
	StoreID string `mapstructure:"store_id"`
}

// GateConfig sets per-resource slot capacities for the shared resource gate.
// A capacity of zero disables gating for that resource.
type GateConfig struct {
	ScanUpdates      int `mapstructure:"scan_updates"`
	DBConnections    int `mapstructure:"db_connections"`
	ReportProcessing int `mapstructure:"report_processing"`
}

// SchedulerConfig bounds concurrent scan jobs.
type SchedulerConfig struct {
	// MaxActiveJobs caps how many jobs may run scans concurrently; jobs over
	// the cap queue on the remote scanner and yield their worker.
	MaxActiveJobs int `mapstructure:"max_active_jobs"`

	// LaunchRatePerSecond paces job launches; zero disables pacing.
	LaunchRatePerSecond float64 `mapstructure:"launch_rate_per_second"`
}

// PollerConfig tunes the scan progress poll loop.
type PollerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	GateTimeout time.Duration `mapstructure:"gate_timeout"`

	// RetryBudget is how many consecutive scanner connection failures a poll
	// loop tolerates before abandoning the scan.
	RetryBudget int `mapstructure:"retry_budget"`
}

// HealthConfig configures the liveness/readiness endpoint.
type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	ServiceName      string  `mapstructure:"service_name"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio"`
	Enabled          bool    `mapstructure:"enabled"`
}

// LoadRuntime reads the runtime configuration. When path is non-empty it names
// a YAML config file; environment variables prefixed with VULNSCAN_ override
// file values (e.g. VULNSCAN_DATABASE_HOST).
func LoadRuntime(path string) (*Runtime, error) {
	v := viper.New()

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "vulnscan")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("kafka.job_lifecycle_topic", "scan-job-lifecycle")
	v.SetDefault("kafka.client_id", "vulnscan-manager")

	v.SetDefault("vault.mount", "secret")

	v.SetDefault("gate.scan_updates", 3)
	v.SetDefault("gate.db_connections", 0)
	v.SetDefault("gate.report_processing", 2)

	v.SetDefault("scheduler.max_active_jobs", 10)
	v.SetDefault("scheduler.launch_rate_per_second", 0)

	v.SetDefault("poller.interval", 5*time.Second)
	v.SetDefault("poller.gate_timeout", 5*time.Second)
	v.SetDefault("poller.retry_budget", 3)

	v.SetDefault("health.addr", ":8080")

	v.SetDefault("telemetry.service_name", "vulnscan-manager")
	v.SetDefault("telemetry.sampling_ratio", 1.0)
	v.SetDefault("telemetry.enabled", false)

	v.SetEnvPrefix("VULNSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Runtime
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling runtime config: %w", err)
	}
	return &cfg, nil
}
