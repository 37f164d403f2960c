// Package config provides configuration loading and validation for metareg.
// Supports YAML files with environment variable overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a metareg node.
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	Store         StoreConfig         `yaml:"store"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Reaper        ReaperConfig        `yaml:"reaper"`
	Registry      RegistryConfig      `yaml:"registry"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Authz         AuthzConfig         `yaml:"authz"`
	ObjectStore   ObjectStoreConfig   `yaml:"objectStore"`
	Observability ObservabilityConfig `yaml:"observability"`
	Genesis       GenesisConfig       `yaml:"genesis"`
}

type NodeConfig struct {
	// ID identifies this node as a maintenance participant. Empty means a
	// random UUID is generated at startup.
	ID                  string `yaml:"id" env:"METAREG_NODE_ID"`
	RoundIntervalMs     int64  `yaml:"roundIntervalMs" env:"METAREG_ROUND_INTERVAL_MS"`
	HealthAddr          string `yaml:"healthAddr" env:"METAREG_HEALTH_ADDR"`
	MempoolCapacity     int    `yaml:"mempoolCapacity" env:"METAREG_MEMPOOL_CAPACITY"`
	MaxRequestsPerRound int    `yaml:"maxRequestsPerRound" env:"METAREG_MAX_REQUESTS_PER_ROUND"`
}

// Store backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendOxia   = "oxia"
)

type StoreConfig struct {
	Backend string `yaml:"backend" env:"METAREG_STORE_BACKEND"`
	// Path is the badger data directory.
	Path                 string `yaml:"path" env:"METAREG_STORE_PATH"`
	OxiaEndpoint         string `yaml:"oxiaEndpoint" env:"METAREG_OXIA_ENDPOINT"`
	OxiaNamespace        string `yaml:"oxiaNamespace" env:"METAREG_OXIA_NAMESPACE"`
	OxiaRequestTimeoutMs int64  `yaml:"oxiaRequestTimeoutMs" env:"METAREG_OXIA_REQUEST_TIMEOUT_MS"`
	// EphemeralTTLMs bounds the lifetime of ephemeral keys on backends
	// without client sessions.
	EphemeralTTLMs int64 `yaml:"ephemeralTtlMs" env:"METAREG_STORE_EPHEMERAL_TTL_MS"`
}

type SchedulerConfig struct {
	// Interval is the number of rounds between inspection buckets.
	Interval uint64 `yaml:"interval" env:"METAREG_SCHEDULER_INTERVAL"`
}

type ReaperConfig struct {
	BatchSize     int `yaml:"batchSize" env:"METAREG_REAPER_BATCH_SIZE"`
	StepsPerRound int `yaml:"stepsPerRound" env:"METAREG_REAPER_STEPS_PER_ROUND"`
}

type RegistryConfig struct {
	MaxIDBytes   int `yaml:"maxIdBytes" env:"METAREG_REGISTRY_MAX_ID_BYTES"`
	MaxInfoBytes int `yaml:"maxInfoBytes" env:"METAREG_REGISTRY_MAX_INFO_BYTES"`
	MaxURIBytes  int `yaml:"maxUriBytes" env:"METAREG_REGISTRY_MAX_URI_BYTES"`
	MaxChunks    int `yaml:"maxChunks" env:"METAREG_REGISTRY_MAX_CHUNKS"`
}

type MaintenanceConfig struct {
	Enabled     bool   `yaml:"enabled" env:"METAREG_MAINTENANCE_ENABLED"`
	DeadlineMs  int64  `yaml:"deadlineMs" env:"METAREG_MAINTENANCE_DEADLINE_MS"`
	LeaseRounds uint64 `yaml:"leaseRounds" env:"METAREG_MAINTENANCE_LEASE_ROUNDS"`
	LeaseTTLMs  int64  `yaml:"leaseTtlMs" env:"METAREG_MAINTENANCE_LEASE_TTL_MS"`
}

// Authorization modes.
const (
	AuthzPermitAll = "permit_all"
	AuthzAllowlist = "allowlist"
)

type AuthzConfig struct {
	Mode       string   `yaml:"mode" env:"METAREG_AUTHZ_MODE"`
	Issuers    []string `yaml:"issuers" env:"METAREG_AUTHZ_ISSUERS"`
	Custodians []string `yaml:"custodians" env:"METAREG_AUTHZ_CUSTODIANS"`
}

// ObjectStoreConfig configures the S3 client used to probe s3:// delivery
// networks.
type ObjectStoreConfig struct {
	Endpoint     string `yaml:"endpoint" env:"METAREG_S3_ENDPOINT"`
	Region       string `yaml:"region" env:"METAREG_S3_REGION"`
	AccessKey    string `yaml:"accessKey" env:"METAREG_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"METAREG_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle" env:"METAREG_S3_USE_PATH_STYLE"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"METAREG_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"METAREG_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"METAREG_LOG_FORMAT"`
}

type GenesisConfig struct {
	// Path is a YAML genesis file applied at round 0 on an empty store.
	Path string `yaml:"path" env:"METAREG_GENESIS_PATH"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			RoundIntervalMs:     1000,
			HealthAddr:          ":8080",
			MempoolCapacity:     4096,
			MaxRequestsPerRound: 1024,
		},
		Store: StoreConfig{
			Backend:              BackendBadger,
			Path:                 "data",
			OxiaEndpoint:         "localhost:6648",
			OxiaNamespace:        "metareg",
			OxiaRequestTimeoutMs: 30000,
			EphemeralTTLMs:       10000,
		},
		Scheduler: SchedulerConfig{
			Interval: 10,
		},
		Reaper: ReaperConfig{
			BatchSize:     50,
			StepsPerRound: 1,
		},
		Registry: RegistryConfig{
			MaxIDBytes:   64,
			MaxInfoBytes: 1024,
			MaxURIBytes:  256,
			MaxChunks:    1024,
		},
		Maintenance: MaintenanceConfig{
			Enabled:     true,
			DeadlineMs:  2000,
			LeaseRounds: 3,
			LeaseTTLMs:  6000,
		},
		Authz: AuthzConfig{
			Mode: AuthzPermitAll,
		},
		ObjectStore: ObjectStoreConfig{
			Region: "us-east-1",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads YAML from r on top of the defaults, then applies environment
// overrides and validates the result.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads the file at path. An empty path loads the defaults
// with environment overrides.
func LoadFromPath(path string) (*Config, error) {
	if path == "" {
		return Load(bytes.NewReader(nil))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Node.RoundIntervalMs <= 0 {
		add("node.roundIntervalMs must be positive")
	}
	if c.Node.MempoolCapacity <= 0 {
		add("node.mempoolCapacity must be positive")
	}
	if c.Node.MaxRequestsPerRound <= 0 {
		add("node.maxRequestsPerRound must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Store.Path == "" {
			add("store.path is required for the badger backend")
		}
	case BackendOxia:
		if c.Store.OxiaEndpoint == "" {
			add("store.oxiaEndpoint is required for the oxia backend")
		}
	default:
		add("store.backend %q is not one of memory, badger, oxia", c.Store.Backend)
	}

	if c.Reaper.BatchSize <= 0 {
		add("reaper.batchSize must be positive")
	}
	if c.Reaper.StepsPerRound <= 0 {
		add("reaper.stepsPerRound must be positive")
	}

	if c.Registry.MaxIDBytes <= 0 || c.Registry.MaxInfoBytes <= 0 ||
		c.Registry.MaxURIBytes <= 0 || c.Registry.MaxChunks <= 0 {
		add("registry limits must be positive")
	}

	if c.Maintenance.Enabled {
		if c.Maintenance.DeadlineMs <= 0 {
			add("maintenance.deadlineMs must be positive")
		}
		if c.Maintenance.LeaseRounds == 0 {
			add("maintenance.leaseRounds must be positive")
		}
		if c.Maintenance.LeaseTTLMs <= 0 {
			add("maintenance.leaseTtlMs must be positive")
		}
	}

	switch c.Authz.Mode {
	case AuthzPermitAll, AuthzAllowlist:
	default:
		add("authz.mode %q is not one of %s, %s", c.Authz.Mode, AuthzPermitAll, AuthzAllowlist)
	}

	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("observability.logLevel %q is invalid", c.Observability.LogLevel)
	}
	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		add("observability.logFormat %q is invalid", c.Observability.LogFormat)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// RoundInterval returns the node round interval.
func (c *Config) RoundInterval() time.Duration {
	return time.Duration(c.Node.RoundIntervalMs) * time.Millisecond
}

// MaintenanceDeadline returns the per-round maintenance deadline.
func (c *Config) MaintenanceDeadline() time.Duration {
	return time.Duration(c.Maintenance.DeadlineMs) * time.Millisecond
}

// LeaseTTL returns the wall-clock lease expiry.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Maintenance.LeaseTTLMs) * time.Millisecond
}
