// Package config loads the coordinator's configuration surface (spec §6):
// storage/bus backend selection, domain endpoint targets, and the
// coordinator's own tunables (max_cascade_depth, append_retries,
// call_timeout, sync_mode_default).
//
// Grounded on cuemby-warren's cmd/warren YAML-file-plus-cobra-flags
// pattern (cmd/warren/apply.go): read a YAML file named by a --config
// flag, unmarshal with gopkg.in/yaml.v3, and let the PORT, TRANSPORT_TYPE
// and UDS_BASE_PATH environment variables override the handful of
// deployment knobs that must work without a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint names a domain-facing gRPC target the coordinator calls out to.
type Endpoint struct {
	Domain string `yaml:"domain"`
	Addr   string `yaml:"addr"`
}

// Subscription names one (domain, optional type filter) a projector, saga,
// or process manager listens to -- spec §6's "subscription pattern" /
// "source subscription" / "subscriptions (multi-domain)".
type Subscription struct {
	Domain string   `yaml:"domain"`
	Types  []string `yaml:"types,omitempty"`
}

// ProjectorConfig binds one configured projector (spec §6 projectors[*]:
// name, subscription pattern, endpoint, sync flag).
type ProjectorConfig struct {
	Name   string       `yaml:"name"`
	Source Subscription `yaml:"source"`
	Addr   string       `yaml:"addr"`
	Sync   bool         `yaml:"sync"` // parsed but not read: SIMPLE/CASCADE invoke every registered projector whose source matches
}

// SagaConfig binds one configured saga (spec §6 sagas[*]: name, source
// subscription, destination domain, endpoint).
type SagaConfig struct {
	Name        string       `yaml:"name"`
	Source      Subscription `yaml:"source"`
	Destination string       `yaml:"destination_domain"`
	Addr        string       `yaml:"addr"`
}

// ProcessManagerConfig binds one configured process manager (spec §6
// process_managers[*]: name, subscriptions (multi-domain), endpoint).
type ProcessManagerConfig struct {
	Name       string         `yaml:"name"`
	Sources    []Subscription `yaml:"sources"`
	Addr       string         `yaml:"addr"`
	HasPrepare bool           `yaml:"has_prepare"`
}

// UpcasterConfig binds one link in a domain's ordered upcast chain (spec §6
// upcasters[*]: ordered chain per domain, endpoint).
type UpcasterConfig struct {
	Domain string `yaml:"domain"`
	Addr   string `yaml:"addr"`
	Order  int    `yaml:"order"`
}

// Storage selects and configures the event log backend.
type Storage struct {
	Kind     string `yaml:"kind"` // "bolt" | "postgres"
	BoltPath string `yaml:"bolt_path,omitempty"`
	PgDSN    string `yaml:"pg_dsn,omitempty"`
	MongoURI string `yaml:"mongo_uri,omitempty"` // optional projection/snapshot side-store
}

// Bus selects and configures the event transport backend.
type Bus struct {
	Kind    string `yaml:"kind"` // "chan" | "amqp"
	AmqpURL string `yaml:"amqp_url,omitempty"`
}

// Lease configures the advisory per-root lease signal.
type Lease struct {
	RedisAddr string        `yaml:"redis_addr,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
}

// Coordinator holds the coordinator's own tunables.
type Coordinator struct {
	MaxCascadeDepth int           `yaml:"max_cascade_depth"`
	AppendRetries   int           `yaml:"append_retries"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	SnapshotEveryN  int           `yaml:"snapshot_every_n"`
}

// Ingress configures the coordinator-facing services.
type Ingress struct {
	Port             string `yaml:"port"`
	TransportType    string `yaml:"transport_type"` // "tcp" | "uds"
	UDSBasePath      string `yaml:"uds_base_path,omitempty"`
	EnableReflection bool   `yaml:"enable_reflection"`
	MetricsPort      string `yaml:"metrics_port"`
	SyncModeDefault  string `yaml:"sync_mode_default"` // "NONE" | "SIMPLE" | "CASCADE" (spec §6)
}

// Config is the coordinator's complete configuration surface.
type Config struct {
	Storage         Storage                `yaml:"storage"`
	Bus             Bus                    `yaml:"bus"`
	Lease           Lease                  `yaml:"lease"`
	Coordinator     Coordinator            `yaml:"coordinator"`
	Ingress         Ingress                `yaml:"ingress"`
	Aggregates      []Endpoint             `yaml:"aggregates"`
	Projectors      []ProjectorConfig      `yaml:"projectors"`
	Sagas           []SagaConfig           `yaml:"sagas"`
	ProcessManagers []ProcessManagerConfig `yaml:"process_managers"`
	Upcasters       []UpcasterConfig       `yaml:"upcasters"`
}

// Default returns the configuration defaults named in spec §5 (max cascade
// depth 32, append retries 5) and §6, before any file or env override.
func Default() *Config {
	return &Config{
		Storage: Storage{Kind: "bolt", BoltPath: "angzarr.db"},
		Bus:     Bus{Kind: "chan"},
		Coordinator: Coordinator{
			MaxCascadeDepth: 32,
			AppendRetries:   5,
			CallTimeout:     10 * time.Second,
		},
		Ingress: Ingress{
			Port:            "8080",
			TransportType:   "tcp",
			MetricsPort:     "9090",
			SyncModeDefault: "NONE",
		},
	}
}

// Load reads and parses a YAML configuration file, applying it on top of
// Default(). An empty path skips the file and returns the defaults; the
// environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides mirrors client/go/server.go's TRANSPORT_TYPE /
// UDS_BASE_PATH / PORT environment knobs so coordinator deployments can be
// configured without a file in container-orchestrated environments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Ingress.Port = v
	}
	if v := os.Getenv("TRANSPORT_TYPE"); v != "" {
		cfg.Ingress.TransportType = v
	}
	if v := os.Getenv("UDS_BASE_PATH"); v != "" {
		cfg.Ingress.UDSBasePath = v
	}
}
