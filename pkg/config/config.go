package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the middlewared configuration file.
type Config struct {
	NodeID       string          `yaml:"node_id" validate:"required"`
	Version      string          `yaml:"version" validate:"required"`
	StateDir     string          `yaml:"state_dir" validate:"required"`
	LogsDir      string          `yaml:"logs_dir" validate:"required"`
	DatabasePath string          `yaml:"database_path" validate:"required"`
	LicensePath  string          `yaml:"license_path"`
	Listen       ListenConfig    `yaml:"listen"`
	Jobs         JobsConfig      `yaml:"jobs"`
	HA           HAConfig        `yaml:"ha"`
	DLM          DLMConfig       `yaml:"dlm"`
	Cache        CacheConfig     `yaml:"cache"`
	Hooks        HooksConfig     `yaml:"hooks"`
	Datastore    DatastoreConfig `yaml:"datastore"`
	Users        []UserConfig    `yaml:"users" validate:"dive"`
	Tracing      TracingConfig   `yaml:"tracing"`
}

type ListenConfig struct {
	HTTP string `yaml:"http" validate:"required,hostname_port"`
	GRPC string `yaml:"grpc" validate:"omitempty,hostname_port"`
}

type JobsConfig struct {
	RingSize     int           `yaml:"ring_size" validate:"gte=1"`
	AbortTimeout time.Duration `yaml:"abort_timeout" validate:"gt=0"`
	ProgressRate float64       `yaml:"progress_rate" validate:"gt=0"`
}

type HAConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Node          string        `yaml:"node" validate:"omitempty,oneof=A B"`
	PeerURL       string        `yaml:"peer_url" validate:"required_if=Enabled true"`
	PeerGRPC      string        `yaml:"peer_grpc" validate:"omitempty,hostname_port"`
	PeerUsername  string        `yaml:"peer_username"`
	PeerPassword  string        `yaml:"peer_password"`
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gt=0"`
}

type DLMNode struct {
	ID int    `yaml:"id" validate:"gte=1"`
	IP string `yaml:"ip" validate:"required,ipv4"`
}

type DLMConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ClusterName   string        `yaml:"cluster_name" validate:"required_if=Enabled true"`
	SysRoot       string        `yaml:"sys_root" validate:"required"`
	ConfigRoot    string        `yaml:"config_root" validate:"required"`
	Port          int           `yaml:"port" validate:"gte=1,lte=65535"`
	Mark          *int          `yaml:"mark"`
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gt=0"`
	Nodes         []DLMNode     `yaml:"nodes" validate:"dive"`
}

type CacheConfig struct {
	JanitorInterval time.Duration `yaml:"janitor_interval" validate:"gt=0"`
}

type HooksConfig struct {
	Workers int `yaml:"workers" validate:"gte=1"`
}

type DatastoreConfig struct {
	RequiredTables []string `yaml:"required_tables"`
	ReadPoolSize   int      `yaml:"read_pool_size" validate:"gte=1"`
}

type UserConfig struct {
	Username     string   `yaml:"username" validate:"required"`
	PasswordHash string   `yaml:"password_hash" validate:"required"`
	Roles        []string `yaml:"roles" validate:"min=1"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with every field set to a usable value.
func Default() *Config {
	return &Config{
		NodeID:       "node-a",
		Version:      "25.04.0",
		StateDir:     "/var/db/middlewared",
		LogsDir:      "/var/log/middlewared",
		DatabasePath: "/data/freenas-v1.db",
		LicensePath:  "/data/license",
		Listen: ListenConfig{
			HTTP: "127.0.0.1:6000",
			GRPC: "127.0.0.1:6001",
		},
		Jobs: JobsConfig{
			RingSize:     1024,
			AbortTimeout: 10 * time.Second,
			ProgressRate: 10,
		},
		HA: HAConfig{
			Node:          "A",
			RetryInterval: 5 * time.Second,
		},
		DLM: DLMConfig{
			ClusterName:   "HA",
			SysRoot:       "/sys/kernel/dlm",
			ConfigRoot:    "/sys/kernel/config/dlm",
			Port:          21064,
			RetryInterval: 5 * time.Second,
			Nodes: []DLMNode{
				{ID: 1, IP: "169.254.10.1"},
				{ID: 2, IP: "169.254.10.2"},
			},
		},
		Cache: CacheConfig{
			JanitorInterval: 30 * time.Second,
		},
		Hooks: HooksConfig{
			Workers: 8,
		},
		Datastore: DatastoreConfig{
			ReadPoolSize: 4,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field and reports all failures in one error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// JournalPath is the on-disk HA journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.StateDir, "ha-journal")
}

// PersistentCachePath is the bbolt file backing the persistent cache.
func (c *Config) PersistentCachePath() string {
	return filepath.Join(c.StateDir, "cache.db")
}

// JobLogsDir is the directory holding per-job log files.
func (c *Config) JobLogsDir() string {
	return filepath.Join(c.LogsDir, "jobs")
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
