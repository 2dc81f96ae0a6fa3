package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen               = ":7864"
	DefaultLivenessWindowSec    = 30
	DefaultSendQueueSize        = 64
	DefaultCommandTTLSec        = 600
	DefaultCommandTableSize     = 1024
	DefaultReportIntervalMs     = 1000
	DefaultReconnectDelaySec    = 5
	DefaultRegisterTimeoutSec   = 10
	DefaultContainerMemCacheSec = 30
	DefaultPublicAddrRefreshSec = 300
	DefaultDiskPath             = "/"
	DefaultLogLevel             = "info"

	AggregatorEnvPrefix = "GPUFLEET_AGGREGATOR"
	AgentEnvPrefix      = "GPUFLEET_AGENT"
)

// Config holds both aggregator and agent settings.
type Config struct {
	LogLevel   string            `yaml:"log_level,omitempty"`
	Aggregator *AggregatorConfig `yaml:"aggregator,omitempty"`
	Agent      *AgentConfig      `yaml:"agent,omitempty"`
}

// AggregatorConfig is used by the central aggregator process.
type AggregatorConfig struct {
	Listen            string   `yaml:"listen" split_words:"true"`
	LivenessWindowSec int      `yaml:"liveness_window_sec" split_words:"true"`
	SendQueueSize     int      `yaml:"send_queue_size" split_words:"true"`
	CommandTTLSec     int      `yaml:"command_ttl_sec" envconfig:"COMMAND_TTL_SEC"`
	CommandTableSize  int      `yaml:"command_table_size" split_words:"true"`
	AuditPath         string   `yaml:"audit_path" split_words:"true"`
	CORSOrigins       []string `yaml:"cors_origins" envconfig:"CORS_ORIGINS"`
}

// AgentConfig is used by the agent process running on a monitored host.
type AgentConfig struct {
	Hostname             string   `yaml:"hostname" split_words:"true"`
	Aggregator           string   `yaml:"aggregator" split_words:"true"`
	ReportIntervalMs     int      `yaml:"report_interval_ms" split_words:"true"`
	ReconnectDelaySec    int      `yaml:"reconnect_delay_sec" split_words:"true"`
	RegisterTimeoutSec   int      `yaml:"register_timeout_sec" split_words:"true"`
	ContainerMemCacheSec int      `yaml:"container_mem_cache_sec" split_words:"true"`
	DiskPath             string   `yaml:"disk_path" split_words:"true"`
	STUNServers          []string `yaml:"stun_servers" envconfig:"STUN_SERVERS"`
	PublicAddrRefreshSec int      `yaml:"public_addr_refresh_sec" split_words:"true"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// ApplyEnv overlays environment variables onto the sections present in cfg.
// Unset variables leave the file values untouched.
func ApplyEnv(cfg *Config) error {
	if cfg.Aggregator != nil {
		if err := envconfig.Process(AggregatorEnvPrefix, cfg.Aggregator); err != nil {
			return fmt.Errorf("aggregator env: %w", err)
		}
	}
	if cfg.Agent != nil {
		if err := envconfig.Process(AgentEnvPrefix, cfg.Agent); err != nil {
			return fmt.Errorf("agent env: %w", err)
		}
	}
	if lvl := os.Getenv("GPUFLEET_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	return nil
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Aggregator == nil && cfg.Agent == nil {
		return fmt.Errorf("config must contain aggregator or agent section")
	}
	if cfg.Aggregator != nil {
		if cfg.Aggregator.Listen == "" {
			return fmt.Errorf("aggregator.listen is required")
		}
		if cfg.Aggregator.LivenessWindowSec <= 0 {
			return fmt.Errorf("aggregator.liveness_window_sec must be positive")
		}
		if err := notNegative("aggregator", map[string]int{
			"send_queue_size":    cfg.Aggregator.SendQueueSize,
			"command_ttl_sec":    cfg.Aggregator.CommandTTLSec,
			"command_table_size": cfg.Aggregator.CommandTableSize,
		}); err != nil {
			return err
		}
	}
	if cfg.Agent != nil {
		if cfg.Agent.Hostname == "" {
			return fmt.Errorf("agent.hostname is required")
		}
		if cfg.Agent.Aggregator == "" {
			return fmt.Errorf("agent.aggregator is required")
		}
		if err := notNegative("agent", map[string]int{
			"report_interval_ms":      cfg.Agent.ReportIntervalMs,
			"reconnect_delay_sec":     cfg.Agent.ReconnectDelaySec,
			"register_timeout_sec":    cfg.Agent.RegisterTimeoutSec,
			"container_mem_cache_sec": cfg.Agent.ContainerMemCacheSec,
			"public_addr_refresh_sec": cfg.Agent.PublicAddrRefreshSec,
		}); err != nil {
			return err
		}
	}
	return nil
}

// notNegative rejects negative values; zero means "use the default".
func notNegative(section string, fields map[string]int) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if fields[name] < 0 {
			return fmt.Errorf("%s.%s must not be negative", section, name)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.Aggregator != nil {
		if cfg.Aggregator.Listen == "" {
			cfg.Aggregator.Listen = DefaultListen
		}
		if cfg.Aggregator.LivenessWindowSec == 0 {
			cfg.Aggregator.LivenessWindowSec = DefaultLivenessWindowSec
		}
		if cfg.Aggregator.SendQueueSize == 0 {
			cfg.Aggregator.SendQueueSize = DefaultSendQueueSize
		}
		if cfg.Aggregator.CommandTTLSec == 0 {
			cfg.Aggregator.CommandTTLSec = DefaultCommandTTLSec
		}
		if cfg.Aggregator.CommandTableSize == 0 {
			cfg.Aggregator.CommandTableSize = DefaultCommandTableSize
		}
	}

	if cfg.Agent != nil {
		if cfg.Agent.Hostname == "" {
			if name, err := os.Hostname(); err == nil {
				cfg.Agent.Hostname = name
			}
		}
		if cfg.Agent.ReportIntervalMs == 0 {
			cfg.Agent.ReportIntervalMs = DefaultReportIntervalMs
		}
		if cfg.Agent.ReconnectDelaySec == 0 {
			cfg.Agent.ReconnectDelaySec = DefaultReconnectDelaySec
		}
		if cfg.Agent.RegisterTimeoutSec == 0 {
			cfg.Agent.RegisterTimeoutSec = DefaultRegisterTimeoutSec
		}
		if cfg.Agent.ContainerMemCacheSec == 0 {
			cfg.Agent.ContainerMemCacheSec = DefaultContainerMemCacheSec
		}
		if cfg.Agent.DiskPath == "" {
			cfg.Agent.DiskPath = DefaultDiskPath
		}
		if cfg.Agent.PublicAddrRefreshSec == 0 {
			cfg.Agent.PublicAddrRefreshSec = DefaultPublicAddrRefreshSec
		}
	}
}
