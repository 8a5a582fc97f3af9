package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHeartbeatSec      = 60
	DefaultSweepSec          = 60
	DefaultSyncSec           = 60
	DefaultRequestTimeoutSec = 10
	DefaultXrayConfigPath    = "/usr/local/etc/xray/config.json"
	DefaultXrayBinary        = "xray"
	DefaultXrayAPIAddr       = "127.0.0.1:10085"
	DefaultXrayService       = "xray"
	DefaultInboundTag        = "vless-in"
)

// Config holds both panel and agent settings.
type Config struct {
	Panel *PanelConfig `yaml:"panel,omitempty"`
	Agent *AgentConfig `yaml:"agent,omitempty"`
}

// PanelConfig is used by the control-plane process.
type PanelConfig struct {
	Listen          string `yaml:"listen"`
	DataDir         string `yaml:"data_dir"`
	APIToken        string `yaml:"api_token"`
	HeartbeatSec    int    `yaml:"heartbeat_sec"`
	OfflineAfterSec int    `yaml:"offline_after_sec"`
	SweepSec        int    `yaml:"sweep_sec"`
}

// AgentConfig is used by the agent process running on a proxy node.
type AgentConfig struct {
	Name              string   `yaml:"name"`
	Panel             string   `yaml:"panel"`
	APIToken          string   `yaml:"api_token"`
	NodeID            string   `yaml:"node_id,omitempty"`
	AdvertiseIP       string   `yaml:"advertise_ip,omitempty"`
	CountryCode       string   `yaml:"country_code,omitempty"`
	CountryName       string   `yaml:"country_name,omitempty"`
	City              string   `yaml:"city,omitempty"`
	ISP               string   `yaml:"isp,omitempty"`
	SyncSec           int      `yaml:"sync_sec"`
	RequestTimeoutSec int      `yaml:"request_timeout_sec"`
	STUNServers       []string `yaml:"stun_servers,omitempty"`
	XrayConfigPath    string   `yaml:"xray_config_path"`
	XrayBinary        string   `yaml:"xray_binary"`
	XrayAPIAddr       string   `yaml:"xray_api_addr"`
	XrayService       string   `yaml:"xray_service"`
	InboundTag        string   `yaml:"inbound_tag"`
	ClientFlow        string   `yaml:"client_flow,omitempty"`
	HealthAddr        string   `yaml:"health_addr,omitempty"`
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

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Panel == nil && cfg.Agent == nil {
		return fmt.Errorf("config must contain panel or agent section")
	}
	if cfg.Panel != nil {
		if cfg.Panel.Listen == "" {
			return fmt.Errorf("panel.listen is required")
		}
		if cfg.Panel.APIToken == "" {
			return fmt.Errorf("panel.api_token is required")
		}
	}
	if cfg.Agent != nil {
		if cfg.Agent.Name == "" {
			return fmt.Errorf("agent.name is required")
		}
		if cfg.Agent.Panel == "" {
			return fmt.Errorf("agent.panel is required")
		}
		if cfg.Agent.APIToken == "" {
			return fmt.Errorf("agent.api_token is required")
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Panel != nil {
		if cfg.Panel.HeartbeatSec == 0 {
			cfg.Panel.HeartbeatSec = DefaultHeartbeatSec
		}
		if cfg.Panel.OfflineAfterSec == 0 {
			// A node is stale after missing three reporting periods.
			cfg.Panel.OfflineAfterSec = 3 * cfg.Panel.HeartbeatSec
		}
		if cfg.Panel.SweepSec == 0 {
			cfg.Panel.SweepSec = DefaultSweepSec
		}
	}

	if cfg.Agent != nil {
		if cfg.Agent.SyncSec == 0 {
			cfg.Agent.SyncSec = DefaultSyncSec
		}
		if cfg.Agent.RequestTimeoutSec == 0 {
			cfg.Agent.RequestTimeoutSec = DefaultRequestTimeoutSec
		}
		if cfg.Agent.XrayConfigPath == "" {
			cfg.Agent.XrayConfigPath = DefaultXrayConfigPath
		}
		if cfg.Agent.XrayBinary == "" {
			cfg.Agent.XrayBinary = DefaultXrayBinary
		}
		if cfg.Agent.XrayAPIAddr == "" {
			cfg.Agent.XrayAPIAddr = DefaultXrayAPIAddr
		}
		if cfg.Agent.XrayService == "" {
			cfg.Agent.XrayService = DefaultXrayService
		}
		if cfg.Agent.InboundTag == "" {
			cfg.Agent.InboundTag = DefaultInboundTag
		}
	}
}
