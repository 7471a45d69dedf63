package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime settings for a gossipnet node.
type Config struct {
	ListenAddress  string `toml:"ListenAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	IdentityPath   string `toml:"IdentityPath"`

	NetworkID     uint64 `toml:"NetworkID"`
	NetworkName   string `toml:"NetworkName"`
	ClientVersion string `toml:"ClientVersion"`
	NodeType      string `toml:"NodeType"`

	// Subscriptions lists the peers this node keeps subscriptions open to,
	// in nodeID@host:port form.
	Subscriptions []string `toml:"Subscriptions"`

	StartIntervalSeconds    uint `toml:"StartIntervalSeconds"`
	KeepaliveSeconds        uint `toml:"KeepaliveSeconds"`
	HandshakeTimeoutSeconds uint `toml:"HandshakeTimeoutSeconds"`
	ReadTimeoutSeconds      uint `toml:"ReadTimeoutSeconds"`
	WriteTimeoutSeconds     uint `toml:"WriteTimeoutSeconds"`
	RedialDelaySeconds      uint `toml:"RedialDelaySeconds"`

	MaxMessageBytes int     `toml:"MaxMessageBytes"`
	RateMsgsPerSec  float64 `toml:"RateMsgsPerSec"`
	RateBurst       float64 `toml:"RateBurst"`

	// LogFile enables rotating file output when set; empty logs to stdout
	// only.
	LogFile string `toml:"LogFile"`
}

// Load reads the configuration at path, writing a default file first when
// none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working node.
func Validate(cfg *Config) error {
	if cfg.ListenAddress == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if cfg.IdentityPath == "" {
		return fmt.Errorf("config: IdentityPath required")
	}
	if cfg.NetworkName == "" {
		return fmt.Errorf("config: NetworkName required")
	}
	if cfg.MaxMessageBytes <= 0 {
		return fmt.Errorf("config: MaxMessageBytes must be positive")
	}
	if cfg.KeepaliveSeconds == 0 {
		return fmt.Errorf("config: KeepaliveSeconds must be positive")
	}
	if cfg.ReadTimeoutSeconds <= cfg.KeepaliveSeconds {
		return fmt.Errorf("config: ReadTimeoutSeconds must exceed KeepaliveSeconds or idle subscriptions will be cut")
	}
	return nil
}

// StartInterval returns the initial keep-alive arm duration.
func (c *Config) StartInterval() time.Duration {
	return time.Duration(c.StartIntervalSeconds) * time.Second
}

// Keepalive returns the ratcheted probe cadence.
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveSeconds) * time.Second
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

func (c *Config) RedialDelay() time.Duration {
	return time.Duration(c.RedialDelaySeconds) * time.Second
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7201"
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = "127.0.0.1:7290"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./gossipnet-data"
	}
	if cfg.IdentityPath == "" {
		cfg.IdentityPath = filepath.Join(cfg.DataDir, "node.key")
	}
	if cfg.NetworkName == "" {
		cfg.NetworkName = "gossipnet-local"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "gossipd/0.1"
	}
	if cfg.NodeType == "" {
		cfg.NodeType = "edge"
	}
	if cfg.Subscriptions == nil {
		cfg.Subscriptions = []string{}
	}
	if cfg.StartIntervalSeconds == 0 {
		cfg.StartIntervalSeconds = 40
	}
	if cfg.KeepaliveSeconds == 0 {
		cfg.KeepaliveSeconds = 20
	}
	if cfg.HandshakeTimeoutSeconds == 0 {
		cfg.HandshakeTimeoutSeconds = 5
	}
	if cfg.ReadTimeoutSeconds == 0 {
		cfg.ReadTimeoutSeconds = 90
	}
	if cfg.WriteTimeoutSeconds == 0 {
		cfg.WriteTimeoutSeconds = 5
	}
	if cfg.RedialDelaySeconds == 0 {
		cfg.RedialDelaySeconds = 5
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 1 << 16
	}
	if cfg.RateMsgsPerSec == 0 {
		cfg.RateMsgsPerSec = 8
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 32
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
