// Package config loads and validates the router's TOML configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk router configuration. Durations are expressed in
// seconds to keep the TOML surface free of unit-string parsing.
type Config struct {
	DataDir        string   `toml:"DataDir"`
	MetricsAddress string   `toml:"MetricsAddress"`
	NetworkName    string   `toml:"NetworkName"`
	Env            string   `toml:"Env"`
	UserAgent      string   `toml:"UserAgent"`
	MaxSessions    int64    `toml:"MaxSessions"`
	StaticPeers    []string `toml:"StaticPeers"`
	DNSSeeds       []string `toml:"DNSSeeds"`
	SeedPort       uint16   `toml:"SeedPort"`

	DialTimeoutSeconds       int `toml:"DialTimeoutSeconds"`
	HandshakeTimeoutSeconds  int `toml:"HandshakeTimeoutSeconds"`
	KeepAliveIntervalSeconds int `toml:"KeepAliveIntervalSeconds"`
	ReadTimeoutSeconds       int `toml:"ReadTimeoutSeconds"`
	RefillIntervalSeconds    int `toml:"RefillIntervalSeconds"`
	GetAddrIntervalSeconds   int `toml:"GetAddrIntervalSeconds"`

	LogFile      string `toml:"LogFile"`
	LogMaxSizeMB int    `toml:"LogMaxSizeMB"`
}

// Load reads the configuration at path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without touching the disk.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./router-data"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9330"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "mainnet"
	}
	if cfg.StaticPeers == nil {
		cfg.StaticPeers = []string{}
	}
	if len(cfg.DNSSeeds) == 0 {
		cfg.DNSSeeds = []string{
			"seed.bitcoin.sipa.be",
			"dnsseed.bluematt.me",
			"seed.bitcoinstats.com",
		}
	}
	if cfg.SeedPort == 0 {
		cfg.SeedPort = 8333
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 200
	}
	if cfg.DialTimeoutSeconds <= 0 {
		cfg.DialTimeoutSeconds = 10
	}
	if cfg.HandshakeTimeoutSeconds <= 0 {
		cfg.HandshakeTimeoutSeconds = 10
	}
	if cfg.KeepAliveIntervalSeconds <= 0 {
		cfg.KeepAliveIntervalSeconds = 30
	}
	if cfg.ReadTimeoutSeconds <= 0 {
		cfg.ReadTimeoutSeconds = 90
	}
	if cfg.RefillIntervalSeconds <= 0 {
		cfg.RefillIntervalSeconds = 3
	}
	if cfg.GetAddrIntervalSeconds <= 0 {
		cfg.GetAddrIntervalSeconds = 300
	}
	if cfg.LogMaxSizeMB <= 0 {
		cfg.LogMaxSizeMB = 100
	}
}

// Validate rejects configurations that would fail at startup anyway, so
// the operator sees one coherent error instead of a runtime surprise.
func (cfg *Config) Validate() error {
	if _, _, err := net.SplitHostPort(cfg.MetricsAddress); err != nil {
		return fmt.Errorf("invalid MetricsAddress %q: %w", cfg.MetricsAddress, err)
	}
	for _, peer := range cfg.StaticPeers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("invalid static peer %q: %w", peer, err)
		}
	}
	for _, seed := range cfg.DNSSeeds {
		if strings.TrimSpace(seed) == "" {
			return fmt.Errorf("empty DNS seed host")
		}
	}
	if cfg.HandshakeTimeoutSeconds >= cfg.ReadTimeoutSeconds {
		return fmt.Errorf("HandshakeTimeoutSeconds (%d) must be below ReadTimeoutSeconds (%d)",
			cfg.HandshakeTimeoutSeconds, cfg.ReadTimeoutSeconds)
	}
	return nil
}

// createDefault writes the built-in configuration to path and returns it.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
