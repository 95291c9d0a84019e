// Package config loads the controller's static configuration from a TOML
// file (spec §6.3). Loading itself is ambient plumbing — the traffic engine
// only ever consumes the resulting Config value.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// Server describes one tunnel server the controller is allowed to place
// traffic on.
type Server struct {
	NodeName   string `toml:"node_name"`
	PortRange  [2]int `toml:"port_range"`
	RemoteAddr string `toml:"remote_addr"`
}

// App holds the controller's own HTTP surface settings.
type App struct {
	AuthToken       string `toml:"auth_token"`
	CleanupInterval int    `toml:"cleanup_interval"` // seconds
}

// Cache describes the shared KV store endpoint. An empty URL is left empty
// here; cmd/server replaces it with redis://127.0.0.1:6379/0.
type Cache struct {
	URL string `toml:"url"`
}

// Master describes how to reach and authenticate against the tunnel master.
type Master struct {
	APIBase  string `toml:"api_base"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Config is the root configuration document.
type Config struct {
	App    App      `toml:"app"`
	Cache  Cache    `toml:"cache"`
	Master Master   `toml:"master"`
	Server []Server `toml:"server"`
}

// defaultCleanupInterval is used when app.cleanup_interval is unset or zero.
const defaultCleanupInterval = 60

// Load reads and parses the TOML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.App.CleanupInterval <= 0 {
		cfg.App.CleanupInterval = defaultCleanupInterval
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.App.AuthToken == "" {
		return fmt.Errorf("app.auth_token is required")
	}
	if c.Master.APIBase == "" {
		return fmt.Errorf("master.api_base is required")
	}
	if len(c.Server) == 0 {
		return fmt.Errorf("at least one [[server]] entry is required")
	}
	for _, s := range c.Server {
		if s.NodeName == "" {
			return fmt.Errorf("server entry missing node_name")
		}
		if s.PortRange[0] <= 0 || s.PortRange[1] < s.PortRange[0] {
			return fmt.Errorf("server %s: invalid port_range %v", s.NodeName, s.PortRange)
		}
	}
	return nil
}

// NodeNames returns the configured servers keyed by node name, used by the
// Traffic Manager to intersect against the master's reported server list
// (spec §4.3 step 4a).
func (c *Config) NodeNames() map[string]Server {
	out := make(map[string]Server, len(c.Server))
	for _, s := range c.Server {
		out[s.NodeName] = s
	}
	return out
}
