package server

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sdv-playground/sovdd/internal/ecu"
	"github.com/sdv-playground/sovdd/internal/gateway"
	"github.com/sdv-playground/sovdd/internal/proxy"
)

// Config holds the full server configuration: the HTTP listener plus the
// entity tree (ECU backends, gateways, proxies).
type Config struct {
	Server ServerConfig `yaml:"server"`

	Ecus     []ecu.Config     `yaml:"ecus,omitempty"`
	Gateways []gateway.Config `yaml:"gateways,omitempty"`
	Proxies  []proxy.Config   `yaml:"proxies,omitempty"`

	path string
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Verbose    bool   `yaml:"verbose"`
}

// DefaultConfig returns a config with a demo ECU on the mock transport so
// the server comes up without a bus attached.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":9266",
		},
		Ecus: []ecu.Config{
			{
				ID:   "demo",
				Name: "Demo ECU",
			},
		},
	}
}

// LoadConfig reads config from a YAML file, then applies environment
// variable overrides. Falls back to defaults if the file is missing.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Errorf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infof("[config] loaded from %s", path)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides reads the supported environment variables. The single
// verbosity knob SOVDD_VERBOSE is the only environment influence on the
// core; LISTEN_ADDR is a deployment convenience for the outer server.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("SOVDD_VERBOSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Server.Verbose = b
		}
	}
}

// Validate rejects configurations the entity builder cannot wire.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	claim := func(id, kind string) error {
		if id == "" {
			return fmt.Errorf("%s with empty id", kind)
		}
		if seen[id] {
			return fmt.Errorf("duplicate entity id %q", id)
		}
		seen[id] = true
		return nil
	}

	for _, e := range c.Ecus {
		if err := claim(e.ID, "ecu"); err != nil {
			return err
		}
	}
	for _, p := range c.Proxies {
		if err := claim(p.ID, "proxy"); err != nil {
			return err
		}
	}
	for _, g := range c.Gateways {
		if err := claim(g.ID, "gateway"); err != nil {
			return err
		}
		for _, child := range g.Children {
			if !seen[child] {
				return fmt.Errorf("gateway %q references unknown child %q", g.ID, child)
			}
		}
	}
	return nil
}
