package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration (CLI flags + config file).
type Config struct {
	Listen string `yaml:"listen"`

	// Controller is the upstream fleet controller REST base URL, e.g.
	// "https://controller:9000/api". ControllerWS is the matching
	// WebSocket root; when empty it is derived from Controller.
	Controller   string `yaml:"controller"`
	ControllerWS string `yaml:"controllerWs"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Insecure bool   `yaml:"insecure"`

	// DataDir holds the local setup state database.
	DataDir string `yaml:"dataDir"`

	ReconnectRetries    int `yaml:"reconnectRetries"`
	ReconnectBackoffSec int `yaml:"reconnectBackoffSec"`

	// internal: path to config file (from CLI flag)
	configFile string
}

// Parse reads CLI flags, then overlays config file values.
// CLI flags take precedence over config file values.
func Parse() *Config {
	c := &Config{}
	flag.StringVar(&c.configFile, "config", "", "Path to config file (YAML)")
	flag.StringVar(&c.Listen, "listen", "", "HTTP listen address")
	flag.StringVar(&c.Controller, "controller", "", "Fleet controller base URL")
	flag.StringVar(&c.Username, "username", "", "Controller username")
	flag.StringVar(&c.Password, "password", "", "Controller password")
	flag.StringVar(&c.DataDir, "data-dir", "", "Directory for local state")
	flag.BoolVar(&c.Insecure, "insecure", false, "Skip TLS verification for the controller")
	flag.Parse()

	// Load config file if specified
	if c.configFile != "" {
		if err := c.loadFile(c.configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file: %v\n", err)
			os.Exit(1)
		}
	}

	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.ControllerWS == "" && c.Controller != "" {
		c.ControllerWS = DeriveWSURL(c.Controller)
	}
	if c.ReconnectRetries == 0 {
		c.ReconnectRetries = 5
	}
	if c.ReconnectBackoffSec == 0 {
		c.ReconnectBackoffSec = 2
	}
}

// ReconnectBackoff is the fixed delay between reconnect attempts.
func (c *Config) ReconnectBackoff() time.Duration {
	return time.Duration(c.ReconnectBackoffSec) * time.Second
}

// loadFile reads a YAML config file. Values from the file are only applied
// if the corresponding CLI flag was not explicitly set.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// Only apply file values if CLI flag wasn't set
	if c.Listen == "" {
		c.Listen = file.Listen
	}
	if c.Controller == "" {
		c.Controller = file.Controller
	}
	if c.Username == "" {
		c.Username = file.Username
	}
	if c.Password == "" {
		c.Password = file.Password
	}
	if c.DataDir == "" {
		c.DataDir = file.DataDir
	}
	if !c.Insecure {
		c.Insecure = file.Insecure
	}

	// These have no CLI flag and always come from the config file.
	c.ControllerWS = file.ControllerWS
	c.ReconnectRetries = file.ReconnectRetries
	c.ReconnectBackoffSec = file.ReconnectBackoffSec

	return nil
}

// DeriveWSURL maps an http(s) base URL onto its ws(s) counterpart with the
// conventional /ws root.
func DeriveWSURL(controller string) string {
	ws := controller
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/ws"
}
