// Package config loads the relay configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kalifun/fleetlink/errors"
	"github.com/kalifun/fleetlink/pkg/converter/vda5050"
	"github.com/kalifun/fleetlink/pkg/monitor"
	"github.com/kalifun/fleetlink/pkg/scenario"
	"github.com/kalifun/fleetlink/pkg/transport/mqtt"
	"github.com/kalifun/fleetlink/pkg/transport/tcp"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerID        = "ACS_SERVER"
	DefaultRelayListen     = ":9001"
	DefaultMonitorListen   = ":9002"
	DefaultQueueSize       = 256
	DefaultMirrorTopic     = "fleet/monitor"
	DefaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	ServerID        string          `yaml:"server_id"`
	Relay           tcp.Config      `yaml:"relay"`
	Monitor         MonitorConfig   `yaml:"monitor"`
	Scenario        scenario.Config `yaml:"scenario"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
	Bridge          BridgeConfig    `yaml:"bridge"`
	Log             LogConfig       `yaml:"log"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

type MonitorConfig struct {
	monitor.Config `yaml:",inline"`
	// QueueSize is the per-observer buffer of the broadcast bus.
	QueueSize int `yaml:"queue_size"`
}

// MQTTConfig enables the MQTT mirror. The broker settings are shared with the
// bridge.
type MQTTConfig struct {
	mqtt.Config `yaml:",inline"`
	Enabled     bool   `yaml:"enabled"`
	MirrorTopic string `yaml:"mirror_topic"`
}

type BridgeConfig struct {
	vda5050.Config `yaml:",inline"`
	Enabled        bool `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ServerID: DefaultServerID,
		Relay:    tcp.Config{Listen: DefaultRelayListen},
		Monitor: MonitorConfig{
			Config:    monitor.Config{Listen: DefaultMonitorListen, Path: "/monitor"},
			QueueSize: DefaultQueueSize,
		},
		Scenario: scenario.DefaultConfig(),
		MQTT: MQTTConfig{
			Config:      mqtt.DefaultConfig(),
			MirrorTopic: DefaultMirrorTopic,
		},
		Log:             LogConfig{Level: "info", Format: "text"},
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults restores defaults for values a file set to zero.
func (c *Config) fillDefaults() {
	def := Default()
	if c.ServerID == "" {
		c.ServerID = def.ServerID
	}
	if c.Relay.Listen == "" {
		c.Relay.Listen = def.Relay.Listen
	}
	if c.Monitor.Listen == "" {
		c.Monitor.Listen = def.Monitor.Listen
	}
	if c.Monitor.QueueSize <= 0 {
		c.Monitor.QueueSize = def.Monitor.QueueSize
	}
	if c.MQTT.MirrorTopic == "" {
		c.MQTT.MirrorTopic = def.MQTT.MirrorTopic
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}

func (c *Config) Validate() error {
	if c.Relay.ReadTimeout < 0 {
		return errors.ConfigurationError.Args("relay.read_timeout must not be negative")
	}
	if c.Scenario.StartupDelay < 0 {
		return errors.ConfigurationError.Args("scenario.startup_delay must not be negative")
	}
	if !strings.HasPrefix(c.Monitor.Path, "/") && c.Monitor.Path != "" {
		return errors.ConfigurationError.Args("monitor.path must start with /")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.ConfigurationError.Args(fmt.Sprintf("unknown log format %q", c.Log.Format))
	}
	if c.Bridge.Enabled && !c.MQTT.Enabled {
		return errors.ConfigurationError.Args("bridge requires mqtt.enabled")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.ConfigurationError.Args("broker URL is required")
		}
		if c.MQTT.QoS > 2 {
			return errors.ConfigurationError.Args("QoS must be 0, 1, or 2")
		}
	}
	return nil
}
