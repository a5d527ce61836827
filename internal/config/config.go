// Package config handles agent configuration loading.
//
// Settings come from an optional YAML file and are then overridden by
// command-line flags (see the launcher package). A missing file is not
// an error; a missing thing name or endpoint is.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned by [FindConfig] when no explicit path was
// given and nothing exists on the search path.
var ErrNoConfig = errors.New("no config file found")

// Supported MQTT protocol versions for [MQTTConfig.Protocol].
const (
	ProtocolV311 = "3.1.1"
	ProtocolV5   = "5"
)

// Supported display outputs for [DisplayConfig.Output].
const (
	OutputTerminal = "terminal"
	OutputDiscard  = "discard"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -c/--config) is checked first.
// Then: ./shadow.yaml, ~/.config/thingshadow/shadow.yaml, /etc/thingshadow/shadow.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"shadow.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "thingshadow", "shadow.yaml"))
	}

	paths = append(paths, "/etc/thingshadow/shadow.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists,
// or an error wrapping [ErrNoConfig].
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all agent configuration. Both agents share one schema;
// the display agent ignores the sensor block and vice versa.
type Config struct {
	// ThingName is the device registered with the shadow service. It
	// selects the topic namespace and the certificate directory.
	ThingName string `yaml:"thing_name"`
	// Endpoint is the broker host name, e.g. A1B71MLXKNXXXX.iot.us-east-1.amazonaws.com.
	Endpoint string `yaml:"endpoint"`
	Port     int    `yaml:"port"`

	// CertDir holds one sub-directory per thing with
	// certificate.pem.crt and private.pem.key.
	CertDir string `yaml:"cert_dir"`
	// CAFile is the trust anchor shared by all things.
	CAFile string `yaml:"ca_file"`
	// PKCS12File, when set, replaces the PEM pair under CertDir.
	PKCS12File     string `yaml:"pkcs12_file"`
	PKCS12Password string `yaml:"pkcs12_password"`

	ClientIDPrefix string `yaml:"client_id_prefix"`

	MQTT      MQTTConfig      `yaml:"mqtt"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Display   DisplayConfig   `yaml:"display"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
	// LogFile is the rotating log destination. Empty means the agent's
	// default (./logs/<agent>.log).
	LogFile string `yaml:"log_file"`
	// Verbose mirrors log output to stdout in addition to LogFile.
	Verbose bool `yaml:"verbose"`
}

// MQTTConfig selects and tunes the transport.
type MQTTConfig struct {
	// Protocol is "3.1.1" (default) or "5".
	Protocol          string `yaml:"protocol"`
	KeepAliveSec      int    `yaml:"keep_alive_sec"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
}

// ReconnectConfig is the opt-in retry policy around connecting. When
// disabled the agents fail fast on the first connection error.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxRetries   int           `yaml:"max_retries"`
}

// SensorConfig configures the DHT22 reader used by the sensor agent.
type SensorConfig struct {
	Pin int `yaml:"pin"`
	// IIODir is the sysfs directory that lists IIO devices.
	IIODir     string        `yaml:"iio_dir"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DisplayConfig configures the LED matrix surface used by the display agent.
type DisplayConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	// FontLarge and FontSmall default to ./fonts/*.bdf. An empty path
	// selects the font embedded in the binary.
	FontLarge string        `yaml:"font_large"`
	FontSmall string        `yaml:"font_small"`
	Flash     time.Duration `yaml:"flash"`
	// Output is "terminal" (default) or "discard".
	Output string `yaml:"output"`
}

// Default returns the built-in configuration. Thing name and endpoint
// have no defaults and must be supplied.
func Default() *Config {
	return &Config{
		Port:           8883,
		CertDir:        "./cert",
		CAFile:         "./cert/VeriSign-Class-3-Public-Primary-Certification-Authority-G5.pem",
		ClientIDPrefix: "consumer-",
		MQTT: MQTTConfig{
			Protocol:          ProtocolV311,
			KeepAliveSec:      60,
			ConnectTimeoutSec: 30,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 2 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			MaxRetries:   10,
		},
		Sensor: SensorConfig{
			Pin:        21,
			IIODir:     "/sys/bus/iio/devices",
			Retries:    15,
			RetryDelay: 2 * time.Second,
		},
		Display: DisplayConfig{
			Width:     32,
			Height:    32,
			FontLarge: "./fonts/10x20.bdf",
			FontSmall: "./fonts/4x6.bdf",
			Flash:     35 * time.Millisecond,
			Output:    OutputTerminal,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads configuration from a YAML file on top of [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// ConfigurationError reports every problem found by [Config.Validate].
// It is fatal: the agents exit without attempting a connection.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the configuration for the agent about to start.
// requirePin is set by the sensor agent, which cannot run without a
// GPIO pin. All problems are collected before returning.
func (c *Config) Validate(requirePin bool) error {
	var problems []string
	add := func(format string, a ...any) {
		problems = append(problems, fmt.Sprintf(format, a...))
	}

	if strings.TrimSpace(c.ThingName) == "" {
		add("no thing set; provide a thing registered in AWS IoT with -t or --thing")
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		add("no MQTT endpoint set; provide the AWS IoT endpoint with -e or --endpoint (e.g. A1B71MLXKNXXXX.iot.us-east-1.amazonaws.com)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		add("port %d out of range", c.Port)
	}
	if c.CAFile == "" {
		add("ca_file must not be empty")
	}
	if c.PKCS12File == "" && c.CertDir == "" {
		add("cert_dir must not be empty when pkcs12_file is unset")
	}

	switch c.MQTT.Protocol {
	case ProtocolV311, ProtocolV5:
	default:
		add("mqtt.protocol %q invalid (valid: %s, %s)", c.MQTT.Protocol, ProtocolV311, ProtocolV5)
	}
	if c.MQTT.KeepAliveSec < 0 || c.MQTT.KeepAliveSec > 65535 {
		add("mqtt.keep_alive_sec %d out of range", c.MQTT.KeepAliveSec)
	}
	if c.MQTT.ConnectTimeoutSec <= 0 {
		add("mqtt.connect_timeout_sec must be > 0")
	}

	if c.Reconnect.Enabled {
		if c.Reconnect.InitialDelay <= 0 {
			add("reconnect.initial_delay must be > 0")
		}
		if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
			add("reconnect.max_delay must be >= reconnect.initial_delay")
		}
		if c.Reconnect.Multiplier < 1 {
			add("reconnect.multiplier must be >= 1")
		}
		if c.Reconnect.MaxRetries <= 0 {
			add("reconnect.max_retries must be > 0")
		}
	}

	if requirePin {
		if c.Sensor.Pin < 0 {
			add("no GPIO pin set; provide the pin wired to the DHT22 sensor with -p or --pin")
		}
		if c.Sensor.Retries <= 0 {
			add("sensor.retries must be > 0")
		}
	}

	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		add("display size %dx%d invalid", c.Display.Width, c.Display.Height)
	}
	if c.Display.Flash < 0 {
		add("display.flash must not be negative")
	}
	switch c.Display.Output {
	case OutputTerminal, OutputDiscard:
	default:
		add("display.output %q invalid (valid: %s, %s)", c.Display.Output, OutputTerminal, OutputDiscard)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		add("%v", err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		add("log_format %q invalid (valid: text, json)", c.LogFormat)
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// ConnectTimeout returns the transport connect timeout as a duration.
func (m MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutSec) * time.Second
}
