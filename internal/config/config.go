// Package config handles gaspanel configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // display.timezone must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/spvg/gaspanel/internal/topics"
)

// DefaultTopicBase is the topic prefix the kitchen gas devices publish under.
const DefaultTopicBase = topics.DefaultBase

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/gaspanel/config.yaml, /etc/gaspanel/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gaspanel", "config.yaml"))
	}

	paths = append(paths, "/etc/gaspanel/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all gaspanel configuration.
type Config struct {
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Devices   DevicesConfig `yaml:"devices"`
	API       APIConfig     `yaml:"api"`
	Listen    ListenConfig  `yaml:"listen"`
	Display   DisplayConfig `yaml:"display"`
	Influx    InfluxConfig  `yaml:"influx"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text, json or pretty
	LogFile   string        `yaml:"log_file"`   // optional rotated log file
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	// Broker is a URL such as tcp://test.mosquitto.org:1883 or
	// mqtts://broker.local:8883.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicBase is the prefix for leitura/status/comando topics.
	TopicBase string `yaml:"topic_base"`
	// KeepAliveSec is the MQTT keep-alive interval (default 30).
	KeepAliveSec int `yaml:"keep_alive_sec"`
	// RateLimitPerMinute caps inbound messages; excess is dropped.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// DevicesConfig names the sensor and actuator this panel follows.
type DevicesConfig struct {
	SensorMAC   string `yaml:"sensor_mac"`
	ActuatorMAC string `yaml:"actuator_mac"`
}

// APIConfig points at the history REST backend.
type APIConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the request timeout as a duration.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ListenConfig defines the web UI listener.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DisplayConfig controls how timestamps are rendered.
type DisplayConfig struct {
	Timezone string `yaml:"timezone"`
}

// InfluxConfig enables the optional InfluxDB v2 recorder.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Configured reports whether the recorder has enough settings to run.
func (c InfluxConfig) Configured() bool {
	return c.URL != "" && c.Token != "" && c.Org != "" && c.Bucket != ""
}

// Load reads configuration from a YAML file. A .env file next to the
// config is loaded first so its values are visible to ${VAR} expansion;
// variables already present in the environment win.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(dir string) {
	for _, p := range []string{filepath.Join(dir, ".env"), ".env"} {
		if _, err := os.Stat(p); err == nil {
			// godotenv.Load never overrides variables that are already set.
			_ = godotenv.Load(p)
		}
	}
}

// Default returns a configuration with every default applied. The
// device MACs are the ones shipped with the reference hardware.
func Default() *Config {
	cfg := &Config{
		MQTT: MQTTConfig{Broker: "tcp://test.mosquitto.org:1883"},
		Devices: DevicesConfig{
			SensorMAC:   "0C:B8:15:F6:82:8C",
			ActuatorMAC: "A8:42:E3:91:18:1C",
		},
		API: APIConfig{BaseURL: "http://localhost:8000/"},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MQTT.TopicBase == "" {
		c.MQTT.TopicBase = DefaultTopicBase
	}
	c.MQTT.TopicBase = strings.TrimSuffix(c.MQTT.TopicBase, "/")
	if c.MQTT.KeepAliveSec <= 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.MQTT.RateLimitPerMinute <= 0 {
		c.MQTT.RateLimitPerMinute = 600
	}
	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = 15
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Display.Timezone == "" {
		c.Display.Timezone = "America/Sao_Paulo"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandHome(c.DataDir)
	c.LogFile = expandHome(c.LogFile)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	c.Devices.SensorMAC = strings.ToUpper(strings.TrimSpace(c.Devices.SensorMAC))
	c.Devices.ActuatorMAC = strings.ToUpper(strings.TrimSpace(c.Devices.ActuatorMAC))
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

var macPattern = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2}){5}$`)

// ValidMAC reports whether s is a colon-separated hardware address.
func ValidMAC(s string) bool {
	return macPattern.MatchString(strings.ToUpper(s))
}

// Validate checks the configuration for values that would only fail
// later at connect time.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	u, err := url.Parse(c.MQTT.Broker)
	if err != nil {
		return fmt.Errorf("mqtt.broker: %w", err)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "mqtts", "ssl", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.broker: unsupported scheme %q", u.Scheme)
	}

	if !ValidMAC(c.Devices.SensorMAC) {
		return fmt.Errorf("devices.sensor_mac: invalid MAC %q", c.Devices.SensorMAC)
	}
	if !ValidMAC(c.Devices.ActuatorMAC) {
		return fmt.Errorf("devices.actuator_mac: invalid MAC %q", c.Devices.ActuatorMAC)
	}

	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Host == "" {
		return fmt.Errorf("api.base_url: invalid URL %q", c.API.BaseURL)
	}

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port out of range: %d", c.Listen.Port)
	}
	if _, err := time.LoadLocation(c.Display.Timezone); err != nil {
		return fmt.Errorf("display.timezone: %w", err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json", "pretty":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json, pretty)", c.LogFormat)
	}
	return nil
}
