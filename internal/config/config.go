package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete recorder configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Device           DeviceConfig    `yaml:"device"`
	Recording        RecordingConfig `yaml:"recording"`
	Timeouts         TimeoutsConfig  `yaml:"timeouts"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	HTTP             HTTPConfig      `yaml:"http"`
	Gallery          GalleryConfig   `yaml:"gallery"`
	Log              LogConfig       `yaml:"log"`
}

// DeviceConfig selects the capture device
type DeviceConfig struct {
	ID          string `yaml:"id"`           // e.g. /dev/video0
	PreviewSink string `yaml:"preview_sink"` // GStreamer sink element for the preview branch
}

// RecordingConfig contains the recorded stream format
type RecordingConfig struct {
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	FrameRate    int    `yaml:"frame_rate"`
	BitDepth     int    `yaml:"bit_depth"`     // 8 or 10
	ColorProfile string `yaml:"color_profile"` // catalog name, e.g. "Rec.709"
	OutputDir    string `yaml:"output_dir"`
	Acceleration string `yaml:"acceleration"` // auto, vaapi, software
}

// TimeoutsConfig contains bounded-wait settings
type TimeoutsConfig struct {
	SessionCloseMs int         `yaml:"session_close_ms"`
	DrainMs        int         `yaml:"drain_ms"`
	PollMs         int         `yaml:"poll_ms"`
	OpenRetry      RetryConfig `yaml:"open_retry"`
}

// RetryConfig controls device open retries at startup
type RetryConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the
// MQTT control plane.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
	Events  string `yaml:"events"`
}

// HTTPConfig contains the UI/API listener. An empty addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// GalleryConfig contains the recordings store
type GalleryConfig struct {
	DBPath string `yaml:"db_path"`
	Probe  bool   `yaml:"probe"` // probe finalized files with ffprobe
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SessionCloseTimeout returns the bounded wait for a session close
func (c *Config) SessionCloseTimeout() time.Duration {
	return time.Duration(c.Timeouts.SessionCloseMs) * time.Millisecond
}

// DrainTimeout returns the bounded wait for the encoder drain loop
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Timeouts.DrainMs) * time.Millisecond
}

// PollTimeout returns the encoder output poll timeout
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Timeouts.PollMs) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
