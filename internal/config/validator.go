package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/e7canasta/orion-recorder/internal/colorprofile"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Validate device
	if cfg.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if cfg.Device.PreviewSink == "" {
		cfg.Device.PreviewSink = "fakesink"
	}

	if err := validateRecording(&cfg.Recording); err != nil {
		return fmt.Errorf("recording: %w", err)
	}

	validateTimeouts(&cfg.Timeouts)

	// MQTT is optional; defaults only apply when a broker is configured
	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("recorder/control/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Status == "" {
			cfg.MQTT.Topics.Status = fmt.Sprintf("recorder/status/%s", cfg.InstanceID)
		}
		if cfg.MQTT.Topics.Events == "" {
			cfg.MQTT.Topics.Events = fmt.Sprintf("recorder/events/%s", cfg.InstanceID)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"control": 1,
				"status":  0,
				"events":  1,
			}
		}
		for name, qos := range cfg.MQTT.QoS {
			if qos > 2 {
				return fmt.Errorf("mqtt.qos.%s must be 0, 1 or 2, got %d", name, qos)
			}
		}
	}

	if cfg.Gallery.DBPath == "" {
		cfg.Gallery.DBPath = "recordings.db"
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	default:
		return fmt.Errorf("log.level '%s' unknown (debug, info, warn, error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("log.format '%s' unknown (json, text)", cfg.Log.Format)
	}

	return nil
}

func validateRecording(r *RecordingConfig) error {
	if r.Width == 0 && r.Height == 0 {
		r.Width, r.Height = 1920, 1080
	}
	if r.Width <= 0 || r.Height <= 0 || r.Width%2 != 0 || r.Height%2 != 0 {
		return fmt.Errorf("invalid size %dx%d (positive, even)", r.Width, r.Height)
	}

	if r.FrameRate == 0 {
		r.FrameRate = 30
	}
	if r.FrameRate < 1 || r.FrameRate > 120 {
		return fmt.Errorf("frame_rate must be 1-120, got %d", r.FrameRate)
	}

	if r.BitDepth == 0 {
		r.BitDepth = 8
	}
	if r.BitDepth != 8 && r.BitDepth != 10 {
		return fmt.Errorf("bit_depth must be 8 or 10, got %d", r.BitDepth)
	}

	if r.ColorProfile == "" {
		r.ColorProfile = colorprofile.MustCatalog().Default().Name
	} else if _, ok := colorprofile.MustCatalog().Lookup(r.ColorProfile); !ok {
		return fmt.Errorf("color_profile '%s' unknown", r.ColorProfile)
	}

	if r.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}

	switch r.Acceleration {
	case "":
		r.Acceleration = "auto"
	case "auto", "vaapi", "software":
	default:
		return fmt.Errorf("acceleration '%s' unknown (auto, vaapi, software)", r.Acceleration)
	}
	return nil
}

func validateTimeouts(t *TimeoutsConfig) {
	if t.SessionCloseMs <= 0 {
		t.SessionCloseMs = 2000
	}
	if t.DrainMs <= 0 {
		t.DrainMs = 2000
	}
	if t.PollMs <= 0 {
		t.PollMs = 10
	}
	if t.OpenRetry.MaxRetries <= 0 {
		t.OpenRetry.MaxRetries = 5
	}
	if t.OpenRetry.InitialDelayMs <= 0 {
		t.OpenRetry.InitialDelayMs = 1000
	}
	if t.OpenRetry.MaxDelayMs <= 0 {
		t.OpenRetry.MaxDelayMs = 30000
	}
}
