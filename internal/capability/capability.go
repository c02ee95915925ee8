// Package capability queries and caches the controllable ranges a capture
// device reports (sensitivity, exposure duration, focus distance) together
// with its facing direction.
//
// Queries fail soft: a device that does not report a range, or a registry
// that cannot be reached, yields a nil range and clamping degrades to the
// identity. Nothing in this package returns an error to the capture path.
package capability

import (
	"log/slog"
	"sync"
)

// Facing is the direction a capture device points to.
type Facing int

const (
	// FacingExternal is an attached camera with no fixed orientation (USB, CSI)
	FacingExternal Facing = iota
	// FacingBack is the rear camera
	FacingBack
	// FacingFront is the user-facing camera
	FacingFront
)

// String returns a human-readable facing name
func (f Facing) String() string {
	switch f {
	case FacingBack:
		return "back"
	case FacingFront:
		return "front"
	default:
		return "external"
	}
}

// DeviceInfo describes one capture device known to the platform registry.
type DeviceInfo struct {
	ID     string
	Name   string
	Facing Facing
}

// Report is the raw answer of a platform registry for one device.
//
// Each pointer is nil when the device does not expose that control.
// MinFocusDistance is in diopters; zero means fixed focus.
type Report struct {
	Facing           Facing
	Sensitivity      *Range[int]
	ExposureDuration *Range[int64]
	MinFocusDistance *float64
}

// Registry is the platform capture-device registry consulted by Query.
type Registry interface {
	Query(deviceID string) (Report, error)
}

// Capabilities holds the ranges used to clamp manual controls for one device.
type Capabilities struct {
	DeviceID         string
	Facing           Facing
	Sensitivity      *Range[int]
	ExposureDuration *Range[int64]
	// FocusDistance spans [0, minimum focus distance] in diopters.
	FocusDistance *Range[float64]
}

// Query asks the registry for the device ranges and converts them into
// Capabilities. Registry errors and malformed ranges are logged and dropped.
func Query(registry Registry, deviceID string, logger *slog.Logger) Capabilities {
	if logger == nil {
		logger = slog.Default()
	}

	caps := Capabilities{DeviceID: deviceID}
	if registry == nil {
		logger.Warn("capability: no registry configured, clamping disabled", "device", deviceID)
		return caps
	}

	report, err := registry.Query(deviceID)
	if err != nil {
		logger.Warn("capability: query failed, clamping disabled",
			"device", deviceID,
			"error", err,
		)
		return caps
	}

	caps.Facing = report.Facing

	if r := report.Sensitivity; r != nil && r.Lower <= r.Upper {
		caps.Sensitivity = &Range[int]{Lower: r.Lower, Upper: r.Upper}
	} else if r != nil {
		logger.Warn("capability: ignoring inverted sensitivity range", "device", deviceID, "range", r.String())
	}

	if r := report.ExposureDuration; r != nil && r.Lower <= r.Upper {
		caps.ExposureDuration = &Range[int64]{Lower: r.Lower, Upper: r.Upper}
	} else if r != nil {
		logger.Warn("capability: ignoring inverted exposure range", "device", deviceID, "range", r.String())
	}

	if mfd := report.MinFocusDistance; mfd != nil && *mfd > 0 {
		caps.FocusDistance = &Range[float64]{Lower: 0, Upper: *mfd}
	}

	logger.Info("capability: ranges queried",
		"device", deviceID,
		"facing", caps.Facing.String(),
		"sensitivity", caps.Sensitivity.String(),
		"exposure_ns", caps.ExposureDuration.String(),
		"focus_diopters", caps.FocusDistance.String(),
	)

	return caps
}

// Cache keeps one Capabilities per device id.
//
// Safe for concurrent use. Invalidate forces the next Get to re-query, which
// is how a device switch re-clamps manual values automatically.
type Cache struct {
	registry Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]Capabilities
}

// NewCache creates a cache backed by registry.
func NewCache(registry Registry, logger *slog.Logger) *Cache {
	return &Cache{
		registry: registry,
		logger:   logger,
		entries:  make(map[string]Capabilities),
	}
}

// Get returns the cached capabilities for deviceID, querying on first use.
func (c *Cache) Get(deviceID string) Capabilities {
	c.mu.RLock()
	caps, ok := c.entries[deviceID]
	c.mu.RUnlock()
	if ok {
		return caps
	}

	caps = Query(c.registry, deviceID, c.logger)

	c.mu.Lock()
	c.entries[deviceID] = caps
	c.mu.Unlock()

	return caps
}

// Invalidate drops the cached entry for deviceID.
func (c *Cache) Invalidate(deviceID string) {
	c.mu.Lock()
	delete(c.entries, deviceID)
	c.mu.Unlock()
}
