package v4l2

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/vladimirvivien/go4vl/device"

	"github.com/e7canasta/orion-recorder/internal/capability"
)

// Registry implements capability.Registry on V4L2 device nodes.
type Registry struct {
	open          OpenFunc
	list          func() ([]string, error)
	focusDiopters float64
	logger        *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithOpenFunc replaces the device opener.
func WithOpenFunc(fn OpenFunc) Option {
	return func(r *Registry) { r.open = fn }
}

// WithDeviceList replaces device enumeration.
func WithDeviceList(fn func() ([]string, error)) Option {
	return func(r *Registry) { r.list = fn }
}

// WithFocusDiopters sets the diopters of the closest focus position.
func WithFocusDiopters(d float64) Option {
	return func(r *Registry) { r.focusDiopters = d }
}

// NewRegistry returns a registry backed by go4vl.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		open:          OpenDevice,
		list:          device.GetAllDevicePaths,
		focusDiopters: DefaultFocusDiopters,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Query reads the ISO, exposure and focus ranges of deviceID. Controls the
// device lacks are left nil.
func (r *Registry) Query(deviceID string) (capability.Report, error) {
	h, err := r.open(deviceID)
	if err != nil {
		return capability.Report{}, err
	}
	defer h.Close()

	report := capability.Report{Facing: capability.FacingExternal}

	if c, err := h.Control(CtrlISOSensitivity); err == nil {
		report.Sensitivity = &capability.Range[int]{Lower: int(c.Minimum), Upper: int(c.Maximum)}
	}
	if c, err := h.Control(CtrlExposureAbsolute); err == nil {
		report.ExposureDuration = &capability.Range[int64]{
			Lower: int64(c.Minimum) * exposureUnitNs,
			Upper: int64(c.Maximum) * exposureUnitNs,
		}
	}
	if c, err := h.Control(CtrlFocusAbsolute); err == nil && c.Maximum > c.Minimum {
		d := r.focusDiopters
		report.MinFocusDistance = &d
	}

	r.logger.Debug("v4l2: controls queried",
		"device", deviceID,
		"card", h.Card(),
		"iso", report.Sensitivity.String(),
		"exposure_ns", report.ExposureDuration.String(),
		"focus", report.MinFocusDistance != nil,
	)
	return report, nil
}

// Devices lists the capture nodes that can be opened.
func (r *Registry) Devices(ctx context.Context) ([]capability.DeviceInfo, error) {
	paths, err := r.list()
	if err != nil {
		return nil, fmt.Errorf("v4l2: list devices: %w", err)
	}
	sort.Strings(paths)

	var out []capability.DeviceInfo
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		h, err := r.open(p)
		if err != nil {
			r.logger.Debug("v4l2: skipping device", "path", p, "error", err)
			continue
		}
		name := h.Card()
		_ = h.Close()
		if name == "" {
			name = filepath.Base(p)
		}
		out = append(out, capability.DeviceInfo{ID: p, Name: name, Facing: capability.FacingExternal})
	}
	return out, nil
}

// NewApplier opens deviceID for control writes.
func (r *Registry) NewApplier(deviceID string) (*Applier, error) {
	h, err := r.open(deviceID)
	if err != nil {
		return nil, err
	}
	return newApplier(deviceID, h, r.focusDiopters, r.logger), nil
}
