package v4l2

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	vl "github.com/vladimirvivien/go4vl/v4l2"

	"github.com/e7canasta/orion-recorder/internal/request"
)

// Applier writes capture requests to one open device.
type Applier struct {
	deviceID string
	handle   Handle
	focus    FocusMap
	logger   *slog.Logger

	mu        sync.Mutex
	supported map[vl.CtrlID]bool
	last      map[vl.CtrlID]vl.CtrlValue
	heldWB    vl.CtrlValue
	closed    bool
}

var probed = []vl.CtrlID{
	CtrlAutoWhiteBalance,
	CtrlWhiteBalanceTemperature,
	CtrlExposureAuto,
	CtrlExposureAbsolute,
	CtrlFocusAbsolute,
	CtrlFocusAuto,
	CtrlISOSensitivity,
	CtrlISOSensitivityAuto,
}

func newApplier(deviceID string, h Handle, diopters float64, logger *slog.Logger) *Applier {
	a := &Applier{
		deviceID:  deviceID,
		handle:    h,
		logger:    logger,
		supported: make(map[vl.CtrlID]bool),
		last:      make(map[vl.CtrlID]vl.CtrlValue),
	}
	for _, id := range probed {
		c, err := h.Control(id)
		if err != nil {
			continue
		}
		a.supported[id] = true
		a.last[id] = c.Value
		if id == CtrlFocusAbsolute {
			a.focus = FocusMap{Min: vl.CtrlValue(c.Minimum), Max: vl.CtrlValue(c.Maximum), Diopters: diopters}
		}
	}
	logger.Debug("v4l2: applier ready", "device", deviceID, "controls", len(a.supported))
	return a
}

// Apply writes req. Unsupported controls and unchanged values are skipped;
// failed writes are joined into the returned error and do not stop the
// remaining writes. White balance temperature is only written while the
// device reports AWB off, since AWB is never switched here.
func (a *Applier) Apply(req request.CaptureRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("v4l2: %s closed", a.deviceID)
	}

	var errs []error
	written := 0
	for _, s := range Translate(req, a.focus) {
		if !a.supported[s.ID] {
			continue
		}
		if v, ok := a.last[s.ID]; ok && v == s.Value {
			continue
		}
		if s.ID == CtrlWhiteBalanceTemperature && a.awbOn() {
			if a.heldWB != s.Value {
				a.heldWB = s.Value
				a.logger.Debug("v4l2: white balance held while AWB is automatic", "device", a.deviceID, "kelvin", s.Value)
			}
			continue
		}
		if err := a.handle.SetControl(s.ID, s.Value); err != nil {
			errs = append(errs, fmt.Errorf("control 0x%08x=%d: %w", uint32(s.ID), s.Value, err))
			continue
		}
		a.last[s.ID] = s.Value
		written++
	}

	if written > 0 {
		a.logger.Debug("v4l2: request applied", "device", a.deviceID, "writes", written, "request", req.String())
	}
	if len(errs) > 0 {
		return fmt.Errorf("v4l2: apply to %s: %w", a.deviceID, errors.Join(errs...))
	}
	return nil
}

func (a *Applier) awbOn() bool {
	return a.supported[CtrlAutoWhiteBalance] && a.last[CtrlAutoWhiteBalance] != 0
}

// Close releases the device handle. Safe to call more than once.
func (a *Applier) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.handle.Close()
}
