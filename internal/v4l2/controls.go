// Package v4l2 reads control ranges from and writes capture requests to
// Video4Linux2 capture devices through go4vl.
//
// Registry answers capability queries (ISO, exposure, focus) and enumerates
// devices. Applier translates each repeating request into control writes on
// an open device, skipping controls the device does not expose and values
// that did not change since the last request.
package v4l2

import (
	"fmt"
	"math"

	"github.com/vladimirvivien/go4vl/device"
	vl "github.com/vladimirvivien/go4vl/v4l2"

	"github.com/e7canasta/orion-recorder/internal/request"
)

// Control ids from linux/v4l2-controls.h.
const (
	ctrlUserBase   vl.CtrlID = 0x00980900
	ctrlCameraBase vl.CtrlID = 0x009a0900

	CtrlAutoWhiteBalance        = ctrlUserBase + 12
	CtrlWhiteBalanceTemperature = ctrlUserBase + 26
	CtrlExposureAuto            = ctrlCameraBase + 1
	CtrlExposureAbsolute        = ctrlCameraBase + 2
	CtrlFocusAbsolute           = ctrlCameraBase + 10
	CtrlFocusAuto               = ctrlCameraBase + 12
	CtrlISOSensitivity          = ctrlCameraBase + 23
	CtrlISOSensitivityAuto      = ctrlCameraBase + 24
)

// Menu values.
const (
	exposureManual           vl.CtrlValue = 1
	exposureAperturePriority vl.CtrlValue = 3
	isoManual                vl.CtrlValue = 0
	isoAuto                  vl.CtrlValue = 1
)

// exposureUnitNs is the unit of CtrlExposureAbsolute (100 µs).
const exposureUnitNs = 100_000

// DefaultFocusDiopters is the diopter value assigned to the closest focus
// position when the driver only reports raw focus steps.
const DefaultFocusDiopters = 10.0

// Handle is an open device as seen by this package.
type Handle interface {
	Control(id vl.CtrlID) (vl.Control, error)
	SetControl(id vl.CtrlID, value vl.CtrlValue) error
	Card() string
	Close() error
}

// OpenFunc opens a device node.
type OpenFunc func(path string) (Handle, error)

// OpenDevice opens path with go4vl without starting a stream, so controls can
// be read and written while another process captures.
func OpenDevice(path string) (Handle, error) {
	dev, err := device.Open(path)
	if err != nil {
		return nil, fmt.Errorf("v4l2: open %s: %w", path, err)
	}
	return &deviceHandle{dev: dev}, nil
}

type deviceHandle struct {
	dev *device.Device
}

func (h *deviceHandle) Control(id vl.CtrlID) (vl.Control, error) {
	return vl.GetControl(h.dev.Fd(), id)
}

func (h *deviceHandle) SetControl(id vl.CtrlID, value vl.CtrlValue) error {
	return h.dev.SetControlValue(id, value)
}

func (h *deviceHandle) Card() string {
	return h.dev.Capability().Card
}

func (h *deviceHandle) Close() error {
	return h.dev.Close()
}

// Setting is one control write.
type Setting struct {
	ID    vl.CtrlID
	Value vl.CtrlValue
}

// FocusMap converts diopters to raw focus steps. Diopter 0 (infinity) maps
// to Min and Diopters maps to Max.
type FocusMap struct {
	Min      vl.CtrlValue
	Max      vl.CtrlValue
	Diopters float64
}

// Raw returns the focus step for d, clamped to [Min, Max].
func (m FocusMap) Raw(d float64) vl.CtrlValue {
	if m.Diopters <= 0 || m.Max <= m.Min {
		return m.Min
	}
	f := d / m.Diopters
	f = math.Max(0, math.Min(1, f))
	return m.Min + vl.CtrlValue(math.Round(f*float64(m.Max-m.Min)))
}

// Translate maps a capture request onto V4L2 control writes.
//
// AE off writes manual exposure mode plus whichever of exposure time and ISO
// the request carries; AE auto restores aperture-priority exposure and auto
// ISO. AF follows the same pattern with focus. White balance is forwarded as
// a color temperature with AWB left untouched. Processing-quality fields and
// the tone curve have no V4L2 equivalent and are not written.
func Translate(req request.CaptureRequest, focus FocusMap) []Setting {
	var out []Setting

	if req.AEMode == request.ControlOff {
		out = append(out, Setting{CtrlExposureAuto, exposureManual})
		if req.ExposureNs != nil {
			units := *req.ExposureNs / exposureUnitNs
			if units < 1 {
				units = 1
			}
			out = append(out, Setting{CtrlExposureAbsolute, vl.CtrlValue(units)})
		}
		if req.Sensitivity != nil {
			out = append(out,
				Setting{CtrlISOSensitivityAuto, isoManual},
				Setting{CtrlISOSensitivity, vl.CtrlValue(*req.Sensitivity)},
			)
		}
	} else {
		out = append(out,
			Setting{CtrlExposureAuto, exposureAperturePriority},
			Setting{CtrlISOSensitivityAuto, isoAuto},
		)
	}

	if req.AFMode == request.ControlOff && req.FocusDistance != nil {
		out = append(out,
			Setting{CtrlFocusAuto, 0},
			Setting{CtrlFocusAbsolute, focus.Raw(*req.FocusDistance)},
		)
	} else {
		out = append(out, Setting{CtrlFocusAuto, 1})
	}

	if req.WhiteBalance != nil {
		out = append(out, Setting{CtrlWhiteBalanceTemperature, vl.CtrlValue(*req.WhiteBalance)})
	}

	return out
}
