// Package request derives the capture-request parameters submitted as the
// repeating request of a capture session.
//
// A request always carries the fixed quality defaults (high-quality color
// correction, no edge enhancement, minimal noise reduction). Manual overrides
// are clamped to the device capabilities here, at materialization time.
package request

import (
	"fmt"

	"github.com/e7canasta/orion-recorder/internal/capability"
	"github.com/e7canasta/orion-recorder/internal/colorprofile"
	"github.com/e7canasta/orion-recorder/internal/controls"
)

// Template selects the capture intent.
type Template int

const (
	TemplatePreview Template = iota
	TemplateRecord
)

// String returns the template name
func (t Template) String() string {
	if t == TemplateRecord {
		return "record"
	}
	return "preview"
}

// ControlMode is the on/off state of an automatic control loop.
type ControlMode int

const (
	ControlAuto ControlMode = iota
	ControlOff
)

// String returns the mode name
func (m ControlMode) String() string {
	if m == ControlOff {
		return "off"
	}
	return "auto"
}

// QualityMode is the processing quality of a post-processing block.
type QualityMode int

const (
	QualityOff QualityMode = iota
	QualityMinimal
	QualityFast
	QualityHighQuality
)

// String returns the quality name
func (q QualityMode) String() string {
	switch q {
	case QualityMinimal:
		return "minimal"
	case QualityFast:
		return "fast"
	case QualityHighQuality:
		return "high_quality"
	default:
		return "off"
	}
}

// CaptureRequest is the fully materialized parameter bundle for one session.
//
// Nil manual fields leave the corresponding control to the device.
type CaptureRequest struct {
	Template Template

	AEMode  ControlMode
	AFMode  ControlMode
	AWBMode ControlMode

	Sensitivity   *int
	ExposureNs    *int64
	FocusDistance *float64
	// WhiteBalance is forwarded untouched; AWB stays automatic.
	WhiteBalance *int

	ColorCorrection    QualityMode
	EdgeMode           QualityMode
	NoiseReduction     QualityMode
	VideoStabilization bool

	ToneCurve colorprofile.ToneCurve
}

// String summarizes the request for logs.
func (r CaptureRequest) String() string {
	return fmt.Sprintf("%s ae=%s af=%s awb=%s iso=%s exp=%s focus=%s stab=%t tone=%s",
		r.Template, r.AEMode, r.AFMode, r.AWBMode,
		fmtPtr(r.Sensitivity), fmtPtr(r.ExposureNs), fmtPtr(r.FocusDistance),
		r.VideoStabilization, r.ToneCurve)
}

// Build materializes a request from the control snapshot, the active color
// profile and the device capabilities.
//
// Pure: no side effects, so it can run on any goroutine and be re-run after
// a capability re-query to re-clamp stored values.
func Build(t Template, snap controls.Snapshot, profile colorprofile.Profile, caps capability.Capabilities) CaptureRequest {
	req := CaptureRequest{
		Template:        t,
		AEMode:          ControlAuto,
		AFMode:          ControlAuto,
		AWBMode:         ControlAuto,
		ColorCorrection: QualityHighQuality,
		EdgeMode:        QualityOff,
		NoiseReduction:  QualityMinimal,
		ToneCurve:       profile.ToneCurve,
	}

	if t == TemplateRecord {
		req.VideoStabilization = true
	}

	if snap.Mode == controls.ModeManual {
		req.AEMode = ControlOff
	}
	if snap.ISO != nil {
		v := capability.Clamp(*snap.ISO, caps.Sensitivity)
		req.Sensitivity = &v
	}
	if snap.ExposureNs != nil {
		v := capability.Clamp(*snap.ExposureNs, caps.ExposureDuration)
		req.ExposureNs = &v
	}

	if snap.FocusDistance != nil {
		v := capability.Clamp(*snap.FocusDistance, caps.FocusDistance)
		req.AFMode = ControlOff
		req.FocusDistance = &v
	}

	if snap.WhiteBalance != nil {
		v := *snap.WhiteBalance
		req.WhiteBalance = &v
	}

	return req
}

func fmtPtr[T any](p *T) string {
	if p == nil {
		return "auto"
	}
	return fmt.Sprint(*p)
}
