package control

import (
	"time"

	"github.com/e7canasta/orion-recorder/internal/capability"
	"github.com/e7canasta/orion-recorder/internal/colorprofile"
	"github.com/e7canasta/orion-recorder/internal/controls"
	"github.com/e7canasta/orion-recorder/internal/recorder"
)

// ControlsView is the wire form of the manual-control overrides.
type ControlsView struct {
	Mode          string   `json:"mode"`
	ISO           *int     `json:"iso,omitempty"`
	ExposureNs    *int64   `json:"exposure_ns,omitempty"`
	FocusDiopters *float64 `json:"focus_diopters,omitempty"`
	WhiteBalanceK *int     `json:"white_balance_k,omitempty"`
}

// NewControlsView converts a snapshot.
func NewControlsView(s controls.Snapshot) ControlsView {
	return ControlsView{
		Mode:          s.Mode.String(),
		ISO:           s.ISO,
		ExposureNs:    s.ExposureNs,
		FocusDiopters: s.FocusDistance,
		WhiteBalanceK: s.WhiteBalance,
	}
}

// CapabilitiesView is the wire form of device ranges. Absent ranges mean the
// control cannot be set manually.
type CapabilitiesView struct {
	DeviceID   string      `json:"device_id"`
	Facing     string      `json:"facing"`
	ISO        *[2]int     `json:"iso,omitempty"`
	ExposureNs *[2]int64   `json:"exposure_ns,omitempty"`
	Focus      *[2]float64 `json:"focus_diopters,omitempty"`
}

// NewCapabilitiesView converts device capabilities.
func NewCapabilitiesView(c capability.Capabilities) CapabilitiesView {
	v := CapabilitiesView{DeviceID: c.DeviceID, Facing: c.Facing.String()}
	if c.Sensitivity != nil {
		v.ISO = &[2]int{c.Sensitivity.Lower, c.Sensitivity.Upper}
	}
	if c.ExposureDuration != nil {
		v.ExposureNs = &[2]int64{c.ExposureDuration.Lower, c.ExposureDuration.Upper}
	}
	if c.FocusDistance != nil {
		v.Focus = &[2]float64{c.FocusDistance.Lower, c.FocusDistance.Upper}
	}
	return v
}

// ProfileView is the wire form of a color profile.
type ProfileView struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	HDR      bool   `json:"hdr"`
	Standard string `json:"standard"`
	Transfer string `json:"transfer"`
	Range    string `json:"range"`
}

// NewProfileView converts a profile.
func NewProfileView(p colorprofile.Profile) ProfileView {
	return ProfileView{
		ID:       p.ID,
		Name:     p.Name,
		HDR:      p.IsHDR(),
		Standard: p.EncoderStandard.String(),
		Transfer: p.EncoderTransfer.String(),
		Range:    p.EncoderRange.String(),
	}
}

// ProfileViews converts a profile list.
func ProfileViews(ps []colorprofile.Profile) []ProfileView {
	out := make([]ProfileView, len(ps))
	for i, p := range ps {
		out[i] = NewProfileView(p)
	}
	return out
}

// StatusView is the full observable state published to clients.
type StatusView struct {
	Session       string          `json:"session"`
	SessionReason string          `json:"session_reason,omitempty"`
	Recording     recorder.Status `json:"recording"`
	Controls      ControlsView    `json:"controls"`
	Profile       ProfileView     `json:"profile"`
	Timestamp     time.Time       `json:"timestamp"`
}

// BuildStatus reads the current state of svc.
func BuildStatus(svc Service) StatusView {
	st := svc.SessionState()
	return StatusView{
		Session:       st.Kind.String(),
		SessionReason: st.Reason,
		Recording:     svc.Status(),
		Controls:      NewControlsView(svc.Controls()),
		Profile:       NewProfileView(svc.Profile()),
		Timestamp:     time.Now().UTC(),
	}
}
