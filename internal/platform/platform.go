// Package platform declares the contracts of the capture-device, encoder,
// muxer and gallery collaborators.
//
// Providers are asynchronous and callback based. Callbacks may fire on any
// goroutine; consumers re-post them onto their own worker before touching
// state. Concrete implementations live in internal/gstreamer and
// internal/v4l2; instrumented fakes live in internal/platform/fake.
package platform

import (
	"context"

	"github.com/e7canasta/orion-recorder/internal/capability"
	"github.com/e7canasta/orion-recorder/internal/request"
)

// Surface is a destination for captured frames (preview sink or encoder
// input).
type Surface interface {
	ID() string
}

// DeviceCallbacks are invoked by a CameraProvider after Open.
type DeviceCallbacks struct {
	OnOpened       func(Device)
	OnDisconnected func(Device)
	OnError        func(Device, error)
}

// SessionCallbacks are invoked by a Device after CreateSession.
//
// OnClosed fires once per session after Session.Close completed, or after
// the device dropped the session.
type SessionCallbacks struct {
	OnConfigured      func(Session)
	OnConfigureFailed func(Session, error)
	OnClosed          func(Session)
}

// CameraProvider enumerates and opens capture devices.
type CameraProvider interface {
	capability.Registry

	Devices(ctx context.Context) ([]capability.DeviceInfo, error)

	// Open starts opening deviceID; the result arrives through cb.
	// A returned error means no callback will fire.
	Open(deviceID string, cb DeviceCallbacks) error
}

// Device is an opened capture device.
type Device interface {
	ID() string

	// CreateSession binds surfaces to the device; the result arrives through cb.
	CreateSession(surfaces []Surface, cb SessionCallbacks) error

	// Close releases the device. Safe to call more than once.
	Close()
}

// Session is a configured binding of surfaces to a device.
type Session interface {
	// SetRepeatingRequest replaces the per-frame request.
	SetRepeatingRequest(req request.CaptureRequest) error

	// Close starts an asynchronous close; OnClosed confirms it.
	Close()
}

// VideoFile describes a recording destination.
type VideoFile struct {
	Path   string
	Width  int
	Height int
	Codec  string
}

// Registrar makes finalized recordings discoverable.
type Registrar interface {
	Register(ctx context.Context, file VideoFile) error
}
