package fake

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/e7canasta/orion-recorder/internal/capability"
	"github.com/e7canasta/orion-recorder/internal/platform"
	"github.com/e7canasta/orion-recorder/internal/request"
)

// Camera is a CameraProvider whose callbacks fire asynchronously, like a
// real platform.
type Camera struct {
	Log *Log

	Report    capability.Report
	ReportErr error
	List      []capability.DeviceInfo

	// OpenErr makes Open fail synchronously.
	OpenErr error
	// OpenAsyncErr makes Open report OnError.
	OpenAsyncErr error
	// SubmitErr is returned by every SetRepeatingRequest.
	SubmitErr error

	mu             sync.Mutex
	holdClose      bool
	configureFails []error
	devices        []*Device
	sessions       []*Session
	queries        int
}

var _ platform.CameraProvider = (*Camera)(nil)

// NewCamera returns a camera reporting report for every device.
func NewCamera(log *Log, report capability.Report) *Camera {
	return &Camera{Log: log, Report: report}
}

// Query implements capability.Registry.
func (c *Camera) Query(deviceID string) (capability.Report, error) {
	c.mu.Lock()
	c.queries++
	c.mu.Unlock()
	return c.Report, c.ReportErr
}

// Queries returns how many capability queries were made.
func (c *Camera) Queries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries
}

// Devices returns List.
func (c *Camera) Devices(ctx context.Context) ([]capability.DeviceInfo, error) {
	return c.List, nil
}

// HoldClose suppresses OnClosed for sessions closed from now on.
func (c *Camera) HoldClose(hold bool) {
	c.mu.Lock()
	c.holdClose = hold
	c.mu.Unlock()
}

func (c *Camera) holding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holdClose
}

// FailNextConfigure makes the next CreateSession report OnConfigureFailed.
func (c *Camera) FailNextConfigure(err error) {
	c.mu.Lock()
	c.configureFails = append(c.configureFails, err)
	c.mu.Unlock()
}

// Open implements platform.CameraProvider.
func (c *Camera) Open(deviceID string, cb platform.DeviceCallbacks) error {
	c.Log.Add("device.open %s", deviceID)
	if c.OpenErr != nil {
		return c.OpenErr
	}

	d := &Device{camera: c, id: deviceID, cb: cb}
	c.mu.Lock()
	c.devices = append(c.devices, d)
	c.mu.Unlock()

	go func() {
		if c.OpenAsyncErr != nil {
			c.Log.Add("device.error %s", deviceID)
			cb.OnError(d, c.OpenAsyncErr)
			return
		}
		c.Log.Add("device.opened %s", deviceID)
		cb.OnOpened(d)
	}()
	return nil
}

// Disconnect simulates unplugging the most recently opened device.
func (c *Camera) Disconnect() {
	c.mu.Lock()
	if len(c.devices) == 0 {
		c.mu.Unlock()
		return
	}
	d := c.devices[len(c.devices)-1]
	c.mu.Unlock()

	c.Log.Add("device.disconnected %s", d.id)
	go d.cb.OnDisconnected(d)
}

// Sessions returns every session created so far.
func (c *Camera) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// LastSession returns the most recent session, or nil.
func (c *Camera) LastSession() *Session {
	s := c.Sessions()
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

// OpenedDevices returns every device handed out by Open.
func (c *Camera) OpenedDevices() []*Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Device, len(c.devices))
	copy(out, c.devices)
	return out
}

// Device is a fake opened device.
type Device struct {
	camera *Camera
	id     string
	cb     platform.DeviceCallbacks

	mu     sync.Mutex
	closed bool
}

// ID returns the device id
func (d *Device) ID() string { return d.id }

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// CreateSession implements platform.Device.
func (d *Device) CreateSession(surfaces []platform.Surface, cb platform.SessionCallbacks) error {
	if d.Closed() {
		return errors.New("fake: device closed")
	}

	c := d.camera
	c.mu.Lock()
	s := &Session{camera: c, index: len(c.sessions), cb: cb}
	for _, sf := range surfaces {
		s.surfaces = append(s.surfaces, sf.ID())
	}
	c.sessions = append(c.sessions, s)
	var failErr error
	if len(c.configureFails) > 0 {
		failErr = c.configureFails[0]
		c.configureFails = c.configureFails[1:]
	}
	c.mu.Unlock()

	c.Log.Add("session.create %d [%s]", s.index, strings.Join(s.surfaces, ","))

	go func() {
		if failErr != nil {
			c.Log.Add("session.configure_failed %d", s.index)
			cb.OnConfigureFailed(s, failErr)
			return
		}
		c.Log.Add("session.configured %d", s.index)
		cb.OnConfigured(s)
	}()
	return nil
}

// Close implements platform.Device.
func (d *Device) Close() {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()
	if !already {
		d.camera.Log.Add("device.close %s", d.id)
	}
}

// Session is a fake capture session.
type Session struct {
	camera   *Camera
	index    int
	surfaces []string
	cb       platform.SessionCallbacks

	mu       sync.Mutex
	requests []request.CaptureRequest
	closed   bool
}

// Index is the creation order of the session.
func (s *Session) Index() int { return s.index }

// Surfaces returns the surface ids bound to the session.
func (s *Session) Surfaces() []string { return s.surfaces }

// Requests returns every submitted repeating request.
func (s *Session) Requests() []request.CaptureRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]request.CaptureRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// LastRequest returns the most recent request and whether there is one.
func (s *Session) LastRequest() (request.CaptureRequest, bool) {
	r := s.Requests()
	if len(r) == 0 {
		return request.CaptureRequest{}, false
	}
	return r[len(r)-1], true
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SetRepeatingRequest implements platform.Session.
func (s *Session) SetRepeatingRequest(req request.CaptureRequest) error {
	s.camera.Log.Add("session.request %d %s", s.index, req.Template)
	if s.camera.SubmitErr != nil {
		return s.camera.SubmitErr
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return nil
}

// Close implements platform.Session.
func (s *Session) Close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return
	}

	s.camera.Log.Add("session.close %d", s.index)
	if s.camera.holding() {
		return
	}
	go func() {
		s.camera.Log.Add("session.closed %d", s.index)
		s.cb.OnClosed(s)
	}()
}
