package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-recorder/internal/capability"
	"github.com/e7canasta/orion-recorder/internal/colorprofile"
	"github.com/e7canasta/orion-recorder/internal/controls"
	"github.com/e7canasta/orion-recorder/internal/platform"
	"github.com/e7canasta/orion-recorder/internal/request"
	"github.com/e7canasta/orion-recorder/internal/watch"
)

const stopTimeout = 3 * time.Second

var (
	// ErrStopped is returned once the controller worker has exited.
	ErrStopped = errors.New("session: controller stopped")

	// ErrClosed is returned to callers waiting on a session that was closed
	// or disconnected before reaching the awaited state.
	ErrClosed = errors.New("session: device closed")

	// ErrNoSurface is returned when a recording reconfigure has no encoder surface.
	ErrNoSurface = errors.New("session: recording surface is required")
)

// StateError is returned to callers waiting on a session that moved to Error.
type StateError struct {
	State State
}

func (e *StateError) Error() string {
	return "session: " + e.State.String()
}

// Config holds controller timing.
type Config struct {
	// CloseTimeout bounds the wait for a replaced session's close confirmation.
	CloseTimeout time.Duration
	// MailboxSize is the capacity of the worker mailbox.
	MailboxSize int
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		CloseTimeout: 2 * time.Second,
		MailboxSize:  64,
	}
}

// Stats are the controller counters.
type Stats struct {
	SessionsCreated uint64 `json:"sessions_created"`
	StaleCallbacks  uint64 `json:"stale_callbacks"`
	SubmitErrors    uint64 `json:"submit_errors"`
	DeferredUpdates uint64 `json:"deferred_updates"`
}

// Observer is notified on the worker goroutine after every state change.
type Observer func(from, to State)

// Controller owns the capture device and its sessions.
//
// A single worker goroutine drains a mailbox of commands and platform
// callbacks; it is the only goroutine that touches the device, the session or
// the state. Public methods post onto the mailbox and, when they must observe
// an outcome, wait for it with the caller's context.
//
// Sessions carry a generation number. Callbacks from a session (or device)
// that was superseded are ignored and the stale handle is closed.
type Controller struct {
	provider platform.CameraProvider
	caps     *capability.Cache
	controls *controls.State
	cfg      Config
	logger   *slog.Logger

	mailbox  chan func()
	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	state    *watch.Value[State]
	capsSnap atomic.Pointer[capability.Capabilities]

	sessionsCreated atomic.Uint64
	staleCallbacks  atomic.Uint64
	submitErrors    atomic.Uint64
	deferredUpdates atomic.Uint64

	// Owned by the worker goroutine.
	st         State
	deviceID   string
	device     platform.Device
	deviceGen  uint64
	session    platform.Session
	sessionGen uint64
	template   request.Template
	preview    platform.Surface
	record     platform.Surface
	profile    colorprofile.Profile
	closing    *pendingClose
	waiters    []*waiter
	observers  []Observer
}

// pendingClose is a session replacement waiting for the old session's
// close confirmation.
type pendingClose struct {
	gen   uint64
	timer *time.Timer
	next  func()
}

type waiter struct {
	want  Kind
	reply chan error
}

// New creates a controller. Call Start before using it.
//
// caps may be nil, in which case a cache backed by provider is created.
func New(
	provider platform.CameraProvider,
	caps *capability.Cache,
	ctrl *controls.State,
	profile colorprofile.Profile,
	cfg Config,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if caps == nil {
		caps = capability.NewCache(provider, logger)
	}
	if ctrl == nil {
		ctrl = controls.New(logger)
	}
	def := DefaultConfig()
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}

	c := &Controller{
		provider: provider,
		caps:     caps,
		controls: ctrl,
		cfg:      cfg,
		logger:   logger,
		mailbox:  make(chan func(), cfg.MailboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    watch.New(State{Kind: Closed}),
		profile:  profile,
	}
	c.capsSnap.Store(&capability.Capabilities{})
	return c
}

// Start launches the worker goroutine.
func (c *Controller) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run()
}

// Stop closes the device and stops the worker, waiting at most 3 seconds.
func (c *Controller) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		if c.started.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			if cerr := c.CloseDevice(ctx); cerr != nil {
				c.logger.Warn("session: close on stop failed", "error", cerr)
			}
			cancel()
		}

		close(c.quit)

		if c.started.Load() {
			select {
			case <-c.done:
			case <-time.After(stopTimeout):
				err = fmt.Errorf("session: worker did not stop within %s", stopTimeout)
			}
		}
		c.state.Close()
		c.logger.Info("session: controller stopped", "stats", c.Stats())
	})
	return err
}

// State returns the current session state.
func (c *Controller) State() State {
	return c.state.Get()
}

// Watch exposes the state as an observable value.
func (c *Controller) Watch() *watch.Value[State] {
	return c.state
}

// Observe registers fn for every later state change. fn runs on the worker
// goroutine and must not call back into the controller synchronously.
func (c *Controller) Observe(fn Observer) {
	c.post(func() { c.observers = append(c.observers, fn) })
}

// Capabilities returns the ranges of the most recently opened device.
func (c *Controller) Capabilities() capability.Capabilities {
	return *c.capsSnap.Load()
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats {
	return Stats{
		SessionsCreated: c.sessionsCreated.Load(),
		StaleCallbacks:  c.staleCallbacks.Load(),
		SubmitErrors:    c.submitErrors.Load(),
		DeferredUpdates: c.deferredUpdates.Load(),
	}
}

// OpenDevice opens deviceID with a preview session targeting preview and
// returns once the preview is active or the attempt failed. Valid from
// Closed and Error.
func (c *Controller) OpenDevice(ctx context.Context, deviceID string, preview platform.Surface) error {
	return c.call(ctx, func(reply chan error) { c.open(deviceID, preview, reply) })
}

// CloseDevice releases session and device from any state.
func (c *Controller) CloseDevice(ctx context.Context) error {
	return c.call(ctx, func(reply chan error) {
		c.closeDevice(EventCloseRequested)
		reply <- nil
	})
}

// BeginRecordingReconfigure replaces the preview session with one that also
// targets the encoder surface, returning once that session is configured.
// The encoder may be started as soon as this returns nil.
func (c *Controller) BeginRecordingReconfigure(ctx context.Context, surface platform.Surface) error {
	if surface == nil {
		return ErrNoSurface
	}
	return c.call(ctx, func(reply chan error) { c.beginRecording(surface, reply) })
}

// EndRecordingReconfigure reverts to a preview-only session and returns once
// it is configured. The encoder must be stopped before calling it.
func (c *Controller) EndRecordingReconfigure(ctx context.Context) error {
	return c.call(ctx, func(reply chan error) { c.endRecording(reply) })
}

// ApplyControls re-derives the repeating request from the current manual
// controls. Updates that arrive while no session is configured are applied
// when the next session is.
func (c *Controller) ApplyControls() {
	c.post(c.applyControls)
}

// SetProfile switches the tone curve of subsequent requests.
func (c *Controller) SetProfile(p colorprofile.Profile) {
	c.post(func() {
		c.profile = p
		c.applyControls()
	})
}

// Fail releases the device and moves to Error(reason).
func (c *Controller) Fail(ctx context.Context, reason string) error {
	return c.call(ctx, func(reply chan error) {
		c.enterError(EventFail, reason)
		reply <- nil
	})
}

func (c *Controller) run() {
	defer close(c.done)
	c.logger.Info("session: worker started")

	for {
		select {
		case fn := <-c.mailbox:
			c.invoke(fn)
		case <-c.quit:
			c.logger.Info("session: worker exiting")
			return
		}
	}
}

// invoke runs one mailbox entry; a panic is logged and turned into Error so
// the worker keeps serving.
func (c *Controller) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("session: recovered from panic", "panic", r, "state", c.st.String())
			c.enterError(EventFail, fmt.Sprintf("internal error: %v", r))
		}
	}()
	fn()
}

func (c *Controller) post(fn func()) {
	select {
	case c.mailbox <- fn:
	case <-c.quit:
	}
}

func (c *Controller) call(ctx context.Context, fn func(reply chan error)) error {
	reply := make(chan error, 1)

	select {
	case c.mailbox <- func() { fn(reply) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// transition feeds e to the reducer, publishes the new state and resolves
// waiters.
func (c *Controller) transition(e Event) error {
	next, err := Reduce(c.st, e)
	if err != nil {
		c.logger.Warn("session: transition rejected",
			"state", c.st.String(),
			"event", e.Kind.String(),
		)
		return err
	}

	prev := c.st
	c.st = next
	if next != prev {
		c.logger.Info("session: state changed",
			"from", prev.String(),
			"to", next.String(),
			"event", e.Kind.String(),
		)
		c.state.Set(next)
		for _, fn := range c.observers {
			fn(prev, next)
		}
	}

	c.settle()
	return nil
}

func (c *Controller) settle() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		switch {
		case c.st.Kind == w.want:
			w.reply <- nil
		case c.st.Kind == Error:
			w.reply <- &StateError{State: c.st}
		case c.st.Kind == Closed:
			w.reply <- ErrClosed
		default:
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

func (c *Controller) open(deviceID string, preview platform.Surface, reply chan error) {
	if preview == nil {
		reply <- ErrNoSurface
		return
	}
	if err := c.transition(Event{Kind: EventOpenRequested}); err != nil {
		reply <- err
		return
	}

	if c.deviceID != "" && c.deviceID != deviceID {
		c.caps.Invalidate(c.deviceID)
	}
	c.deviceID = deviceID
	c.preview = preview
	c.record = nil

	caps := c.caps.Get(deviceID)
	c.capsSnap.Store(&caps)

	c.deviceGen++
	gen := c.deviceGen
	c.waiters = append(c.waiters, &waiter{want: PreviewActive, reply: reply})

	c.logger.Info("session: opening device", "device", deviceID, "preview", preview.ID())

	err := c.provider.Open(deviceID, platform.DeviceCallbacks{
		OnOpened: func(d platform.Device) {
			c.post(func() { c.onDeviceOpened(gen, d) })
		},
		OnDisconnected: func(d platform.Device) {
			c.post(func() { c.onDisconnected(gen) })
		},
		OnError: func(d platform.Device, err error) {
			c.post(func() { c.onDeviceError(gen, d, err) })
		},
	})
	if err != nil {
		c.logger.Error("session: device open failed", "device", deviceID, "error", err)
		c.enterError(EventDeviceError, fmt.Sprintf("open %s: %v", deviceID, err))
	}
}

func (c *Controller) onDeviceOpened(gen uint64, d platform.Device) {
	if gen != c.deviceGen || c.st.Kind != Opening {
		c.staleCallbacks.Add(1)
		c.logger.Debug("session: closing stale device", "device", d.ID())
		d.Close()
		return
	}

	if err := c.transition(Event{Kind: EventDeviceOpened}); err != nil {
		return
	}
	c.device = d
	c.createSession([]platform.Surface{c.preview}, request.TemplatePreview)
}

func (c *Controller) onDisconnected(gen uint64) {
	if gen != c.deviceGen {
		c.staleCallbacks.Add(1)
		return
	}
	c.logger.Warn("session: device disconnected", "device", c.deviceID)
	c.closeDevice(EventDeviceDisconnected)
}

func (c *Controller) onDeviceError(gen uint64, d platform.Device, err error) {
	if gen != c.deviceGen {
		c.staleCallbacks.Add(1)
		if d != nil {
			d.Close()
		}
		return
	}
	c.logger.Error("session: device error", "device", c.deviceID, "error", err)
	c.enterError(EventDeviceError, err.Error())
}

// createSession asks the device for a new session. The result arrives through
// the callbacks, tagged with the new generation.
func (c *Controller) createSession(surfaces []platform.Surface, tmpl request.Template) {
	if c.device == nil {
		c.enterError(EventConfigureFailed, "no device")
		return
	}

	c.sessionGen++
	gen := c.sessionGen
	c.template = tmpl
	c.sessionsCreated.Add(1)

	ids := make([]string, len(surfaces))
	for i, s := range surfaces {
		ids[i] = s.ID()
	}
	c.logger.Info("session: creating session",
		"generation", gen,
		"template", tmpl.String(),
		"surfaces", ids,
	)

	err := c.device.CreateSession(surfaces, platform.SessionCallbacks{
		OnConfigured: func(s platform.Session) {
			c.post(func() { c.onConfigured(gen, s) })
		},
		OnConfigureFailed: func(s platform.Session, err error) {
			c.post(func() { c.onConfigureFailed(gen, err) })
		},
		OnClosed: func(s platform.Session) {
			c.post(func() { c.onSessionClosed(gen) })
		},
	})
	if err != nil {
		c.logger.Error("session: create session failed", "generation", gen, "error", err)
		c.enterError(EventConfigureFailed, fmt.Sprintf("create session: %v", err))
	}
}

func (c *Controller) onConfigured(gen uint64, s platform.Session) {
	if gen != c.sessionGen || (c.st.Kind != Opening && c.st.Kind != Reconfiguring) {
		c.staleCallbacks.Add(1)
		c.logger.Debug("session: closing stale session", "generation", gen, "current", c.sessionGen)
		s.Close()
		return
	}

	c.session = s
	if err := c.transition(Event{Kind: EventSessionConfigured}); err != nil {
		return
	}
	c.submit()
}

func (c *Controller) onConfigureFailed(gen uint64, err error) {
	if gen != c.sessionGen {
		c.staleCallbacks.Add(1)
		return
	}
	c.logger.Error("session: configure failed", "generation", gen, "error", err)
	c.enterError(EventConfigureFailed, err.Error())
}

func (c *Controller) onSessionClosed(gen uint64) {
	if c.closing == nil || c.closing.gen != gen {
		c.logger.Debug("session: close confirmed", "generation", gen)
		return
	}

	pending := c.closing
	c.closing = nil
	pending.timer.Stop()

	c.logger.Debug("session: replaced session closed", "generation", gen)
	pending.next()
}

func (c *Controller) onCloseTimeout(gen uint64) {
	if c.closing == nil || c.closing.gen != gen {
		return
	}
	c.closing = nil
	c.logger.Error("session: close confirmation timed out",
		"generation", gen,
		"timeout", c.cfg.CloseTimeout,
	)
	c.enterError(EventFail, "session close timed out")
}

// replaceSession closes the active session and creates a new one once the
// platform confirmed the close. The gap is covered by Reconfiguring.
func (c *Controller) replaceSession(surfaces []platform.Surface, tmpl request.Template) {
	old := c.session
	c.session = nil
	if old == nil {
		c.createSession(surfaces, tmpl)
		return
	}

	gen := c.sessionGen
	c.closing = &pendingClose{
		gen:  gen,
		next: func() { c.createSession(surfaces, tmpl) },
	}
	c.closing.timer = time.AfterFunc(c.cfg.CloseTimeout, func() {
		c.post(func() { c.onCloseTimeout(gen) })
	})
	old.Close()
}

func (c *Controller) beginRecording(surface platform.Surface, reply chan error) {
	if err := c.transition(Event{Kind: EventBeginRecording}); err != nil {
		reply <- err
		return
	}
	c.record = surface
	c.waiters = append(c.waiters, &waiter{want: RecordingActive, reply: reply})
	c.replaceSession([]platform.Surface{c.preview, surface}, request.TemplateRecord)
}

func (c *Controller) endRecording(reply chan error) {
	if err := c.transition(Event{Kind: EventEndRecording}); err != nil {
		reply <- err
		return
	}
	c.record = nil
	c.waiters = append(c.waiters, &waiter{want: PreviewActive, reply: reply})
	c.replaceSession([]platform.Surface{c.preview}, request.TemplatePreview)
}

// release drops session and device and invalidates their pending callbacks.
func (c *Controller) release() {
	if c.closing != nil {
		c.closing.timer.Stop()
		c.closing = nil
	}
	c.sessionGen++
	c.deviceGen++

	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	if c.device != nil {
		c.device.Close()
		c.device = nil
	}
	c.record = nil
}

func (c *Controller) closeDevice(ev EventKind) {
	c.release()
	_ = c.transition(Event{Kind: ev})
}

func (c *Controller) enterError(ev EventKind, reason string) {
	c.release()
	if err := c.transition(Event{Kind: ev, Reason: reason}); err != nil {
		_ = c.transition(Event{Kind: EventFail, Reason: reason})
	}
}

func (c *Controller) applyControls() {
	switch c.st.Kind {
	case PreviewActive, RecordingActive:
		c.submit()
	case Opening, Reconfiguring:
		c.deferredUpdates.Add(1)
		c.logger.Debug("session: control update deferred", "state", c.st.String())
	}
}

// submit builds the repeating request for the active session. Rejections are
// counted and logged; they never change state.
func (c *Controller) submit() {
	if c.session == nil {
		return
	}

	req := request.Build(c.template, c.controls.Snapshot(), c.profile, *c.capsSnap.Load())
	if err := c.session.SetRepeatingRequest(req); err != nil {
		c.submitErrors.Add(1)
		c.logger.Warn("session: repeating request rejected",
			"generation", c.sessionGen,
			"error", err,
		)
		return
	}
	c.logger.Debug("session: repeating request submitted", "request", req.String())
}
