// Package recorder coordinates the capture session and the encoder pipeline
// into start/stop recording operations, and is the facade the control
// surfaces (HTTP, MQTT) drive.
//
// Start order is fixed: the encoder is prepared first so its input surface
// exists, the session is reconfigured to target that surface, and the
// encoder is started only once the recording session is configured. Stop
// runs the reverse: the encoder drains and finalizes the file, then the
// session reverts to preview, then the encoder is released and the file is
// registered.
//
// Any failure past Prepare releases the encoder and forces the session into
// Error; the caller retries by reopening the device. A *encoder.ConfigError
// from Prepare leaves the session untouched in preview.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-recorder/internal/capability"
	"github.com/e7canasta/orion-recorder/internal/colorprofile"
	"github.com/e7canasta/orion-recorder/internal/controls"
	"github.com/e7canasta/orion-recorder/internal/encoder"
	"github.com/e7canasta/orion-recorder/internal/platform"
	"github.com/e7canasta/orion-recorder/internal/session"
	"github.com/e7canasta/orion-recorder/internal/watch"
)

const (
	// stopTimeout bounds StopRecording as a whole.
	stopTimeout = 10 * time.Second
	// failTimeout bounds the Fail call issued after a start failure.
	failTimeout = 3 * time.Second
)

var (
	// ErrNotPreviewing is returned by StartRecording outside PreviewActive.
	ErrNotPreviewing = errors.New("recorder: session is not previewing")

	// ErrAlreadyRecording is returned by StartRecording while recording.
	ErrAlreadyRecording = errors.New("recorder: already recording")

	// ErrNotRecording is returned by StopRecording when idle.
	ErrNotRecording = errors.New("recorder: not recording")

	// ErrRecordingActive is returned by SelectColorProfile while recording.
	ErrRecordingActive = errors.New("recorder: color profile is locked while recording")
)

// Session is the capture-session surface the recorder drives.
// *session.Controller implements it.
type Session interface {
	State() session.State
	Watch() *watch.Value[session.State]
	Capabilities() capability.Capabilities
	OpenDevice(ctx context.Context, deviceID string, preview platform.Surface) error
	CloseDevice(ctx context.Context) error
	BeginRecordingReconfigure(ctx context.Context, surface platform.Surface) error
	EndRecordingReconfigure(ctx context.Context) error
	ApplyControls()
	SetProfile(p colorprofile.Profile)
	Fail(ctx context.Context, reason string) error
	Observe(fn session.Observer)
}

// Encoder is the encoder pipeline surface the recorder drives.
// *encoder.Pipeline implements it.
type Encoder interface {
	Prepare(params encoder.Params) (platform.Surface, error)
	Start() error
	Stop(ctx context.Context) (encoder.Result, error)
	Release()
	Stats() encoder.Stats
}

// Config describes the recordings the orchestrator produces.
type Config struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate int
	BitDepth  int
	OutputDir string
	// FilePrefix starts every file name; defaults to "VID".
	FilePrefix string
}

// Status is the observable recording status.
type Status struct {
	Active    bool               `json:"active"`
	ID        string             `json:"id,omitempty"`
	StartedAt time.Time          `json:"started_at,omitempty"`
	Duration  time.Duration      `json:"duration"`
	File      platform.VideoFile `json:"file"`
	Profile   string             `json:"profile"`
	LastError string             `json:"last_error,omitempty"`
}

// Summary describes a finished recording.
type Summary struct {
	ID         string             `json:"id"`
	File       platform.VideoFile `json:"file"`
	StartedAt  time.Time          `json:"started_at"`
	Duration   time.Duration      `json:"duration"`
	Stats      encoder.Stats      `json:"stats"`
	Warnings   []string           `json:"warnings,omitempty"`
	Registered bool               `json:"registered"`
}

type recording struct {
	id        string
	startedAt time.Time
	file      platform.VideoFile
}

// Recorder is the recording orchestrator.
type Recorder struct {
	session   Session
	encoder   Encoder
	controls  *controls.State
	catalog   *colorprofile.Catalog
	registrar platform.Registrar
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	// mu serializes start, stop, profile selection and aborts.
	mu      sync.Mutex
	active  *recording
	profile colorprofile.Profile
	lastErr string

	status *watch.Value[Status]

	// lost is the state the session fell into while a recording was
	// active. It is set on the session worker and consumed under mu.
	lost     atomic.Pointer[session.State]
	stopped  atomic.Bool
	runOnce  sync.Once
	stopOnce sync.Once
}

// New builds a recorder. registrar may be nil.
func New(
	sess Session,
	enc Encoder,
	ctrl *controls.State,
	catalog *colorprofile.Catalog,
	registrar platform.Registrar,
	cfg Config,
	logger *slog.Logger,
) (*Recorder, error) {
	if sess == nil || enc == nil || ctrl == nil || catalog == nil {
		return nil, errors.New("recorder: session, encoder, controls and catalog are required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("recorder: invalid format %dx%d@%d", cfg.Width, cfg.Height, cfg.FrameRate)
	}
	if cfg.BitDepth == 0 {
		cfg.BitDepth = 8
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = "VID"
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		session:   sess,
		encoder:   enc,
		controls:  ctrl,
		catalog:   catalog,
		registrar: registrar,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		profile:   catalog.Default(),
	}
	r.status = watch.New(Status{Profile: r.profile.Name})

	ctrl.Subscribe(func(controls.Snapshot) { sess.ApplyControls() })
	sess.SetProfile(r.profile)

	return r, nil
}

// Start hooks the recorder into every session transition so an active
// recording is finalized when the session drops to Error or Closed
// underneath it.
func (r *Recorder) Start() error {
	r.runOnce.Do(func() {
		r.session.Observe(r.onSessionChange)
	})
	return nil
}

// Stop finishes an active recording and detaches from the session.
func (r *Recorder) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		if r.Recording() {
			if _, serr := r.StopRecording(ctx); serr != nil {
				err = serr
			}
		}
		r.stopped.Store(true)
		r.status.Close()
	})
	return err
}

// Status returns the recording status with a live duration.
func (r *Recorder) Status() Status {
	s := r.status.Get()
	if s.Active {
		s.Duration = r.now().Sub(s.StartedAt)
	}
	return s
}

// Watch exposes the recording status as an observable value.
func (r *Recorder) Watch() *watch.Value[Status] { return r.status }

// Recording reports whether a recording is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortLost()
	return r.active != nil
}

// SessionState returns the capture-session state.
func (r *Recorder) SessionState() session.State { return r.session.State() }

// SessionWatch exposes the capture-session state.
func (r *Recorder) SessionWatch() *watch.Value[session.State] { return r.session.Watch() }

// Capabilities returns the open device's control ranges.
func (r *Recorder) Capabilities() capability.Capabilities { return r.session.Capabilities() }

// Controls returns the current manual-control snapshot.
func (r *Recorder) Controls() controls.Snapshot { return r.controls.Snapshot() }

// Stats returns the encoder counters of the current or last recording.
func (r *Recorder) Stats() encoder.Stats { return r.encoder.Stats() }

// OpenDevice opens deviceID (the configured device when empty) with a
// preview session on preview.
func (r *Recorder) OpenDevice(ctx context.Context, deviceID string, preview platform.Surface) error {
	if deviceID == "" {
		deviceID = r.cfg.DeviceID
	}
	return r.session.OpenDevice(ctx, deviceID, preview)
}

// CloseDevice stops an active recording and closes the device.
func (r *Recorder) CloseDevice(ctx context.Context) error {
	if r.Recording() {
		if _, err := r.StopRecording(ctx); err != nil {
			r.logger.Warn("recorder: stop before close failed", "error", err)
		}
	}
	return r.session.CloseDevice(ctx)
}

// SetISO sets manual sensitivity; the session clamps it to the device range.
func (r *Recorder) SetISO(iso int) error { return r.controls.SetISO(iso) }

// SetExposure sets manual exposure time in nanoseconds.
func (r *Recorder) SetExposure(ns int64) error { return r.controls.SetExposure(ns) }

// SetFocus sets manual focus distance in diopters.
func (r *Recorder) SetFocus(diopters float64) error { return r.controls.SetFocus(diopters) }

// SetWhiteBalance sets the white balance in kelvin.
func (r *Recorder) SetWhiteBalance(kelvin int) error { return r.controls.SetWhiteBalance(kelvin) }

// SetAuto returns every control to automatic.
func (r *Recorder) SetAuto() { r.controls.SetAuto() }

// Profiles returns the color-profile catalog.
func (r *Recorder) Profiles() []colorprofile.Profile { return r.catalog.All() }

// Profile returns the selected color profile.
func (r *Recorder) Profile() colorprofile.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profile
}

// SelectColorProfile selects a profile by name. Unknown names select the
// catalog default. Rejected while recording.
func (r *Recorder) SelectColorProfile(name string) (colorprofile.Profile, error) {
	p, ok := r.catalog.Lookup(name)
	if !ok {
		r.logger.Warn("recorder: unknown color profile, using default", "name", name, "default", p.Name)
	}
	return p, r.selectProfile(p)
}

// SelectColorProfileID selects a profile by catalog id.
func (r *Recorder) SelectColorProfileID(id int) (colorprofile.Profile, error) {
	p := r.catalog.GetByID(id)
	return p, r.selectProfile(p)
}

func (r *Recorder) selectProfile(p colorprofile.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return ErrRecordingActive
	}
	if p.ID == r.profile.ID {
		return nil
	}
	r.profile = p
	r.session.SetProfile(p)

	s := r.status.Get()
	s.Profile = p.Name
	r.status.Set(s)

	r.logger.Info("recorder: color profile selected", "profile", p.Name, "hdr", p.IsHDR())
	return nil
}

// StartRecording starts a recording from PreviewActive and returns once the
// encoder is running.
func (r *Recorder) StartRecording(ctx context.Context) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.abortLost()
	if r.active != nil {
		return r.Status(), ErrAlreadyRecording
	}
	if st := r.session.State(); st.Kind != session.PreviewActive {
		return r.Status(), fmt.Errorf("%w: %s", ErrNotPreviewing, st)
	}

	id := uuid.New().String()
	startedAt := r.now()
	params := encoder.Params{
		Width:     r.cfg.Width,
		Height:    r.cfg.Height,
		FrameRate: r.cfg.FrameRate,
		BitDepth:  r.bitDepth(),
		Profile:   r.profile,
		Path:      filepath.Join(r.cfg.OutputDir, fileName(r.cfg.FilePrefix, startedAt, id)),
	}

	surface, err := r.encoder.Prepare(params)
	if err != nil {
		var cfgErr *encoder.ConfigError
		if errors.As(err, &cfgErr) {
			r.logger.Warn("recorder: encoder rejected configuration, staying in preview", "error", err)
			r.setError(err)
			return r.Status(), err
		}
		return r.Status(), r.abortStart("prepare encoder", err)
	}

	if err := r.session.BeginRecordingReconfigure(ctx, surface); err != nil {
		return r.Status(), r.abortStart("reconfigure for recording", err)
	}

	if err := r.encoder.Start(); err != nil {
		return r.Status(), r.abortStart("start encoder", err)
	}

	r.active = &recording{
		id:        id,
		startedAt: startedAt,
		file: platform.VideoFile{
			Path:   params.Path,
			Width:  params.Width,
			Height: params.Height,
			Codec:  "hevc",
		},
	}
	r.lastErr = ""
	r.status.Set(Status{
		Active:    true,
		ID:        id,
		StartedAt: startedAt,
		File:      r.active.file,
		Profile:   r.profile.Name,
	})

	r.logger.Info("recorder: recording started",
		"id", id,
		"path", params.Path,
		"profile", r.profile.Name,
		"bit_depth", params.BitDepth,
	)
	return r.Status(), nil
}

// bitDepth forces 10-bit for HDR profiles.
func (r *Recorder) bitDepth() int {
	if r.profile.IsHDR() {
		return 10
	}
	return r.cfg.BitDepth
}

// abortStart releases the encoder and forces the session into Error.
// Callers hold r.mu.
func (r *Recorder) abortStart(step string, cause error) error {
	err := fmt.Errorf("recorder: %s: %w", step, cause)
	r.logger.Error("recorder: start failed", "step", step, "error", cause)

	r.encoder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), failTimeout)
	defer cancel()
	if ferr := r.session.Fail(ctx, err.Error()); ferr != nil {
		r.logger.Warn("recorder: could not move session to error", "error", ferr)
	}

	r.setError(err)
	return err
}

func (r *Recorder) setError(err error) {
	r.lastErr = err.Error()
	s := r.status.Get()
	s.LastError = r.lastErr
	r.status.Set(s)
}

// StopRecording finalizes the active recording and reverts to preview.
// Cancelling ctx does not interrupt it; each step is bounded on its own.
func (r *Recorder) StopRecording(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.abortLost()
	if r.active == nil {
		return Summary{}, ErrNotRecording
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	return r.finish(ctx, true)
}

// finish stops the encoder, optionally reverts the session to preview,
// releases and registers. Callers hold r.mu with r.active set.
func (r *Recorder) finish(ctx context.Context, revert bool) (Summary, error) {
	rec := r.active
	r.active = nil

	res, stopErr := r.encoder.Stop(ctx)

	var endErr error
	if revert {
		endErr = r.session.EndRecordingReconfigure(ctx)
	}

	r.encoder.Release()

	summary := Summary{
		ID:        rec.id,
		File:      rec.file,
		StartedAt: rec.startedAt,
		Duration:  r.now().Sub(rec.startedAt),
		Stats:     res.Stats,
		Warnings:  res.Warnings,
	}
	if res.Stats.Duration > 0 {
		summary.Duration = res.Stats.Duration
	}

	if stopErr == nil && r.registrar != nil {
		if err := r.registrar.Register(ctx, summary.File); err != nil {
			r.logger.Warn("recorder: register failed", "path", summary.File.Path, "error", err)
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("not registered: %v", err))
		} else {
			summary.Registered = true
		}
	}

	var err error
	switch {
	case stopErr != nil:
		err = fmt.Errorf("recorder: finalize %s: %w", rec.file.Path, stopErr)
	case endErr != nil:
		err = fmt.Errorf("recorder: revert to preview: %w", endErr)
	}

	status := Status{File: rec.file, Profile: r.profile.Name}
	if err != nil {
		r.lastErr = err.Error()
		status.LastError = r.lastErr
		if revert {
			if ferr := r.session.Fail(ctx, err.Error()); ferr != nil {
				r.logger.Warn("recorder: could not move session to error", "error", ferr)
			}
		}
	}
	r.status.Set(status)

	r.logger.Info("recorder: recording stopped",
		"id", rec.id,
		"path", rec.file.Path,
		"frames", summary.Stats.FramesWritten,
		"duration", summary.Duration,
		"registered", summary.Registered,
		"warnings", len(summary.Warnings),
		"error", err,
	)
	return summary, err
}

// onSessionChange runs on the session worker for every transition. It only
// marks the loss; StartRecording may hold mu while it waits on that worker,
// so the abort itself runs on its own goroutine.
func (r *Recorder) onSessionChange(from, to session.State) {
	if r.stopped.Load() || !leftRecording(from, to) {
		return
	}
	r.lost.Store(&to)
	go func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.abortLost()
	}()
}

// leftRecording reports a drop out of RecordingActive, or out of a
// reconfiguration, into Error or Closed.
func leftRecording(from, to session.State) bool {
	if to.Kind != session.Error && to.Kind != session.Closed {
		return false
	}
	return from.Kind == session.RecordingActive || from.Kind == session.Reconfiguring
}

// abortLost finalizes the active recording without touching the session
// when a loss was marked. Callers hold r.mu.
func (r *Recorder) abortLost() {
	st := r.lost.Swap(nil)
	if st == nil || r.active == nil {
		return
	}
	r.logger.Warn("recorder: session lost while recording, finalizing", "state", st.String())

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if _, err := r.finish(ctx, false); err != nil {
		r.logger.Warn("recorder: finalize after session loss failed", "error", err)
	}
	r.setError(fmt.Errorf("recorder: session %s while recording", *st))
}

// fileName builds VID_20060102_150405_<id8>.mp4.
func fileName(prefix string, t time.Time, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s_%s.mp4", prefix, t.Format("20060102_150405"), short)
}
