// Package encoder runs the hardware HEVC encoder and drains its output into
// an MP4 muxer.
//
// # Lifecycle
//
//	Idle --Prepare--> Prepared --Start--> Draining --Stop--> Stopped --Release--> Idle
//
// Prepare creates the encoder, its input surface and the muxer. The muxer is
// started by the drain loop when the encoder reports its output format, so
// no sample is ever written before a track exists. Stop signals end of
// stream, joins the drain loop with a bounded wait and stops the muxer
// before returning; only then is the file complete.
//
// # Drain loop
//
// The drain goroutine is the only muxer writer while it runs. Every buffer
// it dequeues is released back to the encoder exactly once, whether it was
// written, dropped or rejected by the muxer. Write errors are counted and
// surfaced as warnings by Stop; they never abort a recording.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-recorder/internal/colorprofile"
	"github.com/e7canasta/orion-recorder/internal/platform"
)

// State is the pipeline lifecycle state.
type State int

const (
	Idle State = iota
	Prepared
	Draining
	Stopped
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prepared:
		return "prepared"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy is returned by Prepare when a recording is already set up.
	ErrBusy = errors.New("encoder: pipeline busy")

	// ErrNotPrepared is returned by Start outside Prepared.
	ErrNotPrepared = errors.New("encoder: not prepared")

	// ErrNotRunning is returned by Stop outside Draining.
	ErrNotRunning = errors.New("encoder: not running")

	// ErrNoOutput is returned by Stop when the encoder never reported an
	// output format, so the muxer was never started and no file exists.
	ErrNoOutput = errors.New("encoder: no output produced")
)

// ConfigError reports a format, profile or bitrate combination the encoder
// cannot be configured with.
type ConfigError struct {
	Format platform.EncoderFormat
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("encoder: configure %s: %v", e.Format, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Params describe one recording.
type Params struct {
	Width     int
	Height    int
	FrameRate int
	BitDepth  int
	Profile   colorprofile.Profile
	Path      string
}

// Config holds pipeline timing.
type Config struct {
	// PollTimeout bounds each output dequeue.
	PollTimeout time.Duration
	// DrainTimeout bounds the wait for end of stream in Stop.
	DrainTimeout time.Duration
	// IFrameInterval is the key-frame interval in seconds.
	IFrameInterval int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		PollTimeout:    10 * time.Millisecond,
		DrainTimeout:   2 * time.Second,
		IFrameInterval: 1,
	}
}

// Result is returned by Stop.
type Result struct {
	File     platform.VideoFile
	Stats    Stats
	Warnings []string
}

// Pipeline owns one encoder/muxer pair at a time. It can be reused after
// Release.
type Pipeline struct {
	encoders platform.EncoderProvider
	muxers   platform.MuxerProvider
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	enc     platform.Encoder
	mux     platform.Muxer
	surface platform.Surface
	file    platform.VideoFile
	quit    chan struct{}
	done    chan struct{}
	stats   *counters

	// written by the drain goroutine, read after done is closed
	muxerStarted bool
	lastWriteErr error
}

// New returns an idle pipeline.
func New(encoders platform.EncoderProvider, muxers platform.MuxerProvider, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.IFrameInterval <= 0 {
		cfg.IFrameInterval = def.IFrameInterval
	}
	return &Pipeline{
		encoders: encoders,
		muxers:   muxers,
		cfg:      cfg,
		logger:   logger,
		state:    Idle,
		stats:    &counters{},
	}
}

// State returns the lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns the counters of the current (or last) recording.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	c := p.stats
	p.mu.Unlock()
	return c.snapshot()
}

// Prepare configures the encoder for params and creates the muxer bound to
// params.Path. It returns the surface the capture session must target.
//
// Configuration failures are *ConfigError; nothing is left allocated when
// Prepare fails.
func (p *Pipeline) Prepare(params Params) (platform.Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Idle {
		return nil, fmt.Errorf("%w: state %s", ErrBusy, p.state)
	}

	format := platform.EncoderFormat{
		MIME:           platform.MIMEHEVC,
		Width:          params.Width,
		Height:         params.Height,
		FrameRate:      params.FrameRate,
		BitDepth:       params.BitDepth,
		IFrameInterval: p.cfg.IFrameInterval,
		ColorStandard:  params.Profile.EncoderStandard,
		ColorTransfer:  params.Profile.EncoderTransfer,
		ColorRange:     params.Profile.EncoderRange,
	}

	if err := validate(params); err != nil {
		return nil, &ConfigError{Format: format, Err: err}
	}
	format.Bitrate = Bitrate(params.Width, params.Height, params.FrameRate, params.BitDepth)

	enc, err := p.encoders.NewEncoder(format.MIME)
	if err != nil {
		return nil, &ConfigError{Format: format, Err: err}
	}
	if err := enc.Configure(format); err != nil {
		enc.Release()
		return nil, &ConfigError{Format: format, Err: err}
	}
	surface, err := enc.CreateInputSurface()
	if err != nil {
		enc.Release()
		return nil, &ConfigError{Format: format, Err: fmt.Errorf("input surface: %w", err)}
	}

	mux, err := p.muxers.NewMuxer(params.Path)
	if err != nil {
		enc.Release()
		return nil, fmt.Errorf("encoder: create muxer for %s: %w", params.Path, err)
	}

	p.enc = enc
	p.mux = mux
	p.surface = surface
	p.file = platform.VideoFile{
		Path:   params.Path,
		Width:  params.Width,
		Height: params.Height,
		Codec:  "hevc",
	}
	p.stats = &counters{}
	p.muxerStarted = false
	p.lastWriteErr = nil
	p.state = Prepared

	p.logger.Info("encoder: prepared",
		"format", format.String(),
		"profile", params.Profile.Name,
		"path", params.Path,
	)
	return surface, nil
}

func validate(params Params) error {
	switch {
	case params.Width <= 0 || params.Height <= 0:
		return fmt.Errorf("invalid size %dx%d", params.Width, params.Height)
	case params.Width%2 != 0 || params.Height%2 != 0:
		return fmt.Errorf("size %dx%d must be even for 4:2:0", params.Width, params.Height)
	case params.FrameRate <= 0 || params.FrameRate > 240:
		return fmt.Errorf("invalid frame rate %d", params.FrameRate)
	case params.BitDepth != 8 && params.BitDepth != 10:
		return fmt.Errorf("unsupported bit depth %d", params.BitDepth)
	case params.Profile.IsHDR() && params.BitDepth != 10:
		return fmt.Errorf("profile %s requires 10-bit", params.Profile.Name)
	case params.Path == "":
		return errors.New("output path is required")
	}
	return nil
}

// Start starts the encoder and the drain goroutine.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Prepared {
		return fmt.Errorf("%w: state %s", ErrNotPrepared, p.state)
	}
	if err := p.enc.Start(); err != nil {
		return fmt.Errorf("encoder: start: %w", err)
	}

	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	p.state = Draining

	go p.drain(p.enc, p.mux, p.stats, p.quit, p.done)

	p.logger.Info("encoder: started", "path", p.file.Path)
	return nil
}

// Stop signals end of stream, waits for the drain loop and stops the muxer.
// It never returns before the muxer is stopped. ctx cancellation shortens
// the drain wait but the muxer is still finalized.
func (p *Pipeline) Stop(ctx context.Context) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Draining {
		return Result{}, fmt.Errorf("%w: state %s", ErrNotRunning, p.state)
	}

	var warnings []string

	if err := p.enc.SignalEndOfInputStream(); err != nil {
		p.logger.Warn("encoder: signal end of stream failed", "error", err)
		warnings = append(warnings, fmt.Sprintf("end of stream not signaled: %v", err))
	}

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("encoder: drain timed out, forcing exit", "timeout", p.cfg.DrainTimeout)
		warnings = append(warnings, fmt.Sprintf("end of stream not observed within %s", p.cfg.DrainTimeout))
		close(p.quit)
		<-p.done
	case <-ctx.Done():
		p.logger.Warn("encoder: stop cancelled, forcing drain exit", "error", ctx.Err())
		warnings = append(warnings, "drain interrupted")
		close(p.quit)
		<-p.done
	}

	if err := p.enc.Stop(); err != nil {
		p.logger.Warn("encoder: stop failed", "error", err)
	}

	p.state = Stopped
	stats := p.stats.snapshot()

	if stats.WriteErrors > 0 {
		warnings = append(warnings, fmt.Sprintf("%d samples failed to write, last error: %v", stats.WriteErrors, p.lastWriteErr))
	}
	if stats.DroppedBeforeTrack > 0 {
		warnings = append(warnings, fmt.Sprintf("%d buffers dropped before the output format was known", stats.DroppedBeforeTrack))
	}

	result := Result{File: p.file, Stats: stats, Warnings: warnings}

	if !p.muxerStarted {
		p.logger.Error("encoder: muxer never started, no file produced", "path", p.file.Path)
		return result, ErrNoOutput
	}

	if err := p.mux.Stop(); err != nil {
		p.logger.Error("encoder: muxer stop failed", "path", p.file.Path, "error", err)
		return result, fmt.Errorf("encoder: finalize %s: %w", p.file.Path, err)
	}

	p.logger.Info("encoder: stopped",
		"path", p.file.Path,
		"frames", stats.FramesWritten,
		"bytes", stats.BytesWritten,
		"duration", stats.Duration,
		"fps", stats.FPSMean,
		"warnings", len(warnings),
	)
	return result, nil
}

// Release frees surface, encoder and muxer and returns the pipeline to Idle.
// Safe to call in any state and more than once.
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Draining {
		close(p.quit)
		<-p.done
		if err := p.enc.Stop(); err != nil {
			p.logger.Warn("encoder: stop on release failed", "error", err)
		}
	}

	if p.enc != nil {
		p.enc.Release()
		p.enc = nil
	}
	if p.mux != nil {
		p.mux.Release()
		p.mux = nil
	}
	p.surface = nil

	if p.state != Idle {
		p.logger.Debug("encoder: released", "from", p.state.String())
	}
	p.state = Idle
}

// drain moves encoder output into the muxer until end of stream or quit.
func (p *Pipeline) drain(enc platform.Encoder, mux platform.Muxer, stats *counters, quit, done chan struct{}) {
	defer close(done)

	track := -1
	for {
		select {
		case <-quit:
			return
		default:
		}

		out, err := enc.DequeueOutput(p.cfg.PollTimeout)
		if err != nil {
			stats.add(&stats.s.DequeueErrors)
			p.logger.Warn("encoder: dequeue failed", "error", err)
			select {
			case <-quit:
				return
			case <-time.After(p.cfg.PollTimeout):
			}
			continue
		}

		switch out.Kind {
		case platform.OutputTryAgain:
			continue

		case platform.OutputFormatChanged:
			if track >= 0 {
				p.logger.Warn("encoder: ignoring repeated format change")
				continue
			}
			t, err := mux.AddTrack(out.Format)
			if err != nil {
				p.logger.Error("encoder: add track failed", "error", err)
				continue
			}
			if err := mux.Start(); err != nil {
				p.logger.Error("encoder: muxer start failed", "error", err)
				continue
			}
			track = t
			p.muxerStarted = true
			p.logger.Info("encoder: output format received, muxer started",
				"track", track,
				"width", out.Format.Width,
				"height", out.Format.Height,
			)

		case platform.OutputBuffer:
			if p.handleBuffer(enc, mux, stats, track, out) {
				p.logger.Debug("encoder: end of stream")
				return
			}
		}
	}
}

// handleBuffer writes one output buffer when possible and always releases
// it. It reports whether the buffer carried end of stream.
func (p *Pipeline) handleBuffer(enc platform.Encoder, mux platform.Muxer, stats *counters, track int, out platform.Output) bool {
	info := out.Info

	switch {
	case info.Has(platform.FlagCodecConfig):
		// parameter sets travel in the track format
		stats.add(&stats.s.CodecConfigBuffers)
	case info.Size <= 0:
	case track < 0:
		stats.add(&stats.s.DroppedBeforeTrack)
	case info.Offset < 0 || info.Offset+info.Size > len(out.Data):
		stats.add(&stats.s.WriteErrors)
		p.lastWriteErr = fmt.Errorf("buffer %d range [%d,+%d) outside %d bytes", out.Index, info.Offset, info.Size, len(out.Data))
		p.logger.Warn("encoder: invalid buffer range", "error", p.lastWriteErr)
	default:
		data := out.Data[info.Offset : info.Offset+info.Size]
		if err := mux.WriteSample(track, data, info); err != nil {
			stats.add(&stats.s.WriteErrors)
			p.lastWriteErr = err
			p.logger.Warn("encoder: write sample failed",
				"pts", info.Presentation(),
				"size", info.Size,
				"error", err,
			)
		} else {
			stats.written(info.Presentation(), info.Size, info.Has(platform.FlagKeyFrame))
		}
	}

	if err := enc.ReleaseOutput(out.Index); err != nil {
		stats.add(&stats.s.ReleaseErrors)
		p.logger.Warn("encoder: release buffer failed", "index", out.Index, "error", err)
	}

	return info.Has(platform.FlagEndOfStream)
}
