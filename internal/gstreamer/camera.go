package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-recorder/internal/capability"
	"github.com/e7canasta/orion-recorder/internal/platform"
	"github.com/e7canasta/orion-recorder/internal/request"
	"github.com/e7canasta/orion-recorder/internal/v4l2"
)

// PreviewSurface renders frames into a sink element (autovideosink,
// fakesink, ...).
type PreviewSurface struct {
	Sink string
}

// ID implements platform.Surface.
func (p PreviewSurface) ID() string { return "preview" }

// InputSurface feeds an encoder through an intervideo channel.
type InputSurface struct {
	Channel string
}

// ID implements platform.Surface.
func (s InputSurface) ID() string { return "encoder-input:" + s.Channel }

// CaptureConfig is the raw format requested from every device.
type CaptureConfig struct {
	Width     int
	Height    int
	FrameRate int
}

// Camera implements platform.CameraProvider on v4l2src. Capability queries
// and control writes go through a v4l2.Registry.
type Camera struct {
	registry *v4l2.Registry
	capture  CaptureConfig
	logger   *slog.Logger

	pipelines atomic.Uint64
}

var _ platform.CameraProvider = (*Camera)(nil)

// NewCamera returns a camera provider capturing in cfg's format.
func NewCamera(registry *v4l2.Registry, cfg CaptureConfig, logger *slog.Logger) *Camera {
	if logger == nil {
		logger = slog.Default()
	}
	Init()
	return &Camera{registry: registry, capture: cfg, logger: logger}
}

// Query implements capability.Registry.
func (c *Camera) Query(deviceID string) (capability.Report, error) {
	return c.registry.Query(deviceID)
}

// Devices lists capture devices.
func (c *Camera) Devices(ctx context.Context) ([]capability.DeviceInfo, error) {
	return c.registry.Devices(ctx)
}

// Open checks the device node and opens it for control writes. The result
// is reported asynchronously.
func (c *Camera) Open(deviceID string, cb platform.DeviceCallbacks) error {
	if _, err := os.Stat(deviceID); err != nil {
		return fmt.Errorf("gstreamer: device %s: %w", deviceID, err)
	}

	go func() {
		d := &device{camera: c, id: deviceID, cb: cb}
		applier, err := c.registry.NewApplier(deviceID)
		if err != nil {
			c.logger.Error("gstreamer: device open failed", "device", deviceID, "error", err)
			cb.OnError(d, err)
			return
		}
		d.applier = applier
		c.logger.Info("gstreamer: device opened", "device", deviceID)
		cb.OnOpened(d)
	}()
	return nil
}

type device struct {
	camera  *Camera
	id      string
	cb      platform.DeviceCallbacks
	applier *v4l2.Applier

	mu      sync.Mutex
	closed  bool
	current *captureSession
}

// ID returns the device path
func (d *device) ID() string { return d.id }

// CreateSession builds the capture pipeline for surfaces and starts it.
// OnConfigured fires once the pipeline reaches PLAYING.
func (d *device) CreateSession(surfaces []platform.Surface, cb platform.SessionCallbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("gstreamer: device %s closed", d.id)
	}

	name := fmt.Sprintf("capture-%d", d.camera.pipelines.Add(1))
	pipeline, err := buildCapturePipeline(name, d.id, d.camera.capture, surfaces)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &captureSession{
		device:   d,
		name:     name,
		pipeline: pipeline,
		cb:       cb,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   d.camera.logger.With("pipeline", name),
	}
	d.current = s

	go s.run(ctx)
	return nil
}

// Close releases the control handle and stops a session still running.
func (d *device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	s := d.current
	d.current = nil
	d.mu.Unlock()

	if s != nil {
		s.Close()
	}
	if d.applier != nil {
		if err := d.applier.Close(); err != nil {
			d.camera.logger.Warn("gstreamer: closing control handle failed", "device", d.id, "error", err)
		}
	}
	d.camera.logger.Info("gstreamer: device closed", "device", d.id)
}

func (d *device) release(s *captureSession) {
	d.mu.Lock()
	if d.current == s {
		d.current = nil
	}
	d.mu.Unlock()
}

type captureSession struct {
	device   *device
	name     string
	pipeline *gst.Pipeline
	cb       platform.SessionCallbacks
	logger   *slog.Logger

	cancel     context.CancelFunc
	done       chan struct{}
	configured atomic.Bool
	closeOnce  sync.Once
}

func (s *captureSession) run(ctx context.Context) {
	defer close(s.done)

	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		s.logger.Error("gstreamer: failed to start capture pipeline", "error", err)
		s.teardown()
		s.cb.OnConfigureFailed(s, fmt.Errorf("start %s: %w", s.name, err))
		return
	}

	monitorBus(ctx, s.pipeline, s.name, busHandlers{
		onPlaying: func() {
			if !s.configured.Swap(true) {
				s.logger.Info("gstreamer: capture session configured")
				s.cb.OnConfigured(s)
			}
		},
		onError: s.onError,
		onEOS: func() {
			s.onError(&PipelineError{Category: ErrCategoryDevice, Message: "capture ended"})
		},
	}, s.logger)
}

func (s *captureSession) onError(perr *PipelineError) {
	if !s.configured.Load() {
		s.teardown()
		s.cb.OnConfigureFailed(s, perr)
		return
	}

	d := s.device
	if perr.Category == ErrCategoryDevice {
		d.cb.OnDisconnected(d)
		return
	}
	d.cb.OnError(d, perr)
}

func (s *captureSession) teardown() {
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		s.logger.Warn("gstreamer: failed to stop capture pipeline", "error", err)
	}
	s.device.release(s)
}

// SetRepeatingRequest writes the request's controls to the device.
func (s *captureSession) SetRepeatingRequest(req request.CaptureRequest) error {
	if s.device.applier == nil {
		return fmt.Errorf("gstreamer: device %s has no control handle", s.device.id)
	}
	return s.device.applier.Apply(req)
}

// Close stops the pipeline asynchronously; OnClosed follows.
func (s *captureSession) Close() {
	s.closeOnce.Do(func() {
		go func() {
			s.cancel()
			<-s.done
			s.teardown()
			s.logger.Info("gstreamer: capture session closed")
			s.cb.OnClosed(s)
		}()
	})
}

// buildCapturePipeline links v4l2src → capsfilter → tee and one branch per
// surface.
func buildCapturePipeline(name, devicePath string, cfg CaptureConfig, surfaces []platform.Surface) (*gst.Pipeline, error) {
	if len(surfaces) == 0 {
		return nil, fmt.Errorf("gstreamer: no surfaces")
	}

	pipeline, err := gst.NewPipeline(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	head, err := makeElements("v4l2src", "capsfilter", "tee")
	if err != nil {
		return nil, err
	}
	src, caps, tee := head[0], head[1], head[2]
	src.SetProperty("device", devicePath)
	caps.SetProperty("caps", gst.NewCapsFromString(captureCaps(cfg.Width, cfg.Height, cfg.FrameRate)))

	if err := pipeline.AddMany(src, caps, tee); err != nil {
		return nil, fmt.Errorf("failed to add capture elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, caps, tee); err != nil {
		return nil, fmt.Errorf("failed to link capture elements: %w", err)
	}

	for _, sf := range surfaces {
		var branch []*gst.Element
		switch v := sf.(type) {
		case PreviewSurface:
			sink := v.Sink
			if sink == "" {
				sink = "fakesink"
			}
			branch, err = makeElements("queue", "videoconvert", sink)
			if err != nil {
				return nil, err
			}
			branch[2].SetProperty("sync", false)
		case InputSurface:
			branch, err = makeElements("queue", "intervideosink")
			if err != nil {
				return nil, err
			}
			branch[1].SetProperty("channel", v.Channel)
		default:
			return nil, fmt.Errorf("gstreamer: unsupported surface %s (%T)", sf.ID(), sf)
		}
		branch[0].SetProperty("leaky", 2)

		if err := pipeline.AddMany(branch...); err != nil {
			return nil, fmt.Errorf("failed to add %s branch: %w", sf.ID(), err)
		}
		if err := gst.ElementLinkMany(append([]*gst.Element{tee}, branch...)...); err != nil {
			return nil, fmt.Errorf("failed to link %s branch: %w", sf.ID(), err)
		}
	}
	return pipeline, nil
}
