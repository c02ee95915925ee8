package gstreamer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-recorder/internal/platform"
)

// finalizeTimeout bounds how long Stop waits for mp4mux to write the moov.
const finalizeTimeout = 5 * time.Second

// Muxers implements platform.MuxerProvider with mp4mux.
type Muxers struct {
	logger *slog.Logger
	seq    atomic.Uint64
}

var _ platform.MuxerProvider = (*Muxers)(nil)

// NewMuxers returns an MP4 muxer provider.
func NewMuxers(logger *slog.Logger) *Muxers {
	if logger == nil {
		logger = slog.Default()
	}
	Init()
	return &Muxers{logger: logger}
}

// NewMuxer builds appsrc → h265parse → mp4mux → filesink writing to path.
func (p *Muxers) NewMuxer(path string) (platform.Muxer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("gstreamer: output directory: %w", err)
	}

	name := fmt.Sprintf("muxer-%d", p.seq.Add(1))
	pipeline, err := gst.NewPipeline(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsrc: %w", err)
	}
	src.SetProperty("format", int(gst.FormatTime))
	src.SetProperty("is-live", false)

	elems, err := makeElements("h265parse", "mp4mux", "filesink")
	if err != nil {
		return nil, err
	}
	parse, mux, sink := elems[0], elems[1], elems[2]
	mux.SetProperty("faststart", true)
	sink.SetProperty("location", path)
	sink.SetProperty("sync", false)

	if err := pipeline.AddMany(src.Element, parse, mux, sink); err != nil {
		return nil, fmt.Errorf("failed to add muxer elements: %w", err)
	}
	if err := gst.ElementLinkMany(src.Element, parse, mux, sink); err != nil {
		return nil, fmt.Errorf("failed to link muxer elements: %w", err)
	}

	return &mp4Muxer{
		name:     name,
		path:     path,
		pipeline: pipeline,
		src:      src,
		logger:   p.logger.With("pipeline", name),
	}, nil
}

type mp4Muxer struct {
	name     string
	path     string
	pipeline *gst.Pipeline
	src      *app.Source
	logger   *slog.Logger

	mu       sync.Mutex
	tracks   int
	started  bool
	stopped  bool
	released bool
	samples  uint64
}

// AddTrack sets the appsrc caps. One video track is supported.
func (m *mp4Muxer) AddTrack(format platform.OutputFormat) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return -1, errors.New("gstreamer: track added after start")
	}
	if m.tracks > 0 {
		return -1, errors.New("gstreamer: only one track supported")
	}
	if format.MIME != platform.MIMEHEVC {
		return -1, fmt.Errorf("gstreamer: unsupported track %q", format.MIME)
	}

	caps := format.Caps
	if caps == "" {
		caps = outputCaps
	}
	m.src.SetCaps(gst.NewCapsFromString(caps))
	m.tracks++
	m.logger.Debug("gstreamer: track added", "caps", caps)
	return 0, nil
}

func (m *mp4Muxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracks == 0 {
		return errors.New("gstreamer: no tracks")
	}
	if m.started {
		return errors.New("gstreamer: muxer already started")
	}
	if err := m.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstreamer: start muxer: %w", err)
	}
	m.started = true
	m.logger.Info("gstreamer: muxer started", "path", m.path)
	return nil
}

func (m *mp4Muxer) WriteSample(track int, data []byte, info platform.BufferInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !m.started:
		return errors.New("gstreamer: write before start")
	case m.stopped:
		return errors.New("gstreamer: write after stop")
	case track != 0:
		return fmt.Errorf("gstreamer: unknown track %d", track)
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	buf := gst.NewBufferFromBytes(payload)
	buf.SetPresentationTimestamp(info.Presentation())
	if !info.Has(platform.FlagKeyFrame) {
		buf.SetFlags(gst.BufferFlagDeltaUnit)
	}

	if ret := m.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("gstreamer: push sample: %s", ret)
	}
	m.samples++
	return nil
}

// Stop ends the stream and waits for the file to be finalized.
func (m *mp4Muxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return errors.New("gstreamer: muxer not started")
	}
	if m.stopped {
		return nil
	}
	m.stopped = true

	if ret := m.src.EndStream(); ret != gst.FlowOK {
		m.logger.Warn("gstreamer: end of stream rejected", "flow", ret.String())
	}
	err := m.awaitEOS()
	if serr := m.pipeline.SetState(gst.StateNull); serr != nil && err == nil {
		err = fmt.Errorf("gstreamer: stop muxer: %w", serr)
	}
	m.logger.Info("gstreamer: muxer stopped", "path", m.path, "samples", m.samples, "error", err)
	return err
}

// awaitEOS blocks until mp4mux drained to the file or posted an error.
func (m *mp4Muxer) awaitEOS() error {
	bus := m.pipeline.GetPipelineBus()
	deadline := time.Now().Add(finalizeTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			return newPipelineError(msg.ParseError())
		}
	}
	return fmt.Errorf("gstreamer: %s not finalized within %s", m.path, finalizeTimeout)
}

func (m *mp4Muxer) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	m.released = true
	if err := m.pipeline.SetState(gst.StateNull); err != nil {
		m.logger.Warn("gstreamer: release muxer", "error", err)
	}
}
