package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-recorder/internal/platform"
)

// outputCaps is the elementary stream handed to muxers. Parameter sets are
// repeated before every IDR.
const outputCaps = "video/x-h265,stream-format=byte-stream,alignment=au"

// Encoders implements platform.EncoderProvider with vaapih265enc or x265enc.
type Encoders struct {
	accel  HardwareAccel
	logger *slog.Logger
	seq    atomic.Uint64
}

var _ platform.EncoderProvider = (*Encoders)(nil)

// NewEncoders returns an encoder provider using accel.
func NewEncoders(accel HardwareAccel, logger *slog.Logger) *Encoders {
	if logger == nil {
		logger = slog.Default()
	}
	Init()
	return &Encoders{accel: accel, logger: logger}
}

// NewEncoder returns an unconfigured HEVC encoder.
func (p *Encoders) NewEncoder(mime string) (platform.Encoder, error) {
	if mime != platform.MIMEHEVC {
		return nil, fmt.Errorf("gstreamer: unsupported codec %q", mime)
	}
	n := p.seq.Add(1)
	return &hevcEncoder{
		accel:       p.accel,
		name:        fmt.Sprintf("encoder-%d", n),
		channel:     fmt.Sprintf("recorder-%d", n),
		logger:      p.logger.With("pipeline", fmt.Sprintf("encoder-%d", n)),
		outstanding: make(map[int]struct{}),
	}, nil
}

type hevcEncoder struct {
	accel   HardwareAccel
	name    string
	channel string
	logger  *slog.Logger

	mu          sync.Mutex
	format      platform.EncoderFormat
	factory     string
	pipeline    *gst.Pipeline
	sink        *app.Sink
	started     bool
	released    bool
	formatSent  bool
	eosSent     bool
	pending     *gst.Sample
	nextIndex   int
	outstanding map[int]struct{}
	busErr      atomic.Pointer[PipelineError]
	cancelBus   context.CancelFunc
}

// Configure builds the encode pipeline for format. With AccelAuto, VAAPI is
// tried first and x265 is the fallback.
func (e *hevcEncoder) Configure(format platform.EncoderFormat) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pipeline != nil {
		return errors.New("gstreamer: encoder already configured")
	}

	var errs []error
	for _, factory := range encoderCandidates(e.accel) {
		pipeline, sink, err := buildEncodePipeline(e.name, e.channel, factory, format)
		if err != nil {
			e.logger.Warn("gstreamer: encoder unavailable", "factory", factory, "error", err)
			errs = append(errs, err)
			continue
		}
		e.pipeline, e.sink, e.factory, e.format = pipeline, sink, factory, format
		e.logger.Info("gstreamer: encoder configured", "factory", factory, "format", format.String())
		return nil
	}
	return fmt.Errorf("gstreamer: no usable HEVC encoder: %w", errors.Join(errs...))
}

// CreateInputSurface returns the channel the capture session must feed.
func (e *hevcEncoder) CreateInputSurface() (platform.Surface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pipeline == nil {
		return nil, errors.New("gstreamer: encoder not configured")
	}
	return InputSurface{Channel: e.channel}, nil
}

func (e *hevcEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pipeline == nil {
		return errors.New("gstreamer: encoder not configured")
	}
	if e.started {
		return errors.New("gstreamer: encoder already started")
	}
	if err := e.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstreamer: start encoder: %w", err)
	}
	e.started = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelBus = cancel
	go monitorBus(ctx, e.pipeline, e.name, busHandlers{
		onError: func(perr *PipelineError) { e.busErr.Store(perr) },
	}, e.logger)
	return nil
}

// DequeueOutput pulls one encoded access unit. The first sample is held
// back and announced as a format change.
func (e *hevcEncoder) DequeueOutput(timeout time.Duration) (platform.Output, error) {
	e.mu.Lock()
	sink, started := e.sink, e.started
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if !started {
		return platform.Output{}, errors.New("gstreamer: encoder not started")
	}
	if perr := e.busErr.Load(); perr != nil {
		return platform.Output{}, perr
	}

	sample := pending
	if sample == nil {
		sample = sink.TryPullSample(timeout)
	}
	if sample == nil {
		if sink.IsEOS() {
			return e.endOfStream(), nil
		}
		return platform.Output{Kind: platform.OutputTryAgain}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.formatSent {
		e.formatSent = true
		e.pending = sample
		return platform.Output{Kind: platform.OutputFormatChanged, Format: e.outputFormat(sample)}, nil
	}
	return e.bufferOutput(sample), nil
}

func (e *hevcEncoder) endOfStream() platform.Output {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.nextIndex
	e.nextIndex++
	e.outstanding[idx] = struct{}{}
	return platform.Output{
		Kind:  platform.OutputBuffer,
		Index: idx,
		Info:  platform.BufferInfo{Flags: platform.FlagEndOfStream},
	}
}

// bufferOutput copies the sample out of GStreamer memory. Callers hold e.mu.
func (e *hevcEncoder) bufferOutput(sample *gst.Sample) platform.Output {
	buf := sample.GetBuffer()
	idx := e.nextIndex
	e.nextIndex++
	e.outstanding[idx] = struct{}{}

	out := platform.Output{Kind: platform.OutputBuffer, Index: idx}
	if buf == nil {
		return out
	}

	mapInfo := buf.Map(gst.MapRead)
	data := make([]byte, len(mapInfo.Bytes()))
	copy(data, mapInfo.Bytes())
	buf.Unmap()

	var flags platform.BufferFlag
	if !buf.HasFlags(gst.BufferFlagDeltaUnit) {
		flags |= platform.FlagKeyFrame
	}
	if buf.HasFlags(gst.BufferFlagHeader) {
		flags |= platform.FlagCodecConfig
	}

	pts := buf.PresentationTimestamp()
	if pts < 0 {
		pts = 0
	}

	out.Data = data
	out.Info = platform.BufferInfo{
		Size:               len(data),
		PresentationTimeUs: pts.Microseconds(),
		Flags:              flags,
	}
	return out
}

// outputFormat describes the stream from the first sample's caps, falling
// back to the configured format for fields the caps lack.
func (e *hevcEncoder) outputFormat(sample *gst.Sample) platform.OutputFormat {
	f := platform.OutputFormat{
		MIME:          platform.MIMEHEVC,
		Width:         e.format.Width,
		Height:        e.format.Height,
		FrameRate:     e.format.FrameRate,
		Caps:          outputCaps,
		ColorStandard: e.format.ColorStandard,
		ColorTransfer: e.format.ColorTransfer,
		ColorRange:    e.format.ColorRange,
	}

	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return f
	}
	f.Caps = caps.String()
	st := caps.GetStructureAt(0)
	if v, err := st.GetValue("width"); err == nil {
		if w, ok := v.(int); ok {
			f.Width = w
		}
	}
	if v, err := st.GetValue("height"); err == nil {
		if h, ok := v.(int); ok {
			f.Height = h
		}
	}
	return f
}

func (e *hevcEncoder) ReleaseOutput(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.outstanding[index]; !ok {
		return fmt.Errorf("gstreamer: buffer %d not outstanding", index)
	}
	delete(e.outstanding, index)
	return nil
}

// SignalEndOfInputStream sends EOS into the pipeline; the sink reports it
// after the last encoded buffer.
func (e *hevcEncoder) SignalEndOfInputStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return errors.New("gstreamer: encoder not started")
	}
	if e.eosSent {
		return nil
	}
	if !e.pipeline.SendEvent(gst.NewEOSEvent()) {
		return errors.New("gstreamer: encoder rejected end of stream")
	}
	e.eosSent = true
	return nil
}

func (e *hevcEncoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *hevcEncoder) stopLocked() error {
	if !e.started {
		return nil
	}
	e.started = false
	if e.cancelBus != nil {
		e.cancelBus()
	}
	if err := e.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstreamer: stop encoder: %w", err)
	}
	e.logger.Debug("gstreamer: encoder stopped", "outstanding", len(e.outstanding))
	return nil
}

func (e *hevcEncoder) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return
	}
	e.released = true
	if err := e.stopLocked(); err != nil {
		e.logger.Warn("gstreamer: release encoder", "error", err)
	}
	if e.pipeline != nil {
		_ = e.pipeline.SetState(gst.StateNull)
	}
	e.pipeline, e.sink, e.pending = nil, nil, nil
}

// encoderProperties returns the rate-control properties of factory.
func encoderProperties(factory string, format platform.EncoderFormat) map[string]interface{} {
	kbps := uint(format.Bitrate / 1000)
	gop := format.IFrameInterval * format.FrameRate
	if gop <= 0 {
		gop = format.FrameRate
	}
	switch factory {
	case "x265enc":
		return map[string]interface{}{
			"bitrate":      kbps,
			"key-int-max":  gop,
			"speed-preset": 2, // superfast
			"tune":         4, // zerolatency
		}
	default:
		return map[string]interface{}{
			"bitrate":         kbps,
			"keyframe-period": uint(gop),
			"rate-control":    2, // cbr
		}
	}
}

// rawCaps is the format the encoder input is converted to.
func rawCaps(factory string, format platform.EncoderFormat) string {
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1,colorimetry=%s",
		rawFormat(factory, format.BitDepth),
		format.Width, format.Height, format.FrameRate,
		Colorimetry(format.ColorStandard, format.ColorTransfer, format.ColorRange),
	)
}

func buildEncodePipeline(name, channel, factory string, format platform.EncoderFormat) (*gst.Pipeline, *app.Sink, error) {
	pipeline, err := gst.NewPipeline(name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	elems, err := makeElements("intervideosrc", "videoconvert", "capsfilter", factory, "h265parse", "capsfilter")
	if err != nil {
		return nil, nil, err
	}
	src, convert, rawFilter, enc, parse, outFilter := elems[0], elems[1], elems[2], elems[3], elems[4], elems[5]

	src.SetProperty("channel", channel)
	convert.SetProperty("n-threads", 0)
	rawFilter.SetProperty("caps", gst.NewCapsFromString(rawCaps(factory, format)))
	for k, v := range encoderProperties(factory, format) {
		if err := enc.SetProperty(k, v); err != nil {
			return nil, nil, fmt.Errorf("failed to set %s.%s: %w", factory, k, err)
		}
	}
	parse.SetProperty("config-interval", -1)
	outFilter.SetProperty("caps", gst.NewCapsFromString(outputCaps))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("emit-signals", false)

	if err := pipeline.AddMany(src, convert, rawFilter, enc, parse, outFilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to add encoder elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, convert, rawFilter, enc, parse, outFilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to link encoder elements: %w", err)
	}

	// READY opens the encoder, so a missing VAAPI device fails here.
	if err := pipeline.SetState(gst.StateReady); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, nil, fmt.Errorf("failed to ready %s: %w", factory, err)
	}
	return pipeline, sink, nil
}
