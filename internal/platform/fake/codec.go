package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/e7canasta/orion-recorder/internal/platform"
)

// Encoder is a scripted platform.Encoder. Outputs queued with Emit are
// returned by DequeueOutput in order once the encoder is started; after
// SignalEndOfInputStream an end-of-stream buffer follows the queue.
type Encoder struct {
	Log *Log

	// ConfigureErr is returned by Configure.
	ConfigureErr error
	// NoEndOfStream keeps the encoder from ever emitting end-of-stream.
	NoEndOfStream bool

	mu          sync.Mutex
	format      platform.EncoderFormat
	queue       []platform.Output
	started     bool
	eosSignaled bool
	eosSent     bool
	released    bool
	nextIndex   int
	outstanding map[int]bool
	releases    map[int]int
	dequeued    int
}

var _ platform.Encoder = (*Encoder)(nil)

// NewEncoder returns an idle scripted encoder.
func NewEncoder(log *Log) *Encoder {
	return &Encoder{
		Log:         log,
		outstanding: make(map[int]bool),
		releases:    make(map[int]int),
	}
}

// FormatChanged builds a format-changed output.
func FormatChanged(width, height int) platform.Output {
	return platform.Output{
		Kind:   platform.OutputFormatChanged,
		Format: platform.OutputFormat{MIME: platform.MIMEHEVC, Width: width, Height: height},
	}
}

// Frame builds a data buffer of size bytes at ptsUs.
func Frame(ptsUs int64, size int, key bool) platform.Output {
	info := platform.BufferInfo{Size: size, PresentationTimeUs: ptsUs}
	if key {
		info.Flags |= platform.FlagKeyFrame
	}
	return platform.Output{Kind: platform.OutputBuffer, Info: info, Data: make([]byte, size)}
}

// CodecConfig builds a codec-config buffer.
func CodecConfig(size int) platform.Output {
	return platform.Output{
		Kind: platform.OutputBuffer,
		Info: platform.BufferInfo{Size: size, Flags: platform.FlagCodecConfig},
		Data: make([]byte, size),
	}
}

// Emit queues outputs.
func (e *Encoder) Emit(outs ...platform.Output) {
	e.mu.Lock()
	e.queue = append(e.queue, outs...)
	e.mu.Unlock()
}

// Format returns the configured format.
func (e *Encoder) Format() platform.EncoderFormat {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.format
}

// Configure implements platform.Encoder.
func (e *Encoder) Configure(format platform.EncoderFormat) error {
	e.Log.Add("encoder.configure %s", format)
	if e.ConfigureErr != nil {
		return e.ConfigureErr
	}
	e.mu.Lock()
	e.format = format
	e.mu.Unlock()
	return nil
}

// CreateInputSurface implements platform.Encoder.
func (e *Encoder) CreateInputSurface() (platform.Surface, error) {
	e.Log.Add("encoder.surface")
	return &Surface{Name: "encoder-input"}, nil
}

// Start implements platform.Encoder.
func (e *Encoder) Start() error {
	e.Log.Add("encoder.start")
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	return nil
}

// DequeueOutput implements platform.Encoder.
func (e *Encoder) DequeueOutput(timeout time.Duration) (platform.Output, error) {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return platform.Output{}, errors.New("fake: encoder released")
	}

	if e.started && len(e.queue) > 0 {
		out := e.queue[0]
		e.queue = e.queue[1:]
		if out.Kind == platform.OutputBuffer {
			out.Index = e.track()
		}
		e.mu.Unlock()
		return out, nil
	}

	if e.started && e.eosSignaled && !e.eosSent && !e.NoEndOfStream {
		e.eosSent = true
		out := platform.Output{
			Kind: platform.OutputBuffer,
			Info: platform.BufferInfo{Flags: platform.FlagEndOfStream},
		}
		out.Index = e.track()
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	time.Sleep(timeout)
	return platform.Output{Kind: platform.OutputTryAgain}, nil
}

// track hands out a buffer index; callers hold e.mu.
func (e *Encoder) track() int {
	idx := e.nextIndex
	e.nextIndex++
	e.outstanding[idx] = true
	e.dequeued++
	return idx
}

// ReleaseOutput implements platform.Encoder.
func (e *Encoder) ReleaseOutput(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.releases[index]++
	if !e.outstanding[index] {
		return fmt.Errorf("fake: buffer %d not outstanding", index)
	}
	delete(e.outstanding, index)
	return nil
}

// SignalEndOfInputStream implements platform.Encoder.
func (e *Encoder) SignalEndOfInputStream() error {
	e.Log.Add("encoder.eos")
	e.mu.Lock()
	e.eosSignaled = true
	e.mu.Unlock()
	return nil
}

// Stop implements platform.Encoder.
func (e *Encoder) Stop() error {
	e.Log.Add("encoder.stop")
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
	return nil
}

// Release implements platform.Encoder.
func (e *Encoder) Release() {
	e.mu.Lock()
	already := e.released
	e.released = true
	e.mu.Unlock()
	if !already {
		e.Log.Add("encoder.release")
	}
}

// Released reports whether Release was called.
func (e *Encoder) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Dequeued returns how many buffers were handed out.
func (e *Encoder) Dequeued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dequeued
}

// Outstanding returns how many dequeued buffers were never released.
func (e *Encoder) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outstanding)
}

// DoubleReleases returns how many buffer indexes were released more than once.
func (e *Encoder) DoubleReleases() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.releases {
		if c > 1 {
			n++
		}
	}
	return n
}

// Encoders is a platform.EncoderProvider handing out scripted encoders.
type Encoders struct {
	Log *Log
	// NewErr is returned by NewEncoder.
	NewErr error
	// Prepare is applied to every new encoder before it is returned.
	Prepare func(*Encoder)

	mu      sync.Mutex
	created []*Encoder
}

// NewEncoder implements platform.EncoderProvider.
func (p *Encoders) NewEncoder(mime string) (platform.Encoder, error) {
	if p.NewErr != nil {
		return nil, p.NewErr
	}
	e := NewEncoder(p.Log)
	if p.Prepare != nil {
		p.Prepare(e)
	}
	p.mu.Lock()
	p.created = append(p.created, e)
	p.mu.Unlock()
	return e, nil
}

// Last returns the most recently created encoder, or nil.
func (p *Encoders) Last() *Encoder {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.created) == 0 {
		return nil
	}
	return p.created[len(p.created)-1]
}

// Sample is one muxer write.
type Sample struct {
	Track int
	Size  int
	Info  platform.BufferInfo
}

// Muxer records every call and rejects writes that break the container
// contract (before a started track, or after stop).
type Muxer struct {
	Log  *Log
	Path string

	// WriteErr is returned by every WriteSample.
	WriteErr error
	// StopErr is returned by Stop.
	StopErr error

	mu                sync.Mutex
	tracks            []platform.OutputFormat
	started           bool
	stopped           bool
	released          bool
	samples           []Sample
	writesBeforeStart int
	writesAfterStop   int
}

var _ platform.Muxer = (*Muxer)(nil)

// AddTrack implements platform.Muxer.
func (m *Muxer) AddTrack(format platform.OutputFormat) (int, error) {
	m.Log.Add("muxer.add_track")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return -1, errors.New("fake: muxer already started")
	}
	m.tracks = append(m.tracks, format)
	return len(m.tracks) - 1, nil
}

// Start implements platform.Muxer.
func (m *Muxer) Start() error {
	m.Log.Add("muxer.start")
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tracks) == 0 {
		return errors.New("fake: muxer has no tracks")
	}
	m.started = true
	return nil
}

// WriteSample implements platform.Muxer.
func (m *Muxer) WriteSample(track int, data []byte, info platform.BufferInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case !m.started:
		m.writesBeforeStart++
		return errors.New("fake: write before start")
	case m.stopped:
		m.writesAfterStop++
		return errors.New("fake: write after stop")
	case track < 0 || track >= len(m.tracks):
		return fmt.Errorf("fake: unknown track %d", track)
	case m.WriteErr != nil:
		return m.WriteErr
	}

	m.samples = append(m.samples, Sample{Track: track, Size: len(data), Info: info})
	return nil
}

// Stop implements platform.Muxer.
func (m *Muxer) Stop() error {
	m.Log.Add("muxer.stop")
	if m.StopErr != nil {
		return m.StopErr
	}
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	return nil
}

// Release implements platform.Muxer.
func (m *Muxer) Release() {
	m.mu.Lock()
	already := m.released
	m.released = true
	m.mu.Unlock()
	if !already {
		m.Log.Add("muxer.release")
	}
}

// Tracks returns the number of registered tracks.
func (m *Muxer) Tracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks)
}

// Samples returns every accepted write.
func (m *Muxer) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// Stopped reports whether Stop succeeded.
func (m *Muxer) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Released reports whether Release was called.
func (m *Muxer) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// Violations returns writes rejected for ordering (before start, after stop).
func (m *Muxer) Violations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writesBeforeStart + m.writesAfterStop
}

// Muxers is a platform.MuxerProvider.
type Muxers struct {
	Log *Log
	// NewErr is returned by NewMuxer.
	NewErr error
	// WriteErr is copied into every new muxer.
	WriteErr error

	mu      sync.Mutex
	created []*Muxer
}

// NewMuxer implements platform.MuxerProvider.
func (p *Muxers) NewMuxer(path string) (platform.Muxer, error) {
	p.Log.Add("muxer.new %s", path)
	if p.NewErr != nil {
		return nil, p.NewErr
	}
	m := &Muxer{Log: p.Log, Path: path, WriteErr: p.WriteErr}
	p.mu.Lock()
	p.created = append(p.created, m)
	p.mu.Unlock()
	return m, nil
}

// Last returns the most recently created muxer, or nil.
func (p *Muxers) Last() *Muxer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.created) == 0 {
		return nil
	}
	return p.created[len(p.created)-1]
}

// Registrar records registered files.
type Registrar struct {
	Log *Log
	Err error

	mu    sync.Mutex
	files []platform.VideoFile
}

// Register implements platform.Registrar.
func (r *Registrar) Register(ctx context.Context, file platform.VideoFile) error {
	r.Log.Add("registrar.register %s", file.Path)
	if r.Err != nil {
		return r.Err
	}
	r.mu.Lock()
	r.files = append(r.files, file)
	r.mu.Unlock()
	return nil
}

// Files returns every registered file.
func (r *Registrar) Files() []platform.VideoFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]platform.VideoFile, len(r.files))
	copy(out, r.files)
	return out
}
