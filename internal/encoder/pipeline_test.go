package encoder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/orion-recorder/internal/colorprofile"
	"github.com/e7canasta/orion-recorder/internal/platform"
	"github.com/e7canasta/orion-recorder/internal/platform/fake"
)

var catalog = colorprofile.MustCatalog()

func testParams() Params {
	return Params{
		Width:     1920,
		Height:    1080,
		FrameRate: 30,
		BitDepth:  10,
		Profile:   catalog.Default(),
		Path:      "/tmp/rec/test.mp4",
	}
}

type rig struct {
	log      *fake.Log
	encoders *fake.Encoders
	muxers   *fake.Muxers
	pipe     *Pipeline
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	log := fake.NewLog()
	r := &rig{
		log:      log,
		encoders: &fake.Encoders{Log: log},
		muxers:   &fake.Muxers{Log: log},
	}
	r.pipe = New(r.encoders, r.muxers, cfg, nil)
	t.Cleanup(r.pipe.Release)
	return r
}

// prepare runs Prepare and queues outs on the new encoder.
func (r *rig) prepare(t *testing.T, outs ...platform.Output) *fake.Encoder {
	t.Helper()
	if _, err := r.pipe.Prepare(testParams()); err != nil {
		t.Fatalf("Prepare error: %v", err)
	}
	enc := r.encoders.Last()
	enc.Emit(outs...)
	return enc
}

func stopCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func frames(n int, from int64, key int) []platform.Output {
	out := make([]platform.Output, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fake.Frame(from+int64(i)*33_333, 1000+i, i%key == 0))
	}
	return out
}

func TestPipeline_RecordsAndFinalizes(t *testing.T) {
	r := newRig(t, Config{PollTimeout: time.Millisecond})

	outs := []platform.Output{fake.CodecConfig(64), fake.FormatChanged(1920, 1080)}
	outs = append(outs, frames(30, 0, 10)...)
	enc := r.prepare(t, outs...)

	if got := r.pipe.State(); got != Prepared {
		t.Fatalf("state = %s, want prepared", got)
	}
	if err := r.pipe.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	res, err := r.pipe.Stop(stopCtx(t))
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	mux := r.muxers.Last()
	if !mux.Stopped() {
		t.Fatal("muxer not stopped when Stop returned")
	}
	if got := len(mux.Samples()); got != 30 {
		t.Errorf("samples written = %d, want 30", got)
	}
	if mux.Violations() != 0 {
		t.Errorf("muxer ordering violations = %d", mux.Violations())
	}

	s := res.Stats
	if s.FramesWritten != 30 || s.KeyFrames != 3 || s.CodecConfigBuffers != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.WriteErrors != 0 || s.ReleaseErrors != 0 {
		t.Errorf("unexpected errors in stats %+v", s)
	}
	if s.FPSMean < 29 || s.FPSMean > 31 {
		t.Errorf("FPSMean = %.2f, want ~30", s.FPSMean)
	}
	if !s.IsStable {
		t.Errorf("evenly spaced frames not stable: %+v", s)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if res.File.Path != "/tmp/rec/test.mp4" || res.File.Codec != "hevc" {
		t.Errorf("file = %+v", res.File)
	}

	// codec config + 30 frames + end of stream
	if enc.Dequeued() != 32 || enc.Outstanding() != 0 || enc.DoubleReleases() != 0 {
		t.Errorf("buffers dequeued=%d outstanding=%d double=%d",
			enc.Dequeued(), enc.Outstanding(), enc.DoubleReleases())
	}

	if r.log.Index("muxer.stop", 0) < r.log.Index("encoder.eos", 0) {
		t.Errorf("muxer stopped before end of stream:\n%s", r.log)
	}
	if got := r.pipe.State(); got != Stopped {
		t.Errorf("state = %s, want stopped", got)
	}
}

func TestPipeline_DropsBuffersBeforeFormat(t *testing.T) {
	r := newRig(t, Config{PollTimeout: time.Millisecond})

	outs := frames(3, 0, 1)
	outs = append(outs, fake.FormatChanged(1920, 1080))
	outs = append(outs, frames(5, 100_000, 5)...)
	enc := r.prepare(t, outs...)

	if err := r.pipe.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	res, err := r.pipe.Stop(stopCtx(t))
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	mux := r.muxers.Last()
	if mux.Violations() != 0 {
		t.Fatalf("wrote %d samples before the track existed", mux.Violations())
	}
	if got := len(mux.Samples()); got != 5 {
		t.Errorf("samples = %d, want 5", got)
	}
	if res.Stats.DroppedBeforeTrack != 3 {
		t.Errorf("DroppedBeforeTrack = %d, want 3", res.Stats.DroppedBeforeTrack)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("warnings = %v, want one drop warning", res.Warnings)
	}
	if enc.Outstanding() != 0 {
		t.Errorf("dropped buffers not released: %d outstanding", enc.Outstanding())
	}
}

func TestPipeline_IgnoresRepeatedFormatChange(t *testing.T) {
	r := newRig(t, Config{PollTimeout: time.Millisecond})

	outs := []platform.Output{fake.FormatChanged(1920, 1080)}
	outs = append(outs, frames(2, 0, 1)...)
	outs = append(outs, fake.FormatChanged(1280, 720))
	outs = append(outs, frames(2, 66_666, 1)...)
	r.prepare(t, outs...)

	if err := r.pipe.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if _, err := r.pipe.Stop(stopCtx(t)); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	mux := r.muxers.Last()
	if mux.Tracks() != 1 {
		t.Errorf("tracks = %d, want 1", mux.Tracks())
	}
	if got := len(mux.Samples()); got != 4 {
		t.Errorf("samples = %d, want 4", got)
	}
	if r.log.Count("muxer.start") != 1 {
		t.Errorf("muxer started %d times", r.log.Count("muxer.start"))
	}
}

func TestPipeline_WriteErrorsBecomeWarnings(t *testing.T) {
	r := newRig(t, Config{PollTimeout: time.Millisecond})
	r.muxers.WriteErr = errors.New("disk full")

	outs := []platform.Output{fake.FormatChanged(1920, 1080)}
	outs = append(outs, frames(4, 0, 2)...)
	enc := r.prepare(t, outs...)

	if err := r.pipe.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	res, err := r.pipe.Stop(stopCtx(t))
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	if res.Stats.WriteErrors != 4 || res.Stats.FramesWritten != 0 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if len(res.Warnings) == 0 {
		t.Error("write errors produced no warning")
	}
	if enc.Outstanding() != 0 || enc.DoubleReleases() != 0 {
		t.Errorf("failed writes not released exactly once: outstanding=%d double=%d",
			enc.Outstanding(), enc.DoubleReleases())
	}
	if !r.muxers.Last().Stopped() {
		t.Error("muxer not stopped")
	}
}

func TestPipeline_InvalidBufferRangeIsCounted(t *testing.T) {
	r := newRig(t, Config{PollTimeout: time.Millisecond})

	bad := fake.Frame(0, 100, true)
	bad.Info.Offset = 80
	enc := r.prepare(t, fake.FormatChanged(1920, 1080), bad, fake.Frame(33_333, 100, false))

	if err := r.pipe.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	res, err := r.pipe.Stop(stopCtx(t))
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if res.Stats.WriteErrors != 1 || res.Stats.FramesWritten != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if enc.Outstanding() != 0 {
		t.Errorf("outstanding = %d", enc.Outstanding())
	}
}

func TestPipeline_DrainTimeoutForcesExit(t *testing.T) {
	r := newRig(t, Config{PollTimeout: time.Millisecond, DrainTimeout: 50 * time.Millisecond})
	r.encoders.Prepare = func(e *fake.Encoder) { e.NoEndOfStream = true }

	outs := []platform.Output{fake.FormatChanged(1920, 1080)}
	outs = append(outs, frames(3, 0, 3)...)
	r.prepare(t, outs...)

	if err := r.pipe.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	start := time.Now()
	res, err := r.pipe.Stop(stopCtx(t))
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %s with a 50ms drain timeout", elapsed)
	}
	if !r.muxers.Last().Stopped() {
		t.Error("muxer not finalized after forced exit")
	}
	if len(res.Warnings) == 0 {
		t.Error("forced exit produced no warning")
	}
	if res.Stats.FramesWritten != 3 {
		t.Errorf("FramesWritten = %d, want 3", res.Stats.FramesWritten)
	}
}

func TestPipeline_NoFormatMeansNoOutput(t *testing.T) {
	r := newRig(t, Config{PollTimeout: time.Millisecond})
	r.prepare(t)

	if err := r.pipe.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	_, err := r.pipe.Stop(stopCtx(t))
	if !errors.Is(err, ErrNoOutput) {
		t.Fatalf("Stop error = %v, want ErrNoOutput", err)
	}
	if r.log.Count("muxer.stop") != 0 {
		t.Error("stopped a muxer that never started")
	}
}

func TestPipeline_MuxerStopErrorIsReturned(t *testing.T) {
	r := newRig(t, Config{PollTimeout: time.Millisecond})
	r.prepare(t, fake.FormatChanged(1920, 1080), fake.Frame(0, 10, true))
	r.muxers.Last().StopErr = errors.New("moov write failed")

	if err := r.pipe.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if _, err := r.pipe.Stop(stopCtx(t)); err == nil {
		t.Fatal("Stop succeeded with a failing muxer")
	}
}

func TestPipeline_PrepareConfigErrors(t *testing.T) {
	hlg := catalog.GetByID(colorprofile.IDRec2020HLG)

	tests := []struct {
		name   string
		mutate func(*Params)
		setup  func(*rig)
	}{
		{"zero size", func(p *Params) { p.Width = 0 }, nil},
		{"odd size", func(p *Params) { p.Height = 1081 }, nil},
		{"bad frame rate", func(p *Params) { p.FrameRate = 0 }, nil},
		{"12 bit", func(p *Params) { p.BitDepth = 12 }, nil},
		{"hdr at 8 bit", func(p *Params) { p.Profile = hlg; p.BitDepth = 8 }, nil},
		{"no path", func(p *Params) { p.Path = "" }, nil},
		{"no encoder", nil, func(r *rig) { r.encoders.NewErr = errors.New("no hevc encoder") }},
		{"configure rejected", nil, func(r *rig) {
			r.encoders.Prepare = func(e *fake.Encoder) { e.ConfigureErr = errors.New("unsupported profile") }
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, Config{})
			if tt.setup != nil {
				tt.setup(r)
			}
			params := testParams()
			if tt.mutate != nil {
				tt.mutate(&params)
			}

			_, err := r.pipe.Prepare(params)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Prepare error = %v, want *ConfigError", err)
			}
			if got := r.pipe.State(); got != Idle {
				t.Errorf("state = %s, want idle", got)
			}
			if enc := r.encoders.Last(); enc != nil && !enc.Released() {
				t.Error("encoder leaked after failed Prepare")
			}
		})
	}
}

func TestPipeline_PrepareMuxerErrorIsNotConfigError(t *testing.T) {
	r := newRig(t, Config{})
	r.muxers.NewErr = errors.New("read-only filesystem")

	_, err := r.pipe.Prepare(testParams())
	if err == nil {
		t.Fatal("Prepare succeeded without a muxer")
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		t.Errorf("muxer failure reported as ConfigError: %v", err)
	}
	if !r.encoders.Last().Released() {
		t.Error("encoder not released after muxer failure")
	}
}

func TestPipeline_PrepareSetsFormat(t *testing.T) {
	r := newRig(t, Config{IFrameInterval: 2})
	params := testParams()
	params.Profile = catalog.GetByID(colorprofile.IDRec2020HLG)

	if _, err := r.pipe.Prepare(params); err != nil {
		t.Fatalf("Prepare error: %v", err)
	}
	f := r.encoders.Last().Format()
	if f.MIME != platform.MIMEHEVC || f.BitDepth != 10 || f.IFrameInterval != 2 {
		t.Errorf("format = %s", f)
	}
	if f.ColorStandard != colorprofile.StandardBT2020 || f.ColorTransfer != colorprofile.TransferHLG {
		t.Errorf("color tags = %s/%s", f.ColorStandard, f.ColorTransfer)
	}
	if f.Bitrate != 30_000_000 {
		t.Errorf("bitrate = %d, want 30000000", f.Bitrate)
	}
}

func TestPipeline_LifecycleErrors(t *testing.T) {
	r := newRig(t, Config{PollTimeout: time.Millisecond})

	if err := r.pipe.Start(); !errors.Is(err, ErrNotPrepared) {
		t.Errorf("Start from idle = %v, want ErrNotPrepared", err)
	}
	if _, err := r.pipe.Stop(stopCtx(t)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop from idle = %v, want ErrNotRunning", err)
	}

	r.prepare(t)
	if _, err := r.pipe.Prepare(testParams()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Prepare = %v, want ErrBusy", err)
	}
}

func TestPipeline_ReleaseIsIdempotentAndReusable(t *testing.T) {
	r := newRig(t, Config{PollTimeout: time.Millisecond})

	first := r.prepare(t, fake.FormatChanged(1920, 1080), fake.Frame(0, 10, true))
	if err := r.pipe.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	// release while draining
	r.pipe.Release()
	r.pipe.Release()

	if !first.Released() || !r.muxers.Last().Released() {
		t.Fatal("Release did not free encoder and muxer")
	}
	if r.log.Count("encoder.release") != 1 {
		t.Errorf("encoder released %d times", r.log.Count("encoder.release"))
	}
	if got := r.pipe.State(); got != Idle {
		t.Fatalf("state = %s, want idle", got)
	}

	second := r.prepare(t, fake.FormatChanged(1920, 1080), fake.Frame(0, 10, true))
	if second == first {
		t.Fatal("reused a released encoder")
	}
	if err := r.pipe.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	res, err := r.pipe.Stop(stopCtx(t))
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if res.Stats.FramesWritten != 1 {
		t.Errorf("second recording stats = %+v", res.Stats)
	}
}
