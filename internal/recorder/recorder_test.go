package recorder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/orion-recorder/internal/capability"
	"github.com/e7canasta/orion-recorder/internal/colorprofile"
	"github.com/e7canasta/orion-recorder/internal/controls"
	"github.com/e7canasta/orion-recorder/internal/encoder"
	"github.com/e7canasta/orion-recorder/internal/platform/fake"
	"github.com/e7canasta/orion-recorder/internal/session"
)

var previewSurface = &fake.Surface{Name: "preview"}

type harness struct {
	log       *fake.Log
	cam       *fake.Camera
	encoders  *fake.Encoders
	muxers    *fake.Muxers
	registrar *fake.Registrar
	sess      *session.Controller
	rec       *Recorder
}

func testReport() capability.Report {
	mfd := 10.0
	return capability.Report{
		Facing:           capability.FacingBack,
		Sensitivity:      &capability.Range[int]{Lower: 100, Upper: 3200},
		ExposureDuration: &capability.Range[int64]{Lower: 100_000, Upper: 500_000_000},
		MinFocusDistance: &mfd,
	}
}

func testConfig() Config {
	return Config{
		DeviceID:  "cam0",
		Width:     1920,
		Height:    1080,
		FrameRate: 30,
		BitDepth:  8,
		OutputDir: "/rec",
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := fake.NewLog()
	h := &harness{
		log: log,
		cam: fake.NewCamera(log, testReport()),
		encoders: &fake.Encoders{Log: log, Prepare: func(e *fake.Encoder) {
			e.Emit(
				fake.CodecConfig(32),
				fake.FormatChanged(1920, 1080),
				fake.Frame(0, 500, true),
				fake.Frame(33_333, 200, false),
				fake.Frame(66_666, 200, false),
			)
		}},
		muxers:    &fake.Muxers{Log: log},
		registrar: &fake.Registrar{Log: log},
	}

	catalog := colorprofile.MustCatalog()
	ctrl := controls.New(nil)
	h.sess = session.New(h.cam, nil, ctrl, catalog.Default(),
		session.Config{CloseTimeout: 200 * time.Millisecond}, nil)
	h.sess.Start()

	pipe := encoder.New(h.encoders, h.muxers, encoder.Config{PollTimeout: time.Millisecond}, nil)

	rec, err := New(h.sess, pipe, ctrl, catalog, h.registrar, cfg, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := rec.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	h.rec = rec

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = rec.Stop(ctx)
		_ = h.sess.Stop()
		pipe.Release()
	})
	return h
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	if err := h.rec.OpenDevice(testCtx(t), "", previewSurface); err != nil {
		t.Fatalf("OpenDevice error: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// inOrder fails unless every prefix appears in the log after the previous one.
func inOrder(t *testing.T, log *fake.Log, prefixes ...string) {
	t.Helper()
	from := 0
	for _, p := range prefixes {
		i := log.Index(p, from)
		if i < 0 {
			t.Fatalf("%q missing or out of order in:\n%s", p, log)
		}
		from = i + 1
	}
}

func TestRecorder_StartOrdering(t *testing.T) {
	h := newHarness(t, testConfig())
	h.open(t)

	st, err := h.rec.StartRecording(testCtx(t))
	if err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}
	if !st.Active || st.ID == "" {
		t.Fatalf("status = %+v", st)
	}
	if !strings.HasPrefix(st.File.Path, "/rec/VID_") || !strings.HasSuffix(st.File.Path, ".mp4") {
		t.Errorf("file path = %q", st.File.Path)
	}
	if got := h.sess.State().Kind; got != session.RecordingActive {
		t.Fatalf("session = %s, want recording_active", got)
	}

	inOrder(t, h.log,
		"encoder.configure",
		"encoder.surface",
		"muxer.new /rec/VID_",
		"session.close 0",
		"session.closed 0",
		"session.create 1 [preview,encoder-input]",
		"session.configured 1",
		"encoder.start",
	)
}

func TestRecorder_StopScenario(t *testing.T) {
	h := newHarness(t, testConfig())
	h.open(t)
	ctx := testCtx(t)

	if _, err := h.rec.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}

	sum, err := h.rec.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording error: %v", err)
	}

	mux := h.muxers.Last()
	if !mux.Stopped() || !mux.Released() {
		t.Fatalf("muxer stopped=%v released=%v", mux.Stopped(), mux.Released())
	}
	if got := len(mux.Samples()); got != 3 {
		t.Errorf("samples = %d, want 3", got)
	}
	if enc := h.encoders.Last(); enc.Outstanding() != 0 || enc.DoubleReleases() != 0 {
		t.Errorf("buffer accounting: outstanding=%d double=%d", enc.Outstanding(), enc.DoubleReleases())
	}

	inOrder(t, h.log,
		"encoder.eos",
		"muxer.stop",
		"session.close 1",
		"session.closed 1",
		"session.create 2 [preview]",
		"session.configured 2",
		"encoder.release",
		"registrar.register /rec/VID_",
	)

	if got := h.sess.State().Kind; got != session.PreviewActive {
		t.Errorf("session = %s, want preview_active", got)
	}
	if !sum.Registered || sum.Stats.FramesWritten != 3 || sum.File.Path == "" {
		t.Errorf("summary = %+v", sum)
	}
	if files := h.registrar.Files(); len(files) != 1 || files[0].Path != sum.File.Path {
		t.Errorf("registered files = %+v", files)
	}
	if st := h.rec.Status(); st.Active || st.File.Path != sum.File.Path {
		t.Errorf("status after stop = %+v", st)
	}

	// the pipeline is reusable for the next recording
	if _, err := h.rec.StartRecording(ctx); err != nil {
		t.Fatalf("second StartRecording error: %v", err)
	}
	if _, err := h.rec.StopRecording(ctx); err != nil {
		t.Fatalf("second StopRecording error: %v", err)
	}
	if len(h.registrar.Files()) != 2 {
		t.Errorf("registered = %d, want 2", len(h.registrar.Files()))
	}
}

func TestRecorder_ConfigErrorLeavesPreview(t *testing.T) {
	cfg := testConfig()
	cfg.Height = 1081
	h := newHarness(t, cfg)
	h.open(t)

	_, err := h.rec.StartRecording(testCtx(t))
	var cfgErr *encoder.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("StartRecording error = %v, want *encoder.ConfigError", err)
	}
	if got := h.sess.State().Kind; got != session.PreviewActive {
		t.Errorf("session = %s, want preview_active", got)
	}
	if h.log.Index("session.create 1", 0) >= 0 {
		t.Errorf("session reconfigured after a config error:\n%s", h.log)
	}
	if h.rec.Recording() {
		t.Error("recording marked active")
	}
	if st := h.rec.Status(); st.LastError == "" {
		t.Error("config error not reported in status")
	}
}

func TestRecorder_ReconfigureFailureForcesError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.open(t)

	h.cam.FailNextConfigure(errors.New("stream combination unsupported"))
	if _, err := h.rec.StartRecording(testCtx(t)); err == nil {
		t.Fatal("StartRecording succeeded with a failing reconfigure")
	}

	if got := h.sess.State().Kind; got != session.Error {
		t.Errorf("session = %s, want error", got)
	}
	if !h.encoders.Last().Released() || !h.muxers.Last().Released() {
		t.Error("encoder resources not released after failed start")
	}
	if h.log.Count("encoder.start") != 0 {
		t.Error("encoder started although the session never configured")
	}
	if h.rec.Recording() {
		t.Error("recording marked active")
	}

	// retry is a reopen
	h.open(t)
	if _, err := h.rec.StartRecording(testCtx(t)); err != nil {
		t.Fatalf("StartRecording after reopen error: %v", err)
	}
}

func TestRecorder_MuxerCreationFailureForcesError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.muxers.NewErr = errors.New("read-only filesystem")
	h.open(t)

	if _, err := h.rec.StartRecording(testCtx(t)); err == nil {
		t.Fatal("StartRecording succeeded without a muxer")
	}
	if got := h.sess.State().Kind; got != session.Error {
		t.Errorf("session = %s, want error", got)
	}
}

func TestRecorder_Guards(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := testCtx(t)

	if _, err := h.rec.StartRecording(ctx); !errors.Is(err, ErrNotPreviewing) {
		t.Errorf("start while closed = %v, want ErrNotPreviewing", err)
	}
	if _, err := h.rec.StopRecording(ctx); !errors.Is(err, ErrNotRecording) {
		t.Errorf("stop while idle = %v, want ErrNotRecording", err)
	}

	h.open(t)
	if _, err := h.rec.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}
	if _, err := h.rec.StartRecording(ctx); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second start = %v, want ErrAlreadyRecording", err)
	}
	if _, err := h.rec.SelectColorProfile("Flat"); !errors.Is(err, ErrRecordingActive) {
		t.Errorf("profile change while recording = %v, want ErrRecordingActive", err)
	}
}

func TestRecorder_SelectColorProfile(t *testing.T) {
	h := newHarness(t, testConfig())
	h.open(t)

	p, err := h.rec.SelectColorProfile("rec2020 hlg")
	if err != nil {
		t.Fatalf("SelectColorProfile error: %v", err)
	}
	if p.ID != colorprofile.IDRec2020HLG || h.rec.Profile().ID != colorprofile.IDRec2020HLG {
		t.Fatalf("selected %s", p.Name)
	}
	if st := h.rec.Status(); st.Profile != "Rec.2020-HLG" {
		t.Errorf("status profile = %q", st.Profile)
	}

	if _, err := h.rec.StartRecording(testCtx(t)); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}
	f := h.encoders.Last().Format()
	if f.BitDepth != 10 || f.ColorTransfer != colorprofile.TransferHLG {
		t.Errorf("HLG recording format = %s", f)
	}
	if _, err := h.rec.StopRecording(testCtx(t)); err != nil {
		t.Fatalf("StopRecording error: %v", err)
	}

	p, err = h.rec.SelectColorProfile("no-such-profile")
	if err != nil || p.ID != colorprofile.DefaultID {
		t.Errorf("unknown profile = %s, %v; want default", p.Name, err)
	}
}

func TestRecorder_ManualControlsReachSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.open(t)

	if err := h.rec.SetISO(100000); err != nil {
		t.Fatalf("SetISO error: %v", err)
	}
	s := h.cam.LastSession()
	eventually(t, "clamped ISO request", func() bool {
		req, ok := s.LastRequest()
		return ok && req.Sensitivity != nil && *req.Sensitivity == 3200
	})

	h.rec.SetAuto()
	eventually(t, "auto request", func() bool {
		req, ok := s.LastRequest()
		return ok && req.Sensitivity == nil
	})
	if snap := h.rec.Controls(); !snap.IsAuto() {
		t.Errorf("controls after SetAuto = %+v", snap)
	}
}

func TestRecorder_DisconnectWhileRecording(t *testing.T) {
	h := newHarness(t, testConfig())
	h.open(t)

	if _, err := h.rec.StartRecording(testCtx(t)); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}
	h.cam.Disconnect()

	eventually(t, "recording aborted", func() bool { return !h.rec.Recording() })
	eventually(t, "muxer finalized", func() bool { return h.muxers.Last().Stopped() })

	if !h.encoders.Last().Released() {
		t.Error("encoder not released after session loss")
	}
	if st := h.rec.Status(); st.Active || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
	if got := h.sess.State().Kind; got != session.Closed {
		t.Errorf("session = %s, want closed", got)
	}
}

func TestRecorder_SessionLossThenReopenWhileRecording(t *testing.T) {
	h := newHarness(t, testConfig())
	h.open(t)

	for i := 0; i < 10; i++ {
		if _, err := h.rec.StartRecording(testCtx(t)); err != nil {
			t.Fatalf("round %d: StartRecording error: %v", i, err)
		}
		if err := h.sess.Fail(testCtx(t), "device error"); err != nil {
			t.Fatalf("round %d: Fail error: %v", i, err)
		}
		if err := h.rec.OpenDevice(testCtx(t), "", previewSurface); err != nil {
			t.Fatalf("round %d: OpenDevice error: %v", i, err)
		}

		if h.rec.Recording() {
			t.Fatalf("round %d: still recording on a preview-only session", i)
		}
		if !h.encoders.Last().Released() {
			t.Errorf("round %d: encoder not released after session loss", i)
		}
		if !h.muxers.Last().Stopped() {
			t.Errorf("round %d: muxer not finalized after session loss", i)
		}
		if st := h.rec.Status(); st.Active || st.LastError == "" {
			t.Errorf("round %d: status = %+v", i, st)
		}
		if _, err := h.rec.StopRecording(testCtx(t)); !errors.Is(err, ErrNotRecording) {
			t.Errorf("round %d: StopRecording error = %v, want ErrNotRecording", i, err)
		}
		if got := h.sess.State().Kind; got != session.PreviewActive {
			t.Fatalf("round %d: session = %s, want preview_active", i, got)
		}
	}
}

func TestLeftRecording(t *testing.T) {
	rec := session.State{Kind: session.RecordingActive}
	reconf := session.State{Kind: session.Reconfiguring, Target: session.RecordingActive}
	preview := session.State{Kind: session.PreviewActive}
	failed := session.State{Kind: session.Error, Reason: "x"}
	closed := session.State{Kind: session.Closed}

	tests := []struct {
		name     string
		from, to session.State
		want     bool
	}{
		{"recording to error", rec, failed, true},
		{"recording to closed", rec, closed, true},
		{"reconfiguring to error", reconf, failed, true},
		{"preview to error", preview, failed, false},
		{"recording to reconfiguring", rec, reconf, false},
		{"error to opening", failed, session.State{Kind: session.Opening}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := leftRecording(tt.from, tt.to); got != tt.want {
				t.Errorf("leftRecording(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestRecorder_CloseDeviceStopsRecording(t *testing.T) {
	h := newHarness(t, testConfig())
	h.open(t)

	if _, err := h.rec.StartRecording(testCtx(t)); err != nil {
		t.Fatalf("StartRecording error: %v", err)
	}
	if err := h.rec.CloseDevice(testCtx(t)); err != nil {
		t.Fatalf("CloseDevice error: %v", err)
	}
	if h.rec.Recording() {
		t.Error("still recording after close")
	}
	if len(h.registrar.Files()) != 1 {
		t.Errorf("registered = %d, want 1", len(h.registrar.Files()))
	}
	if got := h.sess.State().Kind; got != session.Closed {
		t.Errorf("session = %s, want closed", got)
	}
}

func TestFileName(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got := fileName("VID", ts, "0123456789abcdef")
	if got != "VID_20260304_050607_01234567.mp4" {
		t.Errorf("fileName = %q", got)
	}
}
