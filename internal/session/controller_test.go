package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-recorder/internal/capability"
	"github.com/e7canasta/orion-recorder/internal/colorprofile"
	"github.com/e7canasta/orion-recorder/internal/controls"
	"github.com/e7canasta/orion-recorder/internal/platform"
	"github.com/e7canasta/orion-recorder/internal/platform/fake"
	"github.com/e7canasta/orion-recorder/internal/request"
)

var (
	previewSurface = &fake.Surface{Name: "preview"}
	encoderSurface = &fake.Surface{Name: "encoder-input"}
)

func testReport() capability.Report {
	mfd := 10.0
	return capability.Report{
		Facing:           capability.FacingBack,
		Sensitivity:      &capability.Range[int]{Lower: 100, Upper: 3200},
		ExposureDuration: &capability.Range[int64]{Lower: 100_000, Upper: 500_000_000},
		MinFocusDistance: &mfd,
	}
}

func newTestController(t *testing.T, provider platform.CameraProvider) (*Controller, *controls.State) {
	t.Helper()
	ctrl := controls.New(nil)
	c := New(provider, nil, ctrl, colorprofile.MustCatalog().Default(),
		Config{CloseTimeout: 200 * time.Millisecond}, nil)
	c.Start()
	t.Cleanup(func() { _ = c.Stop() })
	return c, ctrl
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
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

type transitions struct {
	mu   sync.Mutex
	list []State
}

func (r *transitions) add(_, to State) {
	r.mu.Lock()
	r.list = append(r.list, to)
	r.mu.Unlock()
}

func (r *transitions) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.list...)
}

func TestController_OpenReachesPreview(t *testing.T) {
	log := fake.NewLog()
	cam := fake.NewCamera(log, testReport())
	c, _ := newTestController(t, cam)

	if err := c.OpenDevice(testCtx(t), "cam0", previewSurface); err != nil {
		t.Fatalf("OpenDevice error: %v", err)
	}
	if got := c.State().Kind; got != PreviewActive {
		t.Fatalf("state = %s, want preview_active", got)
	}

	s := cam.LastSession()
	if s == nil || len(s.Surfaces()) != 1 || s.Surfaces()[0] != "preview" {
		t.Fatalf("preview session surfaces = %v", s.Surfaces())
	}
	eventually(t, "preview request", func() bool { _, ok := s.LastRequest(); return ok })
	req, _ := s.LastRequest()
	if req.Template != request.TemplatePreview || req.VideoStabilization {
		t.Errorf("preview request = %s", req)
	}
	if caps := c.Capabilities(); caps.Sensitivity == nil || caps.Sensitivity.Upper != 3200 {
		t.Errorf("capabilities not captured: %+v", caps)
	}
}

// TestController_RecordingRoundTrip checks the full start/stop cycle: the
// old session is closed and its close confirmed before the replacement is
// created, and each direction passes through exactly one Reconfiguring.
func TestController_RecordingRoundTrip(t *testing.T) {
	log := fake.NewLog()
	cam := fake.NewCamera(log, testReport())
	c, _ := newTestController(t, cam)
	ctx := testCtx(t)

	var seen transitions
	c.Observe(seen.add)

	if err := c.OpenDevice(ctx, "cam0", previewSurface); err != nil {
		t.Fatalf("OpenDevice error: %v", err)
	}
	if err := c.BeginRecordingReconfigure(ctx, encoderSurface); err != nil {
		t.Fatalf("BeginRecordingReconfigure error: %v", err)
	}
	if got := c.State().Kind; got != RecordingActive {
		t.Fatalf("state = %s, want recording_active", got)
	}

	closeIdx := log.Index("session.close 0", 0)
	closedIdx := log.Index("session.closed 0", 0)
	createIdx := log.Index("session.create 1", 0)
	if closeIdx < 0 || closedIdx < closeIdx || createIdx < closedIdx {
		t.Fatalf("replacement not ordered after close confirmation:\n%s", log)
	}

	rec := cam.LastSession()
	if got := rec.Surfaces(); len(got) != 2 || got[1] != "encoder-input" {
		t.Fatalf("recording session surfaces = %v", got)
	}
	eventually(t, "record request", func() bool { _, ok := rec.LastRequest(); return ok })
	req, _ := rec.LastRequest()
	if req.Template != request.TemplateRecord || !req.VideoStabilization {
		t.Errorf("record request = %s, want record template with stabilization", req)
	}

	if err := c.BeginRecordingReconfigure(ctx, encoderSurface); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second begin error = %v, want ErrInvalidTransition", err)
	}

	if err := c.EndRecordingReconfigure(ctx); err != nil {
		t.Fatalf("EndRecordingReconfigure error: %v", err)
	}
	if got := cam.LastSession().Surfaces(); len(got) != 1 {
		t.Errorf("reverted session surfaces = %v, want preview only", got)
	}

	want := []State{
		{Kind: Opening},
		{Kind: PreviewActive},
		{Kind: Reconfiguring, Target: RecordingActive},
		{Kind: RecordingActive},
		{Kind: Reconfiguring, Target: PreviewActive},
		{Kind: PreviewActive},
	}
	got := seen.get()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestController_ManualISOIsClamped(t *testing.T) {
	cam := fake.NewCamera(fake.NewLog(), testReport())
	c, ctrl := newTestController(t, cam)
	ctrl.Subscribe(func(controls.Snapshot) { c.ApplyControls() })

	if err := c.OpenDevice(testCtx(t), "cam0", previewSurface); err != nil {
		t.Fatalf("OpenDevice error: %v", err)
	}
	if err := ctrl.SetISO(100000); err != nil {
		t.Fatalf("SetISO error: %v", err)
	}

	s := cam.LastSession()
	eventually(t, "manual request", func() bool {
		req, ok := s.LastRequest()
		return ok && req.Sensitivity != nil
	})
	req, _ := s.LastRequest()
	if *req.Sensitivity != 3200 {
		t.Errorf("applied ISO = %d, want 3200", *req.Sensitivity)
	}
	if req.AEMode != request.ControlOff {
		t.Errorf("AEMode = %s, want off", req.AEMode)
	}
}

func TestController_CloseTimeoutMovesToError(t *testing.T) {
	cam := fake.NewCamera(fake.NewLog(), testReport())
	c, _ := newTestController(t, cam)
	ctx := testCtx(t)

	if err := c.OpenDevice(ctx, "cam0", previewSurface); err != nil {
		t.Fatalf("OpenDevice error: %v", err)
	}
	cam.HoldClose(true)

	err := c.BeginRecordingReconfigure(ctx, encoderSurface)
	var stErr *StateError
	if !errors.As(err, &stErr) {
		t.Fatalf("BeginRecordingReconfigure error = %v, want *StateError", err)
	}
	if st := c.State(); st.Kind != Error || st.Reason != "session close timed out" {
		t.Errorf("state = %s, want error(session close timed out)", st)
	}
	if d := cam.OpenedDevices()[0]; !d.Closed() {
		t.Error("device not released on error")
	}
}

func TestController_ConfigureFailureThenRetry(t *testing.T) {
	cam := fake.NewCamera(fake.NewLog(), testReport())
	c, _ := newTestController(t, cam)
	ctx := testCtx(t)

	if err := c.OpenDevice(ctx, "cam0", previewSurface); err != nil {
		t.Fatalf("OpenDevice error: %v", err)
	}

	cam.FailNextConfigure(errors.New("surface combination unsupported"))
	err := c.BeginRecordingReconfigure(ctx, encoderSurface)
	var stErr *StateError
	if !errors.As(err, &stErr) || stErr.State.Reason != "surface combination unsupported" {
		t.Fatalf("BeginRecordingReconfigure error = %v", err)
	}

	if err := c.OpenDevice(ctx, "cam0", previewSurface); err != nil {
		t.Fatalf("retry OpenDevice error: %v", err)
	}
	if got := c.State().Kind; got != PreviewActive {
		t.Errorf("state after retry = %s, want preview_active", got)
	}
}

func TestController_OpenFailures(t *testing.T) {
	t.Run("synchronous", func(t *testing.T) {
		cam := fake.NewCamera(fake.NewLog(), testReport())
		cam.OpenErr = errors.New("no such device")
		c, _ := newTestController(t, cam)

		err := c.OpenDevice(testCtx(t), "cam9", previewSurface)
		var stErr *StateError
		if !errors.As(err, &stErr) {
			t.Fatalf("OpenDevice error = %v, want *StateError", err)
		}
		if c.State().Kind != Error {
			t.Errorf("state = %s, want error", c.State())
		}
	})

	t.Run("device error callback", func(t *testing.T) {
		cam := fake.NewCamera(fake.NewLog(), testReport())
		cam.OpenAsyncErr = errors.New("camera in use")
		c, _ := newTestController(t, cam)

		err := c.OpenDevice(testCtx(t), "cam0", previewSurface)
		var stErr *StateError
		if !errors.As(err, &stErr) || stErr.State.Reason != "camera in use" {
			t.Fatalf("OpenDevice error = %v", err)
		}
	})

	t.Run("open while preview active", func(t *testing.T) {
		cam := fake.NewCamera(fake.NewLog(), testReport())
		c, _ := newTestController(t, cam)
		ctx := testCtx(t)

		if err := c.OpenDevice(ctx, "cam0", previewSurface); err != nil {
			t.Fatal(err)
		}
		if err := c.OpenDevice(ctx, "cam0", previewSurface); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("second OpenDevice error = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestController_DisconnectClosesFromRecording(t *testing.T) {
	cam := fake.NewCamera(fake.NewLog(), testReport())
	c, _ := newTestController(t, cam)
	ctx := testCtx(t)

	if err := c.OpenDevice(ctx, "cam0", previewSurface); err != nil {
		t.Fatal(err)
	}
	if err := c.BeginRecordingReconfigure(ctx, encoderSurface); err != nil {
		t.Fatal(err)
	}

	cam.Disconnect()
	eventually(t, "closed state", func() bool { return c.State().Kind == Closed })

	if !cam.LastSession().Closed() {
		t.Error("session not closed after disconnect")
	}
}

func TestController_CloseDeviceIsIdempotent(t *testing.T) {
	cam := fake.NewCamera(fake.NewLog(), testReport())
	c, _ := newTestController(t, cam)
	ctx := testCtx(t)

	for i := 0; i < 2; i++ {
		if err := c.CloseDevice(ctx); err != nil {
			t.Fatalf("CloseDevice #%d error: %v", i, err)
		}
	}
	if err := c.OpenDevice(ctx, "cam0", previewSurface); err != nil {
		t.Fatal(err)
	}
	if err := c.CloseDevice(ctx); err != nil {
		t.Fatal(err)
	}
	if c.State().Kind != Closed {
		t.Errorf("state = %s, want closed", c.State())
	}
	if !cam.OpenedDevices()[0].Closed() {
		t.Error("device not closed")
	}
}

func TestController_SubmitErrorsAreCounted(t *testing.T) {
	cam := fake.NewCamera(fake.NewLog(), testReport())
	cam.SubmitErr = errors.New("request queue full")
	c, _ := newTestController(t, cam)

	if err := c.OpenDevice(testCtx(t), "cam0", previewSurface); err != nil {
		t.Fatalf("OpenDevice error: %v", err)
	}
	eventually(t, "submit error counted", func() bool { return c.Stats().SubmitErrors >= 1 })
	if c.State().Kind != PreviewActive {
		t.Errorf("state = %s, want preview_active", c.State())
	}
}

// manualCamera hands its callbacks to the test instead of firing them.
type manualCamera struct {
	mu        sync.Mutex
	deviceCB  platform.DeviceCallbacks
	sessionCB []platform.SessionCallbacks
	device    *manualDevice
}

func (m *manualCamera) Query(string) (capability.Report, error) { return capability.Report{}, nil }
func (m *manualCamera) Devices(context.Context) ([]capability.DeviceInfo, error) {
	return nil, nil
}

func (m *manualCamera) Open(_ string, cb platform.DeviceCallbacks) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceCB = cb
	m.device = &manualDevice{camera: m}
	return nil
}

func (m *manualCamera) sessionCallbacks() []platform.SessionCallbacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]platform.SessionCallbacks(nil), m.sessionCB...)
}

type manualDevice struct {
	camera *manualCamera
}

func (d *manualDevice) ID() string { return "manual" }
func (d *manualDevice) CreateSession(_ []platform.Surface, cb platform.SessionCallbacks) error {
	d.camera.mu.Lock()
	d.camera.sessionCB = append(d.camera.sessionCB, cb)
	d.camera.mu.Unlock()
	return nil
}
func (d *manualDevice) Close() {}

type manualSession struct {
	mu     sync.Mutex
	closed bool
}

func (s *manualSession) SetRepeatingRequest(request.CaptureRequest) error { return nil }
func (s *manualSession) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
func (s *manualSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestController_StaleSessionCallbackIgnored(t *testing.T) {
	cam := &manualCamera{}
	c, _ := newTestController(t, cam)
	ctx := testCtx(t)

	openErr := make(chan error, 1)
	go func() { openErr <- c.OpenDevice(ctx, "manual", previewSurface) }()

	eventually(t, "device open requested", func() bool {
		cam.mu.Lock()
		defer cam.mu.Unlock()
		return cam.device != nil
	})
	cam.deviceCB.OnOpened(cam.device)
	eventually(t, "session requested", func() bool { return len(cam.sessionCallbacks()) == 1 })

	if err := c.CloseDevice(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-openErr; !errors.Is(err, ErrClosed) {
		t.Errorf("pending OpenDevice error = %v, want ErrClosed", err)
	}

	stale := &manualSession{}
	cam.sessionCallbacks()[0].OnConfigured(stale)

	eventually(t, "stale session closed", stale.isClosed)
	if c.State().Kind != Closed {
		t.Errorf("stale callback changed state to %s", c.State())
	}
	if c.Stats().StaleCallbacks != 1 {
		t.Errorf("StaleCallbacks = %d, want 1", c.Stats().StaleCallbacks)
	}
}

type flakyOpener struct {
	failures int
	calls    int
}

func (f *flakyOpener) OpenDevice(context.Context, string, platform.Surface) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("device not enumerated")
	}
	return nil
}

func TestOpenWithRetry(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 4 * time.Millisecond}

	t.Run("succeeds after failures", func(t *testing.T) {
		op := &flakyOpener{failures: 2}
		n, err := OpenWithRetry(testCtx(t), op, "cam0", previewSurface, cfg, nil)
		if err != nil || n != 2 {
			t.Errorf("OpenWithRetry = %d, %v; want 2, nil", n, err)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		op := &flakyOpener{failures: 100}
		_, err := OpenWithRetry(testCtx(t), op, "cam0", previewSurface, cfg, nil)
		if err == nil {
			t.Fatal("expected error")
		}
		if op.calls != cfg.MaxRetries+1 {
			t.Errorf("calls = %d, want %d", op.calls, cfg.MaxRetries+1)
		}
	})
}

func TestBackoff(t *testing.T) {
	cfg := DefaultRetryConfig()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
