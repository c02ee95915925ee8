package colorprofile

import (
	"errors"
	"testing"
)

func TestCatalog_RoundTripByID(t *testing.T) {
	c := MustCatalog()

	all := c.All()
	if len(all) != 6 {
		t.Fatalf("catalog has %d entries, want 6", len(all))
	}

	for _, p := range all {
		if got := c.GetByID(p.ID); got.ID != p.ID {
			t.Errorf("GetByID(%d).ID = %d", p.ID, got.ID)
		}
		if got := c.GetByName(p.Name); got.ID != p.ID {
			t.Errorf("GetByName(%q).ID = %d, want %d", p.Name, got.ID, p.ID)
		}
	}
}

func TestCatalog_UnknownFallsBackToDefault(t *testing.T) {
	c := MustCatalog()

	if got := c.GetByName("cinematic-ultra"); got.ID != DefaultID {
		t.Errorf("GetByName(unknown).ID = %d, want default %d", got.ID, DefaultID)
	}
	if got := c.GetByID(99); got.ID != DefaultID {
		t.Errorf("GetByID(99).ID = %d, want default %d", got.ID, DefaultID)
	}
	if got := c.GetByID(-1); got.ID != DefaultID {
		t.Errorf("GetByID(-1).ID = %d, want default %d", got.ID, DefaultID)
	}
	if _, ok := c.Lookup("nope"); ok {
		t.Error("Lookup(nope) reported a match")
	}
}

func TestCatalog_NameNormalization(t *testing.T) {
	c := MustCatalog()

	for _, name := range []string{"rec709", "REC-709", "Rec.709", "rec_709"} {
		if got := c.GetByName(name); got.ID != IDRec709 {
			t.Errorf("GetByName(%q).ID = %d, want %d", name, got.ID, IDRec709)
		}
	}
}

func TestCatalog_EncoderTags(t *testing.T) {
	c := MustCatalog()

	hlg := c.GetByID(IDRec2020HLG)
	if hlg.EncoderStandard != StandardBT2020 || hlg.EncoderTransfer != TransferHLG {
		t.Errorf("HLG profile tags = %s/%s, want bt2020/hlg", hlg.EncoderStandard, hlg.EncoderTransfer)
	}
	if !hlg.IsHDR() {
		t.Error("HLG profile should be HDR")
	}
	if hlg.ToneCurve.Kind != CurvePoints || len(hlg.ToneCurve.Points) != 32 {
		t.Errorf("HLG curve = %s, want 32 control points", hlg.ToneCurve)
	}

	if c.GetByID(IDFlat).ToneCurve.Kind != CurveLinear {
		t.Error("Flat profile should use a linear curve")
	}
	if g := c.GetByID(IDGamma22).ToneCurve; g.Kind != CurveGamma || g.Gamma != 2.2 {
		t.Errorf("Gamma2.2 curve = %s", g)
	}
}

// TestHLGCurve_Monotonic: 32 increasing inputs in [0,1] give 32
// non-decreasing outputs in [0,1].
func TestHLGCurve_Monotonic(t *testing.T) {
	points, err := HLGCurve(32)
	if err != nil {
		t.Fatalf("HLGCurve(32) error: %v", err)
	}
	if len(points) != 32 {
		t.Fatalf("got %d points, want 32", len(points))
	}

	for i, p := range points {
		if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
			t.Errorf("point %d out of unit square: %+v", i, p)
		}
		if i == 0 {
			continue
		}
		if p.X <= points[i-1].X {
			t.Errorf("x not increasing at %d: %v <= %v", i, p.X, points[i-1].X)
		}
		if p.Y < points[i-1].Y {
			t.Errorf("y decreasing at %d: %v < %v", i, p.Y, points[i-1].Y)
		}
	}

	if points[0].Y != 0 {
		t.Errorf("HLG(0) = %v, want 0", points[0].Y)
	}
	if last := points[31].Y; last < 0.99 {
		t.Errorf("HLG(1) = %v, want ~1", last)
	}
}

func TestControlPoints_Validation(t *testing.T) {
	tests := []struct {
		name    string
		points  []Point
		wantErr error
	}{
		{"too few", []Point{{0, 0}}, ErrTooFewPoints},
		{"equal x", []Point{{0, 0}, {0.5, 0.5}, {0.5, 0.6}}, ErrNonIncreasingX},
		{"decreasing x", []Point{{0, 0}, {0.8, 0.5}, {0.4, 0.6}}, ErrNonIncreasingX},
		{"x above one", []Point{{0, 0}, {1.2, 1}}, ErrXOutOfRange},
		{"x below zero", []Point{{-0.1, 0}, {1, 1}}, ErrXOutOfRange},
		{"valid", []Point{{0, 0}, {0.5, 0.7}, {1, 1}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ControlPoints(tt.points)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ControlPoints() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestControlPoints_ClampsY(t *testing.T) {
	c, err := ControlPoints([]Point{{0, -0.5}, {0.5, 0.5}, {1, 1.7}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Points[0].Y != 0 || c.Points[2].Y != 1 {
		t.Errorf("y not clamped: %+v", c.Points)
	}
}

func TestToneCurve_Evaluate(t *testing.T) {
	pts, _ := ControlPoints([]Point{{0, 0}, {0.5, 0.8}, {1, 1}})
	g, _ := Gamma(2.0)

	tests := []struct {
		name  string
		curve ToneCurve
		in    float64
		want  float64
	}{
		{"linear", Linear(), 0.25, 0.25},
		{"gamma 2", g, 0.25, 0.5},
		{"points midpoint", pts, 0.25, 0.4},
		{"points knot", pts, 0.5, 0.8},
		{"input clamped", Linear(), 3, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.curve.Evaluate(tt.in)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Evaluate(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestGamma_RejectsNonPositive(t *testing.T) {
	for _, v := range []float64{0, -2.2} {
		if _, err := Gamma(v); err == nil {
			t.Errorf("Gamma(%v) expected error", v)
		}
	}
}
