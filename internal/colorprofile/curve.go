package colorprofile

import (
	"errors"
	"fmt"
	"math"
)

// CurveKind selects which tone-curve representation a ToneCurve carries.
type CurveKind int

const (
	// CurveLinear maps input to output unchanged (flat/log-like grading base)
	CurveLinear CurveKind = iota
	// CurveGamma applies out = in^(1/gamma)
	CurveGamma
	// CurvePreset delegates to a device-defined curve
	CurvePreset
	// CurvePoints is a piecewise-linear curve through explicit control points
	CurvePoints
)

// String returns the curve kind name
func (k CurveKind) String() string {
	switch k {
	case CurveLinear:
		return "linear"
	case CurveGamma:
		return "gamma"
	case CurvePreset:
		return "preset"
	case CurvePoints:
		return "points"
	default:
		return "unknown"
	}
}

// Preset names the device-defined tone curves.
type Preset int

const (
	PresetFast Preset = iota
	PresetHighQuality
	PresetSRGB
	PresetRec709
)

// String returns the preset name
func (p Preset) String() string {
	switch p {
	case PresetFast:
		return "fast"
	case PresetHighQuality:
		return "high_quality"
	case PresetSRGB:
		return "srgb"
	case PresetRec709:
		return "rec709"
	default:
		return "unknown"
	}
}

// Point is one (x, y) control point of a tone curve, both in [0, 1].
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ToneCurve is a tagged union: exactly one of Gamma, Preset or Points is
// meaningful, selected by Kind.
type ToneCurve struct {
	Kind   CurveKind
	Gamma  float64
	Preset Preset
	Points []Point
}

var (
	// ErrTooFewPoints is returned for control-point curves with fewer than 2 points
	ErrTooFewPoints = errors.New("colorprofile: a control-point curve needs at least 2 points")
	// ErrNonIncreasingX is returned when x coordinates are not strictly increasing
	ErrNonIncreasingX = errors.New("colorprofile: control-point x coordinates must be strictly increasing")
	// ErrXOutOfRange is returned when an x coordinate is outside [0, 1]
	ErrXOutOfRange = errors.New("colorprofile: control-point x must be in [0, 1]")
)

// Linear returns the identity curve.
func Linear() ToneCurve { return ToneCurve{Kind: CurveLinear} }

// Gamma returns a gamma curve. gamma must be positive.
func Gamma(gamma float64) (ToneCurve, error) {
	if gamma <= 0 || math.IsNaN(gamma) || math.IsInf(gamma, 0) {
		return ToneCurve{}, fmt.Errorf("colorprofile: invalid gamma %v", gamma)
	}
	return ToneCurve{Kind: CurveGamma, Gamma: gamma}, nil
}

// PresetCurve returns a curve backed by a device preset.
func PresetCurve(p Preset) ToneCurve { return ToneCurve{Kind: CurvePreset, Preset: p} }

// ControlPoints validates and returns a piecewise-linear curve.
//
// x coordinates must be strictly increasing inside [0, 1]; y coordinates are
// clamped into [0, 1]. The input slice is copied.
func ControlPoints(points []Point) (ToneCurve, error) {
	if len(points) < 2 {
		return ToneCurve{}, ErrTooFewPoints
	}

	out := make([]Point, len(points))
	for i, p := range points {
		if p.X < 0 || p.X > 1 || math.IsNaN(p.X) {
			return ToneCurve{}, fmt.Errorf("%w: point %d has x=%v", ErrXOutOfRange, i, p.X)
		}
		if i > 0 && p.X <= points[i-1].X {
			return ToneCurve{}, fmt.Errorf("%w: point %d (x=%v) after x=%v", ErrNonIncreasingX, i, p.X, points[i-1].X)
		}
		out[i] = Point{X: p.X, Y: clampUnit(p.Y)}
	}

	return ToneCurve{Kind: CurvePoints, Points: out}, nil
}

// Evaluate maps a linear input in [0, 1] through the curve.
//
// Preset curves are rendered by the device; Evaluate approximates them with
// their published transfer functions so software paths (previews, tests) see
// comparable output.
func (c ToneCurve) Evaluate(x float64) float64 {
	x = clampUnit(x)

	switch c.Kind {
	case CurveLinear:
		return x
	case CurveGamma:
		return math.Pow(x, 1/c.Gamma)
	case CurvePreset:
		switch c.Preset {
		case PresetSRGB:
			return srgbOETF(x)
		case PresetRec709, PresetHighQuality, PresetFast:
			return rec709OETF(x)
		}
		return x
	case CurvePoints:
		return interpolate(c.Points, x)
	default:
		return x
	}
}

// String summarizes the curve for logs
func (c ToneCurve) String() string {
	switch c.Kind {
	case CurveGamma:
		return fmt.Sprintf("gamma(%.2f)", c.Gamma)
	case CurvePreset:
		return fmt.Sprintf("preset(%s)", c.Preset)
	case CurvePoints:
		return fmt.Sprintf("points(%d)", len(c.Points))
	default:
		return c.Kind.String()
	}
}

func interpolate(points []Point, x float64) float64 {
	if len(points) == 0 {
		return x
	}
	if x <= points[0].X {
		return points[0].Y
	}
	last := points[len(points)-1]
	if x >= last.X {
		return last.Y
	}
	for i := 1; i < len(points); i++ {
		p0, p1 := points[i-1], points[i]
		if x <= p1.X {
			t := (x - p0.X) / (p1.X - p0.X)
			return p0.Y + t*(p1.Y-p0.Y)
		}
	}
	return last.Y
}

// HLG OETF constants (ITU-R BT.2100).
const (
	hlgA = 0.17883277
	hlgB = 0.28466892 // 1 - 4a
	hlgC = 0.55991073 // 0.5 - a*ln(4a)
)

// hlgOETF is the hybrid log-gamma opto-electronic transfer function.
func hlgOETF(e float64) float64 {
	e = clampUnit(e)
	if e <= 1.0/12.0 {
		return math.Sqrt(3 * e)
	}
	return hlgA*math.Log(12*e-hlgB) + hlgC
}

// HLGCurve approximates the HLG transfer function with n evenly spaced
// control points over [0, 1]. Output y values are non-decreasing.
func HLGCurve(n int) ([]Point, error) {
	if n < 2 {
		return nil, ErrTooFewPoints
	}

	points := make([]Point, n)
	for i := 0; i < n; i++ {
		x := float64(i) / float64(n-1)
		y := clampUnit(hlgOETF(x))
		if i > 0 && y < points[i-1].Y {
			// guards float rounding at the log/sqrt seam
			y = points[i-1].Y
		}
		points[i] = Point{X: x, Y: y}
	}
	return points, nil
}

func rec709OETF(l float64) float64 {
	if l < 0.018 {
		return 4.5 * l
	}
	return 1.099*math.Pow(l, 0.45) - 0.099
}

func srgbOETF(l float64) float64 {
	if l <= 0.0031308 {
		return 12.92 * l
	}
	return 1.055*math.Pow(l, 1/2.4) - 0.055
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
