package capability

import (
	"cmp"
	"fmt"
)

// Range is an inclusive [Lower, Upper] interval reported by a capture device
// for one controllable parameter.
//
// Ranges are immutable once queried. A nil *Range means the device did not
// report the parameter; Clamp treats that as the identity.
type Range[T cmp.Ordered] struct {
	Lower T
	Upper T
}

// NewRange returns a range, or an error if lower > upper.
func NewRange[T cmp.Ordered](lower, upper T) (*Range[T], error) {
	if lower > upper {
		return nil, fmt.Errorf("capability: invalid range [%v, %v]", lower, upper)
	}
	return &Range[T]{Lower: lower, Upper: upper}, nil
}

// Contains reports whether v lies inside the range.
func (r *Range[T]) Contains(v T) bool {
	if r == nil {
		return true
	}
	return v >= r.Lower && v <= r.Upper
}

// String returns "[lower, upper]" or "unbounded" for a nil range.
func (r *Range[T]) String() string {
	if r == nil {
		return "unbounded"
	}
	return fmt.Sprintf("[%v, %v]", r.Lower, r.Upper)
}

// Clamp pins v into r. Values below Lower become Lower, values above Upper
// become Upper, everything else passes through. A nil range passes v through
// unchanged.
func Clamp[T cmp.Ordered](v T, r *Range[T]) T {
	if r == nil {
		return v
	}
	if v < r.Lower {
		return r.Lower
	}
	if v > r.Upper {
		return r.Upper
	}
	return v
}
