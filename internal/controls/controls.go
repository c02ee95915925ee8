// Package controls holds the manual-control overrides (ISO, exposure, focus,
// white balance) set from the UI and read by the request builder.
//
// The overrides are stored as an immutable Snapshot behind an atomic pointer.
// Writers are serialized by a mutex and swap a fresh snapshot; readers never
// block and never see a partially updated state. Values are stored as given;
// clamping to device ranges happens when a request is built.
package controls

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
)

// Mode is the auto-exposure mode implied by the overrides.
type Mode int

const (
	// ModeAuto lets the device run auto exposure
	ModeAuto Mode = iota
	// ModeManual disables auto exposure; set by ISO or exposure overrides
	ModeManual
)

// String returns the mode name
func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "auto"
}

// ErrInvalidValue is returned for override values no device can accept.
var ErrInvalidValue = errors.New("controls: invalid value")

// Snapshot is an immutable view of the overrides. A nil field means the
// corresponding control is automatic.
type Snapshot struct {
	ISO           *int
	ExposureNs    *int64
	FocusDistance *float64
	WhiteBalance  *int
	Mode          Mode
}

// Equal reports whether two snapshots hold the same values.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Mode == o.Mode &&
		eqPtr(s.ISO, o.ISO) &&
		eqPtr(s.ExposureNs, o.ExposureNs) &&
		eqPtr(s.FocusDistance, o.FocusDistance) &&
		eqPtr(s.WhiteBalance, o.WhiteBalance)
}

// IsAuto reports whether no override is set.
func (s Snapshot) IsAuto() bool {
	return s.Mode == ModeAuto && s.ISO == nil && s.ExposureNs == nil &&
		s.FocusDistance == nil && s.WhiteBalance == nil
}

// Listener is called after every mutation that changed the snapshot.
//
// Listeners run on the caller's goroutine; a listener that needs to touch a
// live capture session must re-post onto the session worker.
type Listener func(Snapshot)

// State is the single-writer, multi-reader manual-control store.
type State struct {
	logger *slog.Logger

	mu        sync.Mutex // serializes writers and listener registration
	current   atomic.Pointer[Snapshot]
	listeners []Listener
}

// New returns a State with every control automatic.
func New(logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	s := &State{logger: logger}
	s.current.Store(&Snapshot{Mode: ModeAuto})
	return s
}

// Snapshot returns the current overrides.
func (s *State) Snapshot() Snapshot {
	return *s.current.Load()
}

// Subscribe registers a listener for future changes.
func (s *State) Subscribe(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// SetISO overrides sensitivity and switches auto exposure off.
func (s *State) SetISO(iso int) error {
	if iso <= 0 {
		return fmt.Errorf("%w: iso %d", ErrInvalidValue, iso)
	}
	s.update("iso", func(next *Snapshot) {
		next.ISO = &iso
		next.Mode = ModeManual
	})
	return nil
}

// SetExposure overrides exposure duration (nanoseconds) and switches auto
// exposure off.
func (s *State) SetExposure(ns int64) error {
	if ns <= 0 {
		return fmt.Errorf("%w: exposure %dns", ErrInvalidValue, ns)
	}
	s.update("exposure", func(next *Snapshot) {
		next.ExposureNs = &ns
		next.Mode = ModeManual
	})
	return nil
}

// SetFocus overrides focus distance in diopters (0 is infinity). Auto
// exposure is left as is.
func (s *State) SetFocus(diopters float64) error {
	if diopters < 0 || math.IsNaN(diopters) {
		return fmt.Errorf("%w: focus %v", ErrInvalidValue, diopters)
	}
	s.update("focus", func(next *Snapshot) {
		next.FocusDistance = &diopters
	})
	return nil
}

// SetWhiteBalance stores a white-balance value (kelvin). It is a passthrough:
// no color-temperature transform is derived from it and auto white balance
// stays on.
func (s *State) SetWhiteBalance(kelvin int) error {
	if kelvin <= 0 {
		return fmt.Errorf("%w: white balance %d", ErrInvalidValue, kelvin)
	}
	s.update("white_balance", func(next *Snapshot) {
		next.WhiteBalance = &kelvin
	})
	return nil
}

// SetAuto clears every override.
func (s *State) SetAuto() {
	s.update("auto", func(next *Snapshot) {
		*next = Snapshot{Mode: ModeAuto}
	})
}

func (s *State) update(field string, mutate func(*Snapshot)) {
	s.mu.Lock()

	prev := s.current.Load()
	next := *prev
	mutate(&next)

	if next.Equal(*prev) {
		s.mu.Unlock()
		return
	}

	s.current.Store(&next)
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.logger.Debug("controls: override changed",
		"field", field,
		"mode", next.Mode.String(),
	)

	for _, l := range listeners {
		l(next)
	}
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
