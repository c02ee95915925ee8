package session

import (
	"errors"
	"fmt"
)

// Kind is the capture-session state.
type Kind int

const (
	Closed Kind = iota
	Opening
	PreviewActive
	Reconfiguring
	RecordingActive
	Error
)

// String returns the state name
func (k Kind) String() string {
	switch k {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case PreviewActive:
		return "preview_active"
	case Reconfiguring:
		return "reconfiguring"
	case RecordingActive:
		return "recording_active"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is the observable session state.
//
// Reason is set only for Error. Target is set only for Reconfiguring and is
// the state the pending session lands in once configured.
type State struct {
	Kind   Kind   `json:"state"`
	Reason string `json:"reason,omitempty"`
	Target Kind   `json:"-"`
}

// String renders the state for logs
func (s State) String() string {
	switch s.Kind {
	case Error:
		return fmt.Sprintf("error(%s)", s.Reason)
	case Reconfiguring:
		return fmt.Sprintf("reconfiguring(->%s)", s.Target)
	default:
		return s.Kind.String()
	}
}

// EventKind enumerates the inputs of the reducer.
type EventKind int

const (
	EventOpenRequested EventKind = iota
	EventDeviceOpened
	EventDeviceError
	EventSessionConfigured
	EventConfigureFailed
	EventBeginRecording
	EventEndRecording
	EventCloseRequested
	EventDeviceDisconnected
	EventFail
)

// String returns the event name
func (e EventKind) String() string {
	switch e {
	case EventOpenRequested:
		return "open_requested"
	case EventDeviceOpened:
		return "device_opened"
	case EventDeviceError:
		return "device_error"
	case EventSessionConfigured:
		return "session_configured"
	case EventConfigureFailed:
		return "configure_failed"
	case EventBeginRecording:
		return "begin_recording"
	case EventEndRecording:
		return "end_recording"
	case EventCloseRequested:
		return "close_requested"
	case EventDeviceDisconnected:
		return "device_disconnected"
	case EventFail:
		return "fail"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Event is one reducer input. Reason accompanies failure events.
type Event struct {
	Kind   EventKind
	Reason string
}

// ErrInvalidTransition is returned by Reduce for events the current state
// does not accept.
var ErrInvalidTransition = errors.New("session: invalid transition")

// Reduce computes the next state. It is pure: on error the returned state is
// s unchanged.
func Reduce(s State, e Event) (State, error) {
	switch e.Kind {
	case EventCloseRequested, EventDeviceDisconnected:
		return State{Kind: Closed}, nil

	case EventOpenRequested:
		if s.Kind == Closed || s.Kind == Error {
			return State{Kind: Opening}, nil
		}

	case EventDeviceOpened:
		if s.Kind == Opening {
			return s, nil
		}

	case EventDeviceError:
		switch s.Kind {
		case Opening, PreviewActive, Reconfiguring, RecordingActive:
			return errorState(e.Reason, "device error"), nil
		}

	case EventSessionConfigured:
		switch s.Kind {
		case Opening:
			return State{Kind: PreviewActive}, nil
		case Reconfiguring:
			return State{Kind: s.Target}, nil
		}

	case EventConfigureFailed:
		if s.Kind == Opening || s.Kind == Reconfiguring {
			return errorState(e.Reason, "configure failed"), nil
		}

	case EventBeginRecording:
		if s.Kind == PreviewActive {
			return State{Kind: Reconfiguring, Target: RecordingActive}, nil
		}

	case EventEndRecording:
		if s.Kind == RecordingActive {
			return State{Kind: Reconfiguring, Target: PreviewActive}, nil
		}

	case EventFail:
		if s.Kind != Closed {
			return errorState(e.Reason, "failed"), nil
		}
	}

	return s, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, e.Kind, s)
}

func errorState(reason, fallback string) State {
	if reason == "" {
		reason = fallback
	}
	return State{Kind: Error, Reason: reason}
}
