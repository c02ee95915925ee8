// Package control exposes the recorder over MQTT: JSON commands arrive on a
// control topic, responses and lifecycle events go to the events topic, and
// the full status is published retained on the status topic whenever it
// changes.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-recorder/internal/capability"
	"github.com/e7canasta/orion-recorder/internal/colorprofile"
	"github.com/e7canasta/orion-recorder/internal/controls"
	"github.com/e7canasta/orion-recorder/internal/encoder"
	"github.com/e7canasta/orion-recorder/internal/platform"
	"github.com/e7canasta/orion-recorder/internal/recorder"
	"github.com/e7canasta/orion-recorder/internal/session"
	"github.com/e7canasta/orion-recorder/internal/watch"
)

// Service is the recorder surface driven by remote clients.
type Service interface {
	Status() recorder.Status
	Watch() *watch.Value[recorder.Status]
	SessionState() session.State
	SessionWatch() *watch.Value[session.State]
	Capabilities() capability.Capabilities
	Controls() controls.Snapshot
	Stats() encoder.Stats

	OpenDevice(ctx context.Context, deviceID string, preview platform.Surface) error
	CloseDevice(ctx context.Context) error
	StartRecording(ctx context.Context) (recorder.Status, error)
	StopRecording(ctx context.Context) (recorder.Summary, error)

	SetISO(iso int) error
	SetExposure(ns int64) error
	SetFocus(diopters float64) error
	SetWhiteBalance(kelvin int) error
	SetAuto()

	Profiles() []colorprofile.Profile
	Profile() colorprofile.Profile
	SelectColorProfile(name string) (colorprofile.Profile, error)
	SelectColorProfileID(id int) (colorprofile.Profile, error)
}

var _ Service = (*recorder.Recorder)(nil)

// Command is a control-plane request.
type Command struct {
	ID      string                 `json:"id,omitempty"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response answers one Command. ID echoes the command id, or a generated one
// when the command carried none.
type Response struct {
	ID         string      `json:"id"`
	CommandAck string      `json:"command_ack"`
	Status     string      `json:"status"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

var (
	// ErrUnknownCommand is returned for commands the dispatcher does not know.
	ErrUnknownCommand = errors.New("control: unknown command")
	// ErrBadParameter is returned for missing or mistyped parameters.
	ErrBadParameter = errors.New("control: bad parameter")
)

// Dispatcher executes commands against a Service.
type Dispatcher struct {
	svc     Service
	preview platform.Surface
	logger  *slog.Logger

	// OnShutdown, when set, is triggered by the shutdown command after the
	// response is built.
	OnShutdown func()
}

// NewDispatcher returns a dispatcher opening devices with preview.
func NewDispatcher(svc Service, preview platform.Surface, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{svc: svc, preview: preview, logger: logger}
}

// Execute runs cmd and builds its response.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) Response {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	resp := Response{ID: cmd.ID, CommandAck: cmd.Command, Status: statusSuccess}

	data, err := d.Do(ctx, cmd)
	if err != nil {
		resp.Status = statusError
		resp.Error = err.Error()
		d.logger.Warn("control: command failed", "command", cmd.Command, "id", cmd.ID, "error", err)
	} else {
		resp.Data = data
		d.logger.Info("control: command executed", "command", cmd.Command, "id", cmd.ID)
	}
	resp.Timestamp = time.Now().UTC()
	return resp
}

// Do runs cmd and returns its result without wrapping it in a Response.
func (d *Dispatcher) Do(ctx context.Context, cmd Command) (interface{}, error) {
	p := params(cmd.Params)

	switch cmd.Command {
	case "get_status":
		return BuildStatus(d.svc), nil

	case "get_capabilities":
		return NewCapabilitiesView(d.svc.Capabilities()), nil

	case "get_stats":
		return d.svc.Stats(), nil

	case "list_profiles":
		return ProfileViews(d.svc.Profiles()), nil

	case "open_device":
		id, _ := p.str("device_id")
		if err := d.svc.OpenDevice(ctx, id, d.preview); err != nil {
			return nil, err
		}
		return BuildStatus(d.svc), nil

	case "close_device":
		if err := d.svc.CloseDevice(ctx); err != nil {
			return nil, err
		}
		return BuildStatus(d.svc), nil

	case "start_recording":
		return d.svc.StartRecording(ctx)

	case "stop_recording":
		return d.svc.StopRecording(ctx)

	case "set_iso":
		v, err := p.num("iso")
		if err != nil {
			return nil, err
		}
		return d.controls(d.svc.SetISO(int(v)))

	case "set_exposure":
		v, err := p.num("exposure_ns")
		if err != nil {
			return nil, err
		}
		return d.controls(d.svc.SetExposure(int64(v)))

	case "set_focus":
		v, err := p.num("diopters")
		if err != nil {
			return nil, err
		}
		return d.controls(d.svc.SetFocus(v))

	case "set_white_balance":
		v, err := p.num("kelvin")
		if err != nil {
			return nil, err
		}
		return d.controls(d.svc.SetWhiteBalance(int(v)))

	case "set_auto":
		d.svc.SetAuto()
		return d.controls(nil)

	case "set_color_profile":
		var (
			prof colorprofile.Profile
			err  error
		)
		if id, nerr := p.num("id"); nerr == nil {
			prof, err = d.svc.SelectColorProfileID(int(id))
		} else {
			name, _ := p.str("name")
			prof, err = d.svc.SelectColorProfile(name)
		}
		if err != nil {
			return nil, err
		}
		return NewProfileView(prof), nil

	case "shutdown":
		if d.OnShutdown == nil {
			return nil, errors.New("control: shutdown not available")
		}
		go d.OnShutdown()
		return map[string]interface{}{"shutdown_initiated": true}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Command)
	}
}

func (d *Dispatcher) controls(err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return NewControlsView(d.svc.Controls()), nil
}

type params map[string]interface{}

// num reads a JSON number.
func (p params) num(key string) (float64, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing parameter %q", ErrBadParameter, key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: %q must be a number", ErrBadParameter, key)
	}
	return f, nil
}

func (p params) str(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}
