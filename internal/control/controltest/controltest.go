// Package controltest provides in-memory stand-ins for the recorder service
// and the MQTT broker.
package controltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-recorder/internal/capability"
	"github.com/e7canasta/orion-recorder/internal/colorprofile"
	"github.com/e7canasta/orion-recorder/internal/controls"
	"github.com/e7canasta/orion-recorder/internal/encoder"
	"github.com/e7canasta/orion-recorder/internal/platform"
	"github.com/e7canasta/orion-recorder/internal/recorder"
	"github.com/e7canasta/orion-recorder/internal/session"
	"github.com/e7canasta/orion-recorder/internal/watch"
)

// Service records calls and keeps its state in memory.
type Service struct {
	StartErr error
	OpenErr  error
	Caps     capability.Capabilities

	mu       sync.Mutex
	calls    []string
	controls *controls.State
	catalog  *colorprofile.Catalog
	profile  colorprofile.Profile
	status   *watch.Value[recorder.Status]
	session  *watch.Value[session.State]
}

// NewService returns a service in preview with automatic controls.
func NewService() *Service {
	cat := colorprofile.MustCatalog()
	return &Service{
		controls: controls.New(nil),
		catalog:  cat,
		profile:  cat.Default(),
		status:   watch.New(recorder.Status{Profile: cat.Default().Name}),
		session:  watch.New(session.State{Kind: session.PreviewActive}),
	}
}

func (s *Service) record(format string, args ...interface{}) {
	s.mu.Lock()
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

// Calls returns every recorded call.
func (s *Service) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// SetSession publishes a session state.
func (s *Service) SetSession(st session.State) { s.session.Set(st) }

func (s *Service) Status() recorder.Status                      { return s.status.Get() }
func (s *Service) Watch() *watch.Value[recorder.Status]         { return s.status }
func (s *Service) SessionState() session.State                  { return s.session.Get() }
func (s *Service) SessionWatch() *watch.Value[session.State]    { return s.session }
func (s *Service) Capabilities() capability.Capabilities        { return s.Caps }
func (s *Service) Controls() controls.Snapshot                  { return s.controls.Snapshot() }
func (s *Service) Stats() encoder.Stats                         { return encoder.Stats{FramesWritten: 42} }
func (s *Service) Profiles() []colorprofile.Profile             { return s.catalog.All() }
func (s *Service) SetAuto()                                     { s.record("set_auto"); s.controls.SetAuto() }
func (s *Service) SetISO(iso int) error                         { s.record("set_iso %d", iso); return s.controls.SetISO(iso) }
func (s *Service) SetExposure(ns int64) error                   { s.record("set_exposure %d", ns); return s.controls.SetExposure(ns) }
func (s *Service) SetFocus(d float64) error                     { s.record("set_focus %g", d); return s.controls.SetFocus(d) }
func (s *Service) SetWhiteBalance(k int) error                  { s.record("set_wb %d", k); return s.controls.SetWhiteBalance(k) }
func (s *Service) CloseDevice(ctx context.Context) error        { s.record("close_device"); return nil }

// Profile returns the selected profile
func (s *Service) Profile() colorprofile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

func (s *Service) OpenDevice(ctx context.Context, deviceID string, preview platform.Surface) error {
	id := "<nil>"
	if preview != nil {
		id = preview.ID()
	}
	s.record("open_device %s %s", deviceID, id)
	return s.OpenErr
}

func (s *Service) StartRecording(ctx context.Context) (recorder.Status, error) {
	s.record("start_recording")
	if s.StartErr != nil {
		return recorder.Status{}, s.StartErr
	}
	st := recorder.Status{
		Active:    true,
		ID:        "rec-1",
		StartedAt: time.Now(),
		File:      platform.VideoFile{Path: "/rec/VID_1.mp4", Codec: "hevc"},
		Profile:   s.Profile().Name,
	}
	s.status.Set(st)
	return st, nil
}

func (s *Service) StopRecording(ctx context.Context) (recorder.Summary, error) {
	s.record("stop_recording")
	prev := s.status.Get()
	if !prev.Active {
		return recorder.Summary{}, recorder.ErrNotRecording
	}
	s.status.Set(recorder.Status{File: prev.File, Profile: prev.Profile})
	return recorder.Summary{ID: prev.ID, File: prev.File, Registered: true}, nil
}

func (s *Service) SelectColorProfile(name string) (colorprofile.Profile, error) {
	s.record("select_profile %s", name)
	p, _ := s.catalog.Lookup(name)
	return p, s.selectProfile(p)
}

func (s *Service) SelectColorProfileID(id int) (colorprofile.Profile, error) {
	s.record("select_profile_id %d", id)
	p := s.catalog.GetByID(id)
	return p, s.selectProfile(p)
}

func (s *Service) selectProfile(p colorprofile.Profile) error {
	if s.status.Get().Active {
		return recorder.ErrRecordingActive
	}
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
	return nil
}

// Message is one publish seen by a Broker.
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// ErrNotSubscribed is returned by Deliver for topics without a subscriber.
var ErrNotSubscribed = errors.New("controltest: no subscriber")

// Broker is an in-memory Broker.
type Broker struct {
	PublishErr error

	mu        sync.Mutex
	subs      map[string]func(topic string, payload []byte)
	published []Message
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]func(string, []byte))}
}

func (b *Broker) Subscribe(topic string, qos byte, fn func(topic string, payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = fn
	return nil
}

func (b *Broker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, topic)
	return nil
}

func (b *Broker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, Message{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return nil
}

// Subscribed reports whether topic has a subscriber.
func (b *Broker) Subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[topic]
	return ok
}

// Deliver hands payload to the subscriber of topic.
func (b *Broker) Deliver(topic string, payload []byte) error {
	b.mu.Lock()
	fn, ok := b.subs[topic]
	b.mu.Unlock()
	if !ok {
		return ErrNotSubscribed
	}
	fn(topic, payload)
	return nil
}

// Messages returns the publishes on topic.
func (b *Broker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// WaitFor polls until topic has at least n publishes.
func (b *Broker) WaitFor(t testing.TB, topic string, n int) []Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := b.Messages(topic); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%d messages on %s, want %d", len(b.Messages(topic)), topic, n)
	return nil
}
