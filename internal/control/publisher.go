package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-recorder/internal/recorder"
	"github.com/e7canasta/orion-recorder/internal/session"
)

const publisherID = "control"

// Event is a lifecycle notification on the events topic.
type Event struct {
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher mirrors the recorder state onto the status and events topics.
type Publisher struct {
	broker Broker
	topics Topics
	qos    QoS
	svc    Service
	logger *slog.Logger
}

// NewPublisher returns a publisher for svc.
func NewPublisher(broker Broker, topics Topics, qos QoS, svc Service, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{broker: broker, topics: topics, qos: qos, svc: svc, logger: logger}
}

// Run publishes until ctx is cancelled or both watched values are closed.
func (p *Publisher) Run(ctx context.Context) error {
	recCh, err := p.svc.Watch().Subscribe(publisherID)
	if err != nil {
		return err
	}
	defer p.svc.Watch().Unsubscribe(publisherID)

	sessCh, err := p.svc.SessionWatch().Subscribe(publisherID)
	if err != nil {
		return err
	}
	defer p.svc.SessionWatch().Unsubscribe(publisherID)

	var (
		prevRec  recorder.Status
		prevSess session.State
		haveRec  bool
		haveSess bool
	)

	for recCh != nil || sessCh != nil {
		select {
		case <-ctx.Done():
			return nil

		case st, ok := <-recCh:
			if !ok {
				recCh = nil
				continue
			}
			if haveRec {
				for _, ev := range recordingEvents(prevRec, st) {
					p.publishEvent(ev)
				}
			}
			prevRec, haveRec = st, true
			p.publishStatus()

		case st, ok := <-sessCh:
			if !ok {
				sessCh = nil
				continue
			}
			if haveSess && st.Kind != prevSess.Kind {
				p.publishEvent(sessionEvent(prevSess, st))
			}
			prevSess, haveSess = st, true
			p.publishStatus()
		}
	}
	return nil
}

func (p *Publisher) publishStatus() {
	payload, err := json.Marshal(BuildStatus(p.svc))
	if err != nil {
		p.logger.Error("control: failed to marshal status", "error", err)
		return
	}
	if err := p.broker.Publish(p.topics.Status, p.qos.Status, true, payload); err != nil {
		p.logger.Warn("control: status publish failed", "error", err)
	}
}

func (p *Publisher) publishEvent(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("control: failed to marshal event", "event", ev.Event, "error", err)
		return
	}
	if err := p.broker.Publish(p.topics.Events, p.qos.Events, false, payload); err != nil {
		p.logger.Warn("control: event publish failed", "event", ev.Event, "error", err)
		return
	}
	p.logger.Debug("control: event published", "event", ev.Event)
}

// recordingEvents derives lifecycle events from two consecutive statuses.
func recordingEvents(prev, next recorder.Status) []Event {
	now := time.Now().UTC()
	var out []Event

	switch {
	case !prev.Active && next.Active:
		out = append(out, Event{
			Event:     "recording_started",
			Data:      map[string]interface{}{"id": next.ID, "path": next.File.Path, "profile": next.Profile},
			Timestamp: now,
		})
	case prev.Active && !next.Active:
		out = append(out, Event{
			Event:     "recording_stopped",
			Data:      map[string]interface{}{"id": prev.ID, "path": next.File.Path, "duration_s": now.Sub(prev.StartedAt).Seconds()},
			Timestamp: now,
		})
	}

	if next.LastError != "" && next.LastError != prev.LastError {
		out = append(out, Event{
			Event:     "recording_error",
			Data:      map[string]interface{}{"error": next.LastError},
			Timestamp: now,
		})
	}
	return out
}

func sessionEvent(prev, next session.State) Event {
	data := map[string]interface{}{"from": prev.Kind.String(), "to": next.Kind.String()}
	if next.Reason != "" {
		data["reason"] = next.Reason
	}
	return Event{Event: "session_state", Data: data, Timestamp: time.Now().UTC()}
}
