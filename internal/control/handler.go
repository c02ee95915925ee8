package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// commandTimeout bounds one command; stop_recording has its own bound
// inside the recorder.
const commandTimeout = 15 * time.Second

// Topics are the MQTT topics of one recorder instance.
type Topics struct {
	Control string
	Status  string
	Events  string
}

// QoS holds the quality of service per topic.
type QoS struct {
	Control byte
	Status  byte
	Events  byte
}

// Handler receives commands from the control topic, executes them one at a
// time and publishes the responses on the events topic.
type Handler struct {
	broker     Broker
	topics     Topics
	qos        QoS
	dispatcher *Dispatcher
	logger     *slog.Logger

	mu       sync.Mutex
	stopped  bool
	commands chan Command
	wg       sync.WaitGroup
}

// NewHandler returns a handler; Start subscribes it.
func NewHandler(broker Broker, topics Topics, qos QoS, dispatcher *Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		broker:     broker,
		topics:     topics,
		qos:        qos,
		dispatcher: dispatcher,
		logger:     logger,
		commands:   make(chan Command, 10),
	}
}

// Start subscribes to the control topic and starts the command worker.
func (h *Handler) Start(ctx context.Context) error {
	h.logger.Info("control: subscribing to control plane", "topic", h.topics.Control, "qos", h.qos.Control)
	if err := h.broker.Subscribe(h.topics.Control, h.qos.Control, h.onMessage); err != nil {
		return err
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.processCommands(ctx)
	}()

	h.logger.Info("control: handler started")
	return nil
}

// Stop unsubscribes and waits for the command in progress.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	err := h.broker.Unsubscribe(h.topics.Control)
	h.wg.Wait()
	h.logger.Info("control: handler stopped")
	return err
}

func (h *Handler) onMessage(topic string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.logger.Error("control: failed to parse command", "topic", topic, "error", err)
		h.send(Response{CommandAck: "unknown", Status: statusError, Error: "invalid JSON", Timestamp: time.Now().UTC()})
		return
	}
	if cmd.Command == "" {
		h.send(Response{ID: cmd.ID, CommandAck: "unknown", Status: statusError, Error: "missing command", Timestamp: time.Now().UTC()})
		return
	}

	h.logger.Info("control: command received", "command", cmd.Command, "id", cmd.ID)

	h.mu.Lock()
	queued := false
	if !h.stopped {
		select {
		case h.commands <- cmd:
			queued = true
		default:
		}
	}
	h.mu.Unlock()

	if !queued {
		h.logger.Warn("control: command queue full, dropping command", "command", cmd.Command)
		h.send(Response{ID: cmd.ID, CommandAck: cmd.Command, Status: statusError, Error: "busy", Timestamp: time.Now().UTC()})
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, commandTimeout)
			resp := h.dispatcher.Execute(cctx, cmd)
			cancel()
			h.send(resp)
		}
	}
}

// responseEvent wraps a response on the events topic.
type responseEvent struct {
	Event    string   `json:"event"`
	Response Response `json:"response"`
}

func (h *Handler) send(resp Response) {
	payload, err := json.Marshal(responseEvent{Event: "command_response", Response: resp})
	if err != nil {
		h.logger.Error("control: failed to marshal response", "error", err)
		return
	}
	if err := h.broker.Publish(h.topics.Events, h.qos.Events, false, payload); err != nil {
		h.logger.Error("control: failed to publish response", "command_ack", resp.CommandAck, "error", err)
		return
	}
	h.logger.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
