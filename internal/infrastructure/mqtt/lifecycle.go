package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/driverservice/internal/events"
)

// Publisher is the part of Client the lifecycle publisher needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// StatusMessage is the retained payload on a service status topic.
type StatusMessage struct {
	Service   string `json:"service"`
	Status    string `json:"status"`
	URL       string `json:"url,omitempty"`
	Port      int    `json:"port"`
	PID       int    `json:"pid,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// LifecyclePublisher mirrors lifecycle events onto MQTT. It implements
// events.Listener.
type LifecyclePublisher struct {
	pub Publisher
	qos byte
}

// NewLifecyclePublisher creates a publisher that sends at qos.
func NewLifecyclePublisher(pub Publisher, qos byte) *LifecyclePublisher {
	return &LifecyclePublisher{pub: pub, qos: qos}
}

// HandleEvent publishes the retained status and the raw event.
func (p *LifecyclePublisher) HandleEvent(_ context.Context, e events.Event) error {
	status, err := json.Marshal(statusMessage(e))
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	if err := p.pub.Publish(Topics{}.ServiceStatus(e.Name), status, p.qos, true); err != nil {
		return err
	}

	event, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return p.pub.Publish(Topics{}.ServiceEvent(e.Name), event, p.qos, false)
}

func statusMessage(e events.Event) StatusMessage {
	msg := StatusMessage{
		Service:   e.Name,
		Status:    string(e.Status),
		Port:      e.Port,
		PID:       e.PID,
		Error:     e.LastError,
		Timestamp: e.Time.UTC().Format(time.RFC3339),
	}
	switch e.Type {
	case events.TypeReady:
		msg.URL = e.URL
	case events.TypeStopped, events.TypeFailed:
		code := e.ExitCode
		msg.ExitCode = &code
	}
	return msg
}

// Command is a request received on a service command topic.
type Command struct {
	Action string `json:"action"`
}

// ActionStop asks the supervisor to stop the service.
const ActionStop = "stop"

// ParseCommand decodes and validates a command payload.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("decoding command: %w", err)
	}
	if cmd.Action != ActionStop {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Action)
	}
	return cmd, nil
}

// StopHandler returns a MessageHandler that calls stop for every valid
// stop command.
func StopHandler(stop func()) MessageHandler {
	return func(_ string, payload []byte) error {
		if _, err := ParseCommand(payload); err != nil {
			return err
		}
		stop()
		return nil
	}
}
