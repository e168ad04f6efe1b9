package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/driverservice/internal/events"
)

// lifecycleMeasurement holds one point per lifecycle event.
const lifecycleMeasurement = "service_lifecycle"

// HandleEvent queues a lifecycle point. It implements events.Listener.
// The write is batched; failures surface through the SetOnError callback.
func (c *Client) HandleEvent(_ context.Context, e events.Event) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.writeAPI.WritePoint(lifecyclePoint(e))
	return nil
}

// lifecyclePoint maps an event to a point tagged by service, event type and
// status. Durations are recorded in milliseconds.
func lifecyclePoint(e events.Event) *write.Point {
	fields := map[string]any{
		"port": int64(e.Port),
	}
	if e.PID != 0 {
		fields["pid"] = int64(e.PID)
	}

	switch e.Type {
	case events.TypeReady:
		fields["startup_ms"] = e.Startup.Milliseconds()
	case events.TypeStopped, events.TypeFailed:
		fields["exit_code"] = int64(e.ExitCode)
		fields["forced_kill"] = e.ForcedKill
		if e.Uptime > 0 {
			fields["uptime_ms"] = e.Uptime.Milliseconds()
		}
		if e.Shutdown > 0 {
			fields["shutdown_ms"] = e.Shutdown.Milliseconds()
		}
		if !e.StoppedAt.IsZero() && !e.StartedAt.IsZero() {
			fields["run_ms"] = e.StoppedAt.Sub(e.StartedAt).Milliseconds()
		}
	}

	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	return write.NewPoint(
		lifecycleMeasurement,
		map[string]string{
			"service": e.Name,
			"event":   string(e.Type),
			"status":  string(e.Status),
		},
		fields,
		ts,
	)
}
