package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/driverservice/internal/events"
)

// Recorder turns lifecycle events into run rows. It tracks the open run
// of each service by name.
type Recorder struct {
	repo Repository

	mu   sync.Mutex
	open map[string]string
}

// NewRecorder creates a Recorder writing to repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, open: make(map[string]string)}
}

// HandleEvent implements events.Listener.
func (r *Recorder) HandleEvent(ctx context.Context, e events.Event) error {
	switch e.Type {
	case events.TypeStarted:
		run := &Run{
			Name:       e.Name,
			Executable: e.Executable,
			Port:       e.Port,
			PID:        e.PID,
			Status:     string(e.Status),
			StartedAt:  e.StartedAt,
		}
		if err := r.repo.Create(ctx, run); err != nil {
			return fmt.Errorf("recording run start: %w", err)
		}
		r.mu.Lock()
		r.open[e.Name] = run.ID
		r.mu.Unlock()

	case events.TypeReady:
		id, ok := r.current(e.Name, false)
		if !ok {
			return nil
		}
		if err := r.repo.MarkReady(ctx, id, e.ReadyAt, e.Startup); err != nil {
			return fmt.Errorf("recording run ready: %w", err)
		}

	case events.TypeStopped, events.TypeFailed:
		id, ok := r.current(e.Name, true)
		if !ok {
			return nil
		}
		outcome := Outcome{
			Status:     string(e.Status),
			StoppedAt:  e.StoppedAt,
			ExitCode:   e.ExitCode,
			ForcedKill: e.ForcedKill,
			Error:      e.LastError,
		}
		if err := r.repo.Finish(ctx, id, outcome); err != nil {
			return fmt.Errorf("recording run end: %w", err)
		}
	}
	return nil
}

// current returns the open run for name, forgetting it if done is set.
func (r *Recorder) current(name string, done bool) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.open[name]
	if done {
		delete(r.open, name)
	}
	return id, ok
}
