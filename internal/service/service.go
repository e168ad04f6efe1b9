package service

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// Status represents where a Service is in its lifecycle.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

// Stats is a point-in-time snapshot of a Service.
type Stats struct {
	Name       string        `json:"name"`
	Executable string        `json:"executable"`
	Status     Status        `json:"status"`
	PID        int           `json:"pid,omitempty"`
	Port       int           `json:"port"`
	URL        string        `json:"url"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	ReadyAt    time.Time     `json:"ready_at,omitzero"`
	StoppedAt  time.Time     `json:"stopped_at,omitzero"`
	Startup    time.Duration `json:"startup,omitempty"`
	Uptime     time.Duration `json:"uptime,omitempty"`
	Shutdown   time.Duration `json:"shutdown,omitempty"`
	ExitCode   int           `json:"exit_code"`
	ForcedKill bool          `json:"forced_kill"`
	LastError  string        `json:"last_error,omitempty"`
}

// Service supervises a single driver child process.
//
// A Service is built with New, started once with Start and released with
// Stop. If a Service becomes unreachable while its child is still running,
// the child is stopped on a best-effort basis after garbage collection;
// callers should not rely on that and should call Stop.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Start and Stop are serialised against each other.
type Service struct {
	*supervisor
	cleanup runtime.Cleanup
}

// supervisor holds all state. It never refers back to the Service wrapper,
// so an abandoned Service can be collected and its cleanup can run.
type supervisor struct {
	name       string
	executable string
	port       int
	url        string
	env        []string
	hint       string
	variant    Variant
	sink       *Sink
	onStart    func(Stats)
	onReady    func(Stats)
	onStop     func(Stats)

	timing     timing
	httpClient *http.Client
	logger     Logger

	// opMu serialises start and stop.
	opMu sync.Mutex

	mu         sync.RWMutex
	status     Status
	child      *child
	pid        int
	startedAt  time.Time
	readyAt    time.Time
	stoppingAt time.Time
	stoppedAt  time.Time
	exitCode   int
	forcedKill bool
	lastError  error
}

// New validates cfg and builds a Service that has not been started.
//
// A zero Port is replaced by a free port. A FileSink is opened here, so an
// unwritable log path is reported now rather than at Start.
//
// New panics if cfg.Variant is nil.
func New(cfg Config) (*Service, error) {
	if cfg.Variant == nil {
		panic("service: Config.Variant must not be nil")
	}
	if cfg.Executable == "" {
		return nil, fmt.Errorf("%w: executable is required", ErrConfigInvalid)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrConfigInvalid, cfg.Port)
	}

	port := cfg.Port
	if port == 0 {
		var err error
		if port, err = FreePort(); err != nil {
			return nil, err
		}
	}

	name := cfg.Name
	if name == "" {
		name = filepath.Base(cfg.Executable)
	}

	sink := cfg.Sink
	if sink == nil {
		sink = DiscardSink()
	}
	if err := sink.open(name); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	s := &supervisor{
		name:       name,
		executable: cfg.Executable,
		port:       port,
		url:        "http://" + Host + ":" + strconv.Itoa(port),
		env:        cfg.Env,
		hint:       cfg.StartErrorHint,
		variant:    cfg.Variant,
		sink:       sink,
		onStart:    cfg.OnStart,
		onReady:    cfg.OnReady,
		onStop:     cfg.OnStop,
		timing:     defaultTiming,
		httpClient: &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
		logger:     noopLogger{},
		status:     StatusNotStarted,
	}

	svc := &Service{supervisor: s}
	svc.cleanup = runtime.AddCleanup(svc, func(s *supervisor) {
		go s.stop(true)
	}, s)
	return svc, nil
}

// SetLogger sets the logger for the service. Call before Start.
func (s *Service) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// Start launches the driver and blocks until its port accepts connections.
//
// On failure the child, if one was spawned, has been terminated and the
// Service is left in StatusFailed; Stop is still safe to call and releases
// the sink. Cancelling ctx abandons the wait and fails the start.
func (s *Service) Start(ctx context.Context) error {
	return s.start(ctx)
}

// Stop shuts the driver down and releases the output sink.
//
// It asks the driver to exit via its HTTP shutdown endpoint, waits for the
// port to close, then signals, waits and finally kills the child. Stop never
// fails and may be called any number of times.
func (s *Service) Stop() {
	s.cleanup.Stop()
	s.stop(false)
}

// Close is Stop for use with defer and io.Closer. It always returns nil.
func (s *Service) Close() error {
	s.Stop()
	return nil
}

// Name returns the service's logging name.
func (s *Service) Name() string {
	return s.name
}

// Executable returns the configured executable path.
func (s *Service) Executable() string {
	return s.executable
}

// Port returns the port the driver is told to listen on.
func (s *Service) Port() int {
	return s.port
}

// URL returns the driver's base URL, e.g. "http://localhost:4444".
func (s *Service) URL() string {
	return s.url
}

// Status returns the current lifecycle state.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsReady reports whether the driver is up and accepting connections.
func (s *Service) IsReady() bool {
	return s.Status() == StatusReady
}

// PID returns the child's process ID, or 0 if no child is running.
func (s *Service) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.child == nil {
		return 0
	}
	return s.pid
}

// LastError returns the error that failed Start, if any.
func (s *Service) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Stats returns a snapshot of the service.
func (s *Service) Stats() Stats {
	return s.stats()
}

// stats builds a snapshot under the read lock.
func (s *supervisor) stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Name:       s.name,
		Executable: s.executable,
		Status:     s.status,
		Port:       s.port,
		URL:        s.url,
		StartedAt:  s.startedAt,
		ReadyAt:    s.readyAt,
		StoppedAt:  s.stoppedAt,
		ExitCode:   s.exitCode,
		ForcedKill: s.forcedKill,
	}
	if s.child != nil {
		st.PID = s.pid
	}
	if !s.readyAt.IsZero() {
		st.Startup = s.readyAt.Sub(s.startedAt)
		switch {
		case s.status == StatusReady:
			st.Uptime = time.Since(s.readyAt)
		case !s.stoppedAt.IsZero():
			st.Uptime = s.stoppedAt.Sub(s.readyAt)
		}
	}
	if !s.stoppingAt.IsZero() && !s.stoppedAt.IsZero() {
		st.Shutdown = s.stoppedAt.Sub(s.stoppingAt)
	}
	if s.lastError != nil {
		st.LastError = s.lastError.Error()
	}
	return st
}

func (s *supervisor) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}
