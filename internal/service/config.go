package service

import (
	"time"
)

// Lifecycle timing. These are fixed properties of the protocol spoken with
// WebDriver-style drivers and are not caller-configurable.
const (
	// connectAttempts and connectPollInterval bound the readiness wait
	// in Start to roughly thirty seconds.
	connectAttempts     = 60
	connectPollInterval = 500 * time.Millisecond

	// shutdownPollAttempts and shutdownPollInterval bound how long Stop
	// waits for the port to close after the cooperative shutdown request.
	shutdownPollAttempts = 30
	shutdownPollInterval = time.Second

	// terminateTimeout is how long the child gets to exit after the
	// termination signal before it is killed.
	terminateTimeout = 60 * time.Second

	// killReapTimeout bounds the wait for the exit status after a kill.
	killReapTimeout = 5 * time.Second

	// waitDelay bounds how long output pipes are drained after the child
	// exits.
	waitDelay = time.Second

	// shutdownRequestTimeout bounds the HTTP shutdown request itself.
	shutdownRequestTimeout = 10 * time.Second
)

// Variant supplies the driver-specific part of the command line.
type Variant interface {
	CommandLineArgs(port int) []string
}

// ArgsFunc adapts an ordinary function to the Variant interface.
type ArgsFunc func(port int) []string

// CommandLineArgs calls f(port).
func (f ArgsFunc) CommandLineArgs(port int) []string {
	return f(port)
}

// Config holds everything needed to build a Service.
type Config struct {
	// Name is a human-readable identifier for logging.
	// Defaults to the base name of Executable.
	Name string

	// Executable is the path (or PATH-resolvable name) of the driver binary.
	Executable string

	// Port is the TCP port the driver is told to listen on.
	// Zero picks a free port.
	Port int

	// Env is the child's environment in KEY=VALUE form.
	// If nil, the child inherits this process's environment.
	Env []string

	// Sink receives the child's stdout and stderr. Defaults to DiscardSink.
	Sink *Sink

	// StartErrorHint is appended to launch error messages.
	StartErrorHint string

	// Variant builds the driver's arguments from the port. Required.
	Variant Variant

	// OnStart is called after the child has been spawned. The snapshot
	// carries the child's PID.
	OnStart func(Stats)

	// OnReady is called once the driver's port accepts connections.
	OnReady func(Stats)

	// OnStop is called after a spawned child has been torn down, whether
	// by Stop or by a failed Start.
	OnStop func(Stats)
}

// Logger defines the logging interface for the service supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// timing is the set of lifecycle durations used by a supervisor.
type timing struct {
	connectAttempts      int
	connectPollInterval  time.Duration
	shutdownPollAttempts int
	shutdownPollInterval time.Duration
	terminateTimeout     time.Duration
	killReapTimeout      time.Duration
	dialTimeout          time.Duration
	requestTimeout       time.Duration
	waitDelay            time.Duration
}

var defaultTiming = timing{
	connectAttempts:      connectAttempts,
	connectPollInterval:  connectPollInterval,
	shutdownPollAttempts: shutdownPollAttempts,
	shutdownPollInterval: shutdownPollInterval,
	terminateTimeout:     terminateTimeout,
	killReapTimeout:      killReapTimeout,
	dialTimeout:          dialTimeout,
	requestTimeout:       shutdownRequestTimeout,
	waitDelay:            waitDelay,
}
