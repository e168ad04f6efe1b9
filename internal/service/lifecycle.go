package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/execabs"
)

// child is a spawned driver process and its exit notification.
type child struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}

	// state is written before done is closed and only read after.
	state *os.ProcessState
}

// wait reaps the process and closes done.
func (c *child) wait() {
	_ = c.cmd.Wait() //nolint:errcheck // exit status is read from ProcessState
	c.state = c.cmd.ProcessState
	close(c.done)
}

// exited reports the exit code without blocking.
func (c *child) exited() (code int, ok bool) {
	select {
	case <-c.done:
		if c.state == nil {
			return -1, true
		}
		return c.state.ExitCode(), true
	default:
		return 0, false
	}
}

// assertStillRunning fails with ProcessExitedError if the child has exited.
func (c *child) assertStillRunning(executable string) error {
	if code, ok := c.exited(); ok {
		return &ProcessExitedError{Executable: executable, Code: code}
	}
	return nil
}

func (s *supervisor) start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.status != StatusNotStarted {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, s.name, status)
	}
	s.status = StatusStarting
	s.mu.Unlock()

	c, err := s.launch()
	if err != nil {
		s.logger.Error("failed to launch service",
			"name", s.name,
			"executable", s.executable,
			"error", err,
		)
		s.fail(err)
		return err
	}

	pid := c.cmd.Process.Pid
	s.mu.Lock()
	s.child = c
	s.pid = pid
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("service process started",
		"name", s.name,
		"pid", pid,
		"port", s.port,
	)
	if s.onStart != nil {
		s.onStart(s.stats())
	}

	if err := s.waitForReady(ctx, c); err != nil {
		s.logger.Warn("service did not become ready",
			"name", s.name,
			"pid", pid,
			"error", err,
		)
		s.mu.Lock()
		s.stoppingAt = time.Now()
		s.mu.Unlock()
		forced := s.terminate(c, s.logger)
		s.release(c, forced)
		s.fail(err)
		if s.onStop != nil {
			s.onStop(s.stats())
		}
		return err
	}

	s.mu.Lock()
	s.status = StatusReady
	s.readyAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("service ready",
		"name", s.name,
		"url", s.url,
		"startup", time.Since(s.startedAt),
	)
	if s.onReady != nil {
		s.onReady(s.stats())
	}
	return nil
}

// launch spawns the child with the sink's streams and an open stdin pipe.
func (s *supervisor) launch() (*child, error) {
	args := s.variant.CommandLineArgs(s.port)

	s.logger.Debug("launching service",
		"name", s.name,
		"executable", s.executable,
		"args", args,
		"sink", s.sink.String(),
	)

	cmd := execabs.Command(s.executable, args...)
	cmd.Env = s.env
	cmd.Stdout, cmd.Stderr = s.sink.writers()
	// Helpers forked by the driver may hold the output pipes open; stop
	// waiting for them once the driver itself has exited.
	cmd.WaitDelay = s.timing.waitDelay
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Kind: LaunchSpawnFailed, Executable: s.executable, Hint: s.hint, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, classifySpawnError(s.executable, s.hint, err)
	}

	c := &child{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	go c.wait()
	return c, nil
}

// waitForReady polls the port until it accepts a connection, the child
// exits, ctx is cancelled or the attempts run out.
func (s *supervisor) waitForReady(ctx context.Context, c *child) error {
	for attempt := 0; ; attempt++ {
		if err := c.assertStillRunning(s.executable); err != nil {
			return err
		}
		if IsConnectableAt(Host, s.port, s.timing.dialTimeout) {
			return nil
		}
		if attempt == s.timing.connectAttempts {
			return fmt.Errorf("%w: %s on port %d", ErrConnectTimeout, s.executable, s.port)
		}

		timer := time.NewTimer(s.timing.connectPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting for %s: %w", s.name, ctx.Err())
		case <-c.done:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// stop runs the full shutdown sequence. In quiet mode nothing is logged
// and no hooks fire.
func (s *supervisor) stop(quiet bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	log := s.logger
	if quiet {
		log = noopLogger{}
	}

	s.mu.Lock()
	c := s.child
	switch {
	case c != nil:
		s.status = StatusStopping
		s.stoppingAt = time.Now()
	case s.status == StatusNotStarted:
		s.status = StatusStopped
	}
	s.mu.Unlock()

	if c != nil {
		pid := c.cmd.Process.Pid
		log.Info("stopping service", "name", s.name, "pid", pid)

		s.requestShutdown(log)
		s.awaitPortClosed()
		forced := s.terminate(c, log)
		s.release(c, forced)

		s.mu.Lock()
		s.status = StatusStopped
		s.mu.Unlock()

		log.Info("service stopped",
			"name", s.name,
			"pid", pid,
			"forced_kill", forced,
		)
	}

	if err := s.sink.Close(); err != nil {
		log.Warn("failed to close service output", "name", s.name, "error", err)
	}

	if c != nil && !quiet && s.onStop != nil {
		s.onStop(s.stats())
	}
}

// release records the child's exit and forgets it.
func (s *supervisor) release(c *child, forced bool) {
	code, ok := c.exited()
	if !ok {
		code = -1
	}

	s.mu.Lock()
	s.child = nil
	s.stoppedAt = time.Now()
	s.exitCode = code
	s.forcedKill = forced
	s.mu.Unlock()
}

func (s *supervisor) fail(err error) {
	s.mu.Lock()
	s.status = StatusFailed
	s.lastError = err
	s.mu.Unlock()
}

// requestShutdown asks the driver to exit via GET {url}/shutdown.
// Every failure is swallowed; the response body is drained and discarded.
func (s *supervisor) requestShutdown(log Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timing.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+"/shutdown", nil)
	if err != nil {
		log.Debug("building shutdown request failed", "name", s.name, "error", err)
		return
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Debug("shutdown request failed", "name", s.name, "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // body is irrelevant
	resp.Body.Close()                     //nolint:errcheck // nothing to do on failure

	log.Debug("shutdown request sent", "name", s.name, "status", resp.StatusCode)
}

// awaitPortClosed polls until the port refuses connections or the
// attempts run out.
func (s *supervisor) awaitPortClosed() {
	for range s.timing.shutdownPollAttempts {
		if !IsConnectableAt(Host, s.port, s.timing.dialTimeout) {
			return
		}
		time.Sleep(s.timing.shutdownPollInterval)
	}
}

// terminate closes the child's stdin, signals it, waits up to the
// terminate timeout and then kills it unconditionally. It reports whether
// the child was still running when the timeout expired.
func (s *supervisor) terminate(c *child, log Logger) (forced bool) {
	if err := c.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Debug("closing service stdin failed", "name", s.name, "error", err)
	}

	if err := requestTermination(c.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn("failed to signal service process", "name", s.name, "error", err)
	}

	timer := time.NewTimer(s.timing.terminateTimeout)
	select {
	case <-c.done:
		timer.Stop()
	case <-timer.C:
		forced = true
		log.Warn("graceful termination timed out, killing service process",
			"name", s.name,
			"timeout", s.timing.terminateTimeout,
		)
	}

	// The group is killed even after a clean exit so forked helpers go too.
	// An empty group reports ErrProcessDone.
	if err := killProcess(c.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Error("failed to kill service process", "name", s.name, "error", err)
	}

	reap := time.NewTimer(s.timing.killReapTimeout)
	defer reap.Stop()
	select {
	case <-c.done:
	case <-reap.C:
		log.Error("service process did not exit after kill", "name", s.name)
	}
	return forced
}
