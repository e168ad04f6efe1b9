package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServiceStartStop(t *testing.T) {
	svc := newTestService(t, fakeDriverConfig(t))
	require.Equal(t, StatusNotStarted, svc.Status())

	require.NoError(t, svc.Start(t.Context()))
	require.Equal(t, StatusReady, svc.Status())
	require.True(t, svc.IsReady())
	require.NotZero(t, svc.PID())
	require.True(t, IsConnectable(svc.Port()))

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(svc.URL() + "/status")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	svc.Stop()
	require.Equal(t, StatusStopped, svc.Status())
	require.Zero(t, svc.PID())
	require.False(t, IsConnectable(svc.Port()))

	st := svc.Stats()
	require.Equal(t, 0, st.ExitCode)
	require.False(t, st.ForcedKill)
	require.NotZero(t, st.ReadyAt)
	require.NotZero(t, st.StoppedAt)
	require.Positive(t, st.Startup)
	require.Positive(t, st.Shutdown)
	require.Equal(t, st.StoppedAt.Sub(st.ReadyAt), st.Uptime)

	// Second stop is a no-op.
	svc.Stop()
	require.Equal(t, StatusStopped, svc.Status())
}

func TestServiceURL(t *testing.T) {
	cfg := fakeDriverConfig(t)
	cfg.Port = 45123
	svc := newTestService(t, cfg)

	require.Equal(t, 45123, svc.Port())
	require.Equal(t, "http://localhost:45123", svc.URL())
	require.Equal(t, "fakedriver", svc.Name())
}

func TestServiceStopFallsBackToSignal(t *testing.T) {
	svc := newTestService(t, fakeDriverConfig(t, "--no-shutdown"))
	require.NoError(t, svc.Start(t.Context()))

	svc.Stop()
	require.Equal(t, StatusStopped, svc.Status())
	require.False(t, IsConnectable(svc.Port()))
	require.False(t, svc.Stats().ForcedKill)
}

func TestServiceStopKillsStubbornDriver(t *testing.T) {
	svc := newTestService(t, fakeDriverConfig(t, "--no-shutdown", "--ignore-sigterm"))
	svc.timing.shutdownPollAttempts = 2
	svc.timing.terminateTimeout = 300 * time.Millisecond
	require.NoError(t, svc.Start(t.Context()))

	start := time.Now()
	svc.Stop()
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	st := svc.Stats()
	require.Equal(t, StatusStopped, st.Status)
	require.True(t, st.ForcedKill)
	require.Equal(t, -1, st.ExitCode)
	require.False(t, IsConnectable(svc.Port()))
}

func TestServiceStartMissingExecutable(t *testing.T) {
	tests := []struct {
		name       string
		executable string
	}{
		{name: "absolute path", executable: filepath.Join(t.TempDir(), "nodriver")},
		{name: "path lookup", executable: "driverservice-no-such-driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fakeDriverConfig(t)
			cfg.Executable = tt.executable
			cfg.StartErrorHint = "Install it first."
			svc := newTestService(t, cfg)

			err := svc.Start(t.Context())
			var launchErr *LaunchError
			require.ErrorAs(t, err, &launchErr)
			require.Equal(t, LaunchNotFound, launchErr.Kind)
			require.Equal(t, "'"+filepath.Base(tt.executable)+"' executable needs to be in PATH. Install it first.", err.Error())
			require.Equal(t, StatusFailed, svc.Status())
			require.Equal(t, err, svc.LastError())

			svc.Stop()
			require.Equal(t, StatusFailed, svc.Status())
		})
	}
}

func TestServiceStartPermissionDenied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driver")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o600))

	cfg := fakeDriverConfig(t)
	cfg.Executable = path
	svc := newTestService(t, cfg)

	err := svc.Start(t.Context())
	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
	require.Equal(t, LaunchPermissionDenied, launchErr.Kind)
	require.Contains(t, err.Error(), "'driver' executable may have wrong permissions.")
}

func TestServiceStartProcessExits(t *testing.T) {
	for _, code := range []int{3, 0} {
		t.Run("code "+strconv.Itoa(code), func(t *testing.T) {
			var stopped atomic.Int32
			cfg := fakeDriverConfig(t, "--exit-code", strconv.Itoa(code))
			cfg.OnStop = func(st Stats) {
				stopped.Add(1)
				require.Equal(t, StatusFailed, st.Status)
			}
			svc := newTestService(t, cfg)

			err := svc.Start(t.Context())
			var exitErr *ProcessExitedError
			require.ErrorAs(t, err, &exitErr)
			require.Equal(t, code, exitErr.Code)
			require.Contains(t, err.Error(), "unexpectedly exited")
			require.Equal(t, StatusFailed, svc.Status())
			require.Zero(t, svc.PID())
			require.EqualValues(t, 1, stopped.Load())
		})
	}
}

func TestServiceStartTimeout(t *testing.T) {
	svc := newTestService(t, fakeDriverConfig(t, "--listen-delay", "1m"))
	svc.timing.connectAttempts = 4

	err := svc.Start(t.Context())
	require.ErrorIs(t, err, ErrConnectTimeout)
	require.Equal(t, StatusFailed, svc.Status())
	require.Zero(t, svc.PID(), "child should be terminated after a failed start")
}

func TestServiceStartContextCancelled(t *testing.T) {
	svc := newTestService(t, fakeDriverConfig(t, "--listen-delay", "1m"))

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	err := svc.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StatusFailed, svc.Status())
	require.Zero(t, svc.PID())
}

func TestServiceStartTwice(t *testing.T) {
	svc := newTestService(t, fakeDriverConfig(t))
	require.NoError(t, svc.Start(t.Context()))

	require.ErrorIs(t, svc.Start(t.Context()), ErrAlreadyStarted)

	svc.Stop()
	require.ErrorIs(t, svc.Start(t.Context()), ErrAlreadyStarted)
}

func TestServiceStopBeforeStart(t *testing.T) {
	sink := WriterSink(&countingCloser{})
	cfg := fakeDriverConfig(t)
	cfg.Sink = sink
	svc := newTestService(t, cfg)

	svc.Stop()
	require.Equal(t, StatusStopped, svc.Status())
	require.True(t, sink.Closed())
	require.ErrorIs(t, svc.Start(t.Context()), ErrAlreadyStarted)
}

func TestServiceClose(t *testing.T) {
	svc := newTestService(t, fakeDriverConfig(t))
	require.NoError(t, svc.Start(t.Context()))

	var closer io.Closer = svc
	require.NoError(t, closer.Close())
	require.Equal(t, StatusStopped, svc.Status())
	require.NoError(t, closer.Close())
}

func TestServiceStopDuringStart(t *testing.T) {
	svc := newTestService(t, fakeDriverConfig(t, "--listen-delay", "200ms"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := svc.Start(context.Background())
		if err != nil && !errors.Is(err, ErrAlreadyStarted) {
			t.Errorf("Start() error = %v", err)
		}
	}()

	svc.Stop()
	wg.Wait()
	svc.Stop()

	require.Equal(t, StatusStopped, svc.Status())
	require.Zero(t, svc.PID())
}

func TestServiceConcurrentStop(t *testing.T) {
	closer := &countingCloser{}
	cfg := fakeDriverConfig(t)
	cfg.Sink = WriterSink(closer)
	svc := newTestService(t, cfg)
	require.NoError(t, svc.Start(t.Context()))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Stop()
		}()
	}
	wg.Wait()

	require.Equal(t, StatusStopped, svc.Status())
	require.EqualValues(t, 1, closer.closes.Load())
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "driver.log")
	cfg := fakeDriverConfig(t)
	cfg.Sink = FileSink(path)
	svc := newTestService(t, cfg)

	require.NoError(t, svc.Start(t.Context()))
	svc.Stop()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "fakedriver listening on")
	require.True(t, cfg.Sink.Closed())
}

func TestServiceLogSink(t *testing.T) {
	log := &recordingLogger{}
	cfg := fakeDriverConfig(t)
	cfg.Sink = LogSink(log)
	svc := newTestService(t, cfg)

	require.NoError(t, svc.Start(t.Context()))
	svc.Stop()

	var found bool
	for _, line := range log.outputs() {
		if strings.HasPrefix(line, "fakedriver listening on") {
			found = true
		}
	}
	require.True(t, found, "expected banner in logged output, got %v", log.outputs())
}

func TestServiceHooks(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	cfg := fakeDriverConfig(t)
	cfg.OnStart = func(st Stats) {
		require.Positive(t, st.PID)
		require.Equal(t, StatusStarting, st.Status)
		record("start")
	}
	cfg.OnReady = func(st Stats) {
		require.Equal(t, StatusReady, st.Status)
		require.NotZero(t, st.PID)
		record("ready")
	}
	cfg.OnStop = func(st Stats) {
		require.Equal(t, StatusStopped, st.Status)
		record("stop")
	}
	svc := newTestService(t, cfg)

	require.NoError(t, svc.Start(t.Context()))
	svc.Stop()
	svc.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"start", "ready", "stop"}, events)
}

func TestServiceLogsLifecycle(t *testing.T) {
	log := &recordingLogger{}
	svc := newTestService(t, fakeDriverConfig(t))
	svc.SetLogger(log)

	require.NoError(t, svc.Start(t.Context()))
	svc.Stop()

	log.mu.Lock()
	defer log.mu.Unlock()
	var msgs []string
	for _, e := range log.entries {
		msgs = append(msgs, e.msg)
	}
	require.Contains(t, msgs, "service process started")
	require.Contains(t, msgs, "service ready")
	require.Contains(t, msgs, "stopping service")
	require.Contains(t, msgs, "service stopped")
}

func TestServiceCleanupStopsAbandonedChild(t *testing.T) {
	sup := startAbandoned(t)

	require.Eventually(t, func() bool {
		runtime.GC()
		return sup.stats().Status == StatusStopped && sup.sink.Closed()
	}, 20*time.Second, 50*time.Millisecond)
	require.False(t, IsConnectable(sup.port))
}

// startAbandoned starts a service and drops every reference to the
// Service wrapper, returning only the supervisor behind it.
func startAbandoned(t *testing.T) *supervisor {
	t.Helper()

	svc, err := New(fakeDriverConfig(t))
	require.NoError(t, err)
	svc.timing = fastTiming
	require.NoError(t, svc.Start(t.Context()))
	return svc.supervisor
}

func TestDefaultTiming(t *testing.T) {
	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"readiness budget", time.Duration(defaultTiming.connectAttempts) * defaultTiming.connectPollInterval, 30 * time.Second},
		{"readiness poll interval", defaultTiming.connectPollInterval, 500 * time.Millisecond},
		{"port close budget", time.Duration(defaultTiming.shutdownPollAttempts) * defaultTiming.shutdownPollInterval, 30 * time.Second},
		{"port close poll interval", defaultTiming.shutdownPollInterval, time.Second},
		{"terminate timeout", defaultTiming.terminateTimeout, 60 * time.Second},
		{"dial timeout", defaultTiming.dialTimeout, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.got)
		})
	}

	require.Equal(t, 60, defaultTiming.connectAttempts)
	require.Equal(t, 30, defaultTiming.shutdownPollAttempts)
	require.Positive(t, defaultTiming.waitDelay)
	require.Less(t, defaultTiming.waitDelay, defaultTiming.terminateTimeout)

	svc, err := New(fakeDriverConfig(t))
	require.NoError(t, err)
	defer svc.Stop()
	require.Equal(t, defaultTiming, svc.timing)
}

func TestNew(t *testing.T) {
	t.Run("missing executable", func(t *testing.T) {
		cfg := fakeDriverConfig(t)
		cfg.Executable = ""
		_, err := New(cfg)
		require.ErrorIs(t, err, ErrConfigInvalid)
	})

	t.Run("port out of range", func(t *testing.T) {
		for _, port := range []int{-1, 65536} {
			cfg := fakeDriverConfig(t)
			cfg.Port = port
			_, err := New(cfg)
			require.ErrorIs(t, err, ErrConfigInvalid)
		}
	})

	t.Run("zero port picks a free one", func(t *testing.T) {
		svc := newTestService(t, fakeDriverConfig(t))
		require.Positive(t, svc.Port())
	})

	t.Run("name defaults to executable base name", func(t *testing.T) {
		cfg := fakeDriverConfig(t)
		cfg.Name = ""
		svc := newTestService(t, cfg)
		require.Equal(t, filepath.Base(cfg.Executable), svc.Name())
	})

	t.Run("unopenable file sink", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(blocker, nil, 0o600))

		cfg := fakeDriverConfig(t)
		cfg.Sink = FileSink(filepath.Join(blocker, "driver.log"))
		_, err := New(cfg)
		require.ErrorIs(t, err, ErrConfigInvalid)
	})

	t.Run("nil variant panics", func(t *testing.T) {
		cfg := fakeDriverConfig(t)
		cfg.Variant = nil
		require.Panics(t, func() { _, _ = New(cfg) })
	})
}
