package fakedriver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/driverservice/internal/infrastructure/logging"
)

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// running tracks a fake driver served from a goroutine.
type running struct {
	base string
	out  *syncBuffer
	done chan struct{}
	err  error
}

// startServer runs the fake driver in the background and waits until it
// accepts connections.
func startServer(t *testing.T, opts Options) *running {
	t.Helper()

	opts.Port = freePort(t)
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	r := &running{base: "http://" + addr, out: &syncBuffer{}, done: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(r.done)
		r.err = Run(ctx, opts, r.out, logging.Discard())
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(10 * time.Second):
			t.Error("fake driver did not exit")
		}
	})

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return r
}

func get(t *testing.T, url string) (int, map[string]any) {
	t.Helper()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	return resp.StatusCode, decoded
}

func TestRunStatus(t *testing.T) {
	r := startServer(t, DefaultOptions())

	code, body := get(t, r.base+"/status")
	require.Equal(t, http.StatusOK, code)
	value, ok := body["value"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, value["ready"])

	require.Contains(t, r.out.String(), "fakedriver listening on")
}

func TestRunShutdown(t *testing.T) {
	r := startServer(t, DefaultOptions())

	code, _ := get(t, r.base+"/shutdown")
	require.Equal(t, http.StatusOK, code)

	select {
	case <-r.done:
		require.NoError(t, r.err)
	case <-time.After(10 * time.Second):
		t.Fatal("server still running after /shutdown")
	}
}

func TestRunNoShutdown(t *testing.T) {
	opts := DefaultOptions()
	opts.NoShutdown = true
	r := startServer(t, opts)

	code, body := get(t, r.base+"/shutdown")
	require.Equal(t, http.StatusNotFound, code)
	require.Contains(t, body, "value")

	select {
	case <-r.done:
		t.Fatalf("server exited after refused shutdown: %v", r.err)
	case <-time.After(200 * time.Millisecond):
	}

	code, _ = get(t, r.base+"/status")
	require.Equal(t, http.StatusOK, code)
}

func TestRunContextCancelled(t *testing.T) {
	opts := DefaultOptions()
	opts.Port = freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, opts, io.Discard, logging.Discard())
	}()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunInvalidPort(t *testing.T) {
	opts := DefaultOptions()
	opts.Port = 0
	require.Error(t, Run(context.Background(), opts, io.Discard, logging.Discard()))
}

func TestMainExitCode(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Main(context.Background(), []string{"--exit-code", "3", "--log-level", "error"}, &stdout, &stderr, "test")
	require.Equal(t, 3, code)
}

func TestMainBadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Main(context.Background(), []string{"--no-such-flag"}, &stdout, &stderr, "test")
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "fakedriver:")
}
