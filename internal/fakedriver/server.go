// Package fakedriver is a minimal WebDriver-style server used to exercise
// the service supervisor without a real browser driver.
//
// It listens on a port, answers GET /status, and exits when asked via
// GET /shutdown or on SIGTERM. Flags make it misbehave in the ways real
// drivers do: ignoring the shutdown endpoint, ignoring SIGTERM, binding
// late, or exiting before it ever listens.
package fakedriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/driverservice/internal/infrastructure/logging"
)

// shutdownTimeout bounds the HTTP server drain after a shutdown request.
const shutdownTimeout = 5 * time.Second

// Options controls the fake driver's behaviour.
type Options struct {
	Host        string
	Port        int
	NoShutdown  bool
	IgnoreTerm  bool
	ListenDelay time.Duration
	ExitCode    int
	LogLevel    string
}

// DefaultOptions returns options for a well-behaved driver.
func DefaultOptions() Options {
	return Options{
		Host:     "127.0.0.1",
		ExitCode: -1,
		LogLevel: "info",
	}
}

// ExitError asks the caller to exit with Code without serving.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exiting early with status %d", e.Code)
}

// Run serves until ctx is cancelled, a termination signal arrives or a
// shutdown request is received. A banner naming the address is written to
// out once the listener is bound.
func Run(ctx context.Context, opts Options, out io.Writer, log *logging.Logger) error {
	if opts.ExitCode >= 0 {
		log.Info("exiting before listening", "code", opts.ExitCode)
		return &ExitError{Code: opts.ExitCode}
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return fmt.Errorf("invalid port %d", opts.Port)
	}

	if opts.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
	}
	signals := []os.Signal{os.Interrupt}
	if !opts.IgnoreTerm {
		signals = append(signals, syscall.SIGTERM)
	}
	ctx, stop := signal.NotifyContext(ctx, signals...)
	defer stop()

	if opts.ListenDelay > 0 {
		log.Debug("delaying listen", "delay", opts.ListenDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.ListenDelay):
		}
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	h := &handler{opts: opts, log: log, shutdown: make(chan struct{})}
	srv := &http.Server{
		Handler:           h.routes(),
		ReadHeaderTimeout: shutdownTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	fmt.Fprintf(out, "fakedriver listening on %s\n", ln.Addr()) //nolint:errcheck // banner is informational
	log.Info("fake driver listening", "address", ln.Addr().String())

	select {
	case <-ctx.Done():
		log.Info("termination requested")
	case <-h.shutdown:
		log.Info("shutdown requested over HTTP")
	case err := <-serveErr:
		return fmt.Errorf("serving: %w", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

type handler struct {
	opts     Options
	log      *logging.Logger
	once     sync.Once
	shutdown chan struct{}
}

func (h *handler) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", h.handleStatus)
	r.Get("/shutdown", h.handleShutdown)
	return r
}

func (h *handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"value": map[string]any{
			"ready":   true,
			"message": "fakedriver ready",
		},
	})
}

func (h *handler) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	if h.opts.NoShutdown {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"value": map[string]any{
				"error":   "unknown command",
				"message": "shutdown is not supported",
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"value": nil})
	h.once.Do(func() { close(h.shutdown) })
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // best-effort write; the client may already be gone
	json.NewEncoder(w).Encode(v)
}
