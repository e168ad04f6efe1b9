// driverservice supervises a WebDriver server such as safaridriver.
//
// It launches the driver on a port, waits for the port to accept
// connections, serves a status API while the driver runs, and on
// SIGINT/SIGTERM asks the driver to shut down before terminating it.
// Lifecycle events go to the run history database, MQTT and InfluxDB
// when those are configured.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	// Cancel on Ctrl+C and SIGTERM so deferred cleanup stops the driver.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			cancel()
			os.Exit(exitErr.code) //nolint:gocritic // cancel called above
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err) //nolint:errcheck // nowhere else to report
		cancel()
		os.Exit(1) //nolint:gocritic // cancel called above
	}
}

// exitError carries a process exit status without an error message.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
