// Command fakedriver is a stand-in WebDriver server for local testing of
// driverservice. It speaks just enough of the protocol to be supervised:
// GET /status and GET /shutdown.
package main

import (
	"context"
	"os"

	"github.com/nerrad567/driverservice/internal/fakedriver"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	os.Exit(fakedriver.Main(context.Background(), os.Args[1:], os.Stdout, os.Stderr, version))
}
