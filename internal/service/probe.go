package service

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Host is the address the driver is expected to listen on.
const Host = "localhost"

// dialTimeout bounds a single connectivity probe.
const dialTimeout = 500 * time.Millisecond

// IsConnectable reports whether a TCP connection to localhost:port can be
// opened. The connection is closed immediately. Any failure reads as false.
func IsConnectable(port int) bool {
	return IsConnectableAt(Host, port, dialTimeout)
}

// IsConnectableAt is IsConnectable for an arbitrary host and timeout.
func IsConnectableAt(host string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	conn.Close() //nolint:errcheck // probe connection carries no data
	return true
}

// FreePort asks the kernel for an unused TCP port on localhost.
// The port is released before returning, so another process may claim it
// before the driver binds.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(Host, "0"))
	if err != nil {
		return 0, fmt.Errorf("allocating free port: %w", err)
	}
	defer ln.Close() //nolint:errcheck // listener only used to reserve a number

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("allocating free port: unexpected address %v", ln.Addr())
	}
	return addr.Port, nil
}
