//go:build !windows

package ipc

import (
	"net"
	"time"
)

// Dial connects to a named endpoint with the given timeout.
func dialRaw(endpoint string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", SocketPath(endpoint), timeout)
}
