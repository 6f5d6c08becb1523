//go:build windows

package ipc

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// Dial connects to a named endpoint with the given timeout.
func dialRaw(endpoint string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(pipeName(endpoint), &timeout)
}
