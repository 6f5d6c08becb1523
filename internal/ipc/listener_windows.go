//go:build windows

package ipc

import (
	"errors"
	"fmt"
	"net"
	"os/user"
	"regexp"
	"strings"

	"github.com/Microsoft/go-winio"
)

const pipeNamePrefix = `\\.\pipe\`

func pipeName(endpoint string) string {
	return pipeNamePrefix + endpoint
}

// Listen binds a named pipe for the given endpoint name, restricted to the
// current user and SYSTEM.
func Listen(endpoint string) (net.Listener, error) {
	sd, err := pipeSecurityDescriptor()
	if err != nil {
		return nil, fmt.Errorf("pipe security descriptor: %w", err)
	}
	return winio.ListenPipe(pipeName(endpoint), &winio.PipeConfig{
		SecurityDescriptor: sd,
		MessageMode:        false,
		InputBufferSize:    int32(MaxPayloadBytes),
		OutputBufferSize:   int32(MaxPayloadBytes),
	})
}

var validSIDPattern = regexp.MustCompile(`^S-1(-\d+)+$`)

// pipeSecurityDescriptor restricts the pipe's DACL to SYSTEM and the
// current user, so other local accounts cannot attach to a session.
func pipeSecurityDescriptor() (string, error) {
	current, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolve current user: %w", err)
	}
	sid := strings.TrimSpace(current.Uid)
	if sid == "" {
		return "", errors.New("current user SID is unavailable")
	}
	if !validSIDPattern.MatchString(sid) {
		return "", fmt.Errorf("current user SID has unexpected format: %s", sid)
	}
	return fmt.Sprintf("D:P(A;;GA;;;SY)(A;;GA;;;%s)", sid), nil
}

// EndpointsOnDisk is unsupported on Windows: named pipes are not listable
// through a portable API, so orphan reclaim relies solely on manifests.
func EndpointsOnDisk() ([]string, error) {
	return nil, nil
}
