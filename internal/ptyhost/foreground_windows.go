//go:build windows

package ptyhost

// ptyForegroundPID has no Windows equivalent of TIOCGPGRP; ConPTY does not
// expose a foreground process group, so the caller falls back to the
// highest-pid heuristic on this platform.
func ptyForegroundPID(fd uintptr) (int32, bool) {
	return 0, false
}
