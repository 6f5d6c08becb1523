//go:build !windows

package ptyhost

import "golang.org/x/sys/unix"

// ptyForegroundPID asks the PTY itself which process group currently owns
// the foreground (TIOCGPGRP), the kernel-authoritative answer a shell's job
// control already maintains. The process group leader's pid is returned as
// the foreground candidate; this replaces the highest-pid heuristic
// whenever a real PTY fd is available.
func ptyForegroundPID(fd uintptr) (int32, bool) {
	pgid, err := unix.IoctlGetInt(int(fd), unix.TIOCGPGRP)
	if err != nil || pgid <= 0 {
		return 0, false
	}
	return int32(pgid), true
}
