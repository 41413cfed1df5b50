//go:build linux
// +build linux

package unixsock

import "golang.org/x/sys/unix"

func isFDValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// closeFd closes fd unless it is already gone.
func closeFd(fd int) error {
	if fd < 0 || !isFDValid(fd) {
		return nil
	}
	return unix.Close(fd)
}

// timeoutMsec converts a wait timeout to epoll milliseconds, rounding up so a
// small positive timeout never turns into a busy poll.
func timeoutMsec(d int64) int {
	if d < 0 {
		return -1
	}
	ms := d / 1e6
	if d > 0 && d%1e6 != 0 {
		ms++
	}
	return int(ms)
}
