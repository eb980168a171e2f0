//go:build unix

package relay

import "golang.org/x/sys/unix"

func setSockBuf(fd uintptr, size int) {
	unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
}
