//go:build !unix

package relay

func setSockBuf(fd uintptr, size int) {}
