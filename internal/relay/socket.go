package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// listenUDP binds a UDP socket. A positive bufSize is applied to the
// kernel send and receive buffers on a best-effort basis.
func listenUDP(ctx context.Context, address string, bufSize int) (*net.UDPConn, error) {
	lc := net.ListenConfig{}
	if bufSize > 0 {
		lc.Control = func(network, addr string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				setSockBuf(fd, bufSize)
			})
		}
	}

	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, err
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}
	return conn, nil
}

// setTOS sets the IPv4 TOS byte and the IPv6 traffic class. A dual-stack
// socket takes both; single-stack sockets reject one of them.
func setTOS(conn *net.UDPConn, tos int) error {
	err4 := ipv4.NewPacketConn(conn).SetTOS(tos)
	err6 := ipv6.NewPacketConn(conn).SetTrafficClass(tos)
	if err4 != nil && err6 != nil {
		return errors.Join(err4, err6)
	}
	return nil
}
