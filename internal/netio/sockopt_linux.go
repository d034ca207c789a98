//go:build linux

package netio

import (
	"net"
	"syscall"
)

// setQuickAck disables delayed ACKs where the platform supports it.
func setQuickAck(tcp *net.TCPConn) {
	raw, err := tcp.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_QUICKACK, 1)
	})
}
