package netio

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ReusePort enables SO_REUSEPORT so several nodes on one host can share
// the fixed broadcast and multicast ports.
func ReusePort(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

// broadcastControl additionally enables SO_BROADCAST for the sending socket.
func broadcastControl(network, address string, c syscall.RawConn) error {
	if err := ReusePort(network, address, c); err != nil {
		return err
	}
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
