package connmgr

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peekTCPHealth implements spec.md §4.4's socket-level liveness signal: a
// non-destructive check for a half-open TCP session. It inspects SO_ERROR
// and attempts a non-blocking zero-length send; EPIPE/ECONNRESET/ETIMEDOUT
// on the send, or a non-zero SO_ERROR, means the peer is gone even though
// the local socket hasn't noticed yet.
func peekTCPHealth(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("getting raw conn: %w", err)
	}

	var soErr error
	var sendErr error

	ctrlErr := raw.Control(func(fd uintptr) {
		val, gerr := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			soErr = fmt.Errorf("getsockopt SO_ERROR: %w", gerr)
			return
		}
		if val != 0 {
			soErr = fmt.Errorf("socket error: %w", unix.Errno(val))
			return
		}

		sendErr = unix.Send(int(fd), nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		// EAGAIN/EWOULDBLOCK just means the send buffer is full or the
		// kernel declined a zero-length write; that's healthy, not dead.
		if errors.Is(sendErr, unix.EAGAIN) || errors.Is(sendErr, unix.EWOULDBLOCK) {
			sendErr = nil
		}
	})
	if ctrlErr != nil {
		return fmt.Errorf("controlling raw conn: %w", ctrlErr)
	}
	if soErr != nil {
		return soErr
	}
	if sendErr != nil && (errors.Is(sendErr, unix.EPIPE) || errors.Is(sendErr, unix.ECONNRESET) || errors.Is(sendErr, unix.ETIMEDOUT)) {
		return fmt.Errorf("zero-length send failed: %w", sendErr)
	}
	return nil
}
