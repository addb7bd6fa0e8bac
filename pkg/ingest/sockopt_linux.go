//go:build linux

package ingest

import (
	"net"

	"golang.org/x/sys/unix"
)

// setReadBuffer sets SO_RCVBUF on conn. SO_RCVBUFFORCE is tried first so
// privileged agents can exceed net.core.rmem_max; it needs CAP_NET_ADMIN.
func setReadBuffer(conn *net.UnixConn, size int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, size)
		if sockErr != nil {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
