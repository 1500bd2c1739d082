package pcm

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// rawFD extracts the underlying file descriptor from a net.Conn so it can
// be handed to unix.Poll or fcntl. Works for *net.UnixConn and any other
// conn type that implements syscall.Conn.
func rawFD(c net.Conn) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("pcm: connection %T does not expose a raw descriptor", c)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	if err := rc.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// setPipeCapacity clamps the FIFO's pipe buffer via F_SETPIPE_SZ, matching
// the original's fcntl(pcm_fd, F_SETPIPE_SZ, 2048) (spec §4.1 hw_params).
// F_SETPIPE_SZ applies only to pipes: on the UNIX-socket connection that
// daemon.Conn.OpenTransport returns, the call fails and the buffer size is
// left unchanged.
func setPipeCapacity(c net.Conn, bytes int) error {
	fd, err := rawFD(c)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, bytes)
	return err
}

// fionread returns the number of bytes currently queued for reading on c,
// used by Delay to account for data sitting in the FIFO (spec §4.1 delay).
func fionread(c net.Conn) (int, error) {
	fd, err := rawFD(c)
	if err != nil {
		return 0, err
	}
	return unix.IoctlGetInt(fd, unix.FIONREAD)
}
