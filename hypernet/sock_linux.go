package main

import (
	"errors"
	"net"

	"github.com/jedisct1/dlog"
	"golang.org/x/sys/unix"
)

// newTCPSocket creates a non-blocking TCP socket with the egress tuning
// applied. SO_REUSEADDR, TCP_NODELAY and SO_KEEPALIVE are always set;
// TCP Fast Open and SO_ZEROCOPY are probed. A failure to set any of
// these options is logged at debug level and the socket is returned
// without it.
func newTCPSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return invalidFd, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		dlog.Debugf("Failed to set SO_REUSEADDR on fd %d: %v", fd, err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		dlog.Debugf("Failed to set TCP_NODELAY on fd %d: %v", fd, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		dlog.Debugf("Failed to set SO_KEEPALIVE on fd %d: %v", fd, err)
	}

	// TCP_FASTOPEN_CONNECT: skip one RTT when the kernel has a cookie.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_FASTOPEN_CONNECT, 1); err != nil {
		dlog.Debugf("TCP Fast Open not available on fd %d: %v", fd, err)
	}

	// SO_ZEROCOPY: probe only; senders must handle the error queue, so
	// callers opt in per send.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1); err != nil {
		dlog.Debugf("SO_ZEROCOPY not available on fd %d: %v", fd, err)
	}

	return fd, nil
}

// connectSocket issues a non-blocking connect to ip:port.
func connectSocket(fd int, ip net.IP, port int) error {
	var sa unix.SockaddrInet4
	copy(sa.Addr[:], ip.To4())
	sa.Port = port
	return unix.Connect(fd, &sa)
}

// isInProgress reports whether a connect error means the handshake
// continues asynchronously.
func isInProgress(err error) bool {
	return errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EALREADY) || errors.Is(err, unix.EINTR)
}

// probeSocket is the zero-cost liveness check: a zero-timeout poll plus
// SO_ERROR. Any error condition means the socket is unusable.
func probeSocket(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN | unix.POLLOUT}}
	n, err := unix.Poll(fds, 0)
	if err != nil && !errors.Is(err, unix.EINTR) {
		return err
	}
	if n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return errors.New("socket reports error/hangup")
	}
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// shutdownSocket half-closes both directions; best-effort.
func shutdownSocket(fd int) {
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
}

// closeSocket closes the fd, ignoring EBADF from races the CAS already
// resolved.
func closeSocket(fd int) {
	if err := unix.Close(fd); err != nil && !errors.Is(err, unix.EBADF) {
		dlog.Debugf("Error closing fd %d: %v", fd, err)
	}
}

// writeSocket sends p on a non-blocking socket, mapping EAGAIN to the
// recoverable ErrWouldBlock.
func writeSocket(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}
