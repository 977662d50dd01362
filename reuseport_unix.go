//go:build unix

package httpcore

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortSupported is true on Unix platforms, where SO_REUSEPORT lets
// each worker in RunWorkers bind its own listener at the same address with
// the kernel load-balancing accepted connections between them.
const reusePortSupported = true

// listenReusable binds addr as TCP with SO_REUSEADDR and SO_REUSEPORT. Go's
// net package does not expose the listen backlog (it relies on the
// platform's configured somaxconn), so the historical "backlog 1024"
// default is left to the OS rather than hand-rolled via raw syscalls.
func listenReusable(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					controlErr = err
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					controlErr = err
					return
				}
			})
			if err != nil {
				return err
			}
			return controlErr
		},
	}
	return listenWithBacklog(lc, addr)
}

func listenWithBacklog(lc net.ListenConfig, addr string) (net.Listener, error) {
	return lc.Listen(context.Background(), "tcp", addr)
}
