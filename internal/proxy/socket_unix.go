//go:build !windows

package proxy

import (
	"net"
	"os"
	"syscall"
)

// listenUnixOwnerOnly binds a unix socket with owner-only permissions.
// Any stale file at the path is removed first; the restrictive umask
// guarantees the socket is never observable with group or world bits set.
func listenUnixOwnerOnly(path string) (net.Listener, error) {
	os.Remove(path)

	old := syscall.Umask(0177)
	listener, err := net.Listen("unix", path)
	syscall.Umask(old)
	if err != nil {
		return nil, err
	}
	return listener, nil
}
