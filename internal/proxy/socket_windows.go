//go:build windows

package proxy

import (
	"net"
	"os"
)

// listenUnixOwnerOnly binds a unix socket. Windows has no umask; AF_UNIX
// sockets there inherit the directory ACL.
func listenUnixOwnerOnly(path string) (net.Listener, error) {
	os.Remove(path)
	return net.Listen("unix", path)
}
