//go:build !windows

package transport

import (
	"syscall"

	"github.com/higebu/netfd"
)

// SendBufferBytes reports the kernel's current SO_SNDBUF size for this
// connection, grounded on the teacher's use of netfd.GetFdFromConn to
// locate a connection's raw fd for out-of-band inspection
// (pkg/exporter/exporter.go's connEntry.fd). Purely diagnostic — it is
// never consulted by the non-blocking state machine the spec prescribes.
func (t *TCP) SendBufferBytes() (int, error) {
	fd := netfd.GetFdFromConn(t.conn)
	return syscall.GetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_SNDBUF)
}
