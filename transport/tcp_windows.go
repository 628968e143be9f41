//go:build windows

package transport

import "errors"

// SendBufferBytes is unsupported on windows: netfd.GetFdFromConn and the
// SO_SNDBUF getsockopt path are unix-specific.
func (t *TCP) SendBufferBytes() (int, error) {
	return 0, errors.New("transport: SendBufferBytes unsupported on windows")
}
