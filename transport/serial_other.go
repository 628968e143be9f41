//go:build !linux

package transport

import "errors"

// ErrSerialUnsupported is returned by OpenSerial on platforms without a
// goserial backend. The modem transport is a Linux-only feature of this
// design, matching Daedaluz-goserial's own platform scope.
var ErrSerialUnsupported = errors.New("transport: serial links are only supported on linux")

// Serial is a stub on non-Linux platforms so the package still builds;
// none of its methods are reachable because OpenSerial always fails.
type Serial struct{}

// SerialConfig configures the 8N1 link before the protocol handshake
// starts.
type SerialConfig struct {
	Device string
	Baud   uint32
}

func OpenSerial(cfg SerialConfig, print bool, m *Metrics) (*Serial, error) {
	return nil, ErrSerialUnsupported
}

func (s *Serial) Read(b []byte) (int, error)  { return 0, ErrSerialUnsupported }
func (s *Serial) Write(b []byte) (int, error) { return 0, ErrSerialUnsupported }
func (s *Serial) SetNonblocking(nb bool) error { return ErrSerialUnsupported }
func (s *Serial) Close() error                 { return nil }
func (s *Serial) IsSerial() bool               { return true }
func (s *Serial) SetPrint(enabled bool)        {}
func (s *Serial) WriteATCommand(line string) error {
	return ErrSerialUnsupported
}
