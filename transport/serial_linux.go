//go:build linux

package transport

import (
	"time"

	serial "github.com/daedaluz/goserial"
)

// blockingReadTimeout is the serial equivalent of ioTimeout: with no
// flow control and no OS-level poll, a blocking read on a serial port
// just means "wait up to this long for the modem link to produce a byte".
const blockingReadTimeout = 20 * time.Second

// Serial wraps a github.com/daedaluz/goserial *serial.Port. Non-blocking
// is toggled by setting the read timeout to 0 (poll once, don't wait) or
// to blockingReadTimeout, exactly as spec.md §4.2 prescribes.
type Serial struct {
	port *serial.Port
	nb   bool
	tp   *throughput
}

// SerialConfig configures the 8N1 link before the protocol handshake
// starts.
type SerialConfig struct {
	Device string
	Baud   uint32
}

// OpenSerial opens and configures dev for 8N1 at the given baud rate, raw
// mode, no flow control — grounded on Daedaluz-goserial's own OpenPTY
// composition (open, then MakeRaw, then set custom speed).
func OpenSerial(cfg SerialConfig, print bool, m *Metrics) (*Serial, error) {
	port, err := serial.Open(cfg.Device, serial.NewOptions())
	if err != nil {
		return nil, err
	}
	attrs, err := port.GetAttr2()
	if err != nil {
		port.Close()
		return nil, err
	}
	attrs.MakeRaw()
	attrs.Cflag |= serial.CREAD | serial.CLOCAL
	attrs.SetCustomSpeed(cfg.Baud)
	if err := port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, err
	}
	port.SetReadTimeout(blockingReadTimeout)
	return &Serial{port: port, tp: newThroughput("serial", print, m)}, nil
}

func (s *Serial) Read(b []byte) (int, error) {
	d := blockingReadTimeout
	if s.nb {
		d = 0
	}
	n, err := s.port.ReadTimeout(b, d)
	s.tp.observeRead(n)
	return n, normalizeTimeout(err, s.nb)
}

func (s *Serial) Write(b []byte) (int, error) {
	n, err := s.port.Write(b)
	s.tp.observeWrite(n)
	return n, err
}

// SetNonblocking toggles the read timeout between 0 (emulated
// non-blocking: poll.WaitInput returns immediately if no byte is queued)
// and blockingReadTimeout.
func (s *Serial) SetNonblocking(nb bool) error {
	s.nb = nb
	return nil
}

// Close is a no-op: the original design leaves serial ports open for the
// operator to reuse across process restarts, and goserial's Port.Close
// would tear down a device the supervisor loop may want to hand to a
// freshly restarted process.
func (s *Serial) Close() error { return nil }

func (s *Serial) IsSerial() bool { return true }

func (s *Serial) SetPrint(enabled bool) { s.tp.setPrint(enabled) }

// WriteATCommand sends a single AT-command line with the trailing \r\n
// the modem bring-up protocol expects, per spec.md §6.
func (s *Serial) WriteATCommand(line string) error {
	_, err := s.port.Write([]byte(line + "\r\n"))
	return err
}
