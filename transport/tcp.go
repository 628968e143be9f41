package transport

import (
	"net"
	"time"
)

// ioTimeout is the blocking-mode I/O deadline from spec.md §4.2/§5: every
// TCP read or write gets 20s to make progress before it counts as a
// timeout.
const ioTimeout = 20 * time.Second

// TCP wraps a *net.TCPConn. Non-blocking is emulated with a zero deadline
// before each call — the standard Go idiom for a single best-effort
// attempt on a net.Conn, since the net package exposes no generic
// SetNonblocking. This mirrors the serial transport's own emulation via a
// read timeout of 0 vs 20s, so both variants share the same mental model.
type TCP struct {
	conn *net.TCPConn
	nb   bool
	tp   *throughput
}

// NewTCP wraps an already-dialed or -accepted TCP connection. print
// enables the terminal throughput line by default; m, if non-nil, wires
// Prometheus byte counters.
func NewTCP(conn *net.TCPConn, print bool, m *Metrics) *TCP {
	t := &TCP{conn: conn, tp: newThroughput("tcp", print, m)}
	t.tp.setSendBufferProbe(t.SendBufferBytes)
	return t
}

func (t *TCP) Read(b []byte) (int, error) {
	if t.nb {
		_ = t.conn.SetReadDeadline(time.Now())
	} else {
		_ = t.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	}
	n, err := t.conn.Read(b)
	t.tp.observeRead(n)
	return n, normalizeTimeout(err, t.nb)
}

func (t *TCP) Write(b []byte) (int, error) {
	if t.nb {
		_ = t.conn.SetWriteDeadline(time.Now())
	} else {
		_ = t.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	}
	n, err := t.conn.Write(b)
	t.tp.observeWrite(n)
	return n, normalizeTimeout(err, t.nb)
}

func (t *TCP) SetNonblocking(nb bool) error {
	t.nb = nb
	return nil
}

func (t *TCP) Close() error {
	return t.conn.Close()
}

func (t *TCP) IsSerial() bool { return false }

func (t *TCP) SetPrint(enabled bool) { t.tp.setPrint(enabled) }
