// Package socketadapter implements the buffered, non-blocking, penalty-aware
// wrapper around a transport.Transport that the control loops use for
// every channel and for the control link itself. It is the component that
// turns many channels sharing one link into something that can be fair and
// survive backpressure without threads.
package socketadapter

import (
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/rpfwd/rpfwd/transport"
)

// Capacity is the fixed size of the send ring buffer every Adapter owns.
const Capacity = 65536

// Adapter wraps one transport.Transport with a send ring buffer, a
// terminal-error latch, accumulated synchronous-drain delay, and a
// penalty window. It is not safe for concurrent use — by design, exactly
// one cooperative loop goroutine ever touches a given Adapter, matching
// invariant 2 in SPEC_FULL.md §3 ("the control-link send buffer is never
// concurrently mutated").
type Adapter struct {
	id        uint64
	session   xid.ID
	transport transport.Transport

	buf     [Capacity]byte
	written int
	toWrite int

	broken error

	accumulatedDelay time.Duration
	ignoreUntil      time.Time

	log *logrus.Entry
}

// New wraps t as the adapter for channel id (0 for the control link,
// which is not itself a channel but is numbered the same way for logging).
func New(id uint64, t transport.Transport) *Adapter {
	return &Adapter{id: id, session: xid.New(), transport: t}
}

// ID returns the channel ID this adapter was created for.
func (a *Adapter) ID() uint64 { return a.id }

// SessionID returns this adapter's log-correlation tag, read by the
// control loops' channel open/close log lines (SPEC_FULL.md §3) and
// never placed on the wire.
func (a *Adapter) SessionID() xid.ID { return a.session }

// SetLogger attaches a log sink used only to report the terminal-error
// transition once (SPEC_FULL.md §4.3), grounded on the teacher's
// gatherAndReport error-path logging shape in wrap.go. Optional — a nil
// logger (the default) means latching stays silent.
func (a *Adapter) SetLogger(log *logrus.Entry) { a.log = log }

// Transport returns the underlying transport, e.g. for Close().
func (a *Adapter) Transport() transport.Transport { return a.transport }

// Broken returns the latched terminal error, if any.
func (a *Adapter) Broken() error { return a.broken }

func (a *Adapter) latch(err error) error {
	if a.broken == nil {
		a.broken = err
		if a.log != nil {
			a.log.WithFields(logrus.Fields{
				"channel": a.id,
				"session": a.session.String(),
			}).Debugf("socketadapter: latched terminal error: %v", err)
		}
	}
	return a.broken
}

// ignoring reports whether the penalty window is still in effect.
func (a *Adapter) ignoring() bool {
	return !a.ignoreUntil.IsZero() && time.Now().Before(a.ignoreUntil)
}

// Punish extends the penalty window by d. If a window is already active,
// d is added from its current deadline rather than from now — but the
// base is first clamped to max(now, ignoreUntil) so that a punish arriving
// after the previous window already expired starts fresh instead of
// compounding against a stale, already-past deadline (SPEC_FULL §4.3,
// resolving spec.md §9's ignore_until monotonicity question).
func (a *Adapter) Punish(d time.Duration) {
	now := time.Now()
	base := now
	if a.ignoreUntil.After(base) {
		base = a.ignoreUntil
	}
	a.ignoreUntil = base.Add(d)
}

// ClearDelay atomically returns and resets the accumulated synchronous
// drain time since the last call.
func (a *Adapter) ClearDelay() time.Duration {
	d := a.accumulatedDelay
	a.accumulatedDelay = 0
	return d
}

// WriteLater appends data to the pending send region, compacting or
// synchronously draining the ring buffer as needed. See SPEC_FULL §4.3 for
// the three-way buffer discipline.
func (a *Adapter) WriteLater(data []byte) error {
	if a.broken != nil {
		return a.broken
	}
	n := len(data)
	if n > Capacity {
		return fmt.Errorf("socketadapter: write of %d bytes exceeds capacity %d", n, Capacity)
	}

	if a.written+a.toWrite+n > Capacity {
		if a.toWrite+n <= Capacity {
			copy(a.buf[0:a.toWrite], a.buf[a.written:a.written+a.toWrite])
			a.written = 0
		} else {
			start := time.Now()
			if err := a.transport.SetNonblocking(false); err != nil {
				return a.latch(err)
			}
			if err := writeAll(a.transport, a.buf[a.written:a.written+a.toWrite]); err != nil {
				return a.latch(err)
			}
			a.written = 0
			a.toWrite = n
			copy(a.buf[:n], data)
			a.accumulatedDelay += time.Since(start)
			return nil
		}
	}
	copy(a.buf[a.written+a.toWrite:a.written+a.toWrite+n], data)
	a.toWrite += n
	return nil
}

// Write queues data and immediately attempts a non-blocking flush.
func (a *Adapter) Write(data []byte) error {
	if err := a.WriteLater(data); err != nil {
		return err
	}
	return a.Update()
}

// WriteNow forces a full blocking flush of whatever is pending.
func (a *Adapter) WriteNow() error {
	if a.broken != nil {
		return a.broken
	}
	if a.toWrite == 0 {
		return nil
	}
	if err := a.transport.SetNonblocking(false); err != nil {
		return a.latch(err)
	}
	if err := writeAll(a.transport, a.buf[a.written:a.written+a.toWrite]); err != nil {
		return a.latch(err)
	}
	a.written = 0
	a.toWrite = 0
	return nil
}

// Update performs one best-effort non-blocking flush of pending data.
func (a *Adapter) Update() error {
	if a.ignoring() {
		return nil
	}
	if a.broken != nil {
		return a.broken
	}
	if a.toWrite == 0 {
		return nil
	}
	if err := a.transport.SetNonblocking(true); err != nil {
		return a.latch(err)
	}
	n, err := a.transport.Write(a.buf[a.written : a.written+a.toWrite])
	if err != nil {
		if err == transport.ErrWouldBlock {
			return nil
		}
		return a.latch(err)
	}
	a.toWrite -= n
	a.written += n
	if a.toWrite == 0 {
		a.written = 0
	}
	return nil
}

// Poll attempts one non-blocking read into buf. ok is false when the
// adapter is in its penalty window or the read would block (no error);
// ok is true with n==0 when the transport reports a zero-byte read
// without error. The TCP transport reports a peer close as io.EOF
// instead, which is latched and returned as err.
func (a *Adapter) Poll(buf []byte) (n int, ok bool, err error) {
	if a.ignoring() {
		return 0, false, nil
	}
	if a.broken != nil {
		return 0, false, a.broken
	}
	if err := a.transport.SetNonblocking(true); err != nil {
		return 0, false, a.latch(err)
	}
	n, err = a.transport.Read(buf)
	if err == nil {
		return n, true, nil
	}
	if err == transport.ErrWouldBlock {
		return 0, false, nil
	}
	return 0, false, a.latch(err)
}

// PollExact attempts to non-blockingly fill buf completely. ok is false
// (no error) when no data was available at all; a real error is latched
// and returned when the transport breaks mid-read.
func (a *Adapter) PollExact(buf []byte) (ok bool, err error) {
	if a.ignoring() {
		return false, nil
	}
	if a.broken != nil {
		return false, a.broken
	}
	if err := a.transport.SetNonblocking(true); err != nil {
		return false, a.latch(err)
	}
	total := 0
	for total < len(buf) {
		n, err := a.transport.Read(buf[total:])
		total += n
		if err == nil {
			continue
		}
		if err == transport.ErrWouldBlock {
			if total == 0 {
				return false, nil
			}
			// A partial read followed by WouldBlock only arises for
			// multi-byte PollExact calls; the control loop only ever
			// uses PollExact for the single-byte header, where this is
			// unreachable.
			return false, transport.ErrWouldBlock
		}
		return false, a.latch(err)
	}
	return true, nil
}

// ReadNow performs a blocking exact read of len(buf) bytes, honoring the
// penalty window but not the non-blocking/would-block distinction.
func (a *Adapter) ReadNow(buf []byte) (ok bool, err error) {
	if a.ignoring() {
		return false, nil
	}
	if a.broken != nil {
		return false, a.broken
	}
	if err := a.transport.SetNonblocking(false); err != nil {
		return false, a.latch(err)
	}
	total := 0
	for total < len(buf) {
		n, err := a.transport.Read(buf[total:])
		total += n
		if err != nil {
			return false, a.latch(err)
		}
	}
	return true, nil
}

func writeAll(t transport.Transport, buf []byte) error {
	for len(buf) > 0 {
		n, err := t.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
