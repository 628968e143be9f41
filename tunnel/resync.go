package tunnel

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpfwd/rpfwd/protocol"
	"github.com/rpfwd/rpfwd/socketadapter"
)

// Resync window constants from spec.md §4.6. They deliberately exceed the
// worst-case flight of any buffered data so both sides converge on an
// empty pipe before the echo byte is the next thing read.
const (
	initiatorDrainSleep  = 5 * time.Second
	initiatorFinalSleep  = 5 * time.Second
	responderGraceSleep  = 8 * time.Second
)

// ErrResyncFailed is fatal per spec.md §7 tier 3: the peer never answered
// ResyncEcho.
var ErrResyncFailed = fmt.Errorf("tunnel: resync failed, peer never answered ResyncEcho")

// drainInbound discards whatever bytes are currently available on the
// control link without blocking, used between the initiator's sleeps to
// settle the pipe.
func drainInbound(control *socketadapter.Adapter) {
	scratch := make([]byte, protocol.MaxPayload)
	for {
		n, ok, err := control.Poll(scratch)
		if err != nil || !ok || n == 0 {
			return
		}
	}
}

// InitiateResync runs the initiator side of spec.md §4.6: the side that
// detected a bad discriminator or a direction-wrong data packet. counter
// is this side's view of the channel-ID counter, sent as the Resync
// frame's trailer (see DESIGN.md "Resync payload symmetry" — both
// directions carry this field in this implementation). It returns the
// peer's reported counter so the caller can fold it into next_id, or
// ErrResyncFailed if the peer never answers.
func InitiateResync(control *socketadapter.Adapter, counter uint64, log *logrus.Entry) (peerCounter uint64, err error) {
	control.Transport().SetPrint(false)
	defer control.Transport().SetPrint(true)

	if log != nil {
		log.Warn("resync: initiating")
	}

	if err := control.WriteLater(protocol.FrameResync(counter)); err != nil {
		return 0, err
	}
	if err := control.WriteNow(); err != nil {
		return 0, err
	}

	drainInbound(control)
	time.Sleep(initiatorDrainSleep)
	drainInbound(control)
	time.Sleep(initiatorFinalSleep)

	kindBuf := make([]byte, 1)
	if ok, err := control.ReadNow(kindBuf); err != nil || !ok {
		return 0, ErrResyncFailed
	}
	if protocol.Kind(kindBuf[0]) != protocol.ResyncEcho {
		return 0, ErrResyncFailed
	}
	idBuf := make([]byte, protocol.IDSize)
	if ok, err := control.ReadNow(idBuf); err != nil || !ok {
		return 0, ErrResyncFailed
	}
	peerCounter = protocol.DecodeUint64(idBuf)
	if log != nil {
		log.WithField("peer_counter", peerCounter).Warn("resync: recovered")
	}
	return peerCounter, nil
}

// RespondResync runs the responder side of spec.md §4.6: the side that
// received a Resync frame mid-loop (an unparseable byte makes the control
// loops call InitiateResync instead).
// counter is this side's own current view of the channel-ID counter,
// echoed back in ResyncEcho so the initiator can fold it in.
func RespondResync(control *socketadapter.Adapter, counter uint64, log *logrus.Entry) error {
	control.Transport().SetPrint(false)
	defer control.Transport().SetPrint(true)

	if log != nil {
		log.Warn("resync: responding")
	}

	time.Sleep(responderGraceSleep)

	if err := control.WriteLater(protocol.FrameResyncEcho(counter)); err != nil {
		return err
	}
	if err := control.WriteNow(); err != nil {
		return err
	}
	if log != nil {
		log.Warn("resync: echoed")
	}
	return nil
}
