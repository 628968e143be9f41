package tunnel

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpfwd/rpfwd/metrics"
	"github.com/rpfwd/rpfwd/protocol"
	"github.com/rpfwd/rpfwd/socketadapter"
	"github.com/rpfwd/rpfwd/transport"
)

// keepAliveSendInterval and keepAliveDeadline are spec.md §4.4 step 1's
// 10s/60s constants.
const (
	keepAliveSendInterval = 10 * time.Second
	keepAliveDeadline     = 60 * time.Second
)

// defaultPollDelay is spec.md §6's "Default poll_delay_ms = 1".
const defaultPollDelay = time.Millisecond

// ServerConfig configures one server-side run of the tunnel, grounded on
// spec.md §6's `server <port> <key> [<poll_delay_ms>]` CLI shape plus the
// ambient -metrics-listen addition from SPEC_FULL §6.
type ServerConfig struct {
	ListenAddr    string // e.g. "0.0.0.0:10000"
	Key           string
	PollDelay     time.Duration
	MetricsListen string // empty disables metrics export
	Logger        *logrus.Logger
}

// RunServer implements spec.md §4.4's Server ControlLoop. It blocks until
// a tier-3 fatal condition is hit, at which point it logs and panics
// (spec.md §7) rather than returning. It returns an error for failures
// before the tunnel starts serving (resolve, listen, metrics listener,
// control-link accept, initial keep-alive) and, from inside the loop,
// when accepting on the public listener fails, so an outer supervisor
// can decide whether to retry.
func RunServer(cfg ServerConfig) error {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	pollDelay := cfg.PollDelay
	if pollDelay <= 0 {
		pollDelay = defaultPollDelay
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("tunnel: resolve %q: %w", cfg.ListenAddr, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("tunnel: listen on %q: %w", cfg.ListenAddr, err)
	}
	defer ln.Close()

	state := NewLoopState()
	reg := metrics.New("server", state)
	if cfg.MetricsListen != "" {
		if err := serveMetrics(cfg.MetricsListen, reg, log); err != nil {
			return err
		}
	}
	tm := &transport.Metrics{
		BytesRead:       reg.Transport.BytesRead,
		BytesWritten:    reg.Transport.BytesWritten,
		SendBufferBytes: reg.Transport.SendBufferBytes,
	}

	control, err := acceptControlLink(ln, cfg.Key, tm, log)
	if err != nil {
		return err
	}
	defer control.Transport().Close()

	if err := control.WriteLater(protocol.FrameKeepAlive()); err != nil {
		return fmt.Errorf("tunnel: initial keep-alive: %w", err)
	}
	if err := control.WriteNow(); err != nil {
		return fmt.Errorf("tunnel: initial keep-alive flush: %w", err)
	}

	logEntry := log.WithField("link_kind", "tcp")
	scratch := make([]byte, protocol.MaxPayload)

	for {
		now := time.Now()
		if now.Sub(state.LastKeepAliveSent) >= keepAliveSendInterval {
			if err := control.WriteLater(protocol.FrameKeepAlive()); err != nil {
				logEntry.WithError(err).Panic("control link broken writing keep-alive")
			}
			state.LastKeepAliveSent = now
		}
		if now.Sub(state.LastKeepAliveRecv) >= keepAliveDeadline {
			logEntry.WithFields(logrus.Fields{
				"channel_count":              state.Channels.Len(),
				"last_keep_alive_recv_ms_ago": now.Sub(state.LastKeepAliveRecv).Milliseconds(),
			}).Panic("control link dead: no keep-alive received within 60s")
		}

		didWork := false

		if newConn, err := tryAcceptTCP(ln); err != nil {
			return fmt.Errorf("tunnel: accept on public listener: %w", err)
		} else if newConn != nil {
			didWork = true
			id := state.NextID
			state.NextID++
			tr := transport.NewTCP(newConn, false, tm)
			_ = tr.SetNonblocking(true)
			ch := socketadapter.New(id, tr)
			ch.SetLogger(logEntry.WithField("channel", id))
			state.Channels.Insert(id, ch)
			if err := control.WriteLater(protocol.FrameNewClient()); err != nil {
				logEntry.WithError(err).Panic("control link broken writing NewClient")
			}
			reg.ChannelsOpenedTotal.Inc()
			logEntry.WithFields(logrus.Fields{"channel": id, "session": ch.SessionID().String()}).Info("channel opened")
		}

		var toRemove []uint64
		for _, id := range state.Channels.IDs() {
			ch, ok := state.Channels.Get(id)
			if !ok {
				continue
			}
			n, gotSomething, err := ch.Poll(scratch)
			switch {
			case err != nil:
				toRemove = append(toRemove, id)
			case gotSomething && n == 0:
				toRemove = append(toRemove, id)
			case gotSomething:
				didWork = true
				if err := control.WriteLater(protocol.FrameClientData(id, scratch[:n])); err != nil {
					logEntry.WithError(err).Panic("control link broken writing ClientData")
				}
			}
			if d := ch.ClearDelay(); d > 0 {
				didWork = true
				micros := uint64(d / time.Microsecond)
				if err := control.WriteLater(protocol.FrameClientExceededBuffer(id, micros)); err != nil {
					logEntry.WithError(err).Panic("control link broken writing ClientExceededBuffer")
				}
				ch.Punish(d)
				reg.PenaltyMicrosTotal.Add(float64(micros))
			}
		}

		if len(toRemove) > 0 {
			didWork = true
			removeSet := make(map[uint64]bool, len(toRemove))
			for _, id := range toRemove {
				removeSet[id] = true
			}
			for _, id := range state.Channels.IDsReversed() {
				if !removeSet[id] {
					continue
				}
				ch, ok := state.Channels.Remove(id)
				if !ok {
					continue
				}
				if err := control.WriteLater(protocol.FrameCloseClient(id)); err != nil {
					logEntry.WithError(err).Panic("control link broken writing CloseClient")
				}
				_ = ch.Transport().Close()
				reg.ChannelsClosedTotal.Inc()
				logEntry.WithFields(logrus.Fields{"channel": id, "session": ch.SessionID().String()}).Info("channel closed")
			}
		}

		if err := control.Update(); err != nil {
			logEntry.WithError(err).Panic("control link broken flushing")
		}

		kindBuf := scratch[:1]
		gotByte, err := control.PollExact(kindBuf)
		if err != nil {
			logEntry.WithError(err).Panic("control link broken reading discriminator")
		}
		if !gotByte {
			if !didWork {
				time.Sleep(pollDelay)
			}
			continue
		}

		kind := protocol.Kind(kindBuf[0])
		if !kind.Valid() {
			if err := runServerInitiatedResync(control, state, reg, logEntry); err != nil {
				logEntry.WithError(err).Panic("resync failed after unparseable discriminator")
			}
			continue
		}

		switch kind {
		case protocol.CloseClient:
			idBuf := make([]byte, protocol.IDSize)
			if ok, err := control.ReadNow(idBuf); err != nil || !ok {
				logEntry.Panic("control link broken reading CloseClient payload")
			}
			id := protocol.DecodeUint64(idBuf)
			if ch, ok := state.Channels.Remove(id); ok {
				_ = ch.Transport().Close()
				reg.ChannelsClosedTotal.Inc()
			}

		case protocol.KeepAlive:
			state.LastKeepAliveRecv = time.Now()

		case protocol.ServerData:
			id, payload, err := readDataPayload(control, scratch)
			if err != nil {
				logEntry.WithError(err).Panic("control link broken reading ServerData")
			}
			if ch, ok := state.Channels.Get(id); ok {
				_ = ch.WriteLater(payload) // channel-local error latches that adapter, not fatal
			}

		case protocol.ClientExceededBuffer:
			idBuf := make([]byte, protocol.IDSize)
			microsBuf := make([]byte, protocol.MicrosSize)
			if ok, err := control.ReadNow(idBuf); err != nil || !ok {
				logEntry.Panic("control link broken reading ClientExceededBuffer id")
			}
			if ok, err := control.ReadNow(microsBuf); err != nil || !ok {
				logEntry.Panic("control link broken reading ClientExceededBuffer micros")
			}
			id := protocol.DecodeUint64(idBuf)
			if state.Channels.Len() > 1 {
				if ch, ok := state.Channels.Get(id); ok {
					ch.Punish(time.Duration(protocol.DecodeMicros(microsBuf)) * time.Microsecond)
				}
			}

		case protocol.Resync:
			idBuf := make([]byte, protocol.IDSize)
			if ok, err := control.ReadNow(idBuf); err != nil || !ok {
				logEntry.Panic("control link broken reading Resync trailer")
			}
			if peerCounter := protocol.DecodeUint64(idBuf); peerCounter > state.NextID {
				state.NextID = peerCounter
			}
			if err := RespondResync(control, state.NextID, logEntry); err != nil {
				logEntry.WithError(err).Panic("resync responder failed")
			}
			reg.ResyncTotal.Inc()

		default: // NewClient, ClientData, ResyncEcho arriving unprompted: direction-wrong, resync
			if err := runServerInitiatedResync(control, state, reg, logEntry); err != nil {
				logEntry.WithError(err).Panic("resync failed after direction-wrong packet")
			}
		}
	}
}

func runServerInitiatedResync(control *socketadapter.Adapter, state *LoopState, reg *metrics.Registry, log *logrus.Entry) error {
	peerCounter, err := InitiateResync(control, state.NextID, log)
	if err != nil {
		return err
	}
	if peerCounter > state.NextID {
		state.NextID = peerCounter
	}
	reg.ResyncTotal.Inc()
	return nil
}

// readDataPayload reads a ClientData/ServerData frame's trailer (u64 ID,
// u32 length, length bytes) after the discriminator byte has already been
// consumed. scratch must be at least protocol.MaxPayload long.
func readDataPayload(control *socketadapter.Adapter, scratch []byte) (id uint64, payload []byte, err error) {
	fail := func(step string, err error) error {
		if err == nil {
			err = fmt.Errorf("short read")
		}
		return fmt.Errorf("tunnel: reading data frame %s: %w", step, err)
	}
	idBuf := make([]byte, protocol.IDSize)
	if ok, err := control.ReadNow(idBuf); err != nil || !ok {
		return 0, nil, fail("id", err)
	}
	lenBuf := make([]byte, protocol.LenSize)
	if ok, err := control.ReadNow(lenBuf); err != nil || !ok {
		return 0, nil, fail("length", err)
	}
	n := protocol.DecodeUint32(lenBuf)
	if n > protocol.MaxPayload {
		return 0, nil, fmt.Errorf("tunnel: data frame length %d exceeds max payload", n)
	}
	if ok, err := control.ReadNow(scratch[:n]); err != nil || !ok {
		return 0, nil, fail("payload", err)
	}
	return protocol.DecodeUint64(idBuf), scratch[:n], nil
}

// tryAcceptTCP emulates a non-blocking accept on ln, the standard Go
// idiom since net.TCPListener exposes SetDeadline but no direct
// non-blocking toggle. A nil, nil return means no connection was pending.
func tryAcceptTCP(ln *net.TCPListener) (*net.TCPConn, error) {
	if err := ln.SetDeadline(time.Now()); err != nil {
		return nil, err
	}
	conn, err := ln.AcceptTCP()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

// acceptControlLink loops accepting and handshaking connections on ln
// until one authenticates, becoming the control link (spec.md §4.1: a
// key mismatch "closes the connection silently, server returns to accept
// loop"). A failed accept() itself is fatal per spec.md §7 tier 3.
func acceptControlLink(ln *net.TCPListener, key string, tm *transport.Metrics, log *logrus.Logger) (*socketadapter.Adapter, error) {
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			return nil, fmt.Errorf("tunnel: accept control link: %w", err)
		}
		tr := transport.NewTCP(conn, true, tm)
		ok, err := ServerHandshake(tr, key)
		if err != nil {
			log.WithError(err).Warn("handshake I/O error, returning to accept loop")
			_ = tr.Close()
			continue
		}
		if !ok {
			log.Warn("handshake rejected (bad magic or key), returning to accept loop")
			_ = tr.Close()
			continue
		}
		log.Info("control link established")
		return socketadapter.New(0, tr), nil
	}
}
