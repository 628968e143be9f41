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

// ModemConfig carries the AT-command bring-up parameters from spec.md
// §6's optional `[<modem_port> <modem_baud> <modem_init>]` client
// arguments. When set, the control link rides Serial instead of TCP.
type ModemConfig struct {
	Device string
	Baud   uint32
	Init   string
}

// ClientConfig configures one client-side run, grounded on spec.md §6's
// `client <server_ip> <server_port> <dest_ip> <dest_port> <key> [...]`
// shape plus the ambient -metrics-listen addition from SPEC_FULL §6.
type ClientConfig struct {
	ServerIP      string
	ServerPort    string
	DestAddr      string // "<dest_ip>:<dest_port>", dialed once per channel
	Key           string
	PollDelay     time.Duration
	Modem         *ModemConfig
	MetricsListen string
	Logger        *logrus.Logger
}

// RunClient implements spec.md §4.5's Client ControlLoop. Like RunServer,
// it blocks until a tier-3 fatal condition, at which point it logs and
// panics; only pre-tunnel setup errors (dial/handshake/listen failure)
// are returned.
func RunClient(cfg ClientConfig) error {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	pollDelay := cfg.PollDelay
	if pollDelay <= 0 {
		pollDelay = defaultPollDelay
	}

	state := NewLoopState()
	reg := metrics.New("client", state)
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

	controlTransport, err := dialControlLink(cfg, tm, log)
	if err != nil {
		return err
	}

	if err := ClientHandshake(controlTransport, cfg.Key); err != nil {
		_ = controlTransport.Close()
		return fmt.Errorf("tunnel: client handshake: %w", err)
	}
	control := socketadapter.New(0, controlTransport)
	defer control.Transport().Close()

	if err := control.WriteLater(protocol.FrameKeepAlive()); err != nil {
		return fmt.Errorf("tunnel: initial keep-alive: %w", err)
	}
	if err := control.WriteNow(); err != nil {
		return fmt.Errorf("tunnel: initial keep-alive flush: %w", err)
	}

	logEntry := log.WithField("link_kind", map[bool]string{true: "serial", false: "tcp"}[cfg.Modem != nil])
	scratch := make([]byte, protocol.MaxPayload)

	for {
		now := time.Now()
		if now.Sub(state.LastKeepAliveRecv) >= keepAliveDeadline {
			logEntry.WithFields(logrus.Fields{
				"channel_count":              state.Channels.Len(),
				"last_keep_alive_recv_ms_ago": now.Sub(state.LastKeepAliveRecv).Milliseconds(),
			}).Panic("connection dropped: no keep-alive received within 60s")
		}

		didWork := false

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
				if err := control.WriteLater(protocol.FrameServerData(id, scratch[:n])); err != nil {
					logEntry.WithError(err).Panic("control link broken writing ServerData")
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
			if err := runClientInitiatedResync(control, state, reg, logEntry); err != nil {
				logEntry.WithError(err).Panic("resync failed after unparseable discriminator")
			}
			continue
		}

		switch kind {
		case protocol.NewClient:
			id := state.NextID
			state.NextID++
			conn, err := net.Dial("tcp", cfg.DestAddr)
			if err != nil {
				logEntry.WithError(err).WithField("channel", id).Warn("dial destination failed, closing channel immediately")
				if err := control.WriteLater(protocol.FrameCloseClient(id)); err != nil {
					logEntry.WithError(err).Panic("control link broken writing CloseClient")
				}
				continue
			}
			tr := transport.NewTCP(conn.(*net.TCPConn), false, tm)
			_ = tr.SetNonblocking(true)
			ch := socketadapter.New(id, tr)
			ch.SetLogger(logEntry.WithField("channel", id))
			state.Channels.Insert(id, ch)
			reg.ChannelsOpenedTotal.Inc()
			logEntry.WithFields(logrus.Fields{"channel": id, "session": ch.SessionID().String()}).Info("channel opened")

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
			if err := control.WriteLater(protocol.FrameKeepAlive()); err != nil {
				logEntry.WithError(err).Panic("control link broken echoing KeepAlive")
			}

		case protocol.ClientData:
			id, payload, err := readDataPayload(control, scratch)
			if err != nil {
				logEntry.WithError(err).Panic("control link broken reading ClientData")
			}
			if ch, ok := state.Channels.Get(id); ok {
				_ = ch.WriteLater(payload)
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

		default: // ServerData, ResyncEcho arriving unprompted: direction-wrong, resync
			if err := runClientInitiatedResync(control, state, reg, logEntry); err != nil {
				logEntry.WithError(err).Panic("resync failed after direction-wrong packet")
			}
		}
	}
}

func runClientInitiatedResync(control *socketadapter.Adapter, state *LoopState, reg *metrics.Registry, log *logrus.Entry) error {
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

// dialControlLink dials the server over TCP, or brings up the control
// link over a serial/modem line when cfg.Modem is set (spec.md §6).
func dialControlLink(cfg ClientConfig, tm *transport.Metrics, log *logrus.Logger) (transport.Transport, error) {
	if cfg.Modem == nil {
		conn, err := net.Dial("tcp", net.JoinHostPort(cfg.ServerIP, cfg.ServerPort))
		if err != nil {
			return nil, fmt.Errorf("tunnel: dial server: %w", err)
		}
		return transport.NewTCP(conn.(*net.TCPConn), true, tm), nil
	}

	serialCfg := transport.SerialConfig{Device: cfg.Modem.Device, Baud: cfg.Modem.Baud}
	serial, err := transport.OpenSerial(serialCfg, true, tm)
	if err != nil {
		return nil, fmt.Errorf("tunnel: open serial port: %w", err)
	}
	if err := transport.RunModemInit(serial, cfg.Modem.Init, cfg.ServerIP, cfg.ServerPort, func(line string) {
		log.WithField("modem_echo", line).Debug("modem init echo")
	}); err != nil {
		return nil, fmt.Errorf("tunnel: modem init: %w", err)
	}
	return serial, nil
}
