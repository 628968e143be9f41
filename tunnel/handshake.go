package tunnel

import (
	"fmt"
	"io"

	"github.com/rpfwd/rpfwd/protocol"
	"github.com/rpfwd/rpfwd/transport"
)

// ErrAuthFailed is returned by ClientHandshake when the server's reply
// does not carry the expected magic (meaning it decided to silently close
// instead — spec.md §4.1 "mismatch closes the connection silently").
var ErrAuthFailed = fmt.Errorf("tunnel: server rejected key (handshake closed)")

func readFull(t transport.Transport, buf []byte) error {
	_, err := io.ReadFull(structReader{t}, buf)
	return err
}

// structReader adapts a transport.Transport (which is always used in
// blocking mode during the handshake) to io.Reader for io.ReadFull.
type structReader struct{ t transport.Transport }

func (r structReader) Read(b []byte) (int, error) { return r.t.Read(b) }

func writeFull(t transport.Transport, buf []byte) error {
	for len(buf) > 0 {
		n, err := t.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// ClientHandshake performs the client side of spec.md §4.1/§6: send magic,
// send the u32-be key length and key, then read back the server's magic.
// t is switched to blocking mode first. Returns ErrAuthFailed if the server
// closed instead of replying (wrong key).
func ClientHandshake(t transport.Transport, key string) error {
	if err := t.SetNonblocking(false); err != nil {
		return err
	}
	if err := writeFull(t, protocol.Magic[:]); err != nil {
		return err
	}
	if err := writeFull(t, protocol.EncodeUint32(uint32(len(key)))); err != nil {
		return err
	}
	if err := writeFull(t, []byte(key)); err != nil {
		return err
	}

	reply := make([]byte, 4)
	if err := readFull(t, reply); err != nil {
		return ErrAuthFailed
	}
	if [4]byte(reply) != protocol.Magic {
		return ErrAuthFailed
	}
	return nil
}

// ServerHandshake performs the server side for one freshly accepted
// connection: read the peer's magic, read and compare the key, and on
// success write the server's own magic back. A false return (with nil
// error) means the caller should silently close the connection and go
// back to accepting, per spec.md §4.1. A non-nil error means the
// connection itself is unusable (I/O failure, not an auth mismatch).
func ServerHandshake(t transport.Transport, key string) (ok bool, err error) {
	if err := t.SetNonblocking(false); err != nil {
		return false, err
	}

	gotMagic := make([]byte, 4)
	if err := readFull(t, gotMagic); err != nil {
		return false, nil
	}
	if [4]byte(gotMagic) != protocol.Magic {
		return false, nil
	}

	lenBuf := make([]byte, protocol.LenSize)
	if err := readFull(t, lenBuf); err != nil {
		return false, nil
	}
	n := protocol.DecodeUint32(lenBuf)
	if n > protocol.MaxPayload {
		return false, nil
	}
	gotKey := make([]byte, n)
	if err := readFull(t, gotKey); err != nil {
		return false, nil
	}
	if string(gotKey) != key {
		return false, nil
	}

	if err := writeFull(t, protocol.Magic[:]); err != nil {
		return false, err
	}
	return true, nil
}
