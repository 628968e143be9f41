// Package protocol implements the framed multiplex wire format shared by
// the rpfwd server and client: a single discriminator byte followed by a
// fixed payload shape, all multi-byte integers big-endian.
package protocol

import "fmt"

// Kind identifies a message on the control link. Values are assigned by
// declaration order and are part of the wire format — do not reorder.
type Kind byte

const (
	NewClient Kind = iota
	CloseClient
	KeepAlive
	ClientData
	ServerData
	ClientExceededBuffer
	Resync
	ResyncEcho
)

func (k Kind) String() string {
	switch k {
	case NewClient:
		return "NewClient"
	case CloseClient:
		return "CloseClient"
	case KeepAlive:
		return "KeepAlive"
	case ClientData:
		return "ClientData"
	case ServerData:
		return "ServerData"
	case ClientExceededBuffer:
		return "ClientExceededBuffer"
	case Resync:
		return "Resync"
	case ResyncEcho:
		return "ResyncEcho"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// Valid reports whether k is a known discriminator value.
func (k Kind) Valid() bool {
	return k <= ResyncEcho
}

// Magic is the four-byte handshake literal exchanged by both peers before
// the key check: 'R' 'P' 'F' 0x1E.
var Magic = [4]byte{'R', 'P', 'F', 0x1E}

// MaxPayload bounds a single ClientData/ServerData frame. It matches the
// scratch buffer the control loops read channel payloads into.
const MaxPayload = 1024

// DecodeError reports an unparseable byte on the control link — the
// trigger for the resync state machine.
type DecodeError struct {
	Byte   byte
	Offset uint64
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: unknown discriminator 0x%02x at offset %d", e.Byte, e.Offset)
}

// DirectionError reports a data packet received going the wrong way down
// the link (a ClientData frame arriving at the server, or a ServerData
// frame arriving at the client). Per spec, this is not fatal: it triggers
// resync and the misdirected bytes are dropped.
type DirectionError struct {
	Got Kind
}

func (e *DirectionError) Error() string {
	return fmt.Sprintf("protocol: direction-wrong data packet %s", e.Got)
}
