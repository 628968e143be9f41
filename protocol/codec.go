package protocol

import "encoding/binary"

// Field widths on the wire, in bytes.
const (
	IDSize     = 8  // u64 channel ID
	LenSize    = 4  // u32 payload length
	MicrosSize = 16 // u128 microsecond count (zero-extended from a uint64)
)

// EncodeUint64 renders a channel ID as eight big-endian bytes.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, IDSize)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// DecodeUint64 parses eight big-endian bytes into a channel ID.
func DecodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// EncodeUint32 renders a payload length as four big-endian bytes.
func EncodeUint32(v uint32) []byte {
	b := make([]byte, LenSize)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// DecodeUint32 parses four big-endian bytes into a payload length.
func DecodeUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// EncodeMicros renders a microsecond delay count as the wire's u128 field.
// Values never approach 2^64 in practice (the field exists to match the
// original wire shape), so the upper eight bytes are always zero.
func EncodeMicros(v uint64) []byte {
	b := make([]byte, MicrosSize)
	binary.BigEndian.PutUint64(b[8:], v)
	return b
}

// DecodeMicros parses a 16-byte u128 field, saturating to MaxUint64 if the
// peer ever sent a value that does not fit (it never should).
func DecodeMicros(b []byte) uint64 {
	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])
	if hi != 0 {
		return ^uint64(0)
	}
	return lo
}

// FrameNewClient builds a bodiless NewClient frame.
func FrameNewClient() []byte { return []byte{byte(NewClient)} }

// FrameKeepAlive builds a bodiless KeepAlive frame.
func FrameKeepAlive() []byte { return []byte{byte(KeepAlive)} }

// FrameCloseClient builds a CloseClient frame for the given channel.
func FrameCloseClient(id uint64) []byte {
	buf := make([]byte, 1, 1+IDSize)
	buf[0] = byte(CloseClient)
	return append(buf, EncodeUint64(id)...)
}

// FrameClientData builds a server->client data frame.
func FrameClientData(id uint64, payload []byte) []byte {
	return frameData(ClientData, id, payload)
}

// FrameServerData builds a client->server data frame.
func FrameServerData(id uint64, payload []byte) []byte {
	return frameData(ServerData, id, payload)
}

func frameData(kind Kind, id uint64, payload []byte) []byte {
	buf := make([]byte, 0, 1+IDSize+LenSize+len(payload))
	buf = append(buf, byte(kind))
	buf = append(buf, EncodeUint64(id)...)
	buf = append(buf, EncodeUint32(uint32(len(payload)))...)
	buf = append(buf, payload...)
	return buf
}

// FrameClientExceededBuffer builds the overuse-penalty notification.
func FrameClientExceededBuffer(id uint64, micros uint64) []byte {
	buf := make([]byte, 0, 1+IDSize+MicrosSize)
	buf = append(buf, byte(ClientExceededBuffer))
	buf = append(buf, EncodeUint64(id)...)
	buf = append(buf, EncodeMicros(micros)...)
	return buf
}

// FrameResync builds a Resync frame carrying the sender's view of the
// channel-ID counter (the server's next_id, or the client's mirror of
// it). Both directions carry this trailer — see DESIGN.md's "Resync
// payload symmetry" entry for why this implementation departs from the
// PacketCodec table's asymmetric note in favor of §4.4's explicit
// "read trailing u64 max-ID" on receipt, which only makes sense if every
// Resync carries one.
func FrameResync(counter uint64) []byte {
	buf := make([]byte, 1, 1+IDSize)
	buf[0] = byte(Resync)
	return append(buf, EncodeUint64(counter)...)
}

// FrameResyncEcho builds the responder's echo carrying its view of the
// max-ID-seen counter.
func FrameResyncEcho(maxID uint64) []byte {
	buf := make([]byte, 1, 1+IDSize)
	buf[0] = byte(ResyncEcho)
	return append(buf, EncodeUint64(maxID)...)
}
