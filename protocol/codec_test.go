package protocol

import (
	"bytes"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		NewClient:            "NewClient",
		ResyncEcho:           "ResyncEcho",
		Kind(200):            "Kind(200)",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestKindValid(t *testing.T) {
	if !ResyncEcho.Valid() {
		t.Error("ResyncEcho should be valid")
	}
	if Kind(8).Valid() {
		t.Error("Kind(8) should not be valid")
	}
}

func TestUint64RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 42, ^uint64(0)} {
		if got := DecodeUint64(EncodeUint64(v)); got != v {
			t.Errorf("round trip %d -> %d", v, got)
		}
	}
}

func TestMicrosRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1234, ^uint64(0)} {
		if got := DecodeMicros(EncodeMicros(v)); got != v {
			t.Errorf("round trip %d -> %d", v, got)
		}
	}
}

// TestFrameAtomicity checks that every frame builder produces a
// self-contained byte sequence: discriminator followed by exactly the
// bytes its fixed shape demands, with no partial trailing state. This is
// the wire-level half of the "frame atomicity" property in spec.md §8 —
// the loop-level half (that writes are queued atomically) has no
// dedicated test.
func TestFrameAtomicity(t *testing.T) {
	payload := []byte("hello")

	cases := []struct {
		name string
		buf  []byte
		want int
	}{
		{"NewClient", FrameNewClient(), 1},
		{"KeepAlive", FrameKeepAlive(), 1},
		{"CloseClient", FrameCloseClient(7), 1 + IDSize},
		{"ClientData", FrameClientData(7, payload), 1 + IDSize + LenSize + len(payload)},
		{"ServerData", FrameServerData(7, payload), 1 + IDSize + LenSize + len(payload)},
		{"ClientExceededBuffer", FrameClientExceededBuffer(7, 99), 1 + IDSize + MicrosSize},
		{"Resync", FrameResync(42), 1 + IDSize},
		{"ResyncEcho", FrameResyncEcho(42), 1 + IDSize},
	}
	for _, c := range cases {
		if len(c.buf) != c.want {
			t.Errorf("%s: len = %d, want %d", c.name, len(c.buf), c.want)
		}
	}

	got := FrameClientData(7, payload)
	if got[0] != byte(ClientData) {
		t.Fatalf("unexpected discriminator %d", got[0])
	}
	if id := DecodeUint64(got[1 : 1+IDSize]); id != 7 {
		t.Fatalf("id = %d, want 7", id)
	}
	n := DecodeUint32(got[1+IDSize : 1+IDSize+LenSize])
	if int(n) != len(payload) {
		t.Fatalf("len field = %d, want %d", n, len(payload))
	}
	if !bytes.Equal(got[1+IDSize+LenSize:], payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestMagicIsRPF30(t *testing.T) {
	want := [4]byte{'R', 'P', 'F', 0x1E}
	if Magic != want {
		t.Fatalf("Magic = %v, want %v", Magic, want)
	}
}
