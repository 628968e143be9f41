package socketadapter

import (
	"net"
	"testing"
	"time"

	"github.com/rpfwd/rpfwd/transport"
)

func loopbackPair(t *testing.T) (*Adapter, *Adapter) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type result struct {
		conn *net.TCPConn
		err  error
	}
	acceptCh := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			acceptCh <- result{nil, err}
			return
		}
		acceptCh <- result{c.(*net.TCPConn), nil}
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	r := <-acceptCh
	if r.err != nil {
		t.Fatalf("accept: %v", r.err)
	}

	client := New(1, transport.NewTCP(clientConn.(*net.TCPConn), false, nil))
	server := New(2, transport.NewTCP(r.conn, false, nil))
	return client, server
}

func TestWriteLaterThenUpdateDeliversBytes(t *testing.T) {
	client, server := loopbackPair(t)

	if err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 5)
	var got int
	for time.Now().Before(deadline) {
		n, ok, err := server.Poll(buf[got:])
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if ok {
			got += n
			if got == len(buf) {
				break
			}
		}
		time.Sleep(time.Millisecond)
	}
	if string(buf[:got]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:got], "hello")
	}
}

func TestBufferCompactionUnderRepeatedWrites(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Transport().Close()
	defer server.Transport().Close()

	const chunk = 4000
	const rounds = 40 // 160000 bytes total, more than twice the 65536 capacity
	payload := make([]byte, chunk)
	for i := range payload {
		payload[i] = byte(i)
	}

	total := 0
	for i := 0; i < rounds; i++ {
		if err := client.WriteLater(payload); err != nil {
			t.Fatalf("round %d: write later: %v", i, err)
		}
		total += chunk
		// Flush and drain the peer until this round's chunk is fully
		// sent, so each round starts from an empty pending region and
		// the buffer offsets must reset correctly across more than
		// capacity's worth of data. Compaction and the synchronous
		// drain are only reached if a round times out with data pending.
		drainBuf := make([]byte, chunk)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if err := client.Update(); err != nil {
				t.Fatalf("update: %v", err)
			}
			_, _, _ = server.Poll(drainBuf)
			if client.toWrite == 0 {
				break
			}
		}
	}
	if client.Broken() != nil {
		t.Fatalf("adapter broke: %v", client.Broken())
	}
	_ = total
}

func TestPunishClampsIgnoreUntilToNow(t *testing.T) {
	a := New(1, nil)
	past := time.Now().Add(-time.Hour)
	a.ignoreUntil = past

	a.Punish(10 * time.Millisecond)

	if a.ignoreUntil.Before(time.Now()) {
		t.Fatalf("ignoreUntil should be clamped forward from now, got %v which is in the past", a.ignoreUntil)
	}
	if a.ignoreUntil.Sub(time.Now()) > 20*time.Millisecond {
		t.Fatalf("ignoreUntil too far in the future: %v", a.ignoreUntil)
	}
}

func TestPunishCompoundsWithinActiveWindow(t *testing.T) {
	a := New(1, nil)
	a.Punish(50 * time.Millisecond)
	first := a.ignoreUntil
	a.Punish(50 * time.Millisecond)
	if !a.ignoreUntil.After(first) {
		t.Fatalf("second punish should extend the window: first=%v second=%v", first, a.ignoreUntil)
	}
}

func TestIgnoringSuppressesIO(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Transport().Close()
	defer server.Transport().Close()

	server.Punish(200 * time.Millisecond)
	buf := make([]byte, 16)
	n, ok, err := server.Poll(buf)
	if err != nil || ok || n != 0 {
		t.Fatalf("expected suppressed poll, got n=%d ok=%v err=%v", n, ok, err)
	}
}

func TestClearDelayResetsToZero(t *testing.T) {
	a := New(1, nil)
	a.accumulatedDelay = 5 * time.Millisecond
	d := a.ClearDelay()
	if d != 5*time.Millisecond {
		t.Fatalf("clear delay = %v", d)
	}
	if a.accumulatedDelay != 0 {
		t.Fatalf("accumulated delay not reset")
	}
}

func TestWriteLaterRejectsOversizedPayload(t *testing.T) {
	a := New(1, nil)
	err := a.WriteLater(make([]byte, Capacity+1))
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}
