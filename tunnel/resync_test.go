package tunnel

import (
	"net"
	"testing"
	"time"

	"github.com/rpfwd/rpfwd/socketadapter"
	"github.com/rpfwd/rpfwd/transport"
)

func loopbackAdapters(t *testing.T) (*socketadapter.Adapter, *socketadapter.Adapter) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan *net.TCPConn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		acceptCh <- c.(*net.TCPConn)
	}()
	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	serverConn := <-acceptCh

	a := socketadapter.New(0, transport.NewTCP(clientConn.(*net.TCPConn), false, nil))
	b := socketadapter.New(0, transport.NewTCP(serverConn, false, nil))
	return a, b
}

// TestResyncIdempotence runs one initiator/responder exchange of the
// §4.6 state machine concurrently: both legs must finish without error
// within 25s (the initiator's two 5s sleeps dominate), and the initiator
// must read the responder's counter back from ResyncEcho. Two
// back-to-back resyncs are not exercised here.
func TestResyncIdempotence(t *testing.T) {
	if testing.Short() {
		t.Skip("resync windows take ~10s; skipped under -short")
	}

	initiatorSide, responderSide := loopbackAdapters(t)
	defer initiatorSide.Transport().Close()
	defer responderSide.Transport().Close()

	const initiatorCounter = uint64(10)
	const responderCounter = uint64(7)

	done := make(chan error, 2)
	var peerCounter uint64
	go func() {
		pc, err := InitiateResync(initiatorSide, initiatorCounter, nil)
		peerCounter = pc
		done <- err
	}()
	go func() {
		done <- RespondResync(responderSide, responderCounter, nil)
	}()

	deadline := time.After(25 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("resync leg failed: %v", err)
			}
		case <-deadline:
			t.Fatal("resync did not converge within 25s")
		}
	}

	if peerCounter != responderCounter {
		t.Fatalf("initiator observed peer counter %d, want %d", peerCounter, responderCounter)
	}
}
