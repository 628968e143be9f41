package transport

import (
	"net"
	"testing"
	"time"
)

func dialLoopback(t *testing.T) (*TCP, *TCP) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan *net.TCPConn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c.(*net.TCPConn)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case server := <-acceptCh:
		return NewTCP(client.(*net.TCPConn), false, nil), NewTCP(server, false, nil)
	case err := <-errCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
	}
	return nil, nil
}

func TestTCPReadWriteRoundTrip(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestTCPNonblockingReadWithNoDataReturnsWouldBlock(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	if err := server.SetNonblocking(true); err != nil {
		t.Fatalf("set nonblocking: %v", err)
	}
	buf := make([]byte, 16)
	_, err := server.Read(buf)
	if err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

func TestToUnits(t *testing.T) {
	cases := map[uint64]string{
		500:         "500",
		50_000:      "50.000K",
		5_000_000:   "5.000M",
	}
	for n, want := range cases {
		if got := toUnits(n); got != want {
			t.Errorf("toUnits(%d) = %q, want %q", n, got, want)
		}
	}
}
