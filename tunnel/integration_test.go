package tunnel

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// startEcho starts a TCP echo listener (the client's destination in the
// end-to-end scenarios of spec.md §8) and returns its address.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

// freeTCPAddr reserves a free port by binding and immediately releasing
// it, the standard (slightly racy but conventional) way to hand an
// ephemeral port to a component that insists on binding it itself.
func freeTCPAddr(t *testing.T) (ip, port string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	return addr.IP.String(), strconv.Itoa(addr.Port)
}

func waitForDial(t *testing.T, addr string, timeout time.Duration) net.Conn {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("could not dial %s within %v", addr, timeout)
	return nil
}

// TestEchoChannelEndToEnd implements spec.md §8 scenario 1: a connection
// to the server's public port is bridged through the tunnel to a
// loopback echo destination on the client side.
func TestEchoChannelEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("spins up real server/client control loops")
	}

	echoAddr := startEcho(t)
	serverIP, serverPort := freeTCPAddr(t)
	serverAddr := net.JoinHostPort(serverIP, serverPort)

	go RunServer(ServerConfig{
		ListenAddr: serverAddr,
		Key:        "k",
		PollDelay:  time.Millisecond,
		Logger:     quietLogger(),
	})

	// Give the server time to bind before the client's first dial
	// attempt.
	time.Sleep(200 * time.Millisecond)

	go RunClient(ClientConfig{
		ServerIP:   serverIP,
		ServerPort: serverPort,
		DestAddr:   echoAddr,
		Key:        "k",
		PollDelay:  time.Millisecond,
		Logger:     quietLogger(),
	})

	// Give the client time to complete the handshake before the
	// "public" connection below becomes the first channel.
	time.Sleep(300 * time.Millisecond)

	public := waitForDial(t, serverAddr, 5*time.Second)
	defer public.Close()

	if _, err := public.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = public.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(public, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want %q", buf, "hello")
	}
}

// TestAuthenticationFailure implements spec.md §8 scenario 3: a client
// with the wrong key gets no channels and an error back from RunClient
// instead of the loop ever starting.
func TestAuthenticationFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("spins up a real server control loop")
	}

	echoAddr := startEcho(t)
	serverIP, serverPort := freeTCPAddr(t)
	serverAddr := net.JoinHostPort(serverIP, serverPort)

	go RunServer(ServerConfig{
		ListenAddr: serverAddr,
		Key:        "correct-key",
		PollDelay:  time.Millisecond,
		Logger:     quietLogger(),
	})
	time.Sleep(200 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		errCh <- RunClient(ClientConfig{
			ServerIP:   serverIP,
			ServerPort: serverPort,
			DestAddr:   echoAddr,
			Key:        "wrong-key",
			PollDelay:  time.Millisecond,
			Logger:     quietLogger(),
		})
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected RunClient to fail with the wrong key")
		}
	case <-time.After(20 * time.Second):
		t.Fatal("RunClient did not fail within 20s on a bad key")
	}
}
