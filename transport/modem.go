package transport

import (
	"strings"
	"time"
)

// interLineDelay is the pause between AT-command lines during modem
// bring-up, per spec.md §6.
const interLineDelay = 300 * time.Millisecond

// RunModemInit sends each line of init (delimited by '\n') to the serial
// port, substituting "$IP" and "$PORT" with the server address, pausing
// interLineDelay between lines and best-effort reading back whatever the
// modem echoes. Errors writing a line are fatal (the modem is the only
// way to reach the control link); errors reading the echo are ignored —
// the echo is purely informative for the operator.
func RunModemInit(s *Serial, init, ip, port string, onEcho func(line string)) error {
	if init == "" {
		return nil
	}
	_ = s.SetNonblocking(true)
	for _, line := range strings.Split(init, "\n") {
		line = strings.ReplaceAll(line, "$IP", ip)
		line = strings.ReplaceAll(line, "$PORT", port)
		if err := s.WriteATCommand(line); err != nil {
			return err
		}
		time.Sleep(interLineDelay)
		if onEcho != nil {
			buf := make([]byte, 256)
			if n, _ := s.Read(buf); n > 0 {
				onEcho(string(buf[:n]))
			}
		}
	}
	return nil
}
