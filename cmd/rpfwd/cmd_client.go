package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/subcommands"

	"github.com/rpfwd/rpfwd/tunnel"
)

// clientCmd implements `client <server_ip> <server_port> <dest_ip>
// <dest_port> <key> [<poll_delay_ms> [<modem_port> <modem_baud>
// <modem_init>]]` from spec.md §6.
type clientCmd struct {
	metricsListen string
	logLevel      string
}

func (*clientCmd) Name() string { return "client" }
func (*clientCmd) Synopsis() string {
	return "Dial a server's tunnel and bridge channels to a local destination."
}
func (*clientCmd) Usage() string {
	return "client [-metrics-listen addr] [-log-level level] <server_ip> <server_port> <dest_ip> <dest_port> <key> [<poll_delay_ms> [<modem_port> <modem_baud> <modem_init>]]\n"
}

func (c *clientCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.metricsListen, "metrics-listen", "", "address to serve Prometheus /metrics on (disabled if empty)")
	f.StringVar(&c.logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")
}

func (c *clientCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	switch f.NArg() {
	case 5, 6, 9:
	default:
		fmt.Println(c.Usage())
		return subcommands.ExitUsageError
	}

	log, err := newLogger(c.logLevel)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitUsageError
	}

	serverIP := f.Arg(0)
	serverPort := f.Arg(1)
	destIP := f.Arg(2)
	destPort := f.Arg(3)
	key := f.Arg(4)

	pollDelay := time.Millisecond
	if f.NArg() >= 6 {
		ms, err := strconv.Atoi(f.Arg(5))
		if err != nil {
			fmt.Printf("bad poll_delay_ms %q: %v\n", f.Arg(5), err)
			return subcommands.ExitUsageError
		}
		pollDelay = time.Duration(ms) * time.Millisecond
	}

	var modem *tunnel.ModemConfig
	if f.NArg() == 9 {
		baud, err := strconv.ParseUint(f.Arg(7), 10, 32)
		if err != nil {
			fmt.Printf("bad modem_baud %q: %v\n", f.Arg(7), err)
			return subcommands.ExitUsageError
		}
		modem = &tunnel.ModemConfig{
			Device: f.Arg(6),
			Baud:   uint32(baud),
			Init:   f.Arg(8),
		}
	}

	err = tunnel.RunClient(tunnel.ClientConfig{
		ServerIP:      serverIP,
		ServerPort:    serverPort,
		DestAddr:      net.JoinHostPort(destIP, destPort),
		Key:           key,
		PollDelay:     pollDelay,
		Modem:         modem,
		MetricsListen: c.metricsListen,
		Logger:        log,
	})
	if err != nil {
		log.WithError(err).Error("client exited")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
