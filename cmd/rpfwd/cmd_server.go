package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/rpfwd/rpfwd/tunnel"
)

// serverCmd implements `server <port> <key> [<poll_delay_ms>]` from
// spec.md §6, plus the ambient -metrics-listen/-log-level flags added in
// SPEC_FULL §6.
type serverCmd struct {
	metricsListen string
	logLevel      string
}

func (*serverCmd) Name() string     { return "server" }
func (*serverCmd) Synopsis() string { return "Listen for tunneled connections from a client." }
func (*serverCmd) Usage() string {
	return "server [-metrics-listen addr] [-log-level level] <port> <key> [<poll_delay_ms>]\n"
}

func (c *serverCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.metricsListen, "metrics-listen", "", "address to serve Prometheus /metrics on (disabled if empty)")
	f.StringVar(&c.logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")
}

func (c *serverCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 && f.NArg() != 3 {
		fmt.Println(c.Usage())
		return subcommands.ExitUsageError
	}

	log, err := newLogger(c.logLevel)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitUsageError
	}

	port, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		fmt.Printf("bad port %q: %v\n", f.Arg(0), err)
		return subcommands.ExitUsageError
	}
	key := f.Arg(1)

	pollDelay := time.Millisecond
	if f.NArg() == 3 {
		ms, err := strconv.Atoi(f.Arg(2))
		if err != nil {
			fmt.Printf("bad poll_delay_ms %q: %v\n", f.Arg(2), err)
			return subcommands.ExitUsageError
		}
		pollDelay = time.Duration(ms) * time.Millisecond
	}

	err = tunnel.RunServer(tunnel.ServerConfig{
		ListenAddr:    fmt.Sprintf("0.0.0.0:%d", port),
		Key:           key,
		PollDelay:     pollDelay,
		MetricsListen: c.metricsListen,
		Logger:        log,
	})
	if err != nil {
		log.WithError(err).Error("server exited")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func newLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad -log-level %q: %w", level, err)
	}
	log := logrus.New()
	log.SetLevel(lvl)
	return log, nil
}
