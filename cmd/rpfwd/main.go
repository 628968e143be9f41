// Command rpfwd is the reverse multiplexed port-forwarder entry point:
// a `server` subcommand listening for tunneled connections, and a
// `client` subcommand dialing a destination on the client's own side.
// Grounded on vsrinivas-fuchsia/bin/traceutil/main.go's subcommand
// registration shape.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&serverCmd{}, "")
	subcommands.Register(&clientCmd{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}
