package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// CLI is the sessiond command line.
type CLI struct {
	Config  string `help:"Path to a config file. Default: search ./sessiond.yaml, the user config dir and /etc/sessiond." type:"path" short:"c"`
	Verbose bool   `help:"Enable debug logging." short:"v"`

	Serve ServeCmd `cmd:"" default:"withargs" help:"Run the session server."`
}

func main() {
	var c CLI
	ctx := kong.Parse(&c,
		kong.Name("sessiond"),
		kong.Description("sessiond: concurrent agent sessions with watcher sessions"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	)

	if err := ctx.Run(&c); err != nil {
		fmt.Fprintf(os.Stderr, "sessiond: %v\n", err)
		os.Exit(1)
	}
}
