package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fzft/asyncsock/cmd"
	"github.com/spf13/cobra"
)

func main() {
	var opts cmd.Options

	command := &cobra.Command{
		Use:     "asock",
		Short:   "Talk to a stream endpoint through the asyncsock poll service",
		Version: Version,
		Args:    cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
			defer stop()
			return cmd.Run(ctx, opts)
		},
		SilenceUsage: true,
	}

	flags := command.Flags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "YAML configuration file")
	flags.StringVarP(&opts.Host, "host", "H", "", "host to connect to")
	flags.IntVarP(&opts.Port, "port", "p", 0, "port to connect to")
	flags.StringVarP(&opts.Transport, "transport", "t", "", "transport: unix or memory")
	flags.StringVarP(&opts.LogLevel, "log-level", "l", "", "log level")
	flags.BoolVarP(&opts.IPv6, "ipv6", "6", false, "open IPv6 descriptors")

	if err := command.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
