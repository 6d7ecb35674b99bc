package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cybroslabs/libdlms-server-go/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// registerServeFlags adds flags overriding configuration keys, "tcp-address" sets
// tcp.address.
func registerServeFlags(fs *pflag.FlagSet) {
	fs.String("interface", "wrapper", "framing of the TCP listener: wrapper or hdlc")
	fs.String("referencing", "ln", "object referencing: ln or sn")
	fs.String("objects", "", "object table file, a built in table is served when empty")
	fs.String("capture", "", "pcap file recording every exchanged frame")
	fs.String("tcp-address", ":4059", "TCP listen address, empty disables TCP")
	fs.String("serial-device", "", "serial device to serve, empty disables serial")
	fs.Int("serial-baud-rate", 9600, "serial baud rate")
	fs.String("security-authentication", "none", "required authentication: none, low or gmac")
	fs.String("log-level", "info", "log level")
	fs.Bool("log-development", false, "human readable development logging")
}

func newServeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the object table",
		Example: `  # WRAPPER on the default port with the built in table
  dlmsserver serve

  # HDLC over TCP with a custom table, recording a capture
  dlmsserver serve --interface hdlc --objects meter.yaml --capture session.pcap

  # serial line only
  dlmsserver serve --tcp-address "" --serial-device /dev/ttyUSB0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, c)
		},
	}
	registerServeFlags(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, c *config.Config) error {
	zl, err := newLogger(c.Log)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Sugar()

	a, err := newApp(c, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warnf("close failed: %v", err)
		}
	}()
	logger.Infof("serving %d objects", len(a.table.Objects()))
	return a.run(ctx)
}
