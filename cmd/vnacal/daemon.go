package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rflab/vnacal/pkg/daemon"
	"github.com/rflab/vnacal/pkg/instrument"
	"github.com/rflab/vnacal/pkg/version"
)

var (
	// alwaysAllowNonRootAccess indicates whether to always allow non-root users to access the vnacal daemon.
	alwaysAllowNonRootAccess = false
)

// NewDaemonCommand .
func NewDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "daemon",
		Short:   "Run vnacal daemon in the foreground",
		GroupID: gAdvanced,
		RunE: func(_ *cobra.Command, _ []string) error {
			logrus.WithFields(logrus.Fields{
				"version": version.Version,
				"commit":  version.GitCommit,
			}).Info("vnacal daemon starting")
			return daemon.Run(configPath, unixSocketPath, alwaysAllowNonRootAccess)
		},
	}

	f := cmd.Flags()

	f.BoolVar(&alwaysAllowNonRootAccess, "always-allow-non-root-access", false,
		"Always allow non-root users to access the daemon.")

	return cmd
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

// NewSimulateCommand serves a simulated analyzer, handy for trying the
// daemon without hardware.
func NewSimulateCommand() *cobra.Command {
	var (
		addr    string
		dutPath string
	)

	cmd := &cobra.Command{
		Use:     "simulate",
		Short:   "Serve a simulated analyzer over SCPI/TCP",
		GroupID: gAdvanced,
		Long: `Serve a simulated analyzer over SCPI/TCP.

The simulator understands the commands used by the calibration sequence and
returns ideal standards. With --dut, DUT sweeps return the given network.`,
		Example: `  vnacal simulate --listen 127.0.0.1:5025 --dut amplifier.s2p`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sim := instrument.NewSimulator()
			if dutPath != "" {
				dut, err := readNetwork(dutPath)
				if err != nil {
					return err
				}
				sim.DUT = dut
			}

			l, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logrus.WithField("address", l.Addr().String()).Info("simulated analyzer listening")
			return sim.Serve(ctx, l)
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "listen", "127.0.0.1:5025", "address to listen on")
	f.StringVar(&dutPath, "dut", "", "Touchstone file returned for DUT sweeps")

	return cmd
}
