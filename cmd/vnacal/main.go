package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rflab/vnacal/pkg/client"
	"github.com/rflab/vnacal/pkg/version"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/vnacal.sock"
	configPath     = "/etc/vnacal.json"
)

var apiClient *client.Client

var (
	gBasic        = "Basic:"
	gAdvanced     = "Advanced:"
	gOffline      = "Offline Analysis:"
	commandGroups = []string{
		gBasic,
		gAdvanced,
		gOffline,
	}
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

func handleCmdError(err error) {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "\nError: vnacal daemon is not running")
		fmt.Fprintln(os.Stderr, "Start it with 'vnacal daemon', or point --daemon-socket at a running daemon.")
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or restart the daemon with '--always-allow-non-root-access' to grant permissions to your user")
	} else if errors.Is(err, client.ErrConflict) {
		fmt.Fprintln(os.Stderr, "\nThe analyzer is busy or not calibrated. Check 'vnacal calibrate status'.")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vnacal",
		Short: "vnacal calibrates two-port vector network analyzers",
		Long: `vnacal calibrates two-port vector network analyzers with the
short-open-load-thru (SOLT) method.

A daemon owns the analyzer and runs calibration sequences. The other commands
talk to it over a unix socket, or work on Touchstone files offline.`,
		SilenceUsage: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			err := setupLogger()
			if err != nil {
				return err
			}

			apiClient = client.NewClient(unixSocketPath)
			if !usesDaemon(c) {
				return nil
			}

			if daemonVersion, err := apiClient.GetVersion(); err == nil {
				if daemonVersion != version.Version {
					logrus.WithFields(logrus.Fields{
						"clientVersion": version.Version,
						"daemonVersion": daemonVersion,
					}).Warn("Version mismatch between client and daemon. vnacal may not work as expected.")
				}
			}

			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "vnacal daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewCalibrateCommand(),
		NewApplyCommand(),
		NewScheduleCommand(),
		NewConfigCommand(),
		NewEventsCommand(),
		NewSimulateCommand(),
		NewErrorTermsCommand(),
		NewDeembedCommand(),
		NewTableCommand(),
		NewPlotCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}

// usesDaemon reports whether c is one of the commands talking to the daemon.
func usesDaemon(c *cobra.Command) bool {
	for ; c != nil; c = c.Parent() {
		if c.GroupID == gBasic {
			return true
		}
	}
	return false
}
