package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Show or change the daemon configuration",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := apiClient.GetConfig()
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(conf, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(b))
			return nil
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "instrument <tcp|prologix> <address>",
			Short: "Select the analyzer",
			Long: `Select the analyzer.

For tcp the address is host:port (SCPI raw socket, usually port 5025). For
prologix it is the serial port of the GPIB adapter.`,
			Example: `  vnacal config instrument tcp 192.168.1.20:5025
  vnacal config instrument prologix /dev/ttyUSB0`,
			Args: cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				ret, err := apiClient.SetInstrument(args[0], args[1])
				if err != nil {
					return fmt.Errorf("failed to set instrument: %w", err)
				}
				logrus.Infof("daemon responded: %s", ret)
				return nil
			},
		},
		&cobra.Command{
			Use:   "fixture [path.s2p]",
			Short: "Set the fixture de-embedded after correction, or clear it",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				p := ""
				if len(args) == 1 {
					abs, err := filepath.Abs(args[0])
					if err != nil {
						return err
					}
					p = abs
				}
				ret, err := apiClient.SetFixture(p)
				if err != nil {
					return fmt.Errorf("failed to set fixture: %w", err)
				}
				logrus.Infof("daemon responded: %s", ret)
				return nil
			},
		},
	)

	return cmd
}
