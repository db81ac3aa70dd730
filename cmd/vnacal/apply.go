package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewApplyCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "apply <dut.s2p>",
		Short: "Correct a DUT measurement with the active calibration",
		Long: `Correct a raw DUT measurement with the active calibration.

The measurement is resampled onto the calibration axis, which it must cover.
When a fixture is configured, it is de-embedded from the result.`,
		Example: `  vnacal apply raw.s2p -o corrected.s2p`,
		GroupID: gBasic,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dut, err := readNetwork(args[0])
			if err != nil {
				return err
			}
			corrected, id, err := apiClient.Apply(dut)
			if err != nil {
				return fmt.Errorf("failed to apply calibration: %w", err)
			}
			if id != "" {
				logrus.WithField("measurement", id).Info("measurement recorded")
			}
			return writeNetwork(output, corrected)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "output Touchstone file")
	return cmd
}
