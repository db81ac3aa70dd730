package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/events"
	"github.com/rflab/vnacal/pkg/network"
)

func NewCalibrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibrate",
		Aliases: []string{"calibration", "cal"},
		Short:   "Run and manage SOLT calibrations",
		Long:    "Start, monitor, and control calibration runs on the analyzer, and manage stored calibrations.",
		GroupID: gBasic,
	}

	cmd.AddCommand(
		newCalibrateStartCommand(),
		newCalibrateStatusCommand(),
		newCalibrateCancelCommand(),
		newCalibrateListCommand(),
		newCalibrateShowCommand(),
		newCalibrateLoadCommand(),
		newCalibrateDeleteCommand(),
		newCalibrateDUTCommand(),
		newCalibrateMeasurementsCommand(),
	)
	return cmd
}

func newCalibrateStartCommand() *cobra.Command {
	var (
		p         calibration.Params
		startUnit string
		stopUnit  string
		standards []string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a calibration run",
		Long: `Start a calibration run.

Selecting Short, Open, Load and Thru solves a new calibration. Selecting DUT
also sweeps the device under test and corrects it. DUT alone corrects a new
sweep with the active calibration.`,
		Example: `  vnacal calibrate start --start 1 --stop 3 --unit GHz
  vnacal calibrate start --start 1 --stop 3 --unit GHz --standards short,open,load,thru,dut --wait
  vnacal calibrate start --start 1 --stop 3 --unit GHz --standards dut --ports 1`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var err error
			if p.StartUnit, err = network.ParseUnit(startUnit); err != nil {
				return err
			}
			if p.StopUnit, err = network.ParseUnit(stopUnit); err != nil {
				return err
			}
			if p.Standards, err = parseStandards(standards); err != nil {
				return err
			}

			st, err := apiClient.StartCalibration(p)
			if err != nil {
				return fmt.Errorf("failed to start calibration: %w", err)
			}
			fmt.Printf("Calibration started: %s\n", p)
			if !wait {
				printCalibrationStatus(st)
				return nil
			}
			return waitForRun()
		},
	}

	f := cmd.Flags()
	f.Float64Var(&p.Start, "start", 0, "start frequency")
	f.Float64Var(&p.Stop, "stop", 0, "stop frequency")
	f.StringVar(&startUnit, "unit", "GHz", "frequency unit of --start (Hz, kHz, MHz, GHz)")
	f.StringVar(&stopUnit, "stop-unit", "", "frequency unit of --stop, defaults to --unit")
	f.StringSliceVar(&standards, "standards", []string{"Short", "Open", "Load", "Thru"}, "standards to measure")
	f.StringVar(&p.Ports, "ports", "2", "number of ports to calibrate")
	f.BoolVarP(&wait, "wait", "w", false, "wait for the run to finish")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("stop")

	cmd.PreRun = func(_ *cobra.Command, _ []string) {
		if stopUnit == "" {
			stopUnit = startUnit
		}
	}

	return cmd
}

// waitForRun follows the event stream until the run in flight is over.
func waitForRun() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := apiClient.SubscribeEvents(ctx)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return errors.New("event stream closed")
			}
			if ev.Name == events.CalibrationProgress {
				if p, err := events.DecodeAs[events.CalibrationProgressEvent](ev); err == nil {
					fmt.Printf("Measured %s (%d/%d)\n", bold(p.Standard), p.Completed, p.Total)
				}
			}
		case <-ticker.C:
		}

		// Status is the source of truth, events only speed things up.
		st, err := apiClient.GetCalibrationStatus()
		if err != nil {
			return err
		}
		if !st.Phase.Busy() {
			printCalibrationStatus(st)
			if st.LastError != "" {
				return errors.New(st.LastError)
			}
			return nil
		}
	}
}

func newCalibrateStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show current calibration status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := apiClient.GetCalibrationStatus()
			if err != nil {
				return fmt.Errorf("failed to fetch calibration status: %w", err)
			}
			if asJSON {
				b, _ := json.MarshalIndent(st, "", "  ")
				fmt.Println(string(b))
				return nil
			}
			printCalibrationStatus(st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status")
	return cmd
}

func newCalibrateCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the calibration run in flight",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			_, err := apiClient.CancelCalibration()
			if err != nil {
				return fmt.Errorf("failed to cancel calibration: %w", err)
			}
			fmt.Println("Calibration canceled. The analyzer has been released.")
			return nil
		},
	}
}

func newCalibrateListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored calibrations, newest first",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			list, err := apiClient.ListCalibrations(limit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No stored calibrations.")
				return nil
			}
			st, err := apiClient.GetCalibrationStatus()
			if err != nil {
				return err
			}
			for _, s := range list {
				printSummary(s, s.ID == st.CalibrationID)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of calibrations to list, 0 for all")
	return cmd
}

func newCalibrateShowCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a stored calibration",
		Long:  "Show a stored calibration. With --output, its coefficients are written as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rec, err := apiClient.GetCalibration(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("ID: %s\n", bold(rec.ID))
			fmt.Printf("Created: %s\n", rec.CreatedAt.Local().Format(time.DateTime))
			fmt.Printf("Span: %s - %s\n", formatHz(rec.Start), formatHz(rec.Stop))
			fmt.Printf("Points: %d\n", rec.Points)
			fmt.Printf("Parameters: %s\n", rec.Params)

			if output == "" {
				return nil
			}
			b, err := json.MarshalIndent(rec.Coefficients, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, b, 0644); err != nil {
				return err
			}
			fmt.Printf("Coefficients written to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the coefficients to this file")
	return cmd
}

func newCalibrateLoadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "load <id>",
		Short: "Make a stored calibration the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := apiClient.LoadCalibration(args[0]); err != nil {
				return fmt.Errorf("failed to load calibration: %w", err)
			}
			fmt.Printf("Calibration %s is now active.\n", color.GreenString(args[0]))
			return nil
		},
	}
}

func newCalibrateDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a stored calibration and its measurements",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			msg, err := apiClient.DeleteCalibration(args[0])
			if err != nil {
				return fmt.Errorf("failed to delete calibration: %w", err)
			}
			fmt.Println(msg)
			return nil
		},
	}
}

func newCalibrateDUTCommand() *cobra.Command {
	var (
		output string
		raw    bool
	)

	cmd := &cobra.Command{
		Use:   "dut",
		Short: "Fetch the DUT measured by the last run",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			n, err := apiClient.GetLastDUT(raw)
			if err != nil {
				return err
			}
			return writeNetwork(output, n)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "output Touchstone file")
	cmd.Flags().BoolVar(&raw, "raw", false, "fetch the uncorrected sweep")
	return cmd
}

func newCalibrateMeasurementsCommand() *cobra.Command {
	var (
		output string
		raw    bool
	)

	cmd := &cobra.Command{
		Use:   "measurements <calibration-id> [measurement-id]",
		Short: "List the measurements corrected with a calibration, or fetch one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 2 {
				n, err := apiClient.GetMeasurement(args[1], raw)
				if err != nil {
					return err
				}
				return writeNetwork(output, n)
			}

			list, err := apiClient.ListMeasurements(args[0])
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No measurements.")
				return nil
			}
			for _, m := range list {
				fmt.Printf("%s  %s\n", bold(m.ID), m.CreatedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "output Touchstone file")
	cmd.Flags().BoolVar(&raw, "raw", false, "fetch the uncorrected data")
	return cmd
}
