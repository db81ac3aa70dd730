package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rflab/vnacal/pkg/errterm"
	"github.com/rflab/vnacal/pkg/network"
	"github.com/rflab/vnacal/pkg/report"
	"github.com/rflab/vnacal/pkg/solt"
)

// toHz converts v in unit to Hz.
func toHz(v float64, unit string) (float64, error) {
	u, err := network.ParseUnit(unit)
	if err != nil {
		return 0, err
	}
	return u.ToHz(v), nil
}

func NewErrorTermsCommand() *cobra.Command {
	var (
		second   string
		simple   bool
		plotPath string
		output   string
		maxFreq  float64
		unit     string
	)

	cmd := &cobra.Command{
		Use:   "errterms <measured.s2p> <reference.s2p>",
		Short: "Compute error terms of a measurement against a reference",
		Long: `Compute error terms of a measurement against a reference.

The measurement is resampled onto the reference axis. The dB magnitude of
every term is written as CSV. Terms whose reference value is zero cannot be
evaluated and are left empty.

With --compare, the measurement is also compared against a second reference
(for example an electronic calibration of the same device) and both sets
are plotted together. The CSV always holds the first comparison.`,
		Example: `  vnacal errterms raw.s2p mechanical.s2p -o terms.csv --plot terms.png
  vnacal errterms raw.s2p mechanical.s2p --compare ecal.s2p --plot compare.png --max-frequency 3`,
		GroupID: gOffline,
		Args:    cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			measured, err := readNetwork(args[0])
			if err != nil {
				return err
			}
			ref, err := readNetwork(args[1])
			if err != nil {
				return err
			}
			compute, terms := errterm.Compute, errterm.Terms
			if simple {
				compute, terms = errterm.ComputeSimple, errterm.SimpleTerms
			}

			res, err := compute(measured, ref)
			if res == nil {
				return err
			}
			warnIllDefined(err)
			results := []report.TermsResult{{Name: refName(args[1], second), Result: res}}

			if second != "" {
				ref2, err := readNetwork(second)
				if err != nil {
					return err
				}
				res2, err := compute(measured, ref2)
				if res2 == nil {
					return err
				}
				warnIllDefined(err)
				results = append(results, report.TermsResult{Name: refName(second, second), Result: res2})
			}

			f, closeOut, err := createOutput(output)
			if err != nil {
				return err
			}
			if err := report.WriteTermsCSV(f, res, terms); err != nil {
				_ = closeOut()
				return err
			}
			if err := closeOut(); err != nil {
				return err
			}

			if plotPath == "" {
				return nil
			}
			maxHz, err := toHz(maxFreq, unit)
			if err != nil {
				return err
			}
			out, closePlot, err := createOutput(plotPath)
			if err != nil {
				return err
			}
			err = report.PlotErrorTerms(out, report.ErrorTermSpec{
				Title:        "Error Terms",
				Terms:        terms,
				MaxFrequency: maxHz,
				Results:      results,
			})
			if cerr := closePlot(); err == nil {
				err = cerr
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&second, "compare", "", "second reference to compare against")
	f.BoolVar(&simple, "simple", false, "use the simplified six-term model")
	f.StringVarP(&output, "output", "o", "-", "CSV output file")
	f.StringVar(&plotPath, "plot", "", "also render the terms to this PNG file")
	f.Float64Var(&maxFreq, "max-frequency", 0, "cap the plotted frequency axis, 0 for no cap")
	f.StringVar(&unit, "unit", "GHz", "unit of --max-frequency")

	return cmd
}

// refName labels a result in comparison plots. Single results keep the full
// term descriptions.
func refName(path, second string) string {
	if second == "" {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func warnIllDefined(err error) {
	var ill *errterm.IllDefinedError
	if errors.As(err, &ill) {
		logrus.WithField("count", len(ill.Undefined)).Warn(ill.Error())
	}
}

func NewDeembedCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "deembed <dut.s2p> <fixture.s2p>",
		Short: "Remove a symmetric fixture from both sides of a DUT",
		Long: `Remove a symmetric fixture from both sides of a calibrated DUT response.

The fixture is resampled onto the DUT axis and must cover it.`,
		GroupID: gOffline,
		Args:    cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			dut, err := readNetwork(args[0])
			if err != nil {
				return err
			}
			fixture, err := readNetwork(args[1])
			if err != nil {
				return err
			}
			n, err := solt.Deembed(dut, fixture)
			if err != nil {
				return fmt.Errorf("failed to de-embed: %w", err)
			}
			return writeNetwork(output, n)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "output Touchstone file")
	return cmd
}

func NewTableCommand() *cobra.Command {
	var (
		start, stop, step float64
		unit              string
		output            string
	)

	cmd := &cobra.Command{
		Use:   "table <uncalibrated.s2p> <calibrated.s2p>",
		Short: "Tabulate uncalibrated and calibrated readings side by side",
		Long: `Tabulate uncalibrated and calibrated readings side by side as CSV.

Rows are taken at start, start+step, ... up to stop. Each network uses its
sample nearest to the row frequency.`,
		Example: `  vnacal table raw.s2p corrected.s2p --start 1 --stop 3 --step 0.5 -o table.csv`,
		GroupID: gOffline,
		Args:    cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			uncal, err := readNetwork(args[0])
			if err != nil {
				return err
			}
			cal, err := readNetwork(args[1])
			if err != nil {
				return err
			}
			u, err := network.ParseUnit(unit)
			if err != nil {
				return err
			}
			rows, err := report.Table(uncal, cal, u.ToHz(start), u.ToHz(stop), u.ToHz(step))
			if err != nil {
				return err
			}

			f, closeOut, err := createOutput(output)
			if err != nil {
				return err
			}
			err = report.WriteCSV(f, rows)
			if cerr := closeOut(); err == nil {
				err = cerr
			}
			return err
		},
	}

	f := cmd.Flags()
	f.Float64Var(&start, "start", 0, "first row frequency")
	f.Float64Var(&stop, "stop", 0, "last row frequency")
	f.Float64Var(&step, "step", 0, "row spacing")
	f.StringVar(&unit, "unit", "GHz", "unit of --start, --stop and --step")
	f.StringVarP(&output, "output", "o", "-", "CSV output file")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("stop")
	_ = cmd.MarkFlagRequired("step")

	return cmd
}

func NewPlotCommand() *cobra.Command {
	var (
		names      []string
		quantities []string
		domain     string
		maxFreq    float64
		unit       string
		title      string
		output     string
		width      int
		height     int
	)

	cmd := &cobra.Command{
		Use:   "plot <file.s2p>...",
		Short: "Plot S-parameters of one or more networks",
		Long: `Plot S-parameters of one or more networks to a PNG file.

Quantities are S11, S12, S21, S22, ReturnLoss and InsertionLoss. Domains are
magnitude (dB), phase (degrees) and group-delay (radians per Hz). Losses only
exist in the magnitude domain.`,
		Example: `  vnacal plot raw.s2p corrected.s2p --names Uncalibrated,Calibrated -q S21 -o s21.png
  vnacal plot corrected.s2p -q S21 --domain group-delay --max-frequency 3 -o gd.png`,
		GroupID: gOffline,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(names) > 0 && len(names) != len(args) {
				return fmt.Errorf("got %d names for %d files", len(names), len(args))
			}
			spec := report.PlotSpec{Title: title, Width: width, Height: height}

			var err error
			if spec.Domain, err = report.ParseDomain(domain); err != nil {
				return err
			}
			for _, q := range quantities {
				parsed, err := report.ParseQuantity(q)
				if err != nil {
					return err
				}
				spec.Quantities = append(spec.Quantities, parsed)
			}
			if spec.MaxFrequency, err = toHz(maxFreq, unit); err != nil {
				return err
			}

			for i, path := range args {
				n, err := readNetwork(path)
				if err != nil {
					return err
				}
				name := ""
				if len(names) > 0 {
					name = names[i]
				} else if len(args) > 1 {
					name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				}
				spec.Series = append(spec.Series, report.Series{Name: name, Network: n})
			}

			f, closeOut, err := createOutput(output)
			if err != nil {
				return err
			}
			err = report.Plot(f, spec)
			if cerr := closeOut(); err == nil {
				err = cerr
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&names, "names", nil, "legend name of each file")
	f.StringSliceVarP(&quantities, "quantity", "q", []string{"S11", "S21"}, "quantities to plot")
	f.StringVarP(&domain, "domain", "d", string(report.DomainMagnitude), "magnitude, phase or group-delay")
	f.Float64Var(&maxFreq, "max-frequency", 0, "cap the frequency axis, 0 for no cap")
	f.StringVar(&unit, "unit", "GHz", "unit of --max-frequency")
	f.StringVar(&title, "title", "", "plot title")
	f.StringVarP(&output, "output", "o", "plot.png", "PNG output file")
	f.IntVar(&width, "width", 0, "image width in pixels")
	f.IntVar(&height, "height", 0, "image height in pixels")

	return cmd
}
