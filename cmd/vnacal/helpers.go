package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/network"
	"github.com/rflab/vnacal/pkg/store"
	"github.com/rflab/vnacal/pkg/touchstone"
)

func readNetwork(path string) (*network.Network, error) {
	n, err := touchstone.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network: %w", err)
	}
	return n, nil
}

// writeNetwork writes n to path, or to stdout when path is empty or "-".
func writeNetwork(path string, n *network.Network) error {
	if path == "" || path == "-" {
		return touchstone.Write(os.Stdout, n)
	}
	return touchstone.WriteFile(path, n)
}

// createOutput opens path for writing, or stdout when path is empty or "-".
func createOutput(path string) (*os.File, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func parseStandards(names []string) ([]calibration.Standard, error) {
	out := make([]calibration.Standard, 0, len(names))
	for _, name := range names {
		for _, part := range strings.Split(name, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			std, err := calibration.ParseStandard(part)
			if err != nil {
				return nil, err
			}
			out = append(out, std)
		}
	}
	return out, nil
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func phaseColor(p calibration.Phase) *color.Color {
	switch p {
	case calibration.PhaseReady:
		return color.New(color.Bold, color.FgGreen)
	case calibration.PhaseIdle:
		return color.New(color.Bold)
	default:
		return color.New(color.Bold, color.FgYellow)
	}
}

func printCalibrationStatus(st *calibration.Status) {
	fmt.Printf("Phase: %s\n", phaseColor(st.Phase).Sprint(st.Phase))
	if st.Phase.Busy() && st.Total > 0 {
		fmt.Printf("Progress: %s\n", bold("%d/%d", st.Completed, st.Total))
	}
	if st.Current != "" {
		fmt.Printf("Current Standard: %s\n", bold(string(st.Current)))
	}
	if st.Params != nil {
		fmt.Printf("Parameters: %s\n", st.Params)
	}
	if !st.StartedAt.IsZero() {
		fmt.Printf("Started: %s (%s ago)\n", st.StartedAt.Format(time.RFC3339), time.Since(st.StartedAt).Round(time.Second))
	}
	if st.HasCalibration {
		fmt.Printf("Calibration: %s\n", color.GreenString(st.CalibrationID))
	} else {
		fmt.Printf("Calibration: %s\n", color.YellowString("none"))
	}
	fmt.Printf("Can Cancel: %v\n", st.CanCancel)
	if st.Message != "" {
		fmt.Printf("Message: %s\n", st.Message)
	}
	if st.LastError != "" {
		fmt.Printf("Last Error: %s\n", color.RedString(st.LastError))
	}
}

func printSummary(s store.Summary, active bool) {
	marker := " "
	if active {
		marker = color.GreenString("*")
	}
	fmt.Printf("%s %s  %s  %s - %s  %d points\n",
		marker,
		bold(s.ID),
		s.CreatedAt.Local().Format(time.DateTime),
		formatHz(s.Start),
		formatHz(s.Stop),
		s.Points,
	)
}

func formatHz(f float64) string {
	switch {
	case f >= 1e9:
		return fmt.Sprintf("%g GHz", f/1e9)
	case f >= 1e6:
		return fmt.Sprintf("%g MHz", f/1e6)
	case f >= 1e3:
		return fmt.Sprintf("%g kHz", f/1e3)
	default:
		return fmt.Sprintf("%g Hz", f)
	}
}
