// Package solt solves Short-Open-Load-Thru calibrations.
//
// A Solver turns a StandardSet (ideal plus measured networks of the four
// standards) into Coefficients: one forward and one reverse six-term error
// box per frequency point. Coefficients correct raw measurements with Apply
// and predict raw measurements with Measure.
package solt

import (
	"errors"
	"sort"

	pkgerrors "github.com/pkg/errors"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/network"
)

var (
	// ErrInsufficientStandards is returned when a required standard is
	// missing from the set.
	ErrInsufficientStandards = errors.New("insufficient calibration standards")

	// ErrSingularSystem is returned when the error model cannot be solved or
	// inverted at a frequency point, usually because of degenerate standards.
	ErrSingularSystem = errors.New("calibration system is singular")

	// ErrSingularMatrix is returned when a fixture transfer matrix cannot be
	// inverted.
	ErrSingularMatrix = errors.New("fixture transfer matrix is singular")
)

// Pair holds the ideal definition and the raw measurement of one standard.
type Pair struct {
	Ideal    *network.Network
	Measured *network.Network
}

// StandardSet maps standards to their ideal and measured networks.
type StandardSet map[calibration.Standard]Pair

// Missing returns the required standards that are absent or incomplete.
func (s StandardSet) Missing() []calibration.Standard {
	var missing []calibration.Standard
	for _, std := range calibration.Required {
		p, ok := s[std]
		if !ok || p.Ideal == nil || p.Measured == nil {
			missing = append(missing, std)
		}
	}
	return missing
}

// Clone returns a shallow copy of s. Networks are immutable and shared.
func (s StandardSet) Clone() StandardSet {
	out := make(StandardSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Standards returns the standards present in s in a stable order.
func (s StandardSet) Standards() []calibration.Standard {
	out := make([]calibration.Standard, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var idealMatrices = map[calibration.Standard]network.Matrix{
	calibration.StandardShort: {{-1, 0}, {0, -1}},
	calibration.StandardOpen:  {{1, 0}, {0, 1}},
	calibration.StandardLoad:  {{0, 0}, {0, 0}},
	calibration.StandardThru:  {{0, 1}, {1, 0}},
}

// IdealStandard returns the built-in ideal definition of std on freqs: a
// perfect short, open and load on both ports, and a zero-length thru.
func IdealStandard(std calibration.Standard, freqs []float64) (*network.Network, error) {
	m, ok := idealMatrices[std]
	if !ok {
		return nil, pkgerrors.Errorf("no ideal definition for %s", std)
	}
	return network.Constant(freqs, m)
}
