// Package network holds the two-port network representation shared by the
// error-term engine, the SOLT solver and the file/instrument collaborators.
//
// A Network is immutable once constructed. Every transformation (alignment,
// correction, de-embedding) returns a new Network.
package network

import (
	"errors"
	"math"
	"math/cmplx"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrInvalidNetwork is returned when frequencies and S-parameters violate
	// the network invariants.
	ErrInvalidNetwork = errors.New("invalid network data")

	// ErrRange is returned when a network must be resampled outside of the
	// frequency span it was measured on.
	ErrRange = errors.New("frequency out of range")
)

// Matrix is a two-port S-parameter matrix indexed [port_out][port_in].
type Matrix [2][2]complex128

func (m Matrix) S11() complex128 { return m[0][0] }
func (m Matrix) S12() complex128 { return m[0][1] }
func (m Matrix) S21() complex128 { return m[1][0] }
func (m Matrix) S22() complex128 { return m[1][1] }

// Swap exchanges port 1 and port 2.
func (m Matrix) Swap() Matrix {
	return Matrix{
		{m[1][1], m[1][0]},
		{m[0][1], m[0][0]},
	}
}

// Det returns S11*S22 - S12*S21.
func (m Matrix) Det() complex128 {
	return m[0][0]*m[1][1] - m[0][1]*m[1][0]
}

func (m Matrix) finite() bool {
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if cmplx.IsNaN(m[i][j]) || cmplx.IsInf(m[i][j]) {
				return false
			}
		}
	}
	return true
}

// Network is a measured or ideal two-port network: a strictly increasing
// frequency axis in Hz plus one S-parameter matrix per frequency point.
type Network struct {
	freqs []float64
	s     []Matrix
}

// New validates and copies the given data into a Network.
func New(freqs []float64, s []Matrix) (*Network, error) {
	if len(freqs) == 0 {
		return nil, pkgerrors.Wrap(ErrInvalidNetwork, "no frequency points")
	}
	if len(freqs) != len(s) {
		return nil, pkgerrors.Wrapf(ErrInvalidNetwork, "%d frequencies but %d matrices", len(freqs), len(s))
	}
	for i, f := range freqs {
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return nil, pkgerrors.Wrapf(ErrInvalidNetwork, "bad frequency %g at index %d", f, i)
		}
		if i > 0 && f <= freqs[i-1] {
			return nil, pkgerrors.Wrapf(ErrInvalidNetwork, "frequencies not strictly increasing at index %d (%g <= %g)", i, f, freqs[i-1])
		}
		if !s[i].finite() {
			return nil, pkgerrors.Wrapf(ErrInvalidNetwork, "non-finite S-parameter at %g Hz", f)
		}
	}

	n := &Network{
		freqs: make([]float64, len(freqs)),
		s:     make([]Matrix, len(s)),
	}
	copy(n.freqs, freqs)
	copy(n.s, s)
	return n, nil
}

// MustNew is like New but panics on invalid input. Intended for fixed
// definitions and tests.
func MustNew(freqs []float64, s []Matrix) *Network {
	n, err := New(freqs, s)
	if err != nil {
		panic(err)
	}
	return n
}

// Constant builds a network with the same matrix at every frequency.
func Constant(freqs []float64, m Matrix) (*Network, error) {
	s := make([]Matrix, len(freqs))
	for i := range s {
		s[i] = m
	}
	return New(freqs, s)
}

// Len returns the number of frequency points.
func (n *Network) Len() int { return len(n.freqs) }

// Frequencies returns a copy of the frequency axis.
func (n *Network) Frequencies() []float64 {
	out := make([]float64, len(n.freqs))
	copy(out, n.freqs)
	return out
}

// Frequency returns the i-th frequency in Hz.
func (n *Network) Frequency(i int) float64 { return n.freqs[i] }

// At returns the S-parameter matrix at the i-th frequency.
func (n *Network) At(i int) Matrix { return n.s[i] }

// Start returns the lowest frequency.
func (n *Network) Start() float64 { return n.freqs[0] }

// Stop returns the highest frequency.
func (n *Network) Stop() float64 { return n.freqs[len(n.freqs)-1] }

// Param returns the S[out][in] series, with ports numbered from 1.
func (n *Network) Param(out, in int) []complex128 {
	series := make([]complex128, len(n.s))
	for i, m := range n.s {
		series[i] = m[out-1][in-1]
	}
	return series
}

// Map applies fn to every point and returns the resulting network.
func (n *Network) Map(fn func(f float64, m Matrix) (Matrix, error)) (*Network, error) {
	s := make([]Matrix, len(n.s))
	for i, m := range n.s {
		out, err := fn(n.freqs[i], m)
		if err != nil {
			return nil, err
		}
		s[i] = out
	}
	return New(n.freqs, s)
}

// SameAxis reports whether both networks share the identical frequency axis.
func (n *Network) SameAxis(o *Network) bool {
	if len(n.freqs) != len(o.freqs) {
		return false
	}
	for i := range n.freqs {
		if n.freqs[i] != o.freqs[i] {
			return false
		}
	}
	return true
}

// Equal reports exact equality of axis and data.
func (n *Network) Equal(o *Network) bool {
	if !n.SameAxis(o) {
		return false
	}
	for i := range n.s {
		if n.s[i] != o.s[i] {
			return false
		}
	}
	return true
}

// Nearest returns the index of the sample closest to f.
func (n *Network) Nearest(f float64) int {
	best := 0
	for i := range n.freqs {
		if math.Abs(n.freqs[i]-f) < math.Abs(n.freqs[best]-f) {
			best = i
		}
	}
	return best
}
