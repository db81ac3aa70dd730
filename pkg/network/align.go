package network

import (
	"sort"

	pkgerrors "github.com/pkg/errors"
)

// Align resamples a onto the frequency axis of b. The returned pair shares
// b's axis exactly; b itself is returned unchanged.
func Align(a, b *Network) (*Network, *Network, error) {
	aligned, err := Interpolate(a, b.freqs)
	if err != nil {
		return nil, nil, err
	}
	return aligned, b, nil
}

// Interpolate resamples n onto target by linear interpolation of the real and
// imaginary part of every S-parameter. Target points outside n's span are
// refused with ErrRange. Points that coincide with a sample are copied as-is.
func Interpolate(n *Network, target []float64) (*Network, error) {
	if len(target) == 0 {
		return nil, pkgerrors.Wrap(ErrInvalidNetwork, "empty target frequency axis")
	}
	for i := 1; i < len(target); i++ {
		if !(target[i] > target[i-1]) {
			return nil, pkgerrors.Wrapf(ErrInvalidNetwork, "target frequencies not strictly increasing at index %d", i)
		}
	}
	if n.SameAxisAs(target) {
		return n, nil
	}

	lo, hi := target[0], target[len(target)-1]
	if lo < n.Start() || hi > n.Stop() {
		return nil, pkgerrors.Wrapf(ErrRange, "target span %g-%g Hz exceeds measured span %g-%g Hz", lo, hi, n.Start(), n.Stop())
	}

	s := make([]Matrix, len(target))
	for k, f := range target {
		i := sort.SearchFloat64s(n.freqs, f)
		if i < len(n.freqs) && n.freqs[i] == f {
			s[k] = n.s[i]
			continue
		}
		// n.freqs[i-1] < f < n.freqs[i]
		f0, f1 := n.freqs[i-1], n.freqs[i]
		t := (f - f0) / (f1 - f0)
		s[k] = lerp(n.s[i-1], n.s[i], t)
	}

	return New(target, s)
}

// SameAxisAs reports whether n is sampled exactly on freqs.
func (n *Network) SameAxisAs(freqs []float64) bool {
	if len(n.freqs) != len(freqs) {
		return false
	}
	for i := range freqs {
		if n.freqs[i] != freqs[i] {
			return false
		}
	}
	return true
}

func lerp(a, b Matrix, t float64) Matrix {
	var m Matrix
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			re := real(a[i][j]) + (real(b[i][j])-real(a[i][j]))*t
			im := imag(a[i][j]) + (imag(b[i][j])-imag(a[i][j]))*t
			m[i][j] = complex(re, im)
		}
	}
	return m
}
