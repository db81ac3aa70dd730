package solt

import (
	"encoding/json"
	"math/cmplx"

	pkgerrors "github.com/pkg/errors"

	"github.com/rflab/vnacal/pkg/network"
)

// Terms is the six-term error box of one direction.
//
// Ed is directivity, Es source match, Er reflection tracking, El load
// match, Et transmission tracking and Ex crosstalk.
type Terms struct {
	Ed, Es, Er, El, Et, Ex complex128
}

// ErrorBox holds both directions at one frequency point.
type ErrorBox struct {
	Forward Terms `json:"forward"`
	Reverse Terms `json:"reverse"`
}

// Coefficients are the solved error boxes over a frequency axis.
type Coefficients struct {
	Frequencies []float64  `json:"frequencies"`
	Boxes       []ErrorBox `json:"boxes"`
}

// Len returns the number of frequency points.
func (c *Coefficients) Len() int { return len(c.Frequencies) }

// Apply corrects a raw DUT measurement. dut is resampled onto the
// coefficient axis first and must cover it.
func (c *Coefficients) Apply(dut *network.Network) (*network.Network, error) {
	raw, err := network.Interpolate(dut, c.Frequencies)
	if err != nil {
		return nil, err
	}
	s := make([]network.Matrix, c.Len())
	for i := range s {
		s[i], err = correct(c.Boxes[i], raw.At(i))
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "at %g Hz", c.Frequencies[i])
		}
	}
	return network.New(c.Frequencies, s)
}

// Measure predicts what the uncorrected instrument reads for a device with
// the given actual S-parameters. It is the inverse of Apply.
func (c *Coefficients) Measure(actual *network.Network) (*network.Network, error) {
	a, err := network.Interpolate(actual, c.Frequencies)
	if err != nil {
		return nil, err
	}
	s := make([]network.Matrix, c.Len())
	for i := range s {
		s[i], err = distort(c.Boxes[i], a.At(i))
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "at %g Hz", c.Frequencies[i])
		}
	}
	return network.New(c.Frequencies, s)
}

func correct(box ErrorBox, m network.Matrix) (network.Matrix, error) {
	f, r := box.Forward, box.Reverse
	if cmplx.Abs(f.Er) < tiny || cmplx.Abs(f.Et) < tiny || cmplx.Abs(r.Er) < tiny || cmplx.Abs(r.Et) < tiny {
		return network.Matrix{}, pkgerrors.Wrap(ErrSingularSystem, "zero tracking term")
	}
	n11 := (m.S11() - f.Ed) / f.Er
	n21 := (m.S21() - f.Ex) / f.Et
	n12 := (m.S12() - r.Ex) / r.Et
	n22 := (m.S22() - r.Ed) / r.Er

	d := (1+n11*f.Es)*(1+n22*r.Es) - n21*n12*f.El*r.El
	if cmplx.Abs(d) < tiny {
		return network.Matrix{}, pkgerrors.Wrap(ErrSingularSystem, "correction denominator vanished")
	}
	s11 := (n11*(1+n22*r.Es) - f.El*n21*n12) / d
	s21 := n21 * (1 + n22*(r.Es-f.El)) / d
	s22 := (n22*(1+n11*f.Es) - r.El*n21*n12) / d
	s12 := n12 * (1 + n11*(f.Es-r.El)) / d
	return network.Matrix{{s11, s12}, {s21, s22}}, nil
}

func distort(box ErrorBox, a network.Matrix) (network.Matrix, error) {
	m11, m21, err := forwardModel(box.Forward, a)
	if err != nil {
		return network.Matrix{}, err
	}
	m22, m12, err := forwardModel(box.Reverse, a.Swap())
	if err != nil {
		return network.Matrix{}, err
	}
	return network.Matrix{{m11, m12}, {m21, m22}}, nil
}

// forwardModel returns the measured reflection and transmission of a when
// driven from port 1 through t.
func forwardModel(t Terms, a network.Matrix) (refl, trans complex128, err error) {
	det := a.Det()
	d := 1 - t.Es*a.S11() - t.El*a.S22() + t.Es*t.El*det
	if cmplx.Abs(d) < tiny {
		return 0, 0, pkgerrors.Wrap(ErrSingularSystem, "model denominator vanished")
	}
	refl = t.Ed + t.Er*(a.S11()-t.El*det)/d
	trans = t.Ex + t.Et*a.S21()/d
	return refl, trans, nil
}

// Deembed strips a fixture from both sides of a calibrated DUT response:
//
//	T_actual = inv(T_fixture) * T_dut * inv(T_fixture)
//
// The fixture is resampled onto the DUT axis. The same fixture matrix is
// used on both sides, which assumes a symmetric fixture.
func Deembed(dut, fixture *network.Network) (*network.Network, error) {
	fx, err := network.Interpolate(fixture, dut.Frequencies())
	if err != nil {
		return nil, pkgerrors.Wrap(err, "fixture does not cover the DUT span")
	}
	freqs := dut.Frequencies()
	s := make([]network.Matrix, len(freqs))
	for i, f := range freqs {
		tf, err := network.ToT(fx.At(i))
		if err != nil {
			return nil, pkgerrors.Wrapf(ErrSingularMatrix, "fixture at %g Hz: %v", f, err)
		}
		inv, ok := network.Inverse(tf)
		if !ok {
			return nil, pkgerrors.Wrapf(ErrSingularMatrix, "fixture at %g Hz", f)
		}
		td, err := network.ToT(dut.At(i))
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "DUT at %g Hz", f)
		}
		if s[i], err = network.FromT(network.Mul(network.Mul(inv, td), inv)); err != nil {
			return nil, pkgerrors.Wrapf(err, "de-embedded DUT at %g Hz", f)
		}
	}
	return network.New(freqs, s)
}

type complexJSON [2]float64

func toJSON(v complex128) complexJSON { return complexJSON{real(v), imag(v)} }

func (c complexJSON) complex() complex128 { return complex(c[0], c[1]) }

type termsJSON struct {
	Ed complexJSON `json:"ed"`
	Es complexJSON `json:"es"`
	Er complexJSON `json:"er"`
	El complexJSON `json:"el"`
	Et complexJSON `json:"et"`
	Ex complexJSON `json:"ex"`
}

// MarshalJSON encodes every term as a [re, im] pair.
func (t Terms) MarshalJSON() ([]byte, error) {
	return json.Marshal(termsJSON{
		Ed: toJSON(t.Ed), Es: toJSON(t.Es), Er: toJSON(t.Er),
		El: toJSON(t.El), Et: toJSON(t.Et), Ex: toJSON(t.Ex),
	})
}

func (t *Terms) UnmarshalJSON(data []byte) error {
	var raw termsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Terms{
		Ed: raw.Ed.complex(), Es: raw.Es.complex(), Er: raw.Er.complex(),
		El: raw.El.complex(), Et: raw.Et.complex(), Ex: raw.Ex.complex(),
	}
	return nil
}

// UnmarshalJSON decodes coefficients and checks that axis and boxes match.
func (c *Coefficients) UnmarshalJSON(data []byte) error {
	type plain Coefficients
	var raw plain
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Frequencies) == 0 || len(raw.Frequencies) != len(raw.Boxes) {
		return pkgerrors.Errorf("coefficients have %d frequencies but %d error boxes", len(raw.Frequencies), len(raw.Boxes))
	}
	for i := 1; i < len(raw.Frequencies); i++ {
		if raw.Frequencies[i] <= raw.Frequencies[i-1] {
			return pkgerrors.Errorf("coefficient frequencies not strictly increasing at index %d", i)
		}
	}
	*c = Coefficients(raw)
	return nil
}
