package solt

import (
	"encoding/json"
	"errors"
	"math/cmplx"
	"testing"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/network"
)

var freqs = []float64{1e9, 2e9, 3e9}

func knownCoefficients() *Coefficients {
	c := &Coefficients{Frequencies: freqs}
	for i := range freqs {
		k := complex(float64(i)*0.01, 0)
		c.Boxes = append(c.Boxes, ErrorBox{
			Forward: Terms{
				Ed: 0.05 + 0.02i + k, Es: 0.1 - 0.05i, Er: 0.9 + 0.1i - k,
				El: 0.08 + 0.03i, Et: 0.85 - 0.1i, Ex: 0.001 + 0.0005i,
			},
			Reverse: Terms{
				Ed: -0.04 + 0.03i, Es: 0.07 + 0.02i + k, Er: 0.95 - 0.05i,
				El: 0.06 - 0.04i, Et: 0.8 + 0.15i - k, Ex: -0.002 + 0.001i,
			},
		})
	}
	return c
}

func measuredSet(t *testing.T, c *Coefficients) StandardSet {
	t.Helper()
	set := StandardSet{}
	for _, std := range calibration.Required {
		ideal, err := IdealStandard(std, freqs)
		if err != nil {
			t.Fatalf("IdealStandard(%s): %v", std, err)
		}
		meas, err := c.Measure(ideal)
		if err != nil {
			t.Fatalf("Measure(%s): %v", std, err)
		}
		set[std] = Pair{Ideal: ideal, Measured: meas}
	}
	return set
}

func closeTerms(a, b Terms, tol float64) bool {
	pairs := [][2]complex128{{a.Ed, b.Ed}, {a.Es, b.Es}, {a.Er, b.Er}, {a.El, b.El}, {a.Et, b.Et}, {a.Ex, b.Ex}}
	for _, p := range pairs {
		if cmplx.Abs(p[0]-p[1]) > tol {
			return false
		}
	}
	return true
}

func TestRunRecoversErrorBoxes(t *testing.T) {
	want := knownCoefficients()
	got, err := NewSolver(measuredSet(t, want)).Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Len() != len(freqs) {
		t.Fatalf("expected %d points, got %d", len(freqs), got.Len())
	}
	for i := range freqs {
		if !closeTerms(got.Boxes[i].Forward, want.Boxes[i].Forward, 1e-9) {
			t.Errorf("forward terms at %g Hz: got %+v want %+v", freqs[i], got.Boxes[i].Forward, want.Boxes[i].Forward)
		}
		if !closeTerms(got.Boxes[i].Reverse, want.Boxes[i].Reverse, 1e-9) {
			t.Errorf("reverse terms at %g Hz: got %+v want %+v", freqs[i], got.Boxes[i].Reverse, want.Boxes[i].Reverse)
		}
	}
}

func TestApplyRoundTrip(t *testing.T) {
	set := measuredSet(t, knownCoefficients())
	c, err := NewSolver(set).Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	thru := set[calibration.StandardThru]
	corrected, err := c.Apply(thru.Measured)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	assertNetworkNear(t, corrected, thru.Ideal, 1e-6)

	dut := network.MustNew(freqs, []network.Matrix{
		{{0.2 + 0.1i, 0.5 - 0.3i}, {0.6 - 0.2i, -0.1 + 0.25i}},
		{{-0.3i, 0.4}, {0.45 + 0.1i, 0.15}},
		{{0.1, 0.7i}, {0.7i, 0.1}},
	})
	raw, err := c.Measure(dut)
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	back, err := c.Apply(raw)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	assertNetworkNear(t, back, dut, 1e-9)
}

func TestApplyRefusesExtrapolation(t *testing.T) {
	c := knownCoefficients()
	narrow := network.MustNew([]float64{1.5e9, 3e9}, make([]network.Matrix, 2))
	if _, err := c.Apply(narrow); !errors.Is(err, network.ErrRange) {
		t.Fatalf("expected ErrRange, got %v", err)
	}
}

func TestRunInsufficientStandards(t *testing.T) {
	set := measuredSet(t, knownCoefficients())
	delete(set, calibration.StandardThru)

	c, err := NewSolver(set).Run()
	if !errors.Is(err, ErrInsufficientStandards) {
		t.Fatalf("expected ErrInsufficientStandards, got %v", err)
	}
	if c != nil {
		t.Fatalf("expected no coefficients, got %+v", c)
	}
	if missing := set.Missing(); len(missing) != 1 || missing[0] != calibration.StandardThru {
		t.Fatalf("Missing() = %v", missing)
	}
}

func TestRunDegenerateStandards(t *testing.T) {
	set := measuredSet(t, knownCoefficients())
	set[calibration.StandardOpen] = set[calibration.StandardShort]

	if _, err := NewSolver(set).Run(); !errors.Is(err, ErrSingularSystem) {
		t.Fatalf("expected ErrSingularSystem, got %v", err)
	}
}

func TestDeembed(t *testing.T) {
	fixture := network.MustNew(freqs, []network.Matrix{
		{{0.05, 0.95 - 0.1i}, {0.95 - 0.1i, 0.04}},
		{{0.06 + 0.01i, 0.9 - 0.2i}, {0.9 - 0.2i, 0.05}},
		{{0.07, 0.85 - 0.3i}, {0.85 - 0.3i, 0.06i}},
	})
	inner := network.MustNew(freqs, []network.Matrix{
		{{0.1, 0.8}, {0.8, 0.1}},
		{{0.2i, 0.7 + 0.1i}, {0.7 + 0.1i, -0.1}},
		{{-0.05, 0.6i}, {0.6i, 0.3}},
	})

	embedded, err := inner.Map(func(f float64, m network.Matrix) (network.Matrix, error) {
		i := fixture.Nearest(f)
		tf, err := network.ToT(fixture.At(i))
		if err != nil {
			return network.Matrix{}, err
		}
		tx, err := network.ToT(m)
		if err != nil {
			return network.Matrix{}, err
		}
		return network.FromT(network.Mul(network.Mul(tf, tx), tf))
	})
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}

	got, err := Deembed(embedded, fixture)
	if err != nil {
		t.Fatalf("Deembed: %v", err)
	}
	assertNetworkNear(t, got, inner, 1e-9)
}

func TestDeembedSingularFixture(t *testing.T) {
	dut := network.MustNew(freqs[:1], []network.Matrix{{{0.1, 0.8}, {0.8, 0.1}}})
	for name, m := range map[string]network.Matrix{
		"no transmission": {{0.5, 0}, {0, 0.5}},
		"no reverse path": {{0.1, 0}, {0.9, 0.1}},
	} {
		fixture := network.MustNew(freqs[:1], []network.Matrix{m})
		if _, err := Deembed(dut, fixture); !errors.Is(err, ErrSingularMatrix) {
			t.Errorf("%s: expected ErrSingularMatrix, got %v", name, err)
		}
	}
}

func TestCoefficientsJSON(t *testing.T) {
	c := knownCoefficients()
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Coefficients
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for i := range c.Boxes {
		if back.Boxes[i] != c.Boxes[i] {
			t.Errorf("box %d changed: %+v", i, back.Boxes[i])
		}
	}

	if err := json.Unmarshal([]byte(`{"frequencies":[1,2],"boxes":[]}`), &back); err == nil {
		t.Errorf("expected an error for mismatched lengths")
	}
}

func assertNetworkNear(t *testing.T, got, want *network.Network, tol float64) {
	t.Helper()
	if !got.SameAxis(want) {
		t.Fatalf("axis %v != %v", got.Frequencies(), want.Frequencies())
	}
	for i := 0; i < got.Len(); i++ {
		g, w := got.At(i), want.At(i)
		for r := 0; r < 2; r++ {
			for c := 0; c < 2; c++ {
				if cmplx.Abs(g[r][c]-w[r][c]) > tol {
					t.Errorf("%g Hz S%d%d: got %v want %v", got.Frequency(i), r+1, c+1, g[r][c], w[r][c])
				}
			}
		}
	}
}
