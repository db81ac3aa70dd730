package errterm

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"

	"github.com/rflab/vnacal/pkg/network"
)

func single(m network.Matrix) *network.Network {
	return network.MustNew([]float64{1e9}, []network.Matrix{m})
}

func near(a, b complex128) bool { return cmplx.Abs(a-b) < 1e-12 }

func TestComputeSelfVanishes(t *testing.T) {
	x := network.MustNew(
		[]float64{1e9, 2e9},
		[]network.Matrix{
			{{0.3 + 0.1i, 0.7i}, {0.8, -0.2 + 0.2i}},
			{{-0.4, 0.5 - 0.5i}, {0.6 + 0.1i, 0.25i}},
		},
	)
	res, err := Compute(x, x)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i, p := range res.Points {
		s := x.At(i)
		for _, term := range []Term{Ed1, Ed2, Es1, Es2, El1, El2, Ex12, Ex21} {
			if !near(p[term], 0) {
				t.Errorf("point %d: %s = %v, want 0", i, term, p[term])
			}
		}
		if !near(p[Et1], 1) || !near(p[Et2], 1) {
			t.Errorf("point %d: Et1=%v Et2=%v, want 1", i, p[Et1], p[Et2])
		}
		if !near(p[Er1], s.S11()*s.S11()) || !near(p[Er2], s.S22()*s.S22()) {
			t.Errorf("point %d: Er1=%v Er2=%v", i, p[Er1], p[Er2])
		}
	}
}

func TestComputeThruScenario(t *testing.T) {
	measured := single(network.Matrix{{0.1, 0.9}, {0.9, 0.05}})
	reference := single(network.Matrix{{0, 1}, {1, 0}})

	res, err := Compute(measured, reference)
	var ill *IllDefinedError
	if !errors.As(err, &ill) {
		t.Fatalf("expected *IllDefinedError for a matched reference, got %v", err)
	}
	if res == nil {
		t.Fatalf("expected the well-defined terms to be returned")
	}

	p := res.Points[0]
	if !near(p[Ed1], 0.1) {
		t.Errorf("Ed1 = %v, want 0.1", p[Ed1])
	}
	if !near(p[Et1], 0.9) {
		t.Errorf("Et1 = %v, want 0.9", p[Et1])
	}
	if !near(p[Er1], 0) {
		t.Errorf("Er1 = %v, want 0", p[Er1])
	}
	if !near(p[Ex12], -0.1) || !near(p[Ex21], -0.1) {
		t.Errorf("Ex12=%v Ex21=%v, want -0.1", p[Ex12], p[Ex21])
	}

	undefined := map[Term]bool{}
	for _, u := range ill.Undefined {
		if u.Index != 0 || u.Frequency != 1e9 {
			t.Errorf("unexpected location %+v", u)
		}
		undefined[u.Term] = true
	}
	for _, term := range []Term{Es1, Es2} {
		if !undefined[term] {
			t.Errorf("%s should be reported ill-defined", term)
		}
		if _, ok := p[term]; ok {
			t.Errorf("%s should be absent from the point", term)
		}
	}
	for _, term := range []Term{El1, El2, Et1, Et2} {
		if undefined[term] {
			t.Errorf("%s should be defined", term)
		}
	}
}

func TestComputeZeroReferenceNeverInf(t *testing.T) {
	measured := network.MustNew(
		[]float64{1e9, 2e9},
		[]network.Matrix{
			{{0.2, 0.5}, {0.5, 0.2}},
			{{0.2, 0.5}, {0.5, 0.2}},
		},
	)
	reference := network.MustNew(
		[]float64{1e9, 2e9},
		[]network.Matrix{
			{{0.1, 0.5}, {0.5, 0.1}},
			{{0, 0.5}, {0.5, 0.1}},
		},
	)

	res, err := Compute(measured, reference)
	if !errors.Is(err, ErrIllDefined) {
		t.Fatalf("expected ErrIllDefined, got %v", err)
	}
	var ill *IllDefinedError
	if !errors.As(err, &ill) || len(ill.Undefined) != 1 {
		t.Fatalf("expected exactly one undefined term, got %v", err)
	}
	if u := ill.Undefined[0]; u.Term != Es1 || u.Index != 1 || u.Frequency != 2e9 {
		t.Fatalf("unexpected undefined term %+v", u)
	}

	for _, term := range Terms {
		for i, v := range res.Series(term) {
			if cmplx.IsInf(v) {
				t.Errorf("%s[%d] is infinite", term, i)
			}
		}
	}
	db := res.SeriesDB(Es1)
	if math.IsNaN(db[0]) || !math.IsNaN(db[1]) {
		t.Errorf("SeriesDB(Es1) = %v, want [finite NaN]", db)
	}
}

func TestComputeAlignsMeasured(t *testing.T) {
	measured := network.MustNew(
		[]float64{0, 2e9},
		[]network.Matrix{
			{{0, 1}, {1, 0}},
			{{0.2, 1}, {1, 0.2}},
		},
	)
	reference := single(network.Matrix{{0.05, 1}, {1, 0.05}})

	res, err := Compute(measured, reference)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(res.Frequencies) != 1 || res.Frequencies[0] != 1e9 {
		t.Fatalf("result axis = %v, want the reference axis", res.Frequencies)
	}
	if got := res.Points[0][Ed1]; !near(got, 0.05) {
		t.Errorf("Ed1 = %v, want 0.05", got)
	}

	short := network.MustNew([]float64{1.5e9, 2e9}, make([]network.Matrix, 2))
	if _, err := Compute(short, reference); !errors.Is(err, network.ErrRange) {
		t.Errorf("expected ErrRange, got %v", err)
	}
}

func TestCompareReferences(t *testing.T) {
	measured := single(network.Matrix{{0.2, 0.9}, {0.9, 0.1}})
	mech := single(network.Matrix{{0.1, 1}, {1, 0.1}})
	ecal := single(network.Matrix{{0.2, 0.8}, {0.8, 0.05}})

	a, b, err := CompareReferences(measured, mech, ecal)
	if err != nil {
		t.Fatalf("CompareReferences: %v", err)
	}
	if !near(a.Points[0][Ed1], 0.1) || !near(b.Points[0][Ed1], 0) {
		t.Errorf("Ed1 = %v / %v", a.Points[0][Ed1], b.Points[0][Ed1])
	}
	if !near(b.Points[0][Et1], 0.9/0.8) {
		t.Errorf("Et1 against second reference = %v", b.Points[0][Et1])
	}

	matched := single(network.Matrix{{0, 1}, {1, 0.1}})
	a, b, err = CompareReferences(measured, mech, matched)
	if !errors.Is(err, ErrIllDefined) || a == nil || b == nil {
		t.Fatalf("expected partial results with ErrIllDefined, got %v", err)
	}
}

func TestComputeSimple(t *testing.T) {
	measured := single(network.Matrix{{0.2, 0.9}, {0.9, 0.1}})
	reference := single(network.Matrix{{0.1, 1}, {1, 0.05}})

	res, err := ComputeSimple(measured, reference)
	if err != nil {
		t.Fatalf("ComputeSimple: %v", err)
	}
	p := res.Points[0]
	want := map[Term]complex128{
		Ed: 0.1,
		Es: 2,
		El: 2,
		Ex: -0.1,
		Er: 0.02,
		Et: 0.9,
	}
	for term, w := range want {
		if !near(p[term], w) {
			t.Errorf("%s = %v, want %v", term, p[term], w)
		}
	}
	if len(p) != len(SimpleTerms) {
		t.Errorf("expected %d terms, got %d", len(SimpleTerms), len(p))
	}
}

func TestDB(t *testing.T) {
	if got := DB(0); math.Abs(got+300) > 1e-9 {
		t.Errorf("DB(0) = %v, want -300", got)
	}
	if got := DB(0.1i); math.Abs(got+20) > 1e-9 {
		t.Errorf("DB(0.1i) = %v, want -20", got)
	}
}
