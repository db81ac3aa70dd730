package network

import (
	"errors"
	"math/cmplx"
	"testing"
)

func ramp(freqs []float64) *Network {
	s := make([]Matrix, len(freqs))
	for i, f := range freqs {
		x := f / 1e9
		s[i] = Matrix{
			{complex(x, -x), complex(0.5, x)},
			{complex(1-x, 0.1), complex(-x, 2*x)},
		}
	}
	return MustNew(freqs, s)
}

func TestNewRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		freqs []float64
		s     []Matrix
	}{
		{name: "empty", freqs: nil, s: nil},
		{name: "length mismatch", freqs: []float64{1, 2}, s: make([]Matrix, 1)},
		{name: "not increasing", freqs: []float64{2, 2}, s: make([]Matrix, 2)},
		{name: "decreasing", freqs: []float64{3, 1}, s: make([]Matrix, 2)},
		{name: "non-finite", freqs: []float64{1}, s: []Matrix{{{cmplx.Inf(), 0}, {0, 0}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.freqs, tt.s); !errors.Is(err, ErrInvalidNetwork) {
				t.Fatalf("expected ErrInvalidNetwork, got %v", err)
			}
		})
	}
}

func TestNewCopiesInput(t *testing.T) {
	freqs := []float64{1, 2}
	s := []Matrix{{}, {}}
	n := MustNew(freqs, s)
	freqs[0] = 100
	s[0][0][0] = 5
	if n.Frequency(0) != 1 || n.At(0)[0][0] != 0 {
		t.Fatalf("network was mutated through caller slices")
	}
	got := n.Frequencies()
	got[1] = 42
	if n.Frequency(1) != 2 {
		t.Fatalf("Frequencies() leaked internal slice")
	}
}

func TestAlignUsesReferenceAxis(t *testing.T) {
	a := ramp([]float64{0, 1e9, 2e9, 3e9})
	b := ramp([]float64{0.5e9, 1e9, 2.25e9})

	aligned, ref, err := Align(a, b)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if ref != b {
		t.Fatalf("reference should be returned unchanged")
	}
	if !aligned.SameAxis(b) {
		t.Fatalf("aligned axis %v != %v", aligned.Frequencies(), b.Frequencies())
	}

	// ramp is linear in f, so interpolation must reproduce it.
	for i := 0; i < aligned.Len(); i++ {
		want := b.At(i)
		got := aligned.At(i)
		for r := 0; r < 2; r++ {
			for c := 0; c < 2; c++ {
				if cmplx.Abs(got[r][c]-want[r][c]) > 1e-12 {
					t.Errorf("point %d S%d%d: got %v want %v", i, r+1, c+1, got[r][c], want[r][c])
				}
			}
		}
	}
}

func TestAlignIdempotent(t *testing.T) {
	a := ramp([]float64{0, 0.7e9, 1.3e9, 3e9})
	b := ramp([]float64{0.1e9, 0.9e9, 2e9})

	once, _, err := Align(a, b)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	twice, _, err := Align(once, b)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if !twice.Equal(once) {
		t.Fatalf("alignment is not idempotent")
	}
}

func TestAlignRefusesExtrapolation(t *testing.T) {
	a := ramp([]float64{1e9, 2e9})
	for _, target := range [][]float64{
		{0.5e9, 1.5e9},
		{1.5e9, 2.5e9},
	} {
		if _, err := Interpolate(a, target); !errors.Is(err, ErrRange) {
			t.Fatalf("target %v: expected ErrRange, got %v", target, err)
		}
	}
}

func TestTransferRoundTrip(t *testing.T) {
	s := Matrix{
		{0.1 + 0.2i, 0.8 - 0.1i},
		{0.7 + 0.3i, -0.2 + 0.05i},
	}
	tp, err := ToT(s)
	if err != nil {
		t.Fatalf("ToT: %v", err)
	}
	back, err := FromT(tp)
	if err != nil {
		t.Fatalf("FromT: %v", err)
	}
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			if cmplx.Abs(back[r][c]-s[r][c]) > 1e-12 {
				t.Errorf("S%d%d: got %v want %v", r+1, c+1, back[r][c], s[r][c])
			}
		}
	}

	inv, ok := Inverse(tp)
	if !ok {
		t.Fatalf("T should be invertible")
	}
	id := Mul(tp, inv)
	if cmplx.Abs(id[0][0]-1) > 1e-12 || cmplx.Abs(id[0][1]) > 1e-12 || cmplx.Abs(id[1][0]) > 1e-12 || cmplx.Abs(id[1][1]-1) > 1e-12 {
		t.Errorf("T * inv(T) = %v", id)
	}

	if _, err := ToT(Matrix{{-1, 0}, {0, -1}}); !errors.Is(err, ErrNoTransmission) {
		t.Errorf("expected ErrNoTransmission for a reflect-only matrix, got %v", err)
	}
}

func TestParseUnit(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"Hz", 1}, {"khz", 1e3}, {"MHz", 1e6}, {" GHz ", 1e9},
	}
	for _, tt := range tests {
		u, err := ParseUnit(tt.in)
		if err != nil {
			t.Fatalf("ParseUnit(%q): %v", tt.in, err)
		}
		if u.ToHz(2) != 2*tt.want {
			t.Errorf("ParseUnit(%q).ToHz(2) = %v", tt.in, u.ToHz(2))
		}
	}
	if _, err := ParseUnit("THz"); err == nil {
		t.Errorf("expected error for THz")
	}
}
