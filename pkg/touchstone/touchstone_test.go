package touchstone

import (
	"bytes"
	"math/cmplx"
	"strings"
	"testing"

	"github.com/rflab/vnacal/pkg/network"
)

func TestReadFormats(t *testing.T) {
	tests := []struct {
		name string
		data string
		f    float64
		s21  complex128
	}{
		{
			name: "RI in MHz",
			data: "! thru\n# MHz S RI R 50\n100 0 0 0.5 0.5 1 0 0 0\n",
			f:    100e6,
			s21:  0.5 + 0.5i,
		},
		{
			name: "MA default GHz",
			data: "# S MA\n1.5 0 0 1 90 1 0 0 0\n",
			f:    1.5e9,
			s21:  1i,
		},
		{
			name: "DB",
			data: "# Hz S DB R 50\n1000 -100 0 -6.0206 0 0 0 -100 0 ! trailing comment\n",
			f:    1000,
			s21:  0.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Read(strings.NewReader(tt.data))
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if n.Len() != 1 {
				t.Fatalf("expected 1 point, got %d", n.Len())
			}
			if n.Frequency(0) != tt.f {
				t.Errorf("frequency = %v, want %v", n.Frequency(0), tt.f)
			}
			if got := n.At(0).S21(); cmplx.Abs(got-tt.s21) > 1e-4 {
				t.Errorf("S21 = %v, want %v", got, tt.s21)
			}
		})
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	for _, data := range []string{
		"# GHz S RI R 50\n1 0 0 0\n",
		"# GHz Z RI R 50\n1 0 0 0 0 0 0 0 0\n",
		"# GHz S RI R 50\n1 a 0 0 0 0 0 0 0\n",
	} {
		if _, err := Read(strings.NewReader(data)); err == nil {
			t.Errorf("expected an error for %q", data)
		}
	}
}

func TestWriteThenRead(t *testing.T) {
	orig := network.MustNew(
		[]float64{1e6, 2e6},
		[]network.Matrix{
			{{0.1 + 0.2i, 0.3}, {0.4i, -0.5}},
			{{0.2, 0.3 - 0.1i}, {0.6, -0.5i}},
		},
	)

	var buf bytes.Buffer
	if err := Write(&buf, orig); err != nil {
		t.Fatalf("Write: %v", err)
	}
	back, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !back.SameAxis(orig) {
		t.Fatalf("axis changed: %v", back.Frequencies())
	}
	for i := 0; i < orig.Len(); i++ {
		if back.At(i) != orig.At(i) {
			t.Errorf("point %d: got %v want %v", i, back.At(i), orig.At(i))
		}
	}
}
