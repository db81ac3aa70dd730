package errterm

import (
	"github.com/rflab/vnacal/pkg/network"
)

// Simplified model terms. Unlike the full model the match terms are plain
// ratios and load match is taken from port 2.
const (
	Ed Term = "Ed"
	Es Term = "Es"
	El Term = "El"
	Ex Term = "Ex"
	Er Term = "Er"
	Et Term = "Et"
)

// SimpleTerms lists the six simplified terms.
var SimpleTerms = []Term{Ed, Es, El, Ex, Er, Et}

func init() {
	descriptions[Ed] = "Directivity"
	descriptions[Es] = "Source Mismatch"
	descriptions[El] = "Load Mismatch"
	descriptions[Ex] = "Crosstalk"
	descriptions[Er] = "Reflection Tracking"
	descriptions[Et] = "Transmission Tracking"
}

// ComputeSimple derives the six-term simplified model. Ill-defined ratios
// are reported the same way as in Compute.
func ComputeSimple(measured, reference *network.Network) (*Result, error) {
	m, ref, err := network.Align(measured, reference)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Frequencies: ref.Frequencies(),
		Points:      make([]Point, ref.Len()),
	}
	var ill IllDefinedError
	for i := 0; i < ref.Len(); i++ {
		mm, rr := m.At(i), ref.At(i)

		b := &pointBuilder{p: make(Point, len(SimpleTerms))}
		b.set(Ed, mm.S11()-rr.S11())
		b.ratio(Es, mm.S11(), rr.S11(), 0)
		b.ratio(El, mm.S22(), rr.S22(), 0)
		b.set(Ex, mm.S21()-rr.S21())
		b.set(Er, mm.S11()*rr.S11())
		b.ratio(Et, mm.S21(), rr.S21(), 0)

		res.Points[i] = b.p
		for _, t := range b.undefined {
			ill.Undefined = append(ill.Undefined, Undefined{Index: i, Frequency: ref.Frequency(i), Term: t})
		}
	}
	if len(ill.Undefined) > 0 {
		return res, &ill
	}
	return res, nil
}
