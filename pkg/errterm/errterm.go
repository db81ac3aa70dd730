// Package errterm derives systematic error terms by comparing an uncalibrated
// measurement against a calibrated (reference) measurement of the same device.
//
// The full model reports twelve terms, six per direction. The simplified
// model reports six terms for the forward direction only.
package errterm

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	pkgerrors "github.com/pkg/errors"

	"github.com/rflab/vnacal/pkg/network"
)

// Epsilon is the floor added to magnitudes before taking the logarithm, and
// the threshold below which a divisor is treated as zero.
const Epsilon = 1e-15

// ErrIllDefined is returned when a ratio term would divide by a (near) zero
// reference value.
var ErrIllDefined = errors.New("error term is ill-defined")

// Term names one of the twelve error terms.
type Term string

const (
	Ed1  Term = "Ed1"
	Ed2  Term = "Ed2"
	Es1  Term = "Es1"
	Es2  Term = "Es2"
	El1  Term = "El1"
	El2  Term = "El2"
	Ex12 Term = "Ex12"
	Ex21 Term = "Ex21"
	Er1  Term = "Er1"
	Er2  Term = "Er2"
	Et1  Term = "Et1"
	Et2  Term = "Et2"
)

// Terms lists the twelve terms, forward direction first.
var Terms = []Term{Ed1, Es1, El1, Ex12, Er1, Et1, Ed2, Es2, El2, Ex21, Er2, Et2}

var descriptions = map[Term]string{
	Ed1:  "Directivity Error (Ed1)",
	Ed2:  "Directivity Error (Ed2)",
	Es1:  "Source Match Error (Es1)",
	Es2:  "Source Match Error (Es2)",
	El1:  "Load Match Error (El1)",
	El2:  "Load Match Error (El2)",
	Ex12: "Crosstalk Error (Ex12)",
	Ex21: "Crosstalk Error (Ex21)",
	Er1:  "Reflection Tracking Error (Er1)",
	Er2:  "Reflection Tracking Error (Er2)",
	Et1:  "Transmission Tracking Error (Et1)",
	Et2:  "Transmission Tracking Error (Et2)",
}

// Description returns a human readable label for t.
func (t Term) Description() string {
	if d, ok := descriptions[t]; ok {
		return d
	}
	return string(t)
}

// Point holds the twelve error terms at a single frequency.
type Point map[Term]complex128

// Result is the error-term set over a frequency axis.
type Result struct {
	Frequencies []float64
	Points      []Point
}

// Series returns the complex values of t across all frequencies. Undefined
// values are reported as NaN.
func (r *Result) Series(t Term) []complex128 {
	out := make([]complex128, len(r.Points))
	for i, p := range r.Points {
		v, ok := p[t]
		if !ok {
			v = cmplx.NaN()
		}
		out[i] = v
	}
	return out
}

// SeriesDB returns 20*log10(|value| + Epsilon) of t across all frequencies.
// Undefined values are reported as NaN.
func (r *Result) SeriesDB(t Term) []float64 {
	out := make([]float64, len(r.Points))
	for i, p := range r.Points {
		v, ok := p[t]
		if !ok {
			out[i] = math.NaN()
			continue
		}
		out[i] = DB(v)
	}
	return out
}

// DB converts a complex value to decibels, flooring zeros at -300 dB.
func DB(v complex128) float64 {
	return 20 * math.Log10(cmplx.Abs(v)+Epsilon)
}

// IllDefinedError lists the terms that could not be evaluated because their
// divisor was (near) zero. The accompanying Result is still populated; the
// listed terms are absent from their Point.
type IllDefinedError struct {
	Undefined []Undefined
}

// Undefined identifies one ill-defined term.
type Undefined struct {
	Index     int
	Frequency float64
	Term      Term
}

func (e *IllDefinedError) Error() string {
	if len(e.Undefined) == 0 {
		return ErrIllDefined.Error()
	}
	first := e.Undefined[0]
	msg := fmt.Sprintf("%s: %s divides by a zero reference at %g Hz", ErrIllDefined, first.Term, first.Frequency)
	if n := len(e.Undefined) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

func (e *IllDefinedError) Unwrap() error { return ErrIllDefined }

// Compute derives the twelve error terms of measured against reference.
// measured is resampled onto reference's frequency axis first.
//
// If any ratio term divides by a reference value below Epsilon the returned
// error is an *IllDefinedError and the Result holds every other term.
func Compute(measured, reference *network.Network) (*Result, error) {
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
		p, undefined := computePoint(m.At(i), ref.At(i))
		res.Points[i] = p
		for _, t := range undefined {
			ill.Undefined = append(ill.Undefined, Undefined{Index: i, Frequency: ref.Frequency(i), Term: t})
		}
	}
	if len(ill.Undefined) > 0 {
		return res, &ill
	}
	return res, nil
}

// CompareReferences runs Compute for one measurement against two references,
// e.g. a mechanical and an electronic calibration of the same device.
// Ill-defined terms of either comparison are joined into the returned error.
func CompareReferences(measured, referenceA, referenceB *network.Network) (*Result, *Result, error) {
	a, errA := Compute(measured, referenceA)
	if a == nil {
		return nil, nil, pkgerrors.Wrap(errA, "first reference")
	}
	b, errB := Compute(measured, referenceB)
	if b == nil {
		return nil, nil, pkgerrors.Wrap(errB, "second reference")
	}
	return a, b, errors.Join(errA, errB)
}

type pointBuilder struct {
	p         Point
	undefined []Term
}

func (b *pointBuilder) set(t Term, v complex128) { b.p[t] = v }

// ratio stores num/den + offset under t, or marks t undefined.
func (b *pointBuilder) ratio(t Term, num, den, offset complex128) {
	if cmplx.Abs(den) < Epsilon {
		b.undefined = append(b.undefined, t)
		return
	}
	b.p[t] = num/den + offset
}

func computePoint(meas, ref network.Matrix) (Point, []Term) {
	s11m, s21m, s12m, s22m := meas.S11(), meas.S21(), meas.S12(), meas.S22()
	s11t, s21t, s12t, s22t := ref.S11(), ref.S21(), ref.S12(), ref.S22()

	b := &pointBuilder{p: make(Point, len(Terms))}

	// directivity
	b.set(Ed1, s11m-s11t)
	b.set(Ed2, s22m-s22t)
	// source match
	b.ratio(Es1, s11m, s11t, -1)
	b.ratio(Es2, s22m, s22t, -1)
	// load match
	b.ratio(El1, s11t, s11m, -1)
	b.ratio(El2, s22t, s22m, -1)
	// crosstalk
	b.set(Ex12, s21m-s21t)
	b.set(Ex21, s12m-s12t)
	// reflection tracking
	b.set(Er1, s11m*s11t)
	b.set(Er2, s22m*s22t)
	// transmission tracking
	b.ratio(Et1, s21m, s21t, 0)
	b.ratio(Et2, s12m, s12t, 0)

	return b.p, b.undefined
}
