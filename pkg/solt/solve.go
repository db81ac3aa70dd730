package solt

import (
	"math"
	"math/cmplx"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/rflab/vnacal/pkg/calibration"
	"github.com/rflab/vnacal/pkg/network"
)

// DefaultMaxCondition is the largest condition number of the one-port
// system that is still considered solvable.
const DefaultMaxCondition = 1e12

const tiny = 1e-15

// Solver solves a StandardSet for its error boxes.
type Solver struct {
	set StandardSet
	// MaxCondition bounds the condition number of the per-point one-port
	// system. Zero means DefaultMaxCondition.
	MaxCondition float64
}

// NewSolver returns a solver for set. The set is copied.
func NewSolver(set StandardSet) *Solver {
	return &Solver{set: set.Clone()}
}

// Run solves the error boxes at every frequency of the measured Thru. All
// other networks of the set are resampled onto that axis first.
func (s *Solver) Run() (*Coefficients, error) {
	if missing := s.set.Missing(); len(missing) > 0 {
		return nil, pkgerrors.Wrapf(ErrInsufficientStandards, "missing %v", missing)
	}
	maxCond := s.MaxCondition
	if maxCond <= 0 {
		maxCond = DefaultMaxCondition
	}

	axis := s.set[calibration.StandardThru].Measured.Frequencies()
	ideal := map[calibration.Standard]*network.Network{}
	meas := map[calibration.Standard]*network.Network{}
	for _, std := range calibration.Required {
		p := s.set[std]
		var err error
		if ideal[std], err = network.Interpolate(p.Ideal, axis); err != nil {
			return nil, pkgerrors.Wrapf(err, "ideal %s", std)
		}
		if meas[std], err = network.Interpolate(p.Measured, axis); err != nil {
			return nil, pkgerrors.Wrapf(err, "measured %s", std)
		}
	}

	c := &Coefficients{
		Frequencies: axis,
		Boxes:       make([]ErrorBox, len(axis)),
	}
	for i, f := range axis {
		var (
			ia = [3]network.Matrix{ideal[calibration.StandardShort].At(i), ideal[calibration.StandardOpen].At(i), ideal[calibration.StandardLoad].At(i)}
			ma = [3]network.Matrix{meas[calibration.StandardShort].At(i), meas[calibration.StandardOpen].At(i), meas[calibration.StandardLoad].At(i)}
			it = ideal[calibration.StandardThru].At(i)
			mt = meas[calibration.StandardThru].At(i)
		)

		fwd, err := solveDirection(ia, ma, it, mt, maxCond)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "forward direction at %g Hz", f)
		}
		for k := range ia {
			ia[k], ma[k] = ia[k].Swap(), ma[k].Swap()
		}
		rev, err := solveDirection(ia, ma, it.Swap(), mt.Swap(), maxCond)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "reverse direction at %g Hz", f)
		}
		c.Boxes[i] = ErrorBox{Forward: fwd, Reverse: rev}
	}

	logrus.WithFields(logrus.Fields{
		"points": len(axis),
		"start":  axis[0],
		"stop":   axis[len(axis)-1],
	}).Debug("solved SOLT error boxes")
	return c, nil
}

// solveDirection solves the six forward terms. Reverse terms are obtained by
// passing port-swapped matrices. The three reflect standards are given in
// Short, Open, Load order; Load also supplies the crosstalk term.
func solveDirection(reflIdeal, reflMeas [3]network.Matrix, thruIdeal, thruMeas network.Matrix, maxCond float64) (Terms, error) {
	var ga, gm [3]complex128
	for k := range reflIdeal {
		ga[k] = reflIdeal[k].S11()
		gm[k] = reflMeas[k].S11()
	}
	ed, es, er, err := solveOnePort(ga, gm, maxCond)
	if err != nil {
		return Terms{}, err
	}
	t := Terms{Ed: ed, Es: es, Er: er, Ex: reflMeas[2].S21()}

	// reflection at port 1 with the thru terminated by the port 2 load match
	g1den := er + es*(thruMeas.S11()-ed)
	if cmplx.Abs(g1den) < tiny {
		return Terms{}, pkgerrors.Wrap(ErrSingularSystem, "thru reflection cannot be de-embedded")
	}
	g1 := (thruMeas.S11() - ed) / g1den

	a11, a12, a21, a22 := thruIdeal.S11(), thruIdeal.S12(), thruIdeal.S21(), thruIdeal.S22()
	elden := a21*a12 + a22*(g1-a11)
	if cmplx.Abs(elden) < tiny || cmplx.Abs(a21) < tiny {
		return Terms{}, pkgerrors.Wrap(ErrSingularSystem, "thru standard has no transmission")
	}
	t.El = (g1 - a11) / elden

	d := (1-es*a11)*(1-t.El*a22) - es*t.El*a21*a12
	t.Et = (thruMeas.S21() - t.Ex) * d / a21

	if cmplx.Abs(t.Er) < tiny || cmplx.Abs(t.Et) < tiny {
		return Terms{}, pkgerrors.Wrap(ErrSingularSystem, "tracking term vanished")
	}
	return t, nil
}

// solveOnePort solves the three-term one-port model from three reflect
// standards with actual reflections ga and measured reflections gm:
//
//	gm = e00 + e11*ga*gm - ga*de,   er = e00*e11 - de
//
// The complex 3x3 system is solved as its real 6x6 embedding.
func solveOnePort(ga, gm [3]complex128, maxCond float64) (ed, es, er complex128, err error) {
	a := mat.NewDense(6, 6, nil)
	b := mat.NewVecDense(6, nil)
	for k := 0; k < 3; k++ {
		row := [3]complex128{1, ga[k] * gm[k], -ga[k]}
		for j, v := range row {
			a.Set(k, j, real(v))
			a.Set(k, j+3, -imag(v))
			a.Set(k+3, j, imag(v))
			a.Set(k+3, j+3, real(v))
		}
		b.SetVec(k, real(gm[k]))
		b.SetVec(k+3, imag(gm[k]))
	}

	var lu mat.LU
	lu.Factorize(a)
	if cond := lu.Cond(); math.IsInf(cond, 1) || math.IsNaN(cond) || cond > maxCond {
		return 0, 0, 0, pkgerrors.Wrapf(ErrSingularSystem, "reflect standards are degenerate (condition number %g)", cond)
	}
	var x mat.VecDense
	if err := lu.SolveVecTo(&x, false, b); err != nil {
		return 0, 0, 0, pkgerrors.Wrapf(ErrSingularSystem, "one-port solve: %v", err)
	}

	e00 := complex(x.AtVec(0), x.AtVec(3))
	e11 := complex(x.AtVec(1), x.AtVec(4))
	de := complex(x.AtVec(2), x.AtVec(5))
	return e00, e11, e00*e11 - de, nil
}
