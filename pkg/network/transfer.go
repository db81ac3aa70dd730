package network

import (
	"errors"
	"math/cmplx"
)

// ErrNoTransmission is returned when a matrix without forward transmission
// (S21 == 0) has to be expressed as cascading transfer parameters.
var ErrNoTransmission = errors.New("network has no forward transmission")

const singularEpsilon = 1e-15

// ToT converts S-parameters to cascading transfer (T) parameters:
//
//	T = 1/S21 * [ -det(S)  S11 ]
//	            [ -S22     1   ]
func ToT(s Matrix) (Matrix, error) {
	if cmplx.Abs(s[1][0]) < singularEpsilon {
		return Matrix{}, ErrNoTransmission
	}
	s21 := s[1][0]
	return Matrix{
		{-s.Det() / s21, s[0][0] / s21},
		{-s[1][1] / s21, 1 / s21},
	}, nil
}

// FromT converts cascading transfer parameters back to S-parameters.
func FromT(t Matrix) (Matrix, error) {
	if cmplx.Abs(t[1][1]) < singularEpsilon {
		return Matrix{}, ErrNoTransmission
	}
	t22 := t[1][1]
	return Matrix{
		{t[0][1] / t22, t.Det() / t22},
		{1 / t22, -t[1][0] / t22},
	}, nil
}

// Mul returns the matrix product a*b.
func Mul(a, b Matrix) Matrix {
	return Matrix{
		{a[0][0]*b[0][0] + a[0][1]*b[1][0], a[0][0]*b[0][1] + a[0][1]*b[1][1]},
		{a[1][0]*b[0][0] + a[1][1]*b[1][0], a[1][0]*b[0][1] + a[1][1]*b[1][1]},
	}
}

// Inverse returns the inverse of m. ok is false when m is singular.
func Inverse(m Matrix) (inv Matrix, ok bool) {
	d := m.Det()
	if cmplx.Abs(d) < singularEpsilon {
		return Matrix{}, false
	}
	return Matrix{
		{m[1][1] / d, -m[0][1] / d},
		{-m[1][0] / d, m[0][0] / d},
	}, true
}
