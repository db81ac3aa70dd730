package report

import (
	"math"
	"math/cmplx"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/rflab/vnacal/pkg/errterm"
	"github.com/rflab/vnacal/pkg/network"
)

// Quantity selects what is drawn from a network.
type Quantity string

const (
	QuantityS11           Quantity = "S11"
	QuantityS12           Quantity = "S12"
	QuantityS21           Quantity = "S21"
	QuantityS22           Quantity = "S22"
	QuantityReturnLoss    Quantity = "ReturnLoss"
	QuantityInsertionLoss Quantity = "InsertionLoss"
)

// Domain selects how a quantity is drawn.
type Domain string

const (
	DomainMagnitude  Domain = "magnitude"
	DomainPhase      Domain = "phase"
	DomainGroupDelay Domain = "group-delay"
)

var quantities = []Quantity{QuantityS11, QuantityS12, QuantityS21, QuantityS22, QuantityReturnLoss, QuantityInsertionLoss}

// ParseQuantity accepts a quantity name in any case.
func ParseQuantity(s string) (Quantity, error) {
	for _, q := range quantities {
		if strings.EqualFold(s, string(q)) {
			return q, nil
		}
	}
	return "", pkgerrors.Errorf("unknown quantity %q", s)
}

// ParseDomain accepts a domain name in any case.
func ParseDomain(s string) (Domain, error) {
	switch d := Domain(strings.ToLower(s)); d {
	case DomainMagnitude, DomainPhase, DomainGroupDelay:
		return d, nil
	}
	return "", pkgerrors.Errorf("unknown domain %q", s)
}

// param returns the S-parameter indices behind q.
func (q Quantity) param() (out, in int) {
	switch q {
	case QuantityS11, QuantityReturnLoss:
		return 1, 1
	case QuantityS12:
		return 1, 2
	case QuantityS21, QuantityInsertionLoss:
		return 2, 1
	default:
		return 2, 2
	}
}

func (q Quantity) loss() bool {
	return q == QuantityReturnLoss || q == QuantityInsertionLoss
}

// Unit returns the axis label of q drawn in d.
func (q Quantity) Unit(d Domain) string {
	switch d {
	case DomainPhase:
		return "Phase (degrees)"
	case DomainGroupDelay:
		return "Group Delay (rad/Hz)"
	}
	switch q {
	case QuantityReturnLoss:
		return "Return Loss (dB)"
	case QuantityInsertionLoss:
		return "Insertion Loss (dB)"
	}
	return "Magnitude (dB)"
}

// Trace extracts q in domain d from n, keeping frequencies at or below
// maxHz (no cap when maxHz <= 0). Group delay has one point less than the
// other domains.
func Trace(n *network.Network, q Quantity, d Domain, maxHz float64) (xs, ys []float64, err error) {
	if q.loss() && d != DomainMagnitude {
		return nil, nil, pkgerrors.Errorf("%s is only defined in the %s domain", q, DomainMagnitude)
	}
	out, in := q.param()
	s := n.Param(out, in)
	for i, f := range n.Frequencies() {
		if maxHz > 0 && f > maxHz {
			break
		}
		xs = append(xs, f)
		switch {
		case d == DomainPhase:
			ys = append(ys, degrees(s[i]))
		case q.loss():
			ys = append(ys, -errterm.DB(s[i]))
		default:
			ys = append(ys, errterm.DB(s[i]))
		}
	}
	if d == DomainGroupDelay {
		return GroupDelay(xs, s[:len(xs)])
	}
	return xs, ys, nil
}

// GroupDelay returns -d(unwrapped phase)/df in radians per Hz, evaluated at
// every frequency but the last.
func GroupDelay(freqs []float64, s []complex128) (xs, ys []float64, err error) {
	if len(freqs) != len(s) {
		return nil, nil, pkgerrors.Errorf("%d frequencies but %d values", len(freqs), len(s))
	}
	if len(freqs) < 2 {
		return nil, nil, pkgerrors.New("group delay needs at least two points")
	}
	phase := make([]float64, len(s))
	for i, v := range s {
		phase[i] = cmplx.Phase(v)
	}
	phase = Unwrap(phase)

	xs = make([]float64, len(freqs)-1)
	ys = make([]float64, len(freqs)-1)
	for i := range xs {
		xs[i] = freqs[i]
		ys[i] = -(phase[i+1] - phase[i]) / (freqs[i+1] - freqs[i])
	}
	return xs, ys, nil
}

// Unwrap removes 2*pi jumps between consecutive phase samples.
func Unwrap(phase []float64) []float64 {
	out := make([]float64, len(phase))
	if len(phase) == 0 {
		return out
	}
	out[0] = phase[0]
	offset := 0.0
	for i := 1; i < len(phase); i++ {
		d := phase[i] - phase[i-1]
		if d > math.Pi {
			offset -= 2 * math.Pi * math.Ceil((d-math.Pi)/(2*math.Pi))
		} else if d < -math.Pi {
			offset += 2 * math.Pi * math.Ceil((-d-math.Pi)/(2*math.Pi))
		}
		out[i] = phase[i] + offset
	}
	return out
}
