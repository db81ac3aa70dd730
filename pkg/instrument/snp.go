package instrument

import (
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/rflab/vnacal/pkg/network"
)

// QuerySNP requests the two-port data of the last sweep.
const QuerySNP = "CALC:DATA:SNP?"

// ParseSNP parses a CALC:DATA:SNP? response: groups of nine comma (or
// whitespace) separated numbers, frequency in Hz followed by the real and
// imaginary parts of S11, S21, S12 and S22.
func ParseSNP(resp string) (*network.Network, error) {
	fields := strings.FieldsFunc(resp, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	if len(fields) == 0 || len(fields)%9 != 0 {
		return nil, pkgerrors.Wrapf(ErrComm, "sweep data has %d values, want a non-zero multiple of 9", len(fields))
	}

	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, pkgerrors.Wrapf(ErrComm, "bad sweep value %q", f)
		}
		values[i] = v
	}

	n := len(values) / 9
	freqs := make([]float64, n)
	s := make([]network.Matrix, n)
	for i := 0; i < n; i++ {
		v := values[i*9 : (i+1)*9]
		freqs[i] = v[0]
		s[i] = network.Matrix{
			{complex(v[1], v[2]), complex(v[5], v[6])},
			{complex(v[3], v[4]), complex(v[7], v[8])},
		}
	}
	nw, err := network.New(freqs, s)
	if err != nil {
		return nil, pkgerrors.Wrap(ErrComm, err.Error())
	}
	return nw, nil
}

// FormatSNP renders n the way ParseSNP expects it.
func FormatSNP(n *network.Network) string {
	var sb strings.Builder
	for i := 0; i < n.Len(); i++ {
		m := n.At(i)
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(n.Frequency(i), 'g', -1, 64))
		for _, v := range []complex128{m.S11(), m.S21(), m.S12(), m.S22()} {
			sb.WriteByte(',')
			sb.WriteString(strconv.FormatFloat(real(v), 'g', -1, 64))
			sb.WriteByte(',')
			sb.WriteString(strconv.FormatFloat(imag(v), 'g', -1, 64))
		}
	}
	return sb.String()
}
