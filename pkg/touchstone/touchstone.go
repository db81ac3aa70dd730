// Package touchstone reads and writes two-port Touchstone (.s2p) files.
//
// Only version 1 two-port files are supported. Data lines carry the
// frequency followed by S11, S21, S12, S22 (in that order) as pairs in the
// format named by the option line (RI, MA or DB).
package touchstone

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"math/cmplx"
	"os"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rflab/vnacal/pkg/network"
)

// Format is the complex number representation used in a file.
type Format string

const (
	FormatRI Format = "RI"
	FormatMA Format = "MA"
	FormatDB Format = "DB"
)

// Options mirrors the "#" option line.
type Options struct {
	Unit      network.Unit
	Format    Format
	Reference float64
}

// DefaultOptions are the Touchstone defaults when no option line is present.
var DefaultOptions = Options{Unit: network.GHz, Format: FormatMA, Reference: 50}

const valuesPerPoint = 9

// Read parses a two-port Touchstone stream.
func Read(r io.Reader) (*network.Network, error) {
	opts := DefaultOptions
	seenOptions := false
	var values []float64

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '!'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if seenOptions {
				logrus.WithField("line", lineNo).Debug("ignoring repeated option line")
				continue
			}
			o, err := parseOptions(line)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "line %d", lineNo)
			}
			opts = o
			seenOptions = true
			continue
		}
		for _, field := range strings.Fields(line) {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, pkgerrors.Wrapf(err, "line %d: bad number %q", lineNo, field)
			}
			values = append(values, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read touchstone data")
	}

	if len(values)%valuesPerPoint != 0 {
		return nil, fmt.Errorf("expected a multiple of %d values for a two-port file, got %d", valuesPerPoint, len(values))
	}

	n := len(values) / valuesPerPoint
	freqs := make([]float64, n)
	s := make([]network.Matrix, n)
	for i := 0; i < n; i++ {
		row := values[i*valuesPerPoint : (i+1)*valuesPerPoint]
		freqs[i] = opts.Unit.ToHz(row[0])
		s11 := toComplex(opts.Format, row[1], row[2])
		s21 := toComplex(opts.Format, row[3], row[4])
		s12 := toComplex(opts.Format, row[5], row[6])
		s22 := toComplex(opts.Format, row[7], row[8])
		s[i] = network.Matrix{{s11, s12}, {s21, s22}}
	}

	return network.New(freqs, s)
}

// ReadFile parses the named two-port Touchstone file.
func ReadFile(path string) (*network.Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open file %s", path)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logrus.Warnf("failed to close file %s", path)
		}
	}()

	n, err := Read(f)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to parse %s", path)
	}
	return n, nil
}

// Write serializes n as a two-port Touchstone stream in Hz / RI format.
func Write(w io.Writer, n *network.Network) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "! written by vnacal")
	fmt.Fprintln(bw, "# Hz S RI R 50")
	for i := 0; i < n.Len(); i++ {
		m := n.At(i)
		fmt.Fprintf(bw, "%.10g", n.Frequency(i))
		for _, v := range []complex128{m.S11(), m.S21(), m.S12(), m.S22()} {
			fmt.Fprintf(bw, " %.12g %.12g", real(v), imag(v))
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}

// WriteFile serializes n into the named file.
func WriteFile(path string, n *network.Network) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", path)
	}
	if err := Write(f, n); err != nil {
		_ = f.Close()
		return pkgerrors.Wrapf(err, "failed to write %s", path)
	}
	return f.Close()
}

func parseOptions(line string) (Options, error) {
	opts := DefaultOptions
	fields := strings.Fields(strings.TrimPrefix(line, "#"))
	for i := 0; i < len(fields); i++ {
		switch strings.ToUpper(fields[i]) {
		case "HZ", "KHZ", "MHZ", "GHZ":
			u, err := network.ParseUnit(fields[i])
			if err != nil {
				return opts, err
			}
			opts.Unit = u
		case "RI":
			opts.Format = FormatRI
		case "MA":
			opts.Format = FormatMA
		case "DB":
			opts.Format = FormatDB
		case "S":
		case "Y", "Z", "G", "H":
			return opts, fmt.Errorf("unsupported parameter type %q, only S-parameters are supported", fields[i])
		case "R":
			if i+1 >= len(fields) {
				return opts, fmt.Errorf("missing reference impedance after R")
			}
			r, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return opts, fmt.Errorf("bad reference impedance %q", fields[i+1])
			}
			opts.Reference = r
			i++
		default:
			return opts, fmt.Errorf("unknown option %q", fields[i])
		}
	}
	return opts, nil
}

func toComplex(format Format, a, b float64) complex128 {
	switch format {
	case FormatRI:
		return complex(a, b)
	case FormatDB:
		return cmplx.Rect(math.Pow(10, a/20), b*math.Pi/180)
	default:
		return cmplx.Rect(a, b*math.Pi/180)
	}
}
