package report

import (
	"encoding/csv"
	"io"
	"math"
	"math/cmplx"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/rflab/vnacal/pkg/errterm"
	"github.com/rflab/vnacal/pkg/network"
)

// Header is the column layout of a comparison table.
var Header = []string{
	"Frequency (Hz)",
	"S11 Magnitude (dB) - Uncalibrated",
	"S11 Magnitude (dB) - Calibrated",
	"S11 Phase (deg) - Uncalibrated",
	"S11 Phase (deg) - Calibrated",
	"S21 Magnitude (dB) - Uncalibrated",
	"S21 Magnitude (dB) - Calibrated",
	"S21 Phase (deg) - Uncalibrated",
	"S21 Phase (deg) - Calibrated",
	"Return Loss S11 (dB) - Uncalibrated",
	"Return Loss S11 (dB) - Calibrated",
	"Insertion Loss S21 (dB) - Uncalibrated",
	"Insertion Loss S21 (dB) - Calibrated",
}

// Pair holds an uncalibrated and a calibrated reading of one quantity.
type Pair struct {
	Uncal, Cal float64
}

// Row is one line of the comparison table.
type Row struct {
	Frequency     float64
	S11MagDB      Pair
	S11PhaseDeg   Pair
	S21MagDB      Pair
	S21PhaseDeg   Pair
	ReturnLoss    Pair
	InsertionLoss Pair
}

func (r Row) values() []float64 {
	return []float64{
		r.Frequency,
		r.S11MagDB.Uncal, r.S11MagDB.Cal,
		r.S11PhaseDeg.Uncal, r.S11PhaseDeg.Cal,
		r.S21MagDB.Uncal, r.S21MagDB.Cal,
		r.S21PhaseDeg.Uncal, r.S21PhaseDeg.Cal,
		r.ReturnLoss.Uncal, r.ReturnLoss.Cal,
		r.InsertionLoss.Uncal, r.InsertionLoss.Cal,
	}
}

// Table samples uncal and cal at start, start+step, ... up to stop. Every
// row takes the nearest measured point of each network.
func Table(uncal, cal *network.Network, start, stop, step float64) ([]Row, error) {
	if uncal == nil || cal == nil {
		return nil, pkgerrors.New("both networks are required")
	}
	if !(step > 0) {
		return nil, pkgerrors.Errorf("frequency step must be positive, got %g", step)
	}
	if stop < start {
		return nil, pkgerrors.Errorf("stop frequency %g Hz is below start frequency %g Hz", stop, start)
	}

	var rows []Row
	for i := 0; ; i++ {
		f := start + float64(i)*step
		if f > stop+step*1e-9 {
			break
		}
		u := uncal.At(uncal.Nearest(f))
		c := cal.At(cal.Nearest(f))
		rows = append(rows, Row{
			Frequency:     f,
			S11MagDB:      Pair{errterm.DB(u.S11()), errterm.DB(c.S11())},
			S11PhaseDeg:   Pair{degrees(u.S11()), degrees(c.S11())},
			S21MagDB:      Pair{errterm.DB(u.S21()), errterm.DB(c.S21())},
			S21PhaseDeg:   Pair{degrees(u.S21()), degrees(c.S21())},
			ReturnLoss:    Pair{-errterm.DB(u.S11()), -errterm.DB(c.S11())},
			InsertionLoss: Pair{-errterm.DB(u.S21()), -errterm.DB(c.S21())},
		})
	}
	return rows, nil
}

// WriteCSV writes rows under Header.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return pkgerrors.Wrap(err, "failed to write header")
	}
	record := make([]string, len(Header))
	for _, r := range rows {
		for i, v := range r.values() {
			record[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return pkgerrors.Wrapf(err, "failed to write row at %g Hz", r.Frequency)
		}
	}
	cw.Flush()
	return cw.Error()
}

func degrees(v complex128) float64 {
	return cmplx.Phase(v) * 180 / math.Pi
}
