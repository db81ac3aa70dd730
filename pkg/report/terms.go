package report

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/rflab/vnacal/pkg/errterm"
)

// WriteTermsCSV writes the dB magnitude of terms, one row per frequency.
// Undefined values are left empty. All terms are written when terms is empty.
func WriteTermsCSV(w io.Writer, res *errterm.Result, terms []errterm.Term) error {
	if len(terms) == 0 {
		terms = errterm.Terms
	}
	header := []string{"Frequency (Hz)"}
	series := make([][]float64, len(terms))
	for i, t := range terms {
		header = append(header, t.Description()+" (dB)")
		series[i] = res.SeriesDB(t)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return pkgerrors.Wrap(err, "failed to write header")
	}
	record := make([]string, len(header))
	for i, f := range res.Frequencies {
		record[0] = strconv.FormatFloat(f, 'g', -1, 64)
		for j := range terms {
			v := series[j][i]
			if math.IsNaN(v) {
				record[j+1] = ""
				continue
			}
			record[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return pkgerrors.Wrapf(err, "failed to write row at %g Hz", f)
		}
	}
	cw.Flush()
	return cw.Error()
}
